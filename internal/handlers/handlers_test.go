package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuyu-dev/yuyu/internal/bot"
	"github.com/yuyu-dev/yuyu/internal/config"
	"github.com/yuyu-dev/yuyu/internal/logger"
	"github.com/yuyu-dev/yuyu/internal/plugin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router *gin.Engine
	mgr    *plugin.Manager
	paths  config.Paths
	store  *config.BotConfigStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	paths := config.NewPaths(t.TempDir())
	require.NoError(t, paths.EnsureLayout())

	mgr := plugin.NewManager(paths, zerolog.Nop())
	store := config.NewBotConfigStore(paths.BotConfigPath())
	botClient := bot.NewClient(store, zerolog.Nop())
	log := zerolog.Nop()

	router := NewRouter(Deps{
		Plugins: NewPluginHandler(mgr),
		System:  NewSystemHandler(paths, mgr, "1.2.3", nil, log),
		Bot:     NewBotHandler(store, botClient, context.Background()),
		Logs:    NewLogsHandler(logger.Buffer),
		Log:     &log,
	})

	return &fixture{router: router, mgr: mgr, paths: paths, store: store}
}

func (f *fixture) installPlugin(t *testing.T, id string, manifest plugin.Manifest) {
	t.Helper()
	dir := f.paths.PluginDir(id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.json"), raw, 0o644))
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func parseEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestPluginListRescansAndReturnsRecords(t *testing.T) {
	f := newFixture(t)
	f.installPlugin(t, "echo", plugin.Manifest{Name: "Echo", Entry: "./bin", Description: "says hi", Version: "2.0", Author: "ayu"})

	rec := f.do(http.MethodGet, "/api/plugins/list", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := parseEnvelope(t, rec)
	require.Equal(t, 0, env.Retcode)

	var infos []plugin.Info
	require.NoError(t, json.Unmarshal(env.Data, &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "echo", infos[0].ID)
	assert.Equal(t, "Echo", infos[0].Name)
	assert.Equal(t, "ayu", infos[0].Author)
	assert.Equal(t, plugin.StatusStopped, infos[0].Status)
}

func TestStartUnknownPluginFails(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/plugins/ghost/start", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := parseEnvelope(t, rec)
	assert.Equal(t, 1, env.Retcode)
	assert.Contains(t, env.Message, "not found")
}

func TestUninstallRunningPluginFails(t *testing.T) {
	f := newFixture(t)
	f.installPlugin(t, "echo", plugin.Manifest{Name: "Echo", Entry: "./bin", Version: "1.0"})
	require.NoError(t, f.mgr.LoadPlugins())
	r, _ := f.mgr.Get("echo")
	r.SetStatus(plugin.StatusRunning)

	rec := f.do(http.MethodPost, "/api/plugins/echo/uninstall", "", nil)
	env := parseEnvelope(t, rec)
	assert.Equal(t, 1, env.Retcode)
	assert.Contains(t, env.Message, "stop it first")
}

func TestOutputEndpoints(t *testing.T) {
	f := newFixture(t)
	f.installPlugin(t, "echo", plugin.Manifest{Name: "Echo", Entry: "./bin", Version: "1.0"})
	require.NoError(t, f.mgr.LoadPlugins())
	r, _ := f.mgr.Get("echo")
	r.AddOutput("one")
	r.AddOutput("two")

	rec := f.do(http.MethodGet, "/api/plugins/echo/output", "", nil)
	env := parseEnvelope(t, rec)
	require.Equal(t, 0, env.Retcode)
	var lines []string
	require.NoError(t, json.Unmarshal(env.Data, &lines))
	assert.Equal(t, []string{"one", "two"}, lines)

	rec = f.do(http.MethodPost, "/api/plugins/echo/output/clear", "", nil)
	assert.Equal(t, 0, parseEnvelope(t, rec).Retcode)
	assert.Empty(t, r.Output())
}

func TestSetWebUIRequiresToken(t *testing.T) {
	f := newFixture(t)
	f.installPlugin(t, "echo", plugin.Manifest{Name: "Echo", Entry: "./bin", Version: "1.0"})
	require.NoError(t, f.mgr.LoadPlugins())

	rec := f.do(http.MethodPost, "/set_webui", `{"webui":"panel"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/set_webui", `{"webui":"panel"}`, map[string]string{
		"Authorization": "Bearer wrong",
		"Content-Type":  "application/json",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSetWebUIStoresCanonicalPath(t *testing.T) {
	f := newFixture(t)
	f.installPlugin(t, "echo", plugin.Manifest{Name: "Echo", Entry: "./bin", Version: "1.0"})
	require.NoError(t, f.mgr.LoadPlugins())

	r, _ := f.mgr.Get("echo")
	r.SetAPIToken("run-token")

	rec := f.do(http.MethodPost, "/set_webui", `{"webui":"panel"}`, map[string]string{
		"Authorization": "Bearer run-token",
		"Content-Type":  "application/json",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, parseEnvelope(t, rec).Retcode)

	url, ok := r.WebUI()
	require.True(t, ok)
	assert.Equal(t, "/panel", url)
}

func TestSystemInfo(t *testing.T) {
	f := newFixture(t)
	f.mgr.HostPort.Set(12345)

	rec := f.do(http.MethodGet, "/api/system_info", "", nil)
	env := parseEnvelope(t, rec)
	require.Equal(t, 0, env.Retcode)

	var info struct {
		Port        uint16 `json:"port"`
		DataDir     string `json:"data_dir"`
		PluginsRoot string `json:"plugins_root"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.EqualValues(t, 12345, info.Port)
	assert.Equal(t, f.paths.DataDir, info.DataDir)
	assert.Equal(t, f.paths.AppDir, info.PluginsRoot)
}

func TestAppInfo(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/app_info", "", nil)
	env := parseEnvelope(t, rec)
	require.Equal(t, 0, env.Retcode)
	assert.Contains(t, string(env.Data), "1.2.3")
}

func TestBotConfigRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/bot/config", "", nil)
	env := parseEnvelope(t, rec)
	require.Equal(t, 0, env.Retcode)

	var cfg config.BotConfig
	require.NoError(t, json.Unmarshal(env.Data, &cfg))
	assert.Equal(t, config.DefaultBotConfig(), cfg)

	rec = f.do(http.MethodPost, "/api/bot/config",
		`{"host":"10.1.1.1","apiPort":4000,"eventPort":4001,"token":"tk","auto_connect":true}`,
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, 0, parseEnvelope(t, rec).Retcode)

	saved := f.store.Get()
	assert.Equal(t, "10.1.1.1", saved.Host)
	assert.Equal(t, 4000, saved.APIPort)
	assert.True(t, saved.AutoConnect)
}

func TestBotConfigRejectsMissingHost(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/bot/config", `{"apiPort":1}`,
		map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBotStatus(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/bot/status", "", nil)
	env := parseEnvelope(t, rec)
	require.Equal(t, 0, env.Retcode)
	assert.JSONEq(t, `{"connected":false,"connecting":false}`, string(env.Data))
}

func TestLogsEndpoints(t *testing.T) {
	f := newFixture(t)
	logger.Buffer.Clear()
	logger.Buffer.Append(logger.Entry{Level: "info", Source: "host", Message: "booted"})

	rec := f.do(http.MethodGet, "/api/logs", "", nil)
	env := parseEnvelope(t, rec)
	require.Equal(t, 0, env.Retcode)
	assert.Contains(t, string(env.Data), "booted")

	rec = f.do(http.MethodPost, "/api/logs/clear", "", nil)
	require.Equal(t, 0, parseEnvelope(t, rec).Retcode)
	assert.Empty(t, logger.Buffer.Entries())
}

func TestRequestIDHeaderOnResponses(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/app_info", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
