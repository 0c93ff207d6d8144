package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuyu-dev/yuyu/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubResolver maps one token to one plugin id.
type stubResolver struct {
	token string
	id    string
}

func (s stubResolver) LookupByToken(token string) (string, bool) {
	if token == s.token && token != "" {
		return s.id, true
	}
	return "", false
}

// storeFor points a BotConfigStore at an httptest upstream.
func storeFor(t *testing.T, upstream *httptest.Server, token string) *config.BotConfigStore {
	t.Helper()
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	store := config.NewBotConfigStore(t.TempDir() + "/config.json")
	require.NoError(t, store.Set(config.BotConfig{
		Host:      u.Hostname(),
		APIPort:   port,
		EventPort: port,
		Token:     token,
	}))
	return store
}

func TestAPIProxyForwards(t *testing.T) {
	var gotPath, gotAuth, gotPluginID, gotContentType, gotAccept, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotPluginID = r.Header.Get("X-YUYU-PLUGIN-ID")
		gotContentType = r.Header.Get("Content-Type")
		gotAccept = r.Header.Get("Accept")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	proxy := NewAPIProxy(storeFor(t, upstream, "bot-token"), zerolog.Nop())
	router := proxy.Router(stubResolver{token: "run-token", id: "echo"})

	req := httptest.NewRequest(http.MethodPost, "/api/send_message", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Authorization", "Bearer run-token")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	assert.Equal(t, "/api/send_message", gotPath)
	assert.Equal(t, "Bearer bot-token", gotAuth)
	assert.Equal(t, "echo", gotPluginID)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, `{"text":"hi"}`, gotBody)
}

func TestAPIProxyDefaultsContentType(t *testing.T) {
	var gotContentType string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	proxy := NewAPIProxy(storeFor(t, upstream, ""), zerolog.Nop())
	router := proxy.Router(stubResolver{token: "tk", id: "p"})

	req := httptest.NewRequest(http.MethodPost, "/api/x", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer tk")
	req.Header.Del("Content-Type")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "application/json", gotContentType)
}

func TestAPIProxyAuth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached without auth")
	}))
	defer upstream.Close()

	proxy := NewAPIProxy(storeFor(t, upstream, ""), zerolog.Nop())
	router := proxy.Router(stubResolver{token: "valid", id: "p"})

	tests := []struct {
		name string
		auth string
	}{
		{"missing token", ""},
		{"unknown token", "Bearer nope"},
		{"empty bearer", "Bearer "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/x", strings.NewReader(`{}`))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAPIProxyAccessTokenQueryParam(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	proxy := NewAPIProxy(storeFor(t, upstream, ""), zerolog.Nop())
	router := proxy.Router(stubResolver{token: "qtoken", id: "p"})

	req := httptest.NewRequest(http.MethodPost, "/api/x?access_token=qtoken", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIProxyUpstreamUnreachable(t *testing.T) {
	// Point at a closed port.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	store := storeFor(t, upstream, "")
	upstream.Close()

	proxy := NewAPIProxy(store, zerolog.Nop())
	router := proxy.Router(stubResolver{token: "tk", id: "p"})

	req := httptest.NewRequest(http.MethodPost, "/api/x", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer tk")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"bearer header", "Bearer abc", "", "abc"},
		{"raw header", "abc", "", "abc"},
		{"query param", "", "access_token=qrs", "qrs"},
		{"header wins over query", "Bearer abc", "access_token=qrs", "abc"},
		{"nothing", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/event"
			if tt.query != "" {
				target += "?" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, ExtractToken(req))
		})
	}
}
