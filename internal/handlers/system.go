package handlers

import (
	"net/http"
	"os"
	"os/exec"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yuyu-dev/yuyu/internal/config"
	apperrors "github.com/yuyu-dev/yuyu/internal/errors"
	"github.com/yuyu-dev/yuyu/internal/logger"
	"github.com/yuyu-dev/yuyu/internal/plugin"
)

// SystemHandler serves host-level endpoints: system info, version, directory
// opening, and the restart request.
type SystemHandler struct {
	paths   config.Paths
	mgr     *plugin.Manager
	version string

	// requestRestart asks the bootstrap layer to respawn the binary and
	// shut this process down.
	requestRestart func()

	log zerolog.Logger
}

// NewSystemHandler creates the handler. requestRestart may be nil in tests.
func NewSystemHandler(paths config.Paths, mgr *plugin.Manager, version string, requestRestart func(), log zerolog.Logger) *SystemHandler {
	return &SystemHandler{paths: paths, mgr: mgr, version: version, requestRestart: requestRestart, log: log}
}

// RegisterRoutes mounts the system endpoints under /api.
func (h *SystemHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/system_info", h.systemInfo)
	rg.GET("/app_info", h.appInfo)
	rg.POST("/open_data_dir", h.openDataDir)
	rg.POST("/restart_program", h.restartProgram)
}

// systemInfoResponse mirrors what the UI expects.
type systemInfoResponse struct {
	Port        uint16 `json:"port"`
	DataDir     string `json:"data_dir"`
	PluginsRoot string `json:"plugins_root"`
}

func (h *SystemHandler) systemInfo(c *gin.Context) {
	c.JSON(http.StatusOK, apperrors.OK(systemInfoResponse{
		Port:        h.mgr.HostPort.Get(),
		DataDir:     h.paths.DataDir,
		PluginsRoot: h.paths.AppDir,
	}))
}

func (h *SystemHandler) appInfo(c *gin.Context) {
	c.JSON(http.StatusOK, apperrors.OK(gin.H{"version": h.version}))
}

func (h *SystemHandler) openDataDir(c *gin.Context) {
	if err := os.MkdirAll(h.paths.DataDir, 0o755); err != nil {
		c.JSON(http.StatusOK, apperrors.Fail(apperrors.IO("create data dir", err)))
		return
	}
	openInFileManager(h.paths.DataDir)
	c.JSON(http.StatusOK, apperrors.OK("Opening directory"))
}

// restartProgram re-execs the binary with the respawn sentinel, then asks
// the bootstrap layer to shut this process down.
func (h *SystemHandler) restartProgram(c *gin.Context) {
	exe, err := os.Executable()
	if err != nil {
		c.JSON(http.StatusOK, apperrors.Fail(apperrors.Internal("cannot locate executable")))
		return
	}

	cmd := exec.Command(exe, "--respawn")
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		c.JSON(http.StatusOK, apperrors.Fail(apperrors.IO("respawn failed", err)))
		return
	}
	// The new process must not die with us.
	_ = cmd.Process.Release()

	h.log.Info().Msg("restart requested, respawn launched")
	c.JSON(http.StatusOK, apperrors.OK("Restarting"))

	if h.requestRestart != nil {
		go h.requestRestart()
	}
}

// openInFileManager opens a directory in the platform file browser. Failures
// are logged, never surfaced: this is a convenience, not a contract.
func openInFileManager(path string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		logger.Log.Warn().Err(err).Str("path", path).Msg("cannot open directory")
		return
	}
	go func() { _ = cmd.Wait() }()
}
