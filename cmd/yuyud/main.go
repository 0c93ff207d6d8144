// Command yuyud is the yuyu plugin host: it supervises plugin child
// processes and multiplexes them onto one upstream bot service.
//
// Three loopback listeners come up on OS-assigned ports:
//   - the control API the UI consumes (plus the plugin-facing set_webui),
//   - the upstream API proxy plugins call with their run token,
//   - the event fan-out plugins subscribe to over SSE or WebSocket.
//
// The observed ports are published to the plugin manager; auto-start and
// auto-connect wait on those notifiers before doing anything.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/yuyu-dev/yuyu/internal/bot"
	"github.com/yuyu-dev/yuyu/internal/config"
	"github.com/yuyu-dev/yuyu/internal/handlers"
	"github.com/yuyu-dev/yuyu/internal/logger"
	"github.com/yuyu-dev/yuyu/internal/plugin"
	"github.com/yuyu-dev/yuyu/internal/proxy"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

// ignitionRetryDelay spaces attempts to bring the listeners up.
const ignitionRetryDelay = time.Second

func main() {
	respawn := flag.Bool("respawn", false, "internal: set by restart_program on the replacement process")
	flag.Parse()

	hostCfg := config.LoadHostConfig()
	logger.Initialize(hostCfg.LogLevel, hostCfg.LogStderr)
	log := logger.Log

	if *respawn {
		log.Info().Msg("respawned by restart_program")
	}

	paths := config.DefaultPaths()
	if err := paths.EnsureLayout(); err != nil {
		log.Fatal().Err(err).Msg("cannot create directory layout")
	}

	botStore := config.NewBotConfigStore(paths.BotConfigPath())
	mgr := plugin.NewManager(paths, *logger.Plugin())
	apiProxy := proxy.NewAPIProxy(botStore, *logger.Proxy())
	fanout := proxy.NewEventFanout(botStore, *logger.Proxy())
	botClient := bot.NewClient(botStore, *logger.Bot())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gin.SetMode(gin.ReleaseMode)

	pluginHandler := handlers.NewPluginHandler(mgr)
	systemHandler := handlers.NewSystemHandler(paths, mgr, version, cancel, log)
	botHandler := handlers.NewBotHandler(botStore, botClient, ctx)
	logsHandler := handlers.NewLogsHandler(logger.Buffer)

	httpLog := logger.HTTP()
	mainRouter := handlers.NewRouter(handlers.Deps{
		Plugins: pluginHandler,
		System:  systemHandler,
		Bot:     botHandler,
		Logs:    logsHandler,
		Log:     httpLog,
	})
	apiRouter := apiProxy.Router(mgr)
	eventRouter := fanout.Router(mgr)

	go fanout.Run(ctx)

	servers := ignite(log, []listenerSpec{
		{name: "control", handler: mainRouter, publish: func(port uint16) { mgr.HostPort.Set(port) }},
		{name: "milky-api", handler: apiRouter, publish: mgr.ProxyPorts.SetAPIPort},
		{name: "milky-event", handler: eventRouter, publish: mgr.ProxyPorts.SetEventPort},
	})

	// Maintenance: heal the enabled-set and sweep orphaned run workspaces.
	maintenance := cron.New()
	_, _ = maintenance.AddFunc("@every 10m", mgr.HealEnabledSet)
	_, _ = maintenance.AddFunc("@every 10m", mgr.SweepOrphanTmp)
	maintenance.Start()

	if err := mgr.LoadPlugins(); err != nil {
		log.Error().Err(err).Msg("initial plugin scan failed")
	}
	go mgr.AutoStartEnabled(ctx)
	go func() {
		if _, err := mgr.HostPort.Wait(ctx); err == nil {
			botClient.AutoConnect(ctx)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("internal shutdown requested")
	}

	maintenance.Stop()
	botClient.Disconnect()

	// Plugins first: StopAllAndWait only returns once every run reports
	// dead, and a dead run guarantees its workspace is gone, so the global
	// tmp cleanup below cannot race a runner.
	mgr.StopAllAndWait(time.Duration(hostCfg.ShutdownTimeout) * time.Second)
	mgr.CleanupTmpApps()

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}

	log.Info().Msg("shutdown complete")
}

// listenerSpec names one loopback listener and where its observed port goes.
type listenerSpec struct {
	name    string
	handler http.Handler
	publish func(port uint16)
}

// ignite binds every listener on an ephemeral loopback port and starts
// serving. If any bind fails the whole batch is torn down and retried so the
// published ports always describe a fully-running trio.
func ignite(log zerolog.Logger, specs []listenerSpec) []*http.Server {
	for {
		listeners := make([]net.Listener, 0, len(specs))
		ok := true
		for _, spec := range specs {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				log.Warn().Str("listener", spec.name).Err(err).Msg("bind failed, retrying ignition")
				ok = false
				break
			}
			listeners = append(listeners, ln)
		}
		if !ok {
			for _, ln := range listeners {
				_ = ln.Close()
			}
			time.Sleep(ignitionRetryDelay)
			continue
		}

		servers := make([]*http.Server, 0, len(specs))
		for i, spec := range specs {
			ln := listeners[i]
			port := uint16(ln.Addr().(*net.TCPAddr).Port)

			srv := &http.Server{
				Handler:           spec.handler,
				ReadHeaderTimeout: 5 * time.Second,
			}
			servers = append(servers, srv)

			go func(name string, srv *http.Server, ln net.Listener) {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					log.Error().Str("listener", name).Err(err).Msg("listener stopped")
				}
			}(spec.name, srv, ln)

			log.Info().Str("listener", spec.name).Str("addr", fmt.Sprintf("127.0.0.1:%d", port)).Msg("listener up")
			spec.publish(port)
		}
		return servers
	}
}
