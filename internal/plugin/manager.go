package plugin

import (
	"context"
	"crypto/subtle"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yuyu-dev/yuyu/internal/config"
	apperrors "github.com/yuyu-dev/yuyu/internal/errors"
)

// readinessWait bounds how long StartPlugin waits for the host and proxy
// ports to be published before giving up with ProxyNotReady.
const readinessWait = 5 * time.Second

// Manager is the registry of plugin records and the entry point for every
// lifecycle operation the control API exposes.
//
// Locking: the registry map is behind an RWMutex that is never held across
// file I/O or channel sends. Per-record state has its own lock (see Record).
type Manager struct {
	paths   config.Paths
	enabled *EnabledSet

	mu      sync.RWMutex
	plugins map[string]*Record

	output *Bus[OutputEvent]
	status *Bus[StatusEvent]

	// HostPort publishes the control API's observed listener port.
	HostPort *PortNotifier

	// ProxyPorts publishes the upstream proxy's API/event listener ports.
	ProxyPorts *ProxyPortNotifier

	log zerolog.Logger
}

// NewManager creates a manager rooted at the given layout.
func NewManager(paths config.Paths, log zerolog.Logger) *Manager {
	return &Manager{
		paths:      paths,
		enabled:    NewEnabledSet(paths.EnabledSetPath()),
		plugins:    make(map[string]*Record),
		output:     NewBus[OutputEvent](outputBusCapacity),
		status:     NewBus[StatusEvent](statusBusCapacity),
		HostPort:   NewPortNotifier(),
		ProxyPorts: NewProxyPortNotifier(),
		log:        log,
	}
}

// SubscribeOutput returns a feed of console lines across all plugins.
func (m *Manager) SubscribeOutput() (<-chan OutputEvent, func()) { return m.output.Subscribe() }

// SubscribeStatus returns a feed of lifecycle changes across all plugins.
func (m *Manager) SubscribeStatus() (<-chan StatusEvent, func()) { return m.status.Subscribe() }

// LoadPlugins scans <exe>/app for plugin directories and registers any that
// are not already loaded. Existing records are never replaced, so a rescan
// triggered from the UI cannot disturb a running plugin.
func (m *Manager) LoadPlugins() error {
	if err := os.MkdirAll(m.paths.AppDir, 0o755); err != nil {
		return apperrors.IO("create plugins root", err)
	}

	entries, err := os.ReadDir(m.paths.AppDir)
	if err != nil {
		return apperrors.IO("scan plugins root", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		manifest, err := LoadManifest(filepath.Join(m.paths.AppDir, id, "app.json"))
		if err != nil {
			m.log.Warn().Str("plugin", id).Err(err).Msg("skipping plugin with unreadable manifest")
			continue
		}

		m.mu.Lock()
		if _, exists := m.plugins[id]; !exists {
			m.plugins[id] = NewRecord(id, manifest, m.paths.PluginDir(id), m.paths.PluginTmpDir(id))
			m.log.Info().Str("plugin", id).Str("name", manifest.Name).Msg("plugin loaded")
		}
		m.mu.Unlock()
	}
	return nil
}

// Get returns the record for id.
func (m *Manager) Get(id string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.plugins[id]
	return rec, ok
}

// List returns snapshots of every loaded plugin.
func (m *Manager) List() []Info {
	m.mu.RLock()
	records := make([]*Record, 0, len(m.plugins))
	for _, rec := range m.plugins {
		records = append(records, rec)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(records))
	for _, rec := range records {
		infos = append(infos, rec.Snapshot())
	}
	return infos
}

// records returns a snapshot slice of all loaded records.
func (m *Manager) records() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.plugins))
	for _, rec := range m.plugins {
		out = append(out, rec)
	}
	return out
}

// StartPlugin begins a new run for id. It waits (bounded) for the host and
// proxy ports to be known, advances the record's generation, and dispatches
// the runner. The runner takes over from workspace creation onward.
func (m *Manager) StartPlugin(ctx context.Context, id string) error {
	rec, ok := m.Get(id)
	if !ok {
		return apperrors.NotFound("plugin")
	}
	if len(rec.Manifest.EntryArgs()) == 0 {
		return apperrors.EmptyEntry()
	}

	waitCtx, cancel := context.WithTimeout(ctx, readinessWait)
	defer cancel()
	if _, err := m.HostPort.Wait(waitCtx); err != nil {
		return apperrors.ProxyNotReady()
	}
	if _, _, err := m.ProxyPorts.Wait(waitCtx); err != nil {
		return apperrors.ProxyNotReady()
	}

	runID := rec.BeginRun()
	m.log.Info().Str("plugin", id).Uint64("run_id", runID).Msg("starting plugin")
	go m.runPlugin(rec, runID)
	return nil
}

// StopPlugin requests the current run to stop. A user-initiated stop also
// turns the plugin off: its credential and WebUI registration are cleared
// immediately and the id leaves the enabled-set, so the run's terminal event
// reports enabled=false. The runner notices the stop flag on its next tick.
func (m *Manager) StopPlugin(id string, userAction bool) error {
	rec, ok := m.Get(id)
	if !ok {
		return apperrors.NotFound("plugin")
	}

	runID := rec.RequestStopCurrentRun()
	m.log.Info().Str("plugin", id).Uint64("run_id", runID).Bool("user", userAction).Msg("stop requested")

	if userAction {
		rec.SetEnabled(false)
		rec.ClearAPIToken()
		rec.ClearWebUI()
		m.enabled.Remove(id)
	}
	return nil
}

// DeletePlugin removes the installed source tree and forgets the record. The
// data directory is preserved. Refused while the plugin is running.
func (m *Manager) DeletePlugin(id string) error {
	rec, ok := m.Get(id)
	if !ok {
		return apperrors.NotFound("plugin")
	}
	if rec.Status() == StatusRunning {
		return apperrors.PluginRunning(id)
	}

	if err := os.RemoveAll(rec.PluginDir); err != nil {
		return apperrors.IO("delete plugin directory", err)
	}

	m.mu.Lock()
	delete(m.plugins, id)
	m.mu.Unlock()

	m.enabled.Remove(id)
	m.log.Info().Str("plugin", id).Msg("plugin deleted")
	return nil
}

// ClearOutput drops a plugin's buffered console lines.
func (m *Manager) ClearOutput(id string) error {
	rec, ok := m.Get(id)
	if !ok {
		return apperrors.NotFound("plugin")
	}
	rec.ClearOutput()
	return nil
}

// SetPluginWebUI records the UI location a plugin registered over an
// authenticated call and announces it in a status event. Bare paths are
// canonicalised; absolute http(s) URLs from legacy plugins are kept as-given.
func (m *Manager) SetPluginWebUI(id, raw string) error {
	rec, ok := m.Get(id)
	if !ok {
		return apperrors.NotFound("plugin")
	}

	url := raw
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		if url == "" {
			url = "/"
		} else if !strings.HasPrefix(url, "/") {
			url = "/" + url
		}
	}

	rec.SetWebUI(url)
	m.publishStatus(rec)
	return nil
}

// LookupByToken resolves a per-run credential to its plugin id.
func (m *Manager) LookupByToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	for _, rec := range m.records() {
		current := rec.APIToken()
		if current == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(current), []byte(token)) == 1 {
			return rec.ID, true
		}
	}
	return "", false
}

// GetEnabledPlugins returns the persisted enabled ids that are both still on
// disk and loaded. Ids whose directories are gone are pruned from the file
// as a side effect.
func (m *Manager) GetEnabledPlugins() []string {
	kept := m.enabled.Retain(func(id string) bool {
		info, err := os.Stat(m.paths.PluginDir(id))
		return err == nil && info.IsDir()
	})

	out := make([]string, 0, len(kept))
	for _, id := range kept {
		if _, ok := m.Get(id); ok {
			out = append(out, id)
		}
	}
	return out
}

// PurgeEnabledPluginIfAbsent removes id from the enabled-set only when its
// directory no longer exists. Returns true when a purge happened.
func (m *Manager) PurgeEnabledPluginIfAbsent(id string) bool {
	if info, err := os.Stat(m.paths.PluginDir(id)); err == nil && info.IsDir() {
		return false
	}
	m.enabled.Remove(id)
	m.log.Info().Str("plugin", id).Msg("pruned vanished plugin from enabled-set")
	return true
}

// AutoStartEnabled starts every previously-enabled plugin once the host port
// is known. Ids whose directories vanished are healed out of the config
// rather than reported as failures.
func (m *Manager) AutoStartEnabled(ctx context.Context) {
	if _, err := m.HostPort.Wait(ctx); err != nil {
		return
	}

	for _, id := range m.GetEnabledPlugins() {
		name := id
		if rec, ok := m.Get(id); ok {
			name = rec.Manifest.Name
		}
		m.log.Info().Str("plugin", id).Str("name", name).Msg("auto-starting plugin")
		if err := m.StartPlugin(ctx, id); err != nil {
			if apperrors.AsAppError(err).Code == apperrors.ErrCodeNotFound && m.PurgeEnabledPluginIfAbsent(id) {
				continue
			}
			m.log.Error().Str("plugin", id).Err(err).Msg("auto-start failed")
		}
	}
}

// StopAllAndWait stops every plugin and waits until all runs report dead or
// the deadline elapses. Within the final second any process still alive is
// force-killed by pid. Callers may run CleanupTmpApps only after this
// returns: a run reporting dead guarantees its workspace is already removed.
func (m *Manager) StopAllAndWait(deadline time.Duration) {
	for _, rec := range m.records() {
		_ = m.StopPlugin(rec.ID, false)
	}

	deadlineAt := time.Now().Add(deadline)
	forced := false
	for {
		alive := 0
		for _, rec := range m.records() {
			if rec.IsProcessAlive() {
				alive++
			}
		}
		if alive == 0 {
			return
		}

		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			m.log.Warn().Int("alive", alive).Msg("shutdown deadline elapsed with plugins still alive")
			return
		}
		if remaining <= time.Second && !forced {
			forced = true
			for _, rec := range m.records() {
				if pid := rec.Pid(); pid != 0 && pidAlive(pid) {
					m.log.Warn().Str("plugin", rec.ID).Int("pid", pid).Msg("force-killing plugin process")
					killProcessTree(pid)
				}
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// CleanupTmpApps removes the transient tmp/app tree, retrying because a
// just-exited child may still hold file handles for a moment.
func (m *Manager) CleanupTmpApps() {
	for attempt := 0; attempt < 40; attempt++ {
		if err := os.RemoveAll(m.paths.TmpAppDir); err == nil {
			return
		}
		time.Sleep(150 * time.Millisecond)
	}
	m.log.Warn().Str("dir", m.paths.TmpAppDir).Msg("tmp cleanup kept failing, leaving leftovers")
}

// SweepOrphanTmp removes per-plugin tmp directories that no live run owns.
// Wired to the maintenance cron.
func (m *Manager) SweepOrphanTmp() {
	entries, err := os.ReadDir(m.paths.TmpAppDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if rec, ok := m.Get(id); ok && rec.IsProcessAlive() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.paths.TmpAppDir, id)); err != nil {
			m.log.Warn().Str("plugin", id).Err(err).Msg("orphan tmp sweep failed")
		}
	}
}

// HealEnabledSet prunes vanished ids from the enabled-set. Wired to the
// maintenance cron; GetEnabledPlugins performs the prune as its side effect.
func (m *Manager) HealEnabledSet() {
	m.GetEnabledPlugins()
}

// Paths exposes the directory layout for handlers (open-dir endpoints).
func (m *Manager) Paths() config.Paths { return m.paths }

// publishStatus emits a status event reflecting the record right now.
func (m *Manager) publishStatus(rec *Record) {
	snap := rec.Snapshot()
	m.status.Publish(StatusEvent{
		PluginID: snap.ID,
		Status:   snap.Status,
		Enabled:  snap.Enabled,
		WebUIURL: snap.WebUIURL,
	})
}
