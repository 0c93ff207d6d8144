// Package plugin implements the plugin supervisor: the per-plugin record, the
// registry/manager, and the per-run process runner.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// MaxOutputLines bounds a plugin's buffered console output.
const MaxOutputLines = 500

// Manifest is the per-plugin app.json descriptor.
type Manifest struct {
	Name        string `json:"name"`
	Entry       string `json:"entry"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Author      string `json:"author,omitempty"`
}

// LoadManifest reads and parses an app.json file. Field values are not
// checked here; an empty entry is rejected when the plugin is started.
func LoadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// EntryArgs splits the manifest entry into argv. The first token is the
// program, resolved against the per-run workspace before falling back to a
// system command.
func (m Manifest) EntryArgs() []string {
	return strings.Fields(m.Entry)
}

// Status is a plugin's lifecycle state.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// Record is the in-memory state for one discovered plugin.
//
// Immutable fields are set at load time. The run counters are atomics so the
// runner's stop and generation checks never take the state lock; everything
// else is guarded by mu.
type Record struct {
	ID        string
	Manifest  Manifest
	PluginDir string
	// TmpRoot is the parent of this plugin's per-run workspaces
	// (<exe>/tmp/app/<id>).
	TmpRoot string

	runID     atomic.Uint64
	stopRunID atomic.Uint64

	mu       sync.Mutex
	status   Status
	isAlive  bool
	pid      int
	output   []string
	enabled  bool
	apiToken string
	webuiURL string
}

// NewRecord creates a stopped, disabled record.
func NewRecord(id string, manifest Manifest, pluginDir, tmpRoot string) *Record {
	return &Record{
		ID:        id,
		Manifest:  manifest,
		PluginDir: pluginDir,
		TmpRoot:   tmpRoot,
		status:    StatusStopped,
	}
}

// BeginRun advances the run generation and clears any pending stop request.
// The returned id names the run about to start.
func (r *Record) BeginRun() uint64 {
	newRunID := r.runID.Add(1)
	r.stopRunID.Store(0)
	return newRunID
}

// CurrentRunID returns the latest generation handed out by BeginRun.
func (r *Record) CurrentRunID() uint64 { return r.runID.Load() }

// IsCurrentRun reports whether runID is still the live generation. Runners
// check this before every state mutation so a superseded run cannot clobber
// its successor.
func (r *Record) IsCurrentRun(runID uint64) bool { return r.runID.Load() == runID }

// RequestStopCurrentRun marks the current generation as stop-requested and
// returns it.
func (r *Record) RequestStopCurrentRun() uint64 {
	runID := r.runID.Load()
	r.stopRunID.Store(runID)
	return runID
}

// ShouldStopRun reports whether a stop is pending for exactly this run.
func (r *Record) ShouldStopRun(runID uint64) bool {
	return runID != 0 && r.stopRunID.Load() == runID
}

// Status returns the lifecycle state.
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus updates the lifecycle state.
func (r *Record) SetStatus(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

// SetProcessAlive flips process presence; clearing it also forgets the pid.
func (r *Record) SetProcessAlive(alive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isAlive = alive
	if !alive {
		r.pid = 0
	}
}

// IsProcessAlive reports process presence as last published by the runner.
func (r *Record) IsProcessAlive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isAlive
}

// SetPid records the child's pid for the current run.
func (r *Record) SetPid(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pid = pid
}

// Pid returns the child's pid, or 0 when no process is alive.
func (r *Record) Pid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

// Enabled reports the persisted desire to run.
func (r *Record) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetEnabled updates the desire to run.
func (r *Record) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// Output returns a copy of the buffered console lines, oldest first.
func (r *Record) Output() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.output))
	copy(out, r.output)
	return out
}

// AddOutput appends a console line, evicting the oldest above the cap.
func (r *Record) AddOutput(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, line)
	if len(r.output) > MaxOutputLines {
		r.output = r.output[1:]
	}
}

// ClearOutput drops the buffered lines.
func (r *Record) ClearOutput() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = nil
}

// SetAPIToken installs this run's credential.
func (r *Record) SetAPIToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiToken = token
}

// APIToken returns the current credential, empty when no run owns one.
func (r *Record) APIToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apiToken
}

// ClearAPIToken forgets the credential. Idempotent.
func (r *Record) ClearAPIToken() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiToken = ""
}

// SetWebUI stores the URL the plugin registered for its UI.
func (r *Record) SetWebUI(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webuiURL = url
}

// WebUI returns the registered URL, if any.
func (r *Record) WebUI() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.webuiURL, r.webuiURL != ""
}

// ClearWebUI forgets the registered URL. Idempotent.
func (r *Record) ClearWebUI() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webuiURL = ""
}

// Info is the UI-facing snapshot of one plugin.
type Info struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Version     string   `json:"version"`
	Author      string   `json:"author,omitempty"`
	Status      Status   `json:"status"`
	Enabled     bool     `json:"enabled"`
	Output      []string `json:"output"`
	WebUIURL    string   `json:"webui_url,omitempty"`
}

// Snapshot captures a consistent Info view of the record.
func (r *Record) Snapshot() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.output))
	copy(out, r.output)
	return Info{
		ID:          r.ID,
		Name:        r.Manifest.Name,
		Description: r.Manifest.Description,
		Version:     r.Manifest.Version,
		Author:      r.Manifest.Author,
		Status:      r.status,
		Enabled:     r.enabled,
		Output:      out,
		WebUIURL:    r.webuiURL,
	}
}
