package plugin

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const (
	// readTick is the PTY read deadline; it doubles as the stop-poll period.
	readTick = 500 * time.Millisecond

	// gracefulWindow is how long a child gets between the interrupt and the
	// forced kill.
	gracefulWindow = 5 * time.Second

	// portProbeWindow bounds the TCP readiness probe per proxy port.
	portProbeWindow = 2 * time.Second

	// handleReleaseDelay gives a just-exited child time to release file
	// handles before the workspace is removed.
	handleReleaseDelay = 200 * time.Millisecond
)

// ansiEscape matches CSI and OSC sequences so captured console output is
// published as plain text.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

// generateRunToken creates the 32-byte per-run credential, hex encoded.
// Tokens regenerate every run so a stale process cannot impersonate its
// successor.
func generateRunToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate run token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// runPlugin is the per-run worker. It owns the workspace it creates and runs
// until the child exits or the run is stopped or superseded. Every record
// mutation is guarded by IsCurrentRun so a superseded run cannot overwrite
// its successor's state.
func (m *Manager) runPlugin(rec *Record, runID uint64) {
	log := m.log.With().Str("plugin", rec.ID).Uint64("run_id", runID).Logger()

	workspace := filepath.Join(rec.TmpRoot, fmt.Sprintf("run-%d-%s", runID, uuid.NewString()[:8]))
	if err := copyDir(rec.PluginDir, workspace); err != nil {
		log.Error().Err(err).Msg("workspace copy failed")
		m.failRun(rec, runID, workspace, fmt.Sprintf("[错误] 复制插件目录失败: %v", err))
		return
	}

	dataDir := m.paths.PluginDataDir(rec.ID)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Error().Err(err).Msg("data dir creation failed")
		m.failRun(rec, runID, workspace, fmt.Sprintf("[错误] 创建数据目录失败: %v", err))
		return
	}

	token, err := generateRunToken()
	if err != nil {
		m.failRun(rec, runID, workspace, fmt.Sprintf("[错误] 生成插件令牌失败: %v", err))
		return
	}

	if rec.IsCurrentRun(runID) {
		rec.SetAPIToken(token)
		rec.SetStatus(StatusRunning)
		rec.SetEnabled(true)
		rec.SetProcessAlive(true)
		m.publishStatus(rec)
	}
	m.enabled.Add(rec.ID)

	apiPort, eventPort := m.ProxyPorts.Get()
	if apiPort == 0 || eventPort == 0 || !probePort(apiPort) || !probePort(eventPort) {
		log.Error().Uint16("api_port", apiPort).Uint16("event_port", eventPort).Msg("proxy ports not accepting connections")
		m.failRun(rec, runID, workspace, "[错误] 启动插件失败: 代理端口未就绪")
		return
	}

	args := rec.Manifest.EntryArgs()
	program := args[0]
	if local := filepath.Join(workspace, program); fileExists(local) {
		program = local
	}

	// A stop that lands before the session is established must still end in
	// a clean Stopped terminal with no orphaned workspace.
	if rec.ShouldStopRun(runID) {
		m.finishStoppedBeforeSpawn(rec, runID, workspace)
		return
	}

	display := strings.Join(append([]string{program}, args[1:]...), " ")

	cmd := exec.Command(program, args[1:]...)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(),
		"MILKY_HOST=127.0.0.1",
		fmt.Sprintf("MILKY_API_PORT=%d", apiPort),
		fmt.Sprintf("MILKY_EVENT_PORT=%d", eventPort),
		"MILKY_TOKEN="+token,
		"YUYU_HOST=localhost",
		fmt.Sprintf("YUYU_PORT=%d", m.HostPort.Get()),
		"YUYU_TOKEN="+token,
		"YUYU_DATA_DIR="+dataDir,
	)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		log.Error().Err(err).Str("program", program).Msg("spawn failed")
		m.failRun(rec, runID, workspace, fmt.Sprintf("[错误] 启动插件失败: %v", err))
		return
	}
	defer ptmx.Close()

	if rec.IsCurrentRun(runID) {
		rec.SetPid(cmd.Process.Pid)
	}

	// Reap the child in the background; waitCh closing is the liveness
	// signal for the read loop.
	waitCh := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waitCh)
	}()

	m.emitOutput(rec, runID, "[系统] 插件已启动: "+display)
	log.Info().Int("pid", cmd.Process.Pid).Str("cmd", display).Msg("plugin started")

	m.readLoop(rec, runID, ptmx, cmd, waitCh)

	// Post-exit ordering is load-bearing: the workspace must be gone before
	// the record reports dead, because the shutdown path keys global tmp
	// cleanup off is_alive.
	time.Sleep(handleReleaseDelay)
	if err := os.RemoveAll(workspace); err != nil {
		log.Warn().Err(err).Msg("workspace removal failed")
	}

	stopped := rec.ShouldStopRun(runID)
	if rec.IsCurrentRun(runID) {
		rec.SetProcessAlive(false)

		if stopped {
			m.emitOutput(rec, runID, "[系统] 插件已被用户停止")
			rec.SetStatus(StatusStopped)
			rec.SetEnabled(false)
		} else {
			// Unexpected exit keeps enabled=true so auto-start will retry.
			m.emitOutput(rec, runID, "[系统] 插件进程已退出")
			rec.SetStatus(StatusStopped)
		}
		rec.ClearAPIToken()
		rec.ClearWebUI()
		m.publishStatus(rec)
	}
	log.Info().Bool("stopped", stopped).Msg("plugin run finished")
}

// readLoop pumps the PTY until the run stops, the child dies, or reading
// fails. Wakes at readTick at the latest so stop requests are noticed
// promptly.
func (m *Manager) readLoop(rec *Record, runID uint64, ptmx *os.File, cmd *exec.Cmd, waitCh chan struct{}) {
	buf := make([]byte, 4096)
	carry := ""

	childAlive := func() bool {
		select {
		case <-waitCh:
			return false
		default:
			return true
		}
	}

	for {
		if rec.ShouldStopRun(runID) {
			m.gracefulShutdown(rec, runID, ptmx, cmd, waitCh, &carry)
			return
		}

		if !childAlive() {
			carry = m.drainRemaining(rec, runID, ptmx, carry)
			m.flushCarry(rec, runID, carry)
			return
		}

		_ = ptmx.SetReadDeadline(time.Now().Add(readTick))
		n, err := ptmx.Read(buf)
		if n > 0 {
			carry = m.emitChunk(rec, runID, carry, string(buf[:n]))
		}
		if err == nil {
			continue
		}
		if os.IsTimeout(err) {
			continue
		}
		// A read error on the PTY usually means the child is gone: on Linux
		// the master returns EIO once the slave side closes, possibly a
		// beat before the reaper observes the exit. Give it that beat
		// before declaring a real failure.
		select {
		case <-waitCh:
			m.flushCarry(rec, runID, carry)
			return
		case <-time.After(250 * time.Millisecond):
		}
		if rec.ShouldStopRun(runID) {
			m.gracefulShutdown(rec, runID, ptmx, cmd, waitCh, &carry)
			return
		}
		m.emitOutput(rec, runID, fmt.Sprintf("[错误] 读取输出失败: %v", err))
		m.flushCarry(rec, runID, carry)
		return
	}
}

// gracefulShutdown interrupts the child's process group, keeps draining
// output for up to the graceful window, then force-kills the whole tree.
func (m *Manager) gracefulShutdown(rec *Record, runID uint64, ptmx *os.File, cmd *exec.Cmd, waitCh chan struct{}, carry *string) {
	pid := cmd.Process.Pid
	// pty.Start puts the child in its own session, so the negative pid
	// reaches the whole group.
	_ = syscall.Kill(-pid, syscall.SIGINT)

	deadline := time.Now().Add(gracefulWindow)
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		select {
		case <-waitCh:
			m.flushCarry(rec, runID, *carry)
			return
		default:
		}

		_ = ptmx.SetReadDeadline(time.Now().Add(readTick))
		n, err := ptmx.Read(buf)
		if n > 0 {
			*carry = m.emitChunk(rec, runID, *carry, string(buf[:n]))
		}
		if err != nil && !os.IsTimeout(err) {
			break
		}
	}

	select {
	case <-waitCh:
	default:
		m.log.Warn().Str("plugin", rec.ID).Int("pid", pid).Msg("graceful window elapsed, force-killing process tree")
		killProcessTree(pid)
		select {
		case <-waitCh:
		case <-time.After(time.Second):
		}
	}
	m.flushCarry(rec, runID, *carry)
}

// drainRemaining reads whatever the dead child left in the PTY buffer.
func (m *Manager) drainRemaining(rec *Record, runID uint64, ptmx *os.File, carry string) string {
	buf := make([]byte, 4096)
	for {
		_ = ptmx.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := ptmx.Read(buf)
		if n > 0 {
			carry = m.emitChunk(rec, runID, carry, string(buf[:n]))
		}
		if err != nil || n == 0 {
			return carry
		}
	}
}

// emitChunk splits decoded PTY bytes into lines, carrying partial tails to
// the next chunk so output events stay in line order.
func (m *Manager) emitChunk(rec *Record, runID uint64, carry, chunk string) string {
	text := carry + chunk
	lines := strings.Split(text, "\n")
	for _, line := range lines[:len(lines)-1] {
		line = strings.TrimSuffix(line, "\r")
		line = stripANSI(line)
		if line != "" {
			m.emitOutput(rec, runID, line)
		}
	}
	return lines[len(lines)-1]
}

// flushCarry publishes a trailing partial line once the stream is over.
func (m *Manager) flushCarry(rec *Record, runID uint64, carry string) {
	line := stripANSI(strings.TrimSuffix(carry, "\r"))
	if line != "" {
		m.emitOutput(rec, runID, line)
	}
}

// emitOutput appends a line to the record's buffer and broadcasts it,
// guarded by the run generation.
func (m *Manager) emitOutput(rec *Record, runID uint64, line string) {
	if !rec.IsCurrentRun(runID) {
		return
	}
	rec.AddOutput(line)
	m.output.Publish(OutputEvent{PluginID: rec.ID, Line: line})
}

// failRun is the terminal path for runs that never reached a live child:
// the half-built workspace is removed and the record transitions to Error
// with enabled kept true so the user can retry. When the failure raced a
// stop request the run ends Stopped and disabled instead.
func (m *Manager) failRun(rec *Record, runID uint64, workspace, message string) {
	_ = os.RemoveAll(workspace)

	if !rec.IsCurrentRun(runID) {
		return
	}
	rec.AddOutput(message)
	m.output.Publish(OutputEvent{PluginID: rec.ID, Line: message})
	rec.SetProcessAlive(false)
	if rec.ShouldStopRun(runID) {
		rec.SetStatus(StatusStopped)
		rec.SetEnabled(false)
	} else {
		rec.SetStatus(StatusError)
		rec.SetEnabled(true)
	}
	rec.ClearAPIToken()
	rec.ClearWebUI()
	m.publishStatus(rec)
}

// finishStoppedBeforeSpawn closes a run that was stopped before its child
// process ever existed.
func (m *Manager) finishStoppedBeforeSpawn(rec *Record, runID uint64, workspace string) {
	_ = os.RemoveAll(workspace)

	if !rec.IsCurrentRun(runID) {
		return
	}
	m.emitOutput(rec, runID, "[系统] 插件已被用户停止")
	rec.SetProcessAlive(false)
	rec.SetStatus(StatusStopped)
	rec.SetEnabled(false)
	rec.ClearAPIToken()
	rec.ClearWebUI()
	m.publishStatus(rec)
}

// stripANSI removes terminal escape sequences from a captured line.
func stripANSI(line string) string {
	return ansiEscape.ReplaceAllString(line, "")
}

// probePort retries a loopback TCP dial until the port accepts or the probe
// window elapses.
func probePort(port uint16) bool {
	deadline := time.Now().Add(portProbeWindow)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
