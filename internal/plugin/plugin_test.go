package plugin

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecord() *Record {
	return NewRecord("echo", Manifest{Name: "Echo", Entry: "./bin", Version: "1.0"}, "/app/echo", "/tmp/app/echo")
}

func TestBeginRunAdvancesGeneration(t *testing.T) {
	rec := newTestRecord()

	assert.EqualValues(t, 0, rec.CurrentRunID())
	assert.EqualValues(t, 1, rec.BeginRun())
	assert.EqualValues(t, 2, rec.BeginRun())
	assert.EqualValues(t, 2, rec.CurrentRunID())
	assert.True(t, rec.IsCurrentRun(2))
	assert.False(t, rec.IsCurrentRun(1))
}

func TestStopRequestTargetsOneGeneration(t *testing.T) {
	rec := newTestRecord()

	run1 := rec.BeginRun()
	assert.False(t, rec.ShouldStopRun(run1))

	stopped := rec.RequestStopCurrentRun()
	assert.Equal(t, run1, stopped)
	assert.True(t, rec.ShouldStopRun(run1))

	// A fresh start resets the stop marker: run 1's stop must not leak into
	// run 2, and run 1 is no longer current.
	run2 := rec.BeginRun()
	assert.False(t, rec.ShouldStopRun(run2))
	assert.False(t, rec.ShouldStopRun(run1))
	assert.False(t, rec.IsCurrentRun(run1))
	assert.True(t, rec.IsCurrentRun(run2))
}

func TestShouldStopRunZeroIsNeverLive(t *testing.T) {
	rec := newTestRecord()
	assert.False(t, rec.ShouldStopRun(0))

	rec.BeginRun()
	rec.RequestStopCurrentRun()
	assert.False(t, rec.ShouldStopRun(0))
}

func TestStopMarkerNeverExceedsRunID(t *testing.T) {
	rec := newTestRecord()
	for i := 0; i < 10; i++ {
		run := rec.BeginRun()
		stop := rec.RequestStopCurrentRun()
		assert.LessOrEqual(t, stop, run)
	}
}

func TestOutputBufferFIFO(t *testing.T) {
	rec := newTestRecord()
	for i := 0; i < MaxOutputLines+25; i++ {
		rec.AddOutput(fmt.Sprintf("line-%d", i))
	}

	out := rec.Output()
	require.Len(t, out, MaxOutputLines)
	assert.Equal(t, "line-25", out[0])
	assert.Equal(t, fmt.Sprintf("line-%d", MaxOutputLines+24), out[len(out)-1])
}

func TestOutputReturnsCopy(t *testing.T) {
	rec := newTestRecord()
	rec.AddOutput("a")

	out := rec.Output()
	out[0] = "mutated"
	assert.Equal(t, []string{"a"}, rec.Output())
}

func TestClearsAreIdempotent(t *testing.T) {
	rec := newTestRecord()
	rec.SetAPIToken("tok")
	rec.SetWebUI("/ui")
	rec.AddOutput("x")

	rec.ClearAPIToken()
	rec.ClearAPIToken()
	rec.ClearWebUI()
	rec.ClearWebUI()
	rec.ClearOutput()
	rec.ClearOutput()

	assert.Empty(t, rec.APIToken())
	_, ok := rec.WebUI()
	assert.False(t, ok)
	assert.Empty(t, rec.Output())
}

func TestSetProcessAliveClearsPid(t *testing.T) {
	rec := newTestRecord()
	rec.SetProcessAlive(true)
	rec.SetPid(4242)
	assert.Equal(t, 4242, rec.Pid())

	rec.SetProcessAlive(false)
	assert.Equal(t, 0, rec.Pid())
	assert.False(t, rec.IsProcessAlive())
}

func TestSnapshot(t *testing.T) {
	rec := newTestRecord()
	rec.SetStatus(StatusRunning)
	rec.SetEnabled(true)
	rec.SetWebUI("/panel")
	rec.AddOutput("hello")

	info := rec.Snapshot()
	assert.Equal(t, "echo", info.ID)
	assert.Equal(t, "Echo", info.Name)
	assert.Equal(t, StatusRunning, info.Status)
	assert.True(t, info.Enabled)
	assert.Equal(t, "/panel", info.WebUIURL)
	assert.Equal(t, []string{"hello"}, info.Output)
}

func TestManifestEntryArgs(t *testing.T) {
	tests := []struct {
		entry string
		want  []string
	}{
		{"./bin", []string{"./bin"}},
		{"python3 main.py --verbose", []string{"python3", "main.py", "--verbose"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
		{"", nil},
		{"   ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			m := Manifest{Entry: tt.entry}
			if tt.want == nil {
				assert.Empty(t, m.EntryArgs())
			} else {
				assert.Equal(t, tt.want, m.EntryArgs())
			}
		})
	}
}

func TestBusDropsForSlowSubscribers(t *testing.T) {
	bus := NewBus[int](2)
	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(i)
	}

	// Only the buffered two arrive; the publisher never blocked.
	assert.Equal(t, 0, <-ch)
	assert.Equal(t, 1, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %d", v)
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus[string](4)
	ch, cancel := bus.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, bus.SubscriberCount())
}
