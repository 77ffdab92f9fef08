package station

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/depassivation-station/depassivation-controller/history"
	"github.com/depassivation-station/depassivation-controller/internal/config"
	"github.com/depassivation-station/depassivation-controller/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	lines chan string
	err   error

	mu   sync.Mutex
	sent []string
	once sync.Once
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{lines: make(chan string, 16)}
}

func (f *fakeDevice) Name() string         { return "fake" }
func (f *fakeDevice) Lines() <-chan string { return f.lines }
func (f *fakeDevice) Err() error           { return f.err }

func (f *fakeDevice) Send(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeDevice) Close() error {
	return nil
}

// unplug closes the line channel the way a failed serial read does.
func (f *fakeDevice) unplug(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.lines)
	})
}

func (f *fakeDevice) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type harness struct {
	st     *Station
	dev    *fakeDevice
	store  *history.Store
	cfg    *config.Config
	dir    string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	cfg.Test.RestDuration = 0
	store, err := history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dev := newFakeDevice()
	opts.Config = cfg
	opts.ConfigDir = dir
	opts.Store = store
	opts.Open = func() (Device, error) { return dev, nil }
	h := &harness{st: New(opts), dev: dev, store: store, cfg: cfg, dir: dir, done: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.err = h.st.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
	}
}

func (h *harness) waitFor(t *testing.T, cond func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := h.st.Status(context.Background())
		require.NoError(t, err)
		if cond(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
	return Status{}
}

func TestFullSequenceThroughStation(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.st.CreateBattery(ctx, "Cell 1")
	require.NoError(t, err)
	require.NoError(t, h.st.SelectBattery(ctx, "Cell 1"))

	st, err := h.st.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, "armed", st.State)
	assert.Equal(t, string(history.PhaseBaseline), st.NextPhase)
	assert.Contains(t, st.LegalActions, string(session.ActionStartBaseline))

	for _, want := range history.Phases {
		id, err := h.st.StartNext(ctx)
		require.NoError(t, err)
		h.waitFor(t, func(s Status) bool { return s.State == "running" })
		h.dev.lines <- "DATA,0,3.5,100"
		h.dev.lines <- "PROCESS_END"
		h.waitFor(t, func(s Status) bool { return s.State == "armed" })

		test, err := h.store.GetTest(id)
		require.NoError(t, err)
		assert.Equal(t, history.ResultString(want, history.OutcomePass), test.ResultText())
	}

	assert.Equal(t, []string{"SET_MODE,IDLE\n", "START,10\n", "START,60\n", "START,10\n"}, h.dev.commands())
}

func TestButtonsDriveTheSession(t *testing.T) {
	h := newHarness(t, Options{Battery: "Cell 2"})

	h.dev.lines <- "BTN_PRESS,START"
	h.waitFor(t, func(s Status) bool { return s.State == "running" })
	h.dev.lines <- "BTN_PRESS,ABORT"
	st := h.waitFor(t, func(s Status) bool { return s.State == "armed" })
	assert.Equal(t, "Cell 2", st.Battery)
	assert.Equal(t, string(history.PhaseBaseline), st.NextPhase)

	cmds := h.dev.commands()
	assert.Equal(t, "ABORT\n", cmds[len(cmds)-1])
}

func TestRestartRightAfterAbort(t *testing.T) {
	h := newHarness(t, Options{Battery: "Cell 7"})
	ctx := context.Background()

	first, err := h.st.StartNext(ctx)
	require.NoError(t, err)
	h.dev.lines <- "DATA,0,3.5,100"
	require.Eventually(t, func() bool {
		points, err := h.store.GetSamples(first)
		return err == nil && len(points) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.st.Abort(ctx))
	second, err := h.st.StartNext(ctx)
	require.NoError(t, err)

	// The device reports the end of the aborted run before the new one starts.
	h.dev.lines <- "DATA,1000,1.2,100"
	h.dev.lines <- "PROCESS_END: Process aborted by user."
	h.dev.lines <- "PROCESS_START"
	h.dev.lines <- "DATA,0,3.6,100"
	h.dev.lines <- "DATA,1000,3.4,120"
	h.dev.lines <- "PROCESS_END"
	h.waitFor(t, func(s Status) bool { return s.State == "armed" })

	test, err := h.store.GetTest(second)
	require.NoError(t, err)
	assert.Equal(t, "Baseline Test - PASS", test.ResultText())
	points, err := h.store.GetSamples(second)
	require.NoError(t, err)
	assert.Len(t, points, 2)

	old, err := h.store.GetTest(first)
	require.NoError(t, err)
	assert.Nil(t, old.Result)
	points, err = h.store.GetSamples(first)
	require.NoError(t, err)
	assert.Len(t, points, 1)

	assert.Equal(t, []string{"SET_MODE,IDLE\n", "START,10\n", "ABORT\n", "START,10\n"}, h.dev.commands())
}

func TestStartPhaseValidatesInput(t *testing.T) {
	h := newHarness(t, Options{Battery: "Cell 3"})
	ctx := context.Background()

	_, err := h.st.StartPhase(ctx, "baseline", "ten", "")
	assert.ErrorIs(t, err, session.ErrInvalidConfig)
	_, err = h.st.StartPhase(ctx, "sideways", "", "")
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
	_, err = h.st.StartProfile(ctx, "check", "missing")
	assert.ErrorIs(t, err, session.ErrInvalidConfig)

	id, err := h.st.StartPhase(ctx, "check", "30", "3.1")
	require.NoError(t, err)
	test, err := h.store.GetTest(id)
	require.NoError(t, err)
	assert.Equal(t, 30.0, test.DurationSeconds)
	assert.Equal(t, 3.1, test.PassFailVoltage)

	_, err = h.st.StartNext(ctx)
	assert.ErrorIs(t, err, session.ErrInvalidState)
}

func TestDisconnectLeavesTestIncomplete(t *testing.T) {
	h := newHarness(t, Options{Battery: "Cell 4", ReconnectDelay: time.Hour})
	ctx := context.Background()

	id, err := h.st.StartNext(ctx)
	require.NoError(t, err)
	h.dev.lines <- "DATA,0,3.5,100"
	h.dev.unplug(errors.New("unplugged"))

	st := h.waitFor(t, func(s Status) bool { return !s.Connected })
	assert.Equal(t, "idle", st.State)

	test, err := h.store.GetTest(id)
	require.NoError(t, err)
	assert.Nil(t, test.Result)
}

func TestConfigAppliedBetweenTests(t *testing.T) {
	h := newHarness(t, Options{Battery: "Cell 5"})
	ctx := context.Background()

	_, err := h.st.StartNext(ctx)
	require.NoError(t, err)

	changed := *h.cfg
	changed.Test.BaselineDuration = 20
	changed.Test.DepassivationDuration = 90
	h.st.configs <- &changed

	h.dev.lines <- "DATA,0,3.5,100"
	h.dev.lines <- "PROCESS_END"
	h.waitFor(t, func(s Status) bool { return s.State == "armed" })

	_, err = h.st.StartNext(ctx)
	require.NoError(t, err)
	cmds := h.dev.commands()
	assert.Equal(t, "START,90\n", cmds[len(cmds)-1])
}

func TestOnceExitsAfterTest(t *testing.T) {
	h := newHarness(t, Options{Battery: "Cell 6", Phase: "baseline", Once: true})
	h.waitFor(t, func(s Status) bool { return s.State == "running" })
	h.dev.lines <- "DATA,0,3.0,100"
	h.dev.lines <- "PROCESS_END"

	select {
	case <-h.done:
		assert.NoError(t, h.err)
	case <-time.After(5 * time.Second):
		t.Fatal("station did not stop")
	}

	b, err := h.store.GetBatteryByName("Cell 6")
	require.NoError(t, err)
	last, ok, err := h.store.LastTestForBattery(b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Baseline Test - FAIL", last.ResultText())

	saved, err := config.Load(h.dir)
	require.NoError(t, err)
	assert.Equal(t, "Cell 6", saved.Test.LastBattery)
}

func TestShutdownAbortsRunningTest(t *testing.T) {
	h := newHarness(t, Options{Battery: "Cell 7"})
	_, err := h.st.StartNext(context.Background())
	require.NoError(t, err)
	h.stop()

	cmds := h.dev.commands()
	assert.Equal(t, "ABORT\n", cmds[len(cmds)-1])
	_, err = h.st.Status(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
