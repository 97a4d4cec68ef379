package session

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.bug.st/serial"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// fakePort feeds scripted chunks to the reader loop. Read blocks until a
// chunk is available, the port is closed, or a short timeout elapses (which
// mimics the serial read timeout by returning 0, nil).
type fakePort struct {
	chunks chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{
		chunks: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (p *fakePort) feed(s string) {
	p.chunks <- []byte(s)
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, os.ErrClosed
	case chunk := <-p.chunks:
		return copy(b, chunk), nil
	case <-time.After(20 * time.Millisecond):
		return 0, nil // read timeout, no data
	}
}

func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// managerWithPorts returns a Manager whose opener hands out the given fake
// ports in order.
func managerWithPorts(t *testing.T, ports ...*fakePort) *Manager {
	t.Helper()
	m := NewManager(testLogger())
	i := 0
	m.open = func(path string, mode *serial.Mode) (Port, error) {
		if i >= len(ports) {
			t.Fatalf("unexpected port open for %s", path)
		}
		p := ports[i]
		i++
		return p, nil
	}
	return m
}

// waitForOutput polls until the device buffer equals want or times out.
func waitForOutput(t *testing.T, m *Manager, index int, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Output(index) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Output(%d) = %q, want %q", index, m.Output(index), want)
}

func TestStartReadsCompleteLines(t *testing.T) {
	port := newFakePort()
	m := managerWithPorts(t, port)
	defer m.ShutdownAll()

	if !m.Start(0, "/dev/ttyACM0", 9600) {
		t.Fatal("Start() = false")
	}

	// A line split across reads is only published once complete.
	port.feed("hel")
	port.feed("lo\nwor")
	waitForOutput(t, m, 0, "hello\n")

	port.feed("ld\n")
	waitForOutput(t, m, 0, "hello\nworld\n")
}

func TestStartOpenFailureReturnsFalse(t *testing.T) {
	m := NewManager(testLogger())
	m.open = func(path string, mode *serial.Mode) (Port, error) {
		return nil, os.ErrPermission
	}

	if m.Start(0, "/dev/ttyACM0", 9600) {
		t.Error("Start() should return false on open failure")
	}
	if m.IsConnected(0) {
		t.Error("IsConnected(0) should be false after failed start")
	}
}

func TestStartRetiresPriorSession(t *testing.T) {
	first := newFakePort()
	second := newFakePort()
	m := managerWithPorts(t, first, second)
	defer m.ShutdownAll()

	if !m.Start(3, "/dev/ttyACM0", 9600) {
		t.Fatal("first Start() = false")
	}
	first.feed("old data\n")
	waitForOutput(t, m, 3, "old data\n")

	// Restarting the same index retires the old session: port closed,
	// buffer cleared.
	if !m.Start(3, "/dev/ttyACM1", 9600) {
		t.Fatal("second Start() = false")
	}
	if !first.isClosed() {
		t.Error("first port should be closed after restart")
	}
	if out := m.Output(3); out != "" {
		t.Errorf("Output(3) = %q, want empty after restart", out)
	}

	second.feed("new data\n")
	waitForOutput(t, m, 3, "new data\n")
}

func TestStopIdempotent(t *testing.T) {
	m := NewManager(testLogger())

	start := time.Now()
	if !m.Stop(7) {
		t.Error("Stop() on inactive index should return true")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Stop() on inactive index took %v, should not block", elapsed)
	}
}

func TestStopReleasesPortAndClearsState(t *testing.T) {
	port := newFakePort()
	m := managerWithPorts(t, port)

	m.Start(0, "/dev/ttyACM0", 9600)
	port.feed("data\n")
	waitForOutput(t, m, 0, "data\n")

	if !m.Stop(0) {
		t.Error("Stop() = false")
	}
	if !port.isClosed() {
		t.Error("port should be closed after Stop")
	}
	if m.IsConnected(0) {
		t.Error("IsConnected(0) should be false after Stop")
	}
	if out := m.Output(0); out != "" {
		t.Errorf("Output(0) = %q, want empty after Stop", out)
	}

	// Second stop is a no-op.
	if !m.Stop(0) {
		t.Error("second Stop() should return true")
	}
}

func TestReaderLoopExitsOnPortError(t *testing.T) {
	port := newFakePort()
	m := managerWithPorts(t, port)

	m.Start(0, "/dev/ttyACM0", 9600)

	// Simulate a hardware error by closing the port out from under the
	// loop; Stop must still be safe afterward.
	port.Close()
	time.Sleep(50 * time.Millisecond)

	if !m.Stop(0) {
		t.Error("Stop() after self-exit should return true")
	}
}

func TestOutputBufferTrailingWindow(t *testing.T) {
	port := newFakePort()
	m := managerWithPorts(t, port)
	defer m.ShutdownAll()

	m.Start(0, "/dev/ttyACM0", 9600)

	line := strings.Repeat("x", 99) + "\n" // 100 bytes per line
	for i := 0; i < 150; i++ {
		port.feed(line)
	}

	want := strings.Repeat(line, 100) // exactly the window size
	waitForOutput(t, m, 0, want)

	out := m.Output(0)
	if len(out) != OutputBufferLimit {
		t.Errorf("buffer length = %d, want %d", len(out), OutputBufferLimit)
	}
	if !strings.HasSuffix(out, line) {
		t.Error("buffer tail should be the most recent line")
	}
}

func TestCallbacksReceiveSnapshots(t *testing.T) {
	port := newFakePort()
	m := managerWithPorts(t, port)
	defer m.ShutdownAll()

	m.Start(0, "/dev/ttyACM0", 9600)

	snapshots := make(chan string, 10)
	m.RegisterCallback(0, func(output string) {
		snapshots <- output
	})

	port.feed("one\ntwo\n")

	first := <-snapshots
	if first != "one\n" {
		t.Errorf("first snapshot = %q, want %q", first, "one\n")
	}
	second := <-snapshots
	if second != "one\ntwo\n" {
		t.Errorf("second snapshot = %q, want %q", second, "one\ntwo\n")
	}
}

func TestUnregisterCallback(t *testing.T) {
	port := newFakePort()
	m := managerWithPorts(t, port)
	defer m.ShutdownAll()

	m.Start(0, "/dev/ttyACM0", 9600)

	var calls int
	var mu sync.Mutex
	id := m.RegisterCallback(0, func(string) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	got := make(chan struct{}, 10)
	m.RegisterCallback(0, func(string) { got <- struct{}{} })

	m.UnregisterCallback(0, id)

	port.feed("line\n")
	<-got

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("unregistered callback ran %d times", calls)
	}
}

func TestCallbackCanCallBackIntoManager(t *testing.T) {
	// Callbacks run outside the manager lock, so a callback reading
	// manager state must not deadlock.
	port := newFakePort()
	m := managerWithPorts(t, port)
	defer m.ShutdownAll()

	m.Start(0, "/dev/ttyACM0", 9600)

	done := make(chan string, 1)
	m.RegisterCallback(0, func(output string) {
		select {
		case done <- m.Output(0):
		default:
		}
	})

	port.feed("ping\n")

	select {
	case out := <-done:
		if out != "ping\n" {
			t.Errorf("Output from callback = %q, want %q", out, "ping\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback deadlocked against manager lock")
	}
}

func TestLineHookReceivesLines(t *testing.T) {
	port := newFakePort()
	m := managerWithPorts(t, port)
	defer m.ShutdownAll()

	lines := make(chan string, 10)
	m.SetLineHook(func(index int, line string) {
		if index != 0 {
			t.Errorf("hook index = %d, want 0", index)
		}
		lines <- line
	})

	m.Start(0, "/dev/ttyACM0", 9600)
	port.feed("alpha\r\nbeta\n")

	if got := <-lines; got != "alpha" {
		t.Errorf("first hook line = %q, want %q", got, "alpha")
	}
	if got := <-lines; got != "beta" {
		t.Errorf("second hook line = %q, want %q", got, "beta")
	}
}

func TestEmptyLinesSkipped(t *testing.T) {
	port := newFakePort()
	m := managerWithPorts(t, port)
	defer m.ShutdownAll()

	m.Start(0, "/dev/ttyACM0", 9600)
	port.feed("\n\n  \nreal\n")
	waitForOutput(t, m, 0, "real\n")
}

func TestShutdownAllStopsEverySession(t *testing.T) {
	portA := newFakePort()
	portB := newFakePort()
	m := managerWithPorts(t, portA, portB)

	m.Start(0, "/dev/ttyACM0", 9600)
	m.Start(1, "/dev/ttyACM1", 9600)

	m.ShutdownAll()

	if m.IsConnected(0) || m.IsConnected(1) {
		t.Error("sessions should be stopped after ShutdownAll")
	}
	if !portA.isClosed() || !portB.isClosed() {
		t.Error("ports should be closed after ShutdownAll")
	}
}

// managerTrackingOpens returns a Manager whose opener creates fake ports on
// demand and records every one it hands out.
func managerTrackingOpens(t *testing.T) (*Manager, func() []*fakePort) {
	t.Helper()
	m := NewManager(testLogger())
	var mu sync.Mutex
	var opened []*fakePort
	m.open = func(path string, mode *serial.Mode) (Port, error) {
		p := newFakePort()
		mu.Lock()
		opened = append(opened, p)
		mu.Unlock()
		return p, nil
	}
	snapshot := func() []*fakePort {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*fakePort, len(opened))
		copy(out, opened)
		return out
	}
	return m, snapshot
}

func TestConcurrentStartsKeepExclusiveOwnership(t *testing.T) {
	m, opened := managerTrackingOpens(t)

	// Racing starts for one index must serialize: each retires its
	// predecessor, leaving exactly one live session and no orphaned port.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !m.Start(0, "/dev/ttyACM0", 9600) {
				t.Error("Start() = false")
			}
		}()
	}
	wg.Wait()

	if !m.IsConnected(0) {
		t.Error("IsConnected(0) should be true after concurrent starts")
	}

	m.ShutdownAll()

	if m.IsConnected(0) {
		t.Error("IsConnected(0) should be false after ShutdownAll")
	}
	for i, p := range opened() {
		if !p.isClosed() {
			t.Errorf("port %d still open after ShutdownAll", i)
		}
	}
}

func TestEnsureStartedReusesSession(t *testing.T) {
	port := newFakePort()
	m := managerWithPorts(t, port)
	defer m.ShutdownAll()

	calls := make(chan string, 10)
	if !m.EnsureStarted(0, "/dev/ttyACM0", 9600, func(output string) { calls <- output }) {
		t.Fatal("EnsureStarted() = false")
	}

	// The session is live, so this neither opens a port nor registers a
	// second observer.
	if !m.EnsureStarted(0, "/dev/ttyACM0", 9600, func(string) {
		t.Error("observer registered on an already-live session")
	}) {
		t.Fatal("second EnsureStarted() = false")
	}

	port.feed("line\n")
	if got := <-calls; got != "line\n" {
		t.Errorf("observer got %q, want %q", got, "line\n")
	}
}

func TestEnsureStartedConcurrentRegistersOneObserver(t *testing.T) {
	m, opened := managerTrackingOpens(t)
	defer m.ShutdownAll()

	var hits int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := m.EnsureStarted(0, "/dev/ttyACM0", 9600, func(string) {
				atomic.AddInt32(&hits, 1)
			})
			if !ok {
				t.Error("EnsureStarted() = false")
			}
		}()
	}
	wg.Wait()

	ports := opened()
	if len(ports) != 1 {
		t.Fatalf("opened %d ports, want 1", len(ports))
	}

	ports[0].feed("line\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&hits) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("observer ran %d times for one line, want 1", got)
	}
}

func TestEnsureStartedOpenFailure(t *testing.T) {
	m := NewManager(testLogger())
	m.open = func(path string, mode *serial.Mode) (Port, error) {
		return nil, os.ErrPermission
	}

	if m.EnsureStarted(0, "/dev/ttyACM0", 9600, func(string) {}) {
		t.Error("EnsureStarted() should return false on open failure")
	}
	if m.IsConnected(0) {
		t.Error("IsConnected(0) should be false after failed start")
	}
}

func TestOutputForUnknownIndex(t *testing.T) {
	m := NewManager(testLogger())
	if out := m.Output(42); out != "" {
		t.Errorf("Output(42) = %q, want empty", out)
	}
}
