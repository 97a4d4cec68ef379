package session

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is used when a caller does not specify one.
	DefaultBaudRate = 9600

	// OutputBufferLimit is the trailing window kept per device. Older bytes
	// are discarded first; the tail is always the most recent output.
	OutputBufferLimit = 10000

	// ReadTimeout bounds each blocking port read so the reader loop can
	// notice its stop signal without a separate polling sleep.
	ReadTimeout = 1 * time.Second

	// StopJoinTimeout bounds how long Stop waits for a reader loop to exit.
	StopJoinTimeout = 2 * time.Second
)

// Port is the subset of serial.Port the manager needs. serial.Port satisfies
// it; tests substitute fakes.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// PortOpener opens a serial port in the given mode.
type PortOpener func(path string, mode *serial.Mode) (Port, error)

func openSerialPort(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// OutputCallback receives the updated trailing buffer after each complete
// line is appended. Callbacks are invoked synchronously from the reader
// goroutine, after the manager lock is released.
type OutputCallback func(output string)

// LineHook receives each complete line as it is read. At most one hook is
// installed per manager; it serves side channels (telemetry mirroring) that
// want lines rather than buffer snapshots.
type LineHook func(index int, line string)

// readerSession is the runtime state of one device's reader.
type readerSession struct {
	port      Port
	portPath  string
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

func (s *readerSession) signalStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// closePort is safe to call from both Stop and the reader loop's own exit
// path; whichever runs first releases the port.
func (s *readerSession) closePort() {
	s.closeOnce.Do(func() { s.port.Close() })
}

// registration pairs a callback with its handle for removal.
type registration struct {
	id int64
	fn OutputCallback
}

// Manager owns exclusive serial access for the lab's devices, one reader
// goroutine per started device, keyed by discovery-scan index. At most one
// live session exists per index; Start always retires the previous one.
type Manager struct {
	mu        sync.Mutex
	sessions  map[int]*readerSession
	outputs   map[int]string
	callbacks map[int][]registration
	nextCBID  int64
	lineHook  LineHook
	ops       map[int]*sync.Mutex

	open   PortOpener
	logger *slog.Logger
}

// NewManager creates a session manager that opens real serial ports.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		sessions:  make(map[int]*readerSession),
		outputs:   make(map[int]string),
		callbacks: make(map[int][]registration),
		ops:       make(map[int]*sync.Mutex),
		open:      openSerialPort,
		logger:    logger,
	}
}

// opLock returns the per-index lifecycle lock. Start, Stop and EnsureStarted
// hold it for their whole run, so concurrent lifecycle operations on one
// index serialize instead of racing each other past the retirement step.
func (m *Manager) opLock(index int) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.ops[index]
	if !ok {
		lock = &sync.Mutex{}
		m.ops[index] = lock
	}
	return lock
}

// SetLineHook installs the per-line side channel. Must be called before any
// session is started.
func (m *Manager) SetLineHook(hook LineHook) {
	m.mu.Lock()
	m.lineHook = hook
	m.mu.Unlock()
}

// Start opens the port for index and launches its reader loop, retiring any
// prior session for that index first. Returns false on open failure; the
// cause is logged, never propagated.
func (m *Manager) Start(index int, portPath string, baudRate int) bool {
	lock := m.opLock(index)
	lock.Lock()
	defer lock.Unlock()

	// Retire any existing session before taking its place. This keeps
	// exclusive port ownership an invariant rather than an assumption.
	m.retire(index)

	return m.launch(index, portPath, baudRate)
}

// EnsureStarted guarantees a live session for index, launching one only if
// none exists. When it launches, fn is registered as an output observer
// before the lifecycle lock is released, so exactly one observer exists per
// session start no matter how many callers race here.
func (m *Manager) EnsureStarted(index int, portPath string, baudRate int, fn OutputCallback) bool {
	lock := m.opLock(index)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	_, live := m.sessions[index]
	m.mu.Unlock()
	if live {
		return true
	}

	if !m.launch(index, portPath, baudRate) {
		return false
	}
	if fn != nil {
		m.RegisterCallback(index, fn)
	}
	return true
}

// launch opens the port and starts the reader loop. Caller holds the
// per-index lifecycle lock and has already retired any prior session.
func (m *Manager) launch(index int, portPath string, baudRate int) bool {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}

	m.logger.Info("Starting serial session", "device", index, "port", portPath, "baud", baudRate)

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := m.open(portPath, mode)
	if err != nil {
		m.logger.Error("Failed to open serial port", "device", index, "port", portPath, "error", err)
		return false
	}

	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		m.logger.Error("Failed to set read timeout", "device", index, "port", portPath, "error", err)
		return false
	}

	sess := &readerSession{
		port:     port,
		portPath: portPath,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[index] = sess
	m.outputs[index] = ""
	m.callbacks[index] = nil
	m.mu.Unlock()

	go m.readLoop(index, sess)

	m.logger.Info("Serial session started", "device", index, "port", portPath)
	return true
}

// Stop retires the session for index: signals the reader loop, removes all
// per-index state, then closes the port and joins the loop outside the
// state lock. Idempotent; stopping an index with no session returns true.
func (m *Manager) Stop(index int) bool {
	lock := m.opLock(index)
	lock.Lock()
	defer lock.Unlock()

	m.retire(index)
	return true
}

// retire tears down the session for index if one exists. Caller holds the
// per-index lifecycle lock.
func (m *Manager) retire(index int) {
	m.mu.Lock()
	sess, ok := m.sessions[index]
	if !ok {
		m.mu.Unlock()
		return
	}

	sess.signalStop()
	delete(m.sessions, index)
	m.outputs[index] = ""
	delete(m.callbacks, index)
	m.mu.Unlock()

	// Blocking work happens after the state lock is released so a wedged
	// port close cannot stall other devices' bookkeeping.
	sess.closePort()

	select {
	case <-sess.done:
	case <-time.After(StopJoinTimeout):
		m.logger.Warn("Timed out waiting for reader loop to exit", "device", index, "port", sess.portPath)
	}

	m.logger.Info("Serial session stopped", "device", index, "port", sess.portPath)
}

// IsConnected reports whether a live session exists for index.
func (m *Manager) IsConnected(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[index]
	return ok
}

// Output returns a snapshot of the trailing output buffer for index, or the
// empty string if the device was never started.
func (m *Manager) Output(index int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputs[index]
}

// ResetOutput clears the trailing buffer for index.
func (m *Manager) ResetOutput(index int) {
	m.mu.Lock()
	m.outputs[index] = ""
	m.mu.Unlock()
	m.logger.Info("Reset output buffer", "device", index)
}

// RegisterCallback adds an output observer for index and returns a handle
// for UnregisterCallback. Observers are dropped when the session stops.
func (m *Manager) RegisterCallback(index int, fn OutputCallback) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCBID++
	m.callbacks[index] = append(m.callbacks[index], registration{id: m.nextCBID, fn: fn})
	return m.nextCBID
}

// UnregisterCallback removes the observer registered under id. Unknown ids
// are ignored.
func (m *Manager) UnregisterCallback(index int, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs := m.callbacks[index]
	for i, reg := range regs {
		if reg.id == id {
			m.callbacks[index] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// ShutdownAll stops every active session.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	indices := make([]int, 0, len(m.sessions))
	for index := range m.sessions {
		indices = append(indices, index)
	}
	m.mu.Unlock()

	for _, index := range indices {
		m.Stop(index)
	}

	m.logger.Info("All serial sessions stopped", "count", len(indices))
}

// readLoop reads the port until stopped or the port errors, assembling
// complete lines and publishing each through appendLine. It releases port
// ownership on every exit path.
func (m *Manager) readLoop(index int, sess *readerSession) {
	defer close(sess.done)
	defer sess.closePort()

	buf := make([]byte, 4096)
	var pending string

	for {
		select {
		case <-sess.stop:
			m.logger.Info("Reader loop stopping", "device", index, "port", sess.portPath)
			return
		default:
		}

		n, err := sess.port.Read(buf)
		if err != nil {
			// io.EOF and transport errors both end the session; Stop may
			// have closed the port under us, which lands here too.
			select {
			case <-sess.stop:
				m.logger.Info("Reader loop stopping", "device", index, "port", sess.portPath)
			default:
				m.logger.Error("Serial read error, ending session", "device", index, "port", sess.portPath, "error", err)
			}
			return
		}
		if n == 0 {
			// Read timeout with no data; loop back to check the stop signal.
			continue
		}

		pending += string(buf[:n])
		for {
			nl := strings.IndexByte(pending, '\n')
			if nl < 0 {
				break
			}
			line := strings.TrimSpace(pending[:nl])
			pending = pending[nl+1:]
			if line != "" {
				m.appendLine(index, line+"\n")
			}
		}
	}
}

// appendLine appends a completed line to the trailing buffer under the lock
// and notifies observers after releasing it, so a slow callback cannot
// stall other devices or deadlock against locks the callback takes.
func (m *Manager) appendLine(index int, line string) {
	m.mu.Lock()
	updated := m.outputs[index] + line
	if len(updated) > OutputBufferLimit {
		updated = updated[len(updated)-OutputBufferLimit:]
	}
	m.outputs[index] = updated

	regs := make([]registration, len(m.callbacks[index]))
	copy(regs, m.callbacks[index])
	hook := m.lineHook
	m.mu.Unlock()

	if hook != nil {
		hook(index, strings.TrimSuffix(line, "\n"))
	}
	for _, reg := range regs {
		reg.fn(updated)
	}
}

// String implements fmt.Stringer for debug logging.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("session.Manager(active=%d)", len(m.sessions))
}
