// Package evloop implements an asynchronous-I/O provider: a timer primitive
// with millisecond resolution and repeat, IPv4 TCP bind/listen/accept/
// connect, stream read with EOF/error signaling, asynchronous write,
// asynchronous close, and a driver entry point that runs until idle.
//
// It is deliberately a thin wrapper over the standard library's time.Timer
// and net package: every occurrence a background goroutine observes (a
// timer tick, an accepted connection, a completed read, a failed dial) is
// turned into an Event and sent on one channel, never invoked as a callback
// from within the producing goroutine. The caller (the interpreter, in
// uv.go) pulls events one at a time via Next and decides what to do with
// them -- including re-entering the interpreter -- entirely on its own
// goroutine. This is what keeps the interpreter single-threaded even though
// the provider underneath is not.
package evloop

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rmay/thirdloop/internal/panicerr"
)

// Handle is an opaque provider-side resource id: a timer or a TCP endpoint.
// It is a small integer, never a pointer, so that it can be carried on the
// interpreter's data stack without exposing an address-bearing value.
type Handle int64

type kind uint8

const (
	kindTimer kind = iota
	kindTCP
)

type entry struct {
	kind kind

	// timer
	timer    *time.Timer
	repeat   time.Duration
	active   bool
	cancel   context.CancelFunc

	// tcp
	ln      *net.TCPListener
	conn    *net.TCPConn
	reading bool
	closed  bool
	writes  sync.WaitGroup // in-flight uv:write calls on conn not yet flushed
}

// Loop drives timers and TCP handles for exactly one interpreter. It is not
// safe for the interpreter to call Next concurrently with itself, but the
// Start*/Close methods may be called freely from the single goroutine that
// also calls Next -- the usual single-threaded-interpreter-re-entering-via-
// callback pattern.
type Loop struct {
	mu      sync.Mutex
	entries map[Handle]*entry
	nextID  int64
	active  int64 // count of entries currently doing work that could still produce an event
	closing int64 // count of in-flight Close calls that still owe an EventClosed

	events chan Event
	g      *errgroup.Group

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New returns an idle Loop ready to have handles allocated on it.
func New() *Loop {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Loop{
		entries:    make(map[Handle]*entry),
		events:     make(chan Event, 64),
		g:          &errgroup.Group{},
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

// Active reports the number of handles currently doing work that could still
// produce an event: armed timers, listening sockets, in-flight connects,
// sockets currently reading, and handles with a Close still in flight.
// uv:run drives the loop until this reaches zero.
func (l *Loop) Active() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active + l.closing
}

// Next blocks until an Event is available, the context is canceled, or no
// entry remains that could still produce one. An event already sitting in
// the channel is returned immediately, with no ticker allocated at all --
// the idle-recheck loop below only runs when Next would otherwise have to
// wait. That wait re-checks Active() on a short tick rather than committing
// to a single blocking select: a background goroutine can decrement
// Active() to zero without emitting any further event of its own (a
// one-shot timer's tick, or a read loop's EOF, are both already on l.events
// by the time the count drops), and a select on ctx.Done() alone would
// otherwise stall the caller until the context's deadline instead of
// returning promptly.
func (l *Loop) Next(ctx context.Context) (Event, bool) {
	if l.Active() == 0 && len(l.events) == 0 {
		return Event{}, false
	}
	select {
	case ev := <-l.events:
		return ev, true
	default:
	}

	idle := time.NewTicker(5 * time.Millisecond)
	defer idle.Stop()
	for {
		select {
		case ev := <-l.events:
			return ev, true
		case <-ctx.Done():
			return Event{}, false
		case <-idle.C:
			if l.Active() == 0 && len(l.events) == 0 {
				return Event{}, false
			}
		}
	}
}

// Wait blocks until every background goroutine spawned by this Loop has
// returned, and reports the first panic any of them recovered from (wrapped
// as an error), if any. Call it once Active() has reached zero.
func (l *Loop) Wait() error { return l.g.Wait() }

// Shutdown cancels every background goroutine's context and force-closes
// every listener and connection this Loop still owns. Call it before Wait
// when a run is ending for a reason other than natural idleness (a canceled
// context) -- otherwise a still-armed timer or a listener with no inbound
// connection holds its goroutine open forever and Wait never returns.
func (l *Loop) Shutdown() {
	l.mu.Lock()
	l.rootCancel()
	for _, e := range l.entries {
		if e.ln != nil {
			e.ln.Close()
		}
		if e.conn != nil {
			e.conn.Close()
		}
	}
	l.mu.Unlock()
}

func (l *Loop) emit(ev Event) { l.events <- ev }

// spawn runs fn on its own goroutine, supervised by the Loop's errgroup.
// Panic isolation is delegated to panicerr.Recover (the same utility the
// rest of this codebase uses for every background goroutine): a panicking
// provider goroutine surfaces as an ordinary error from Wait instead of
// taking the whole process down, and carries its stack trace for
// panicerr.PanicStack to report.
func (l *Loop) spawn(name string, fn func()) {
	l.g.Go(func() error {
		return panicerr.Recover(fmt.Sprintf("evloop: %s", name), func() error {
			fn()
			return nil
		})
	})
}

func (l *Loop) alloc(k kind) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	h := Handle(l.nextID)
	l.entries[h] = &entry{kind: k}
	return h
}

func (l *Loop) get(h Handle) (*entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[h]
	return e, ok
}

// NewTimer registers a fresh, unarmed timer handle.
func (l *Loop) NewTimer() Handle { return l.alloc(kindTimer) }

// TimerStart arms h, invoking the tick callback path via Next/Event. A
// repeat of 0 means one-shot: after it fires once, the handle becomes
// inactive on its own, matching real event-loop timer semantics (it no
// longer holds the loop open, though it is not yet closed).
func (l *Loop) TimerStart(h Handle, timeout, repeat time.Duration) error {
	e, ok := l.get(h)
	if !ok || e.kind != kindTimer {
		return fmt.Errorf("evloop: not a timer handle: %d", h)
	}

	l.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	if !e.active {
		l.active++
		e.active = true
	}
	ctx, cancel := context.WithCancel(l.rootCtx)
	e.cancel = cancel
	e.repeat = repeat
	l.mu.Unlock()

	l.spawn("timer", func() { l.runTimer(ctx, h, e, timeout) })
	return nil
}

func (l *Loop) runTimer(ctx context.Context, h Handle, e *entry, timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.emit(Event{Kind: EventTimerTick, Handle: h})
			l.mu.Lock()
			repeat := e.repeat
			l.mu.Unlock()
			if repeat <= 0 {
				l.mu.Lock()
				if e.active {
					e.active = false
					l.active--
				}
				l.mu.Unlock()
				return
			}
			t.Reset(repeat)
		}
	}
}

// TimerStop disarms h; h stays registered, so a later TimerStart can re-arm
// it.
func (l *Loop) TimerStop(h Handle) error {
	e, ok := l.get(h)
	if !ok || e.kind != kindTimer {
		return fmt.Errorf("evloop: not a timer handle: %d", h)
	}
	l.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.active {
		e.active = false
		l.active--
	}
	l.mu.Unlock()
	return nil
}

// NewTCP registers a fresh, unbound/unconnected TCP handle.
func (l *Loop) NewTCP() Handle { return l.alloc(kindTCP) }

// Bind parses ip as an IPv4 address and binds h to ip:port.
func (l *Loop) Bind(h Handle, ip string, port uint16) error {
	e, ok := l.get(h)
	if !ok || e.kind != kindTCP {
		return fmt.Errorf("evloop: not a tcp handle: %d", h)
	}
	addr, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(ip, strconv.Itoa(int(port))))
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp4", addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	e.ln = ln
	l.mu.Unlock()
	return nil
}

// Listen begins accepting inbound connections on h, which must already be
// bound. Each accepted connection is registered as a fresh Handle and
// delivered via EventAccept; a failed single accept is delivered via
// EventAcceptErr and does not stop the listener.
func (l *Loop) Listen(h Handle, backlog int) error {
	e, ok := l.get(h)
	if !ok || e.kind != kindTCP || e.ln == nil {
		return fmt.Errorf("evloop: handle %d is not bound", h)
	}

	l.mu.Lock()
	ctx, cancel := context.WithCancel(l.rootCtx)
	e.cancel = cancel
	l.active++
	l.mu.Unlock()

	l.spawn("accept", func() { l.runAccept(ctx, h, e) })
	return nil
}

func (l *Loop) runAccept(ctx context.Context, h Handle, e *entry) {
	defer func() {
		l.mu.Lock()
		l.active--
		l.mu.Unlock()
	}()
	for {
		conn, err := e.ln.AcceptTCP()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			l.emit(Event{Kind: EventAcceptErr, Handle: h, Err: err})
			continue
		}
		child := l.alloc(kindTCP)
		ce, _ := l.get(child)
		l.mu.Lock()
		ce.conn = conn
		l.mu.Unlock()
		l.emit(Event{Kind: EventAccept, Handle: h, New: child})
	}
}

// Connect initiates an outbound connection from h to ip:port. Completion
// (success or failure) is delivered via EventConnectOK/EventConnectErr. The
// dial's own context is stored in e.cancel, the same as Listen/TimerStart,
// so a Close on h while the dial is still in flight interrupts it instead of
// leaving it to run out its own dial timeout before Active() reflects that
// h is idle.
func (l *Loop) Connect(h Handle, ip string, port uint16) error {
	e, ok := l.get(h)
	if !ok || e.kind != kindTCP {
		return fmt.Errorf("evloop: not a tcp handle: %d", h)
	}

	l.mu.Lock()
	ctx, cancel := context.WithCancel(l.rootCtx)
	e.cancel = cancel
	l.active++
	l.mu.Unlock()

	l.spawn("connect", func() {
		defer func() {
			l.mu.Lock()
			l.active--
			l.mu.Unlock()
		}()
		addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))
		dialer := net.Dialer{Timeout: 10 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp4", addr)
		if err != nil {
			l.emit(Event{Kind: EventConnectErr, Handle: h, Err: err})
			return
		}
		l.mu.Lock()
		e.conn = conn.(*net.TCPConn)
		l.mu.Unlock()
		l.emit(Event{Kind: EventConnectOK, Handle: h})
	})
	return nil
}

// ReadStart begins reading from h, a connected TCP handle. Each non-empty
// read is delivered via EventData; EOF is delivered once via EventEOF (after
// which reading stops); any other error silently stops reading.
func (l *Loop) ReadStart(h Handle) error {
	e, ok := l.get(h)
	if !ok || e.kind != kindTCP || e.conn == nil {
		return fmt.Errorf("evloop: handle %d is not connected", h)
	}

	l.mu.Lock()
	if e.reading {
		l.mu.Unlock()
		return nil
	}
	e.reading = true
	l.active++
	l.mu.Unlock()

	l.spawn("read", func() { l.runRead(h, e) })
	return nil
}

func (l *Loop) runRead(h Handle, e *entry) {
	defer func() {
		l.mu.Lock()
		e.reading = false
		l.active--
		l.mu.Unlock()
	}()
	buf := make([]byte, 64*1024)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			l.emit(Event{Kind: EventData, Handle: h, Data: data})
		}
		if err != nil {
			if isEOF(err) {
				l.emit(Event{Kind: EventEOF, Handle: h, Data: []byte{}})
			} else {
				l.emit(Event{Kind: EventReadErr, Handle: h, Err: err})
			}
			return
		}
	}
}

func isEOF(err error) bool {
	return err != nil && (err.Error() == "EOF" || errIsClosed(err))
}

func errIsClosed(err error) bool {
	// a conn closed out from under a blocking Read also ends the stream,
	// which from the script's point of view is indistinguishable from EOF
	ne, ok := err.(*net.OpError)
	return ok && ne.Err != nil && ne.Err.Error() == "use of closed network connection"
}

// Write transmits data on h asynchronously; the caller may treat its own
// copy of data as released as soon as Write returns; completion (success or
// failure) produces no event -- there is no script-visible write-completion
// callback.
func (l *Loop) Write(h Handle, data []byte) error {
	e, ok := l.get(h)
	if !ok || e.kind != kindTCP || e.conn == nil {
		return fmt.Errorf("evloop: handle %d is not connected", h)
	}
	conn := e.conn
	e.writes.Add(1)
	l.spawn("write", func() {
		defer e.writes.Done()
		conn.Write(data)
	})
	return nil
}

// Close begins an asynchronous close of h; EventClosed is delivered once the
// underlying resource is released. Further use of h is undefined.
func (l *Loop) Close(h Handle) error {
	e, ok := l.get(h)
	if !ok {
		return fmt.Errorf("evloop: unknown handle: %d", h)
	}

	l.mu.Lock()
	if e.closed {
		l.mu.Unlock()
		return nil
	}
	e.closed = true
	wasActive := e.active
	if e.cancel != nil {
		e.cancel()
	}
	if wasActive {
		e.active = false
		l.active--
	}
	l.closing++
	l.mu.Unlock()

	// l.closing, not l.active, keeps Active() (and so uv:run) from reporting
	// idle until this EventClosed has actually been delivered -- otherwise a
	// Close on a handle that was the loop's only remaining activity could
	// let Next observe Active()==0 and return before the close completes.
	l.spawn("close", func() {
		// Wait out any uv:write already spawned on this conn before force-
		// closing it -- Write is fire-and-forget from the script's point of
		// view, but closing the fd out from under an in-flight Write can
		// abort it before the data it already queued reaches the peer.
		e.writes.Wait()
		if e.ln != nil {
			e.ln.Close()
		}
		if e.conn != nil {
			e.conn.Close()
		}
		l.emit(Event{Kind: EventClosed, Handle: h})
		l.mu.Lock()
		l.closing--
		l.mu.Unlock()
	})
	return nil
}
