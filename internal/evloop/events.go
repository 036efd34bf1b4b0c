package evloop

// EventKind discriminates the events a Loop delivers to its owner.
type EventKind uint8

const (
	// EventTimerTick fires each time an armed timer expires.
	EventTimerTick EventKind = iota
	// EventAccept fires when a listening handle accepts an inbound
	// connection; New names the freshly registered connection handle.
	EventAccept
	// EventAcceptErr fires when accepting a single inbound connection
	// failed; the listener itself remains listening.
	EventAcceptErr
	// EventConnectOK fires when an outbound connect succeeds.
	EventConnectOK
	// EventConnectErr fires when an outbound connect fails.
	EventConnectErr
	// EventData fires with a non-empty read.
	EventData
	// EventEOF fires once, with an empty payload, when the peer closes its
	// write side.
	EventEOF
	// EventReadErr fires on a non-EOF read error; reading stops silently.
	EventReadErr
	// EventClosed fires once a handle's asynchronous close has completed.
	EventClosed
)

// Event is a single occurrence delivered from the background providers
// (timer goroutine, accept loop, read loop) onto the Loop's single event
// channel. Exactly one goroutine ever sends an Event for a given occurrence;
// dispatch (including invoking any VM-side callback quotation) happens
// synchronously in the caller of Next, never inside the producing goroutine,
// so the loop is never re-entered from within a callback.
type Event struct {
	Kind   EventKind
	Handle Handle
	New    Handle
	Data   []byte
	Err    error
}
