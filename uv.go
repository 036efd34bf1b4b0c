package main

import (
	"time"

	"github.com/rmay/thirdloop/internal/evloop"
)

// installUV registers the event-loop bindings. Every uv:* word either
// allocates a fresh Handle, arms one with a callback Quote, or transmits/
// tears one down; dispatchEvent is what turns a delivered evloop.Event back
// into a re-entrant call into the interpreter.
func (vm *VM) installUV() {
	vm.dict.addPrimitive("uv:timer", (*VM).opUVTimer)
	vm.dict.addPrimitive("uv:timer-start", (*VM).opUVTimerStart)
	vm.dict.addPrimitive("uv:timer-stop", (*VM).opUVTimerStop)
	vm.dict.addPrimitive("uv:tcp", (*VM).opUVTCP)
	vm.dict.addPrimitive("uv:tcp-bind", (*VM).opUVTCPBind)
	vm.dict.addPrimitive("uv:listen", (*VM).opUVListen)
	vm.dict.addPrimitive("uv:read-start", (*VM).opUVReadStart)
	vm.dict.addPrimitive("uv:tcp-connect", (*VM).opUVTCPConnect)
	vm.dict.addPrimitive("uv:write", (*VM).opUVWrite)
	vm.dict.addPrimitive("uv:close", (*VM).opUVClose)
	vm.dict.addPrimitive("uv:run", (*VM).opUVRun)
}

// uv:timer ( -- h): allocate an unarmed timer handle.
func (vm *VM) opUVTimer() {
	lh := vm.loop.NewTimer()
	vm.push(handleValue(vm.handles.alloc(handleTimer, lh)))
}

// uv:timer-start (h timeout-ms repeat-ms q --): arm h to fire q (as "h --")
// every repeat-ms after an initial delay of timeout-ms; repeat-ms of 0 means
// one-shot. Arming replaces any previously armed callback on h -- the
// displaced Quote is simply unreferenced, never actually reclaimed, since
// quotations are never garbage collected. A non-timer handle or a negative
// duration is fatal: neither is a transient event-loop failure, both are
// caller bugs.
func (vm *VM) opUVTimerStart() {
	q := vm.popQuote()
	repeatMS := vm.popInt()
	timeoutMS := vm.popInt()
	id := vm.popHandle()

	if timeoutMS < 0 || repeatMS < 0 {
		vm.halt(errNegativeDuration)
	}
	h := vm.handles.get(id)
	if h == nil || h.kind != handleTimer {
		vm.halt(errWrongHandleKind)
	}

	if err := vm.loop.TimerStart(h.loopH, time.Duration(timeoutMS)*time.Millisecond, time.Duration(repeatMS)*time.Millisecond); err != nil {
		vm.logErrorf("uv:timer-start: %v", err)
		return
	}
	h.setCallback(q)
}

// uv:timer-stop (h --): disarm h. Its callback stays set on h; a later
// uv:timer-start re-arms h with the quotation it is given.
func (vm *VM) opUVTimerStop() {
	id := vm.popHandle()
	h := vm.handles.get(id)
	if h == nil || h.kind != handleTimer {
		vm.halt(errWrongHandleKind)
	}
	if err := vm.loop.TimerStop(h.loopH); err != nil {
		vm.logErrorf("uv:timer-stop: %v", err)
	}
}

// uv:tcp ( -- h): allocate an unbound, unconnected TCP handle.
func (vm *VM) opUVTCP() {
	lh := vm.loop.NewTCP()
	vm.push(handleValue(vm.handles.alloc(handleTCP, lh)))
}

// uv:tcp-bind (h ip port --): bind h to ip:port. Bind failure (bad address,
// port in use) is non-fatal: report and continue, leaving h unbound.
func (vm *VM) opUVTCPBind() {
	port := vm.popInt()
	ip := vm.popString()
	id := vm.popHandle()

	if port < 0 || port > 0xffff {
		vm.halt(errBadPort)
	}
	h := vm.handles.get(id)
	if h == nil || h.kind != handleTCP {
		vm.halt(errWrongHandleKind)
	}
	if err := vm.loop.Bind(h.loopH, ip, uint16(port)); err != nil {
		vm.logErrorf("uv:tcp-bind: %v", err)
	}
}

// uv:listen (h backlog q --): begin accepting inbound connections on h,
// which must already be bound. q is invoked as "new-h --" once per accepted
// connection, with new-h a freshly allocated handle already wrapping the
// accepted socket. Listen failure is non-fatal; q is not installed and no
// accepts will ever be delivered.
func (vm *VM) opUVListen() {
	q := vm.popQuote()
	backlog := vm.popInt()
	id := vm.popHandle()

	h := vm.handles.get(id)
	if h == nil || h.kind != handleTCP {
		vm.halt(errWrongHandleKind)
	}
	if err := vm.loop.Listen(h.loopH, int(backlog)); err != nil {
		vm.logErrorf("uv:listen: %v", err)
		return
	}
	h.setCallback(q)
}

// uv:tcp-connect (h ip port q --): begin an outbound connection from h. On
// success q is invoked once as "h --". On failure the attempt is reported
// to standard error and q is never invoked.
func (vm *VM) opUVTCPConnect() {
	q := vm.popQuote()
	port := vm.popInt()
	ip := vm.popString()
	id := vm.popHandle()

	if port < 0 || port > 0xffff {
		vm.halt(errBadPort)
	}
	h := vm.handles.get(id)
	if h == nil || h.kind != handleTCP {
		vm.halt(errWrongHandleKind)
	}
	if err := vm.loop.Connect(h.loopH, ip, uint16(port)); err != nil {
		vm.logErrorf("uv:tcp-connect: %v", err)
		return
	}
	h.setCallback(q)
}

// uv:read-start (h q --): begin reading from h, a connected TCP handle. q is
// invoked as "h data --" for each chunk read, and once more with data=""
// when the peer closes its write side, after which reading has stopped and
// q will not be invoked again for h. A read error other than EOF stops
// reading silently, without a final invocation of q.
func (vm *VM) opUVReadStart() {
	q := vm.popQuote()
	id := vm.popHandle()

	h := vm.handles.get(id)
	if h == nil || h.kind != handleTCP {
		vm.halt(errWrongHandleKind)
	}
	if err := vm.loop.ReadStart(h.loopH); err != nil {
		vm.logErrorf("uv:read-start: %v", err)
		return
	}
	h.setCallback(q)
}

// uv:write (h data --): write data to h asynchronously. The caller's string
// is fully consumed by the time this returns; there is no write-completion
// event.
func (vm *VM) opUVWrite() {
	data := vm.popString()
	id := vm.popHandle()

	h := vm.handles.get(id)
	if h == nil || h.kind != handleTCP {
		vm.halt(errWrongHandleKind)
	}
	if err := vm.loop.Write(h.loopH, []byte(data)); err != nil {
		vm.logErrorf("uv:write: %v", err)
	}
}

// uv:close (h --): begin an asynchronous close of h. Idempotent; closing an
// already-closing handle is a no-op. No callback fires for close itself.
func (vm *VM) opUVClose() {
	id := vm.popHandle()
	h := vm.handles.get(id)
	if h == nil {
		vm.halt(errWrongHandleKind)
	}
	h.closing = true
	if err := vm.loop.Close(h.loopH); err != nil {
		vm.logErrorf("uv:close: %v", err)
	}
}

// uv:run ( -- ): drive the event loop until no handle remains that could
// still produce an event, dispatching each delivered Event back into the
// interpreter as it arrives. Re-entrant: a callback invoked from here may
// itself call uv:run again without reentering the *provider* -- the
// provider is only ever driven from this one call frame at a time since
// Next blocks until the previous dispatch returns.
//
// A canceled vm.ctx can be observed two ways: Next returning !ok once it
// gives up waiting, or the in-loop check just after a dispatch. Either way
// a Loop.Shutdown is required before Wait -- without it, a still-armed
// timer or a listener with no inbound connection keeps its goroutine open
// and Wait never returns, no matter which path noticed the cancellation.
func (vm *VM) opUVRun() {
	for vm.loop.Active() > 0 {
		ev, ok := vm.loop.Next(vm.ctx)
		if !ok {
			break
		}
		vm.dispatchEvent(ev)
		if vm.ctx.Err() != nil {
			break
		}
	}
	if vm.ctx.Err() != nil {
		vm.loop.Shutdown()
	}
	if err := vm.loop.Wait(); err != nil {
		vm.logErrorf("uv:run: %v", err)
	}
	vm.haltif(vm.out.Flush())
	if vm.ctx.Err() != nil {
		vm.halt(vm.ctx.Err())
	}
}

// dispatchEvent translates one delivered evloop.Event into the matching
// handle lookup and, if a callback is armed, a synchronous re-entrant call
// into the interpreter that runs to completion before the loop resumes. An
// event for a loop handle this VM never registered is simply dropped; so is
// one for a handle with no callback armed or already closing (see
// invokeCallback). Closed handles stay in the handle table.
func (vm *VM) dispatchEvent(ev evloop.Event) {
	id, h := vm.handles.byLoopHandle(ev.Handle)
	if h == nil {
		return
	}

	switch ev.Kind {
	case evloop.EventTimerTick:
		vm.invokeCallback(h, func() { vm.push(handleValue(id)) })

	case evloop.EventAccept:
		newID := vm.handles.alloc(handleTCP, ev.New)
		vm.invokeCallback(h, func() { vm.push(handleValue(newID)) })

	case evloop.EventAcceptErr:
		vm.logErrorf("uv:listen: accept: %v", ev.Err)

	case evloop.EventConnectOK:
		vm.invokeCallback(h, func() { vm.push(handleValue(id)) })

	case evloop.EventConnectErr:
		// Failure is suppressed: report and do not invoke q.
		vm.logErrorf("uv:tcp-connect: %v", ev.Err)

	case evloop.EventData:
		vm.invokeCallback(h, func() {
			vm.push(handleValue(id))
			vm.push(stringValue(string(ev.Data)))
		})

	case evloop.EventEOF:
		vm.invokeCallback(h, func() {
			vm.push(handleValue(id))
			vm.push(stringValue(""))
		})

	case evloop.EventReadErr:
		// Reading stops silently; the error only appears in a trace log.
		vm.logf("!", "uv:read-start: %v", ev.Err)

	case evloop.EventClosed:
		// No script-visible callback for close completion; the handle
		// simply stops being usable from here on.
	}
}

// invokeCallback runs h's armed callback quotation, if any, after push has
// placed its arguments on the stack. A handle with no callback armed (e.g.
// a timer that fired after an arming primitive failed), or one already
// mid-uv:close, silently drops the event: closing a handle with a read
// armed can unblock that read into one last EOF, and no further callbacks
// for h should fire once uv:close has been called on it.
func (vm *VM) invokeCallback(h *vmHandle, push func()) {
	if h.closing || h.callback == 0 {
		return
	}
	push()
	vm.runQuote(h.callback)
}
