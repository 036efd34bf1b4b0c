package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenario 2: one-shot timer.
func TestOneShotTimer(t *testing.T) {
	var out bytes.Buffer
	vm := New(WithOutput(&out))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src := `uv:timer 0 0 [ drop "tick" print cr bye ] uv:timer-start uv:run`
	err := vm.Run(ctx, [][]byte{[]byte(src)})
	require.NoError(t, err)
	assert.Equal(t, "tick\n", out.String())
	assert.False(t, vm.running)
}

// A one-shot timer's callback arms a second one-shot timer; both must fire,
// in order, before uv:run returns -- exercising re-entrant interpretation
// from an event callback and confirming that a one-shot timer deactivates
// on its own without requiring an explicit uv:close.
func TestChainedOneShotTimers(t *testing.T) {
	var out bytes.Buffer
	vm := New(WithOutput(&out))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src := `
		uv:timer 0 0 [ drop "one" print cr
			uv:timer 0 0 [ drop "two" print cr bye ] uv:timer-start
		] uv:timer-start
		uv:run
	`
	err := vm.Run(ctx, [][]byte{[]byte(src)})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", out.String())
}

// uv:timer-stop disarms a repeating timer; its tick count should stop
// advancing once stopped, and uv:run should return once nothing else keeps
// the loop active.
func TestTimerStopDisarms(t *testing.T) {
	var out bytes.Buffer
	vm := New(WithOutput(&out))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src := `
		uv:timer 5 5 [ dup "x" print uv:timer-stop bye ] uv:timer-start
		uv:run
	`
	err := vm.Run(ctx, [][]byte{[]byte(src)})
	require.NoError(t, err)
	assert.Equal(t, "x", out.String())
}

func TestCloseOnNonHandleValueHalts(t *testing.T) {
	var out bytes.Buffer
	vm := New(WithOutput(&out))
	err := vm.Run(context.Background(), [][]byte{[]byte(`99 uv:close`)})
	require.Error(t, err)
	var te typeError
	assert.ErrorAs(t, err, &te)
}

func TestTimerStartOnWrongHandleKindHalts(t *testing.T) {
	var out bytes.Buffer
	vm := New(WithOutput(&out))
	err := vm.Run(context.Background(), [][]byte{[]byte(`uv:tcp 0 0 [ ] uv:timer-start`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, errWrongHandleKind)
}

// A one-shot timer with a one-hour timeout and nothing else armed must not
// survive past its run's own context deadline: uv:run has to notice the
// cancellation, tear down the still-waiting timer goroutine, and return -- not block forever
// in Loop.Wait waiting for a goroutine that only TimerStop or Close would
// otherwise unblock.
func TestUVRunReturnsOnContextTimeout(t *testing.T) {
	var out bytes.Buffer
	vm := New(WithOutput(&out))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	src := `uv:timer 3600000 0 [ drop ] uv:timer-start uv:run`
	err := vm.Run(ctx, [][]byte{[]byte(src)})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// scenario 5: a listener accepts one connection, echoes back whatever it
// reads, and tears itself down; a client connects, sends one message, and
// prints whatever comes back. This drives uv:tcp, uv:tcp-bind, uv:listen,
// uv:tcp-connect, uv:read-start, uv:write, and uv:close together through one
// accept/read/write/close round trip -- the interpreter-level TCP path has
// no other test exercising it end to end.
//
// The listener handle has to stay reachable across two independently
// dispatched callbacks (accept, then the accepted connection's first read)
// with nothing but the shared data Stack to carry it: quotations capture no
// runtime values, so every word that would otherwise consume the listener
// handle is preceded by a dup that leaves a copy sitting underneath for the
// next callback to find. The server closes both the accepted connection and
// the listener as soon as it has echoed the first message, rather than
// waiting for a subsequent EOF -- there is no string-equality primitive to
// tell a data event from an EOF's empty string apart -- which also means
// the closing handle's read loop may still be blocked in Read when Close
// runs; invokeCallback's h.closing check is what keeps that trailing EOF
// from reaching the (already torn down) callback.
func TestTCPEchoRoundTrip(t *testing.T) {
	var out bytes.Buffer
	vm := New(WithOutput(&out))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src := `
		uv:tcp dup "127.0.0.1" 19321 uv:tcp-bind
		dup 8 [ [ over swap uv:write uv:close uv:close bye ] uv:read-start ] uv:listen

		uv:tcp "127.0.0.1" 19321 [
			dup "ping" uv:write
			[ print cr uv:close bye ] uv:read-start
		] uv:tcp-connect

		uv:run
	`
	err := vm.Run(ctx, [][]byte{[]byte(src)})
	require.NoError(t, err)
	assert.Equal(t, "ping\n", out.String())
}
