package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runScript(t *testing.T, src string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	vm := New(WithOutput(&out))
	err := vm.Run(context.Background(), [][]byte{[]byte(src)})
	return out.String(), err
}

// scenario 1: definition and invocation.
func TestDefinitionAndInvocation(t *testing.T) {
	out, err := runScript(t, `: greet "Hello" print cr ; greet`)
	require.NoError(t, err)
	assert.Equal(t, "Hello\n", out)
}

// scenario 4: number bases.
func TestNumberBases(t *testing.T) {
	vm := New(WithOutput(bytes.NewBuffer(nil)))
	err := vm.Run(context.Background(), [][]byte{[]byte("255 0xFF 0377")})
	require.NoError(t, err)

	require.Equal(t, 3, vm.stack.Len())
	for i := 0; i < 3; i++ {
		v, ok := vm.stack.peek(i)
		require.True(t, ok)
		assert.Equal(t, int64(255), v.i)
	}
}

// scenario 6: string escape decoding.
func TestStringEscapeDecoding(t *testing.T) {
	out, err := runScript(t, `"a\nb\tc\\d" print`)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\tc\\d", out)
}

// scenario 3: nested quotation in a definition yields one shared identity.
func TestNestedQuotationSharesIdentity(t *testing.T) {
	vm := New(WithOutput(bytes.NewBuffer(nil)))
	err := vm.Run(context.Background(), [][]byte{[]byte(`: twice [ "x" print ] dup ; twice`)})
	require.NoError(t, err)

	require.Equal(t, 2, vm.stack.Len())
	a, _ := vm.stack.peek(0)
	b, _ := vm.stack.peek(1)
	require.Equal(t, KindQuote, a.Kind())
	require.Equal(t, KindQuote, b.Kind())
	assert.Equal(t, a.q, b.q)
}

func TestUnknownNameHalts(t *testing.T) {
	_, err := runScript(t, "nosuchword")
	require.Error(t, err)
	var une unknownNameError
	assert.ErrorAs(t, err, &une)
}

func TestUnmatchedCloseBracketHalts(t *testing.T) {
	_, err := runScript(t, "]")
	assert.ErrorIs(t, err, errUnmatchedClose)
}

func TestUnmatchedOpenBracketHalts(t *testing.T) {
	_, err := runScript(t, "[ dup")
	assert.ErrorIs(t, err, errUnmatchedOpen)
}

func TestDefinitionWithNoNameHalts(t *testing.T) {
	_, err := runScript(t, ":")
	assert.ErrorIs(t, err, errNoDefName)
}

func TestSemiOutsideDefinitionHalts(t *testing.T) {
	_, err := runScript(t, ";")
	assert.ErrorIs(t, err, errUnexpectedSemi)
}

func TestDupDropBalanceStackDepth(t *testing.T) {
	out, err := runScript(t, `"x" dup dup drop drop drop`)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestWordsListsNewestFirst(t *testing.T) {
	out, err := runScript(t, ": a dup ; : b drop ; words")
	require.NoError(t, err)
	assert.Contains(t, out, "b a")
}

func TestAdditivePrimitives(t *testing.T) {
	out, err := runScript(t, `1 2 swap . . cr 3 4 over . . . cr 65 emit cr 3 depth .`)
	require.NoError(t, err)
	// swap: 1 2 -> 2 1, printed "." pops top-first: 1 then 2
	// over: 3 4 -> 3 4 3, printed: 3 then 4 then 3
	// emit 65 -> 'A'
	// depth with only 3 on the stack pushes 1, which the final "." prints
	assert.Equal(t, "12\n343\nA\n1", out)
}
