package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStackPushPop(t *testing.T) {
	var s Stack
	assert.Equal(t, 0, s.Len())

	s.push(intValue(1))
	s.push(intValue(2))
	assert.Equal(t, 2, s.Len())

	v, ok := s.pop()
	assert.True(t, ok)
	assert.Equal(t, intValue(2), v)

	v, ok = s.pop()
	assert.True(t, ok)
	assert.Equal(t, intValue(1), v)

	_, ok = s.pop()
	assert.False(t, ok)
}

func TestStackPeek(t *testing.T) {
	var s Stack
	s.push(intValue(1))
	s.push(intValue(2))
	s.push(intValue(3))

	top, ok := s.peek(0)
	assert.True(t, ok)
	assert.Equal(t, intValue(3), top)

	second, ok := s.peek(1)
	assert.True(t, ok)
	assert.Equal(t, intValue(2), second)

	_, ok = s.peek(3)
	assert.False(t, ok)
}

func TestVMTypedPopsHaltOnMismatch(t *testing.T) {
	vm := New()
	vm.push(stringValue("x"))

	var haltErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				haltErr = r.(haltError)
			}
		}()
		vm.popInt()
	}()

	assert.Error(t, haltErr)
	var te typeError
	assert.ErrorAs(t, haltErr, &te)
	assert.Equal(t, KindInt, te.want)
	assert.Equal(t, KindString, te.got)
}

func TestVMPopUnderflowHalts(t *testing.T) {
	vm := New()

	var haltErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				haltErr = r.(haltError)
			}
		}()
		vm.popVal()
	}()

	assert.ErrorIs(t, haltErr, errStackUnderflow)
}

func TestDupLeavesIndependentStringCopies(t *testing.T) {
	var s Stack
	s.push(stringValue("hello"))
	v, _ := s.pop()
	s.push(v)
	s.push(v.dup())

	assert.Equal(t, 2, s.Len())
	a, _ := s.peek(0)
	b, _ := s.peek(1)
	assert.Equal(t, "hello", a.s)
	assert.Equal(t, "hello", b.s)
}
