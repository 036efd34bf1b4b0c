package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rmay/thirdloop/internal/evloop"
	"github.com/rmay/thirdloop/internal/flushio"
)

// VM owns every piece of interpreter state: the data Stack, the Dictionary,
// the interned Quotation and Handle tables, and the event loop that binds
// asynchronous I/O back into all of the above.
type VM struct {
	stack   Stack
	dict    Dictionary
	quotes  quoteTable
	handles handleTable
	loop    *evloop.Loop

	ctx     context.Context
	out     flushio.WriteFlusher
	closers []io.Closer

	logfn func(mess string, args ...interface{})

	running bool // cleared by bye: does not stop the event loop
}

// New constructs a VM with its core dictionary installed and every option
// applied.
func New(opts ...VMOption) *VM {
	vm := &VM{
		loop:    evloop.New(),
		ctx:     context.Background(),
		running: true,
	}
	defaultOptions.apply(vm)
	VMOptions(opts...).apply(vm)
	vm.installCore()
	return vm
}

func (vm *VM) logf(mark, mess string, args ...interface{}) {
	if vm.logfn == nil {
		return
	}
	if len(args) > 0 {
		mess = fmt.Sprintf(mess, args...)
	}
	vm.logfn("%v %v", mark, mess)
}

// logErrorf reports a non-fatal event-loop error to standard error and
// continues. It never halts. With a logfn set (WithLogf) the report goes
// through it; otherwise it is written to os.Stderr directly.
func (vm *VM) logErrorf(mess string, args ...interface{}) {
	if vm.logfn == nil {
		fmt.Fprintf(os.Stderr, "! %v\n", fmt.Sprintf(mess, args...))
		return
	}
	vm.logf("!", mess, args...)
}

// Close releases every registered closer (output tees and the like), in
// reverse registration order.
func (vm *VM) Close() (err error) {
	for i := len(vm.closers) - 1; i >= 0; i-- {
		if cerr := vm.closers[i].Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Run tokenizes and interprets each source in turn against one shared
// Stack/Dictionary, stopping early if bye clears the running flag, and
// recovers a fatal halt as an ordinary error -- this is the sole top-level
// entry point. A script's own "uv:run" word (uv.go) may drive the event loop
// and re-enter the interpreter any number of times before this returns; any
// halt raised from deep inside that re-entrancy unwinds all the way back out
// to this one recover.
func (vm *VM) Run(ctx context.Context, sources [][]byte) error {
	vm.ctx = ctx
	return vm.recoverHalt(func() error {
		for _, src := range sources {
			if !vm.running {
				break
			}
			vm.interpret(Tokenize(src))
		}
		vm.haltif(vm.out.Flush())
		return nil
	})
}

func (vm *VM) recoverHalt(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if he, ok := r.(haltError); ok {
				err = he
				return
			}
			panic(r)
		}
	}()
	return f()
}
