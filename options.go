package main

import (
	"context"
	"io"
	"io/ioutil"

	"github.com/rmay/thirdloop/internal/flushio"
)

// VMOption configures a VM at construction time via the functional-options
// pattern.
type VMOption interface{ apply(vm *VM) }

var defaultOptions = VMOptions(
	outputOption{ioutil.Discard},
)

// VMOptions flattens any number of options (including other VMOptions
// results) into one.
func VMOptions(opts ...VMOption) VMOption {
	var res options
	for _, opt := range opts {
		switch impl := opt.(type) {
		case nil, noption:
		case options:
			res = append(res, impl...)
		default:
			res = append(res, opt)
		}
	}
	switch len(res) {
	case 0:
		return noption{}
	case 1:
		return res[0]
	default:
		return res
	}
}

type noption struct{}

func (noption) apply(vm *VM) {}

type options []VMOption

func (opts options) apply(vm *VM) {
	for _, opt := range opts {
		if opt != nil {
			opt.apply(vm)
		}
	}
}

type withLogfn func(mess string, args ...interface{})

func (logfn withLogfn) apply(vm *VM) { vm.logfn = logfn }

// WithLogf arms vm.logfn, enabling the "#" halt lines emitted by halt and
// routing logErrorf's "!" error lines through it instead of os.Stderr.
func WithLogf(logfn func(mess string, args ...interface{})) VMOption {
	return withLogfn(logfn)
}

type outputOption struct{ io.Writer }
type teeOption struct{ io.Writer }
type contextOption struct{ context.Context }

// WithOutput sets stdout; the prior output, if any, is flushed first.
func WithOutput(w io.Writer) VMOption { return outputOption{w} }

// WithTee additionally mirrors every byte written to stdout into w.
func WithTee(w io.Writer) VMOption { return teeOption{w} }

// WithContext seeds the context uv:run observes for cancellation/timeout.
// Run overwrites this with whatever context it is itself called with, so
// this option only matters for callers that construct a VM and drive it by
// hand rather than through Run.
func WithContext(ctx context.Context) VMOption { return contextOption{ctx} }

func (o outputOption) apply(vm *VM) {
	if vm.out != nil {
		vm.out.Flush()
	}
	vm.out = flushio.NewWriteFlusher(o.Writer)
	if cl, ok := o.Writer.(io.Closer); ok {
		vm.closers = append(vm.closers, cl)
	}
}

func (o teeOption) apply(vm *VM) {
	vm.out = flushio.WriteFlushers(vm.out, flushio.NewWriteFlusher(o.Writer))
	if cl, ok := o.Writer.(io.Closer); ok {
		vm.closers = append(vm.closers, cl)
	}
}

func (o contextOption) apply(vm *VM) {
	if o.Context != nil {
		vm.ctx = o.Context
	}
}
