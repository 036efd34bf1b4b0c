/*
Package main implements thirdloop, a tiny stack-oriented interpreter whose
distinguishing feature is first-class integration with an asynchronous I/O
event loop: timers and TCP endpoints are ordinary values on the data stack,
and user code attaches deferred token sequences ("quotations") as event
callbacks.

The interpreter is late-binding: quotations store raw tokens, and name
resolution happens at invocation time against a mutable dictionary, not at
compile time. This mirrors the classic FORTH split between immediate
execution and colon-definition compilation, but trades FORTH's addressable
memory tape for a small closed set of tagged stack values (int, string,
quote, handle).

A source program looks like:

	: greet "Hello" print cr ;
	greet

	uv:timer 0 0 [ drop "tick" print cr bye ] uv:timer-start
	uv:run

See token.go for the tokenizer, interp.go for the compiler/interpreter state
machine, quote.go and handle.go for the two interned reference tables, and
uv.go for the event-loop bindings.
*/
package main
