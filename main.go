// main is the CLI entry point: with no file arguments it reads the whole of
// stdin as one source; with one or more file arguments it reads each in
// turn and evaluates them against the same Stack and Dictionary, so a later
// file may call words an earlier one defined. A script drives the event
// loop itself by calling uv:run; nothing here drives it implicitly.
package main

import (
	"context"
	"flag"
	"io/ioutil"
	"os"
	"time"

	"github.com/rmay/thirdloop/internal/logio"
)

func main() {
	var (
		timeout time.Duration
		trace   bool
		dump    bool
	)
	flag.DurationVar(&timeout, "timeout", 0, "specify a time limit")
	flag.BoolVar(&trace, "trace", false, "enable trace logging")
	flag.BoolVar(&dump, "dump", false, "print a dump of final VM state")
	flag.Parse()

	log := logio.Logger{}
	log.SetOutput(os.Stderr)
	defer func() { os.Exit(log.ExitCode()) }()

	sources, err := readSources(flag.Args())
	if err != nil {
		log.Errorf("%v", err)
		return
	}

	opts := []VMOption{WithOutput(os.Stdout)}
	if trace {
		opts = append(opts, WithLogf(log.Leveledf("TRACE")))
	}
	vm := New(opts...)
	defer vm.Close()

	if dump {
		defer vmDumper{vm: vm, out: log.Leveledf("DUMP")}.dump()
	}

	ctx := context.Background()
	if timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log.ErrorIf(vm.Run(ctx, sources))
}

func readSources(args []string) ([][]byte, error) {
	if len(args) == 0 {
		src, err := ioutil.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		return [][]byte{src}, nil
	}

	sources := make([][]byte, 0, len(args))
	for _, name := range args {
		src, err := ioutil.ReadFile(name)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}
