// Command ftlgate is the resident gate process (spec.md §4.5/§4.7,
// component C5): staged onto a remote host by internal/gatelife and
// started over the target's own transport, it answers Hello/Info/
// ListModules/Module/FTLModule/Watch/Shutdown frames on stdin/stdout
// until its driver disconnects.
//
// It also doubles as the "-run-bundle" subprocess internal/gate.
// RunInSubprocess re-execs: a non-async module runs in a throwaway
// interpreter session so a module crash can never take the resident
// dispatcher down with it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/forgewire/ftl/internal/ftlgate"
	"github.com/forgewire/ftl/internal/gate"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ftlgate", flag.ContinueOnError)
	gatePath := fs.String("gate", "", "path to the staged gate archive; runs the resident dispatcher loop")
	runBundle := fs.Bool("run-bundle", false, "run a single module from a staged bundle archive and exit")
	asyncModules := fs.String("async-modules", "ping", "comma-separated module names served via the in-process fast path")
	extractDir := fs.String("extract-dir", "", "scratch directory to unpack the gate archive into (defaults to the archive path plus \".d\")")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *runBundle {
		rest := fs.Args()
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "usage: ftlgate -run-bundle <archive-path> <module-name>")
			return 2
		}
		return gate.RunBundle(context.Background(), rest[0], rest[1], os.Stdin, os.Stdout, os.Stderr)
	}

	if *gatePath == "" {
		fmt.Fprintln(os.Stderr, "usage: ftlgate -gate <staged-archive-path>")
		return 2
	}

	dispatcher, err := ftlgate.BuildDispatcher(*gatePath, *extractDir, strings.Split(*asyncModules, ","))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ftlgate: %v\n", err)
		return 1
	}
	if err := dispatcher.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ftlgate: serve: %v\n", err)
		return 1
	}
	return 0
}
