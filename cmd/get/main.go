// Command get transfers objects between repositories (local or remote)
// according to one or more (method, source[, destination]) specifications,
// resolving each through a minimal virtual filesystem view of the object
// graph before copying anything.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/halvorsen/packvault/internal/cli"
	"github.com/halvorsen/packvault/internal/config"
	"github.com/halvorsen/packvault/internal/get"
	"github.com/halvorsen/packvault/internal/gitcore"
	"github.com/halvorsen/packvault/internal/identity"
	"github.com/halvorsen/packvault/internal/progress"
	"github.com/halvorsen/packvault/internal/remoteurl"
	"github.com/halvorsen/packvault/internal/termcolor"
	"github.com/halvorsen/packvault/internal/transport"
)

const version = "dev"

var cmd = &cli.Command{
	Name:    "get",
	Summary: "transfer objects between repositories by method, source, and destination",
	Usage:   "get [-s SRC_REPO] [-r REMOTE] [-v]... [-q] [--compress L] [-t] [-c] [--print-tags] ( (--ff|--append|--pick|--force-pick|--new-tag|--overwrite|--unnamed) SRC[:DEST] )...",
	Examples: []string{
		"get --ff /main:/main -r file:/srv/backups/mirror.bup",
		"get --pick /src/<hexid>:/.tag/release-1 --print-tags",
		"get --new-tag /.tag/v1",
	},
}

var methodFlags = map[string]get.Method{
	"--ff":         get.FF,
	"--append":     get.Append,
	"--pick":       get.Pick,
	"--force-pick": get.ForcePick,
	"--new-tag":    get.NewTag,
	"--overwrite":  get.Overwrite,
	"--unnamed":    get.Unnamed,
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := cli.NewApp("get", version)
	app.Register(cmd)
	cw := termcolor.NewWriter(os.Stderr, termcolor.ColorAuto)

	for _, a := range args {
		if a == "-h" || a == "--help" {
			cli.FormatCommandHelp(app, cmd, cw)
			return 0
		}
	}

	opts, specs, err := parseArgs(args)
	if err != nil {
		fpf(app.Stderr, "get: %s\n", err)
		if s := cli.Suggest(firstUnknownFlag(args), knownMethodFlags()); s != "" {
			fpf(app.Stderr, "\n\tDid you mean %q?\n", s)
		}
		return 1
	}

	if config.ReverseMode() && opts.remote != "" {
		fpf(app.Stderr, "get: -r is forbidden under BUP_SERVER_REVERSE\n")
		return 1
	}

	logger := config.InitLogger(config.ResolveVerbosity(opts.vCount, opts.quiet))

	srcPath, err := config.RequireBupDir(opts.srcRepo)
	if err != nil {
		fpf(app.Stderr, "get: %s\n", err)
		return 1
	}
	src, err := gitcore.Open(srcPath)
	if err != nil {
		fpf(app.Stderr, "get: %s\n", err)
		return 1
	}

	dest := src
	if opts.remote != "" {
		remote, perr := remoteurl.Parse(opts.remote)
		if perr != nil {
			fpf(app.Stderr, "get: %s\n", perr)
			return 1
		}
		d, oerr := transport.Open(remote)
		if oerr != nil {
			fpf(app.Stderr, "get: %s\n", oerr)
			return 1
		}
		dest = d
	}

	resolver := get.NewResolver(src, dest)
	targets, err := resolver.Resolve(specs)
	if err != nil {
		fpf(app.Stderr, "get: %s\n", err)
		return 1
	}

	id, err := identity.Current()
	if err != nil {
		fpf(app.Stderr, "get: %s\n", err)
		return 1
	}

	writer, err := gitcore.NewPackWriter(dest, opts.compress, nil)
	if err != nil {
		fpf(app.Stderr, "get: %s\n", err)
		return 1
	}
	tr := get.NewTransfer(src, dest, writer, id, time.Now())

	var bar *progress.Bar
	if len(targets) > 0 {
		bar, _ = progress.NewBar("transferring", len(targets))
	}

	resultIDs := make([]gitcore.Hash, len(targets))
	var execErrs []error
	for i, target := range targets {
		newID, err := tr.Execute(context.Background(), target)
		if err != nil {
			execErrs = append(execErrs, err)
			logger.Error("target failed", "src", target.Spec.SrcPath, "dest", target.Spec.DestPath, "err", err)
		}
		resultIDs[i] = newID
		if bar != nil {
			bar.Advance(1)
		}
	}
	if bar != nil {
		bar.Stop()
	}

	if _, err := writer.Close(); err != nil {
		fpf(app.Stderr, "get: %s\n", err)
		return 1
	}

	if err := tr.Finalize(); err != nil {
		fpf(app.Stderr, "get: %s\n", err)
		return 1
	}

	if len(execErrs) > 0 {
		for _, e := range execErrs {
			fpf(app.Stderr, "get: %s\n", e)
		}
		return 1
	}

	if opts.tags || opts.commits || opts.printTags {
		for _, id := range resultIDs {
			if id == "" {
				continue
			}
			fpf(os.Stdout, "%s\n", id)
		}
	}

	return 0
}

type options struct {
	srcRepo   string
	remote    string
	vCount    int
	quiet     bool
	bwlimit   string
	compress  int
	tags      bool
	commits   bool
	printTags bool
}

// parseArgs hand-rolls the get grammar rather than using flag.FlagSet: the
// method flags (--ff, --pick, ...) repeat, each immediately followed by a
// positional SRC[:DEST] argument, which flag's single-pass parser can't
// express.
func parseArgs(args []string) (options, []get.Spec, error) {
	var opts options
	opts.compress = 1
	var specs []get.Spec

	i := 0
	for i < len(args) {
		a := args[i]
		switch {
		case a == "-s":
			i++
			if i >= len(args) {
				return opts, nil, fmt.Errorf("-s requires an argument")
			}
			opts.srcRepo = args[i]
		case a == "-r":
			i++
			if i >= len(args) {
				return opts, nil, fmt.Errorf("-r requires an argument")
			}
			opts.remote = args[i]
		case a == "-v":
			opts.vCount++
		case a == "-q":
			opts.quiet = true
		case a == "--bwlimit":
			i++
			if i >= len(args) {
				return opts, nil, fmt.Errorf("--bwlimit requires an argument")
			}
			opts.bwlimit = args[i]
		case a == "--compress":
			i++
			if i >= len(args) {
				return opts, nil, fmt.Errorf("--compress requires an argument")
			}
			var n int
			if _, err := fmt.Sscanf(args[i], "%d", &n); err != nil {
				return opts, nil, fmt.Errorf("--compress: invalid level %q", args[i])
			}
			opts.compress = n
		case a == "-t":
			opts.tags = true
		case a == "-c":
			opts.commits = true
		case a == "--print-tags":
			opts.printTags = true
		default:
			method, ok := methodFlags[a]
			if !ok {
				return opts, nil, fmt.Errorf("unrecognized flag %q", a)
			}
			i++
			if i >= len(args) {
				return opts, nil, fmt.Errorf("%s requires a SRC[:DEST] argument", a)
			}
			spec, err := parseSpec(method, args[i])
			if err != nil {
				return opts, nil, err
			}
			specs = append(specs, spec)
		}
		i++
	}

	return opts, specs, nil
}

// parseSpec splits a SRC[:DEST] argument. Only the first colon is
// significant — a bare hex id never contains one, and VFS paths don't
// either, so splitting on the first colon is unambiguous.
func parseSpec(method get.Method, arg string) (get.Spec, error) {
	idx := strings.Index(arg, ":")
	if idx < 0 {
		return get.Spec{Method: method, SrcPath: arg}, nil
	}
	return get.Spec{Method: method, SrcPath: arg[:idx], DestPath: arg[idx+1:]}, nil
}

func knownMethodFlags() []string {
	names := make([]string, 0, len(methodFlags))
	for name := range methodFlags {
		names = append(names, name)
	}
	return names
}

func firstUnknownFlag(args []string) string {
	for _, a := range args {
		if strings.HasPrefix(a, "--") {
			if _, ok := methodFlags[a]; !ok {
				return a
			}
		}
	}
	return ""
}

func fpf(w io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(w, format, a...)
}
