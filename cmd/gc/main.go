// Command gc compacts a repository's packs: objects no longer reachable
// from any ref are dropped, packs with a high live fraction are kept
// intact, and packs in between are rewritten down to their live objects.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/halvorsen/packvault/internal/cli"
	"github.com/halvorsen/packvault/internal/config"
	"github.com/halvorsen/packvault/internal/gc"
	"github.com/halvorsen/packvault/internal/gitcore"
	"github.com/halvorsen/packvault/internal/progress"
	"github.com/halvorsen/packvault/internal/termcolor"
)

const version = "dev"

var cmd = &cli.Command{
	Name:    "gc",
	Summary: "compact a repository's packs down to their live objects",
	Usage:   "gc [-v]... [-q] [--threshold N] [--compress L] [REPO]",
	Examples: []string{
		"gc /srv/backups/project.bup",
		"gc --threshold 20 -v /srv/backups/project.bup",
		"BUP_DIR=/srv/backups/project.bup gc",
	},
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := cli.NewApp("gc", version)
	app.Register(cmd)
	cw := termcolor.NewWriter(os.Stderr, termcolor.ColorAuto)

	for _, a := range args {
		if a == "-h" || a == "--help" {
			cli.FormatCommandHelp(app, cmd, cw)
			return 0
		}
	}

	fs := flag.NewFlagSet("gc", flag.ContinueOnError)
	fs.SetOutput(app.Stderr)
	threshold := fs.Int("threshold", 10, "garbage threshold percentage (0-100)")
	compress := fs.Int("compress", 1, "zlib compression level (0-9) for rewritten packs")
	vCount := 0
	countVerbose := func(string) error { vCount++; return nil }
	fs.BoolFunc("v", "verbose logging (repeat for debug logging)", countVerbose)
	fs.BoolFunc("verbose", "same as -v", countVerbose)
	debugFlag := fs.Bool("vv", false, "debug logging")
	quiet := fs.Bool("q", false, "suppress non-error output")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *debugFlag && vCount < 2 {
		vCount = 2
	}
	logger := config.InitLogger(config.ResolveVerbosity(vCount, *quiet))

	repoPath, err := config.RequireBupDir(fs.Arg(0))
	if err != nil {
		fpf(app.Stderr, "gc: %s\n", err)
		return 1
	}

	store, err := gitcore.Open(repoPath)
	if err != nil {
		fpf(app.Stderr, "gc: %s\n", err)
		return 1
	}

	collector := gc.New(store, gc.Options{Threshold: *threshold, Compress: *compress})

	sp := progress.New("compacting packs")
	sp.Start()
	report, err := collector.Run(context.Background())
	sp.Stop()
	if err != nil {
		fpf(app.Stderr, "gc: %s\n", err)
		return 1
	}

	if vCount >= 2 {
		if err := gc.VerifyLiveness(context.Background(), store); err != nil {
			fpf(app.Stderr, "gc: post-run verification failed: %s\n", err)
			return 1
		}
	}

	if !*quiet {
		for _, p := range report.Packs {
			logger.Info("pack processed", "pack", p.Pack, "action", p.Action, "live", p.Live, "total", p.Total)
			fpf(os.Stdout, "%s  %-8s live=%d/%d (%.1f%%)\n", p.Pack, p.Action, p.Live, p.Total, p.Fraction*100)
		}
		fpf(os.Stdout, "%d objects reachable out of %d before this run\n", report.LiveCount, report.TotalBefore)
	}

	return 0
}

func fpf(w io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(w, format, a...)
}
