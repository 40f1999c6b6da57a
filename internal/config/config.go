// Package config reads the environment variables and verbosity counters
// both cmd/gc and cmd/get share, and installs a log/slog handler sized to
// the requested verbosity. Grounded on cmd/vista/main.go's
// getEnv/initLogger pair.
package config

import (
	"fmt"
	"log/slog"
	"os"
)

// BupDir returns the repository path an explicit path argument (gc's
// positional REPO, get's -s) defaults to: the BUP_DIR environment
// variable, or "" if unset (the caller is then expected to require an
// explicit path).
func BupDir() string {
	return os.Getenv("BUP_DIR")
}

// ReverseMode reports whether BUP_SERVER_REVERSE is set to a non-empty
// value, meaning this invocation of get is itself acting as the remote
// peer of an outer invocation: -r is forbidden, and the destination is
// the invoking peer rather than a path/flag this process resolves itself.
func ReverseMode() bool {
	return os.Getenv("BUP_SERVER_REVERSE") != ""
}

// Verbosity is the net level produced by counting -v occurrences against
// a single -q: -q forces the quietest level regardless of how many -v
// flags preceded it, matching the CLI grammar's "[-v]... [-q]" ordering.
type Verbosity int

const (
	VerbosityQuiet Verbosity = iota - 1
	VerbosityNormal
	VerbosityVerbose
	VerbosityDebug
)

// ResolveVerbosity turns a -v count and a -q flag into a single Verbosity.
func ResolveVerbosity(vCount int, quiet bool) Verbosity {
	if quiet {
		return VerbosityQuiet
	}
	switch {
	case vCount <= 0:
		return VerbosityNormal
	case vCount == 1:
		return VerbosityVerbose
	default:
		return VerbosityDebug
	}
}

// InitLogger installs a text slog.Handler on stderr at the level verbosity
// implies, and returns it in case a caller needs to pass it along (e.g. to
// build a derived *slog.Logger rather than rely on the package default).
func InitLogger(v Verbosity) *slog.Logger {
	level := slog.LevelInfo
	switch v {
	case VerbosityQuiet:
		level = slog.LevelError
	case VerbosityVerbose:
		level = slog.LevelDebug
	case VerbosityDebug:
		level = slog.LevelDebug - 4
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// RequireBupDir resolves the repository path from an explicit flag value
// (if non-empty) or BUP_DIR, failing if neither is set.
func RequireBupDir(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if dir := BupDir(); dir != "" {
		return dir, nil
	}
	return "", fmt.Errorf("no repository path given: pass a path or set BUP_DIR")
}
