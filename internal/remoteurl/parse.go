// Package remoteurl parses the remote endpoint grammar a get invocation's
// -r flag accepts: scheme://host[:port]/path forms, plus the bare
// host:/path ssh shorthand. Grounded on the teacher's own remote-URL
// handling in internal/gitcore/repository.go (parseRemotesFromConfig /
// stripCredentials), which prefix-matches known schemes and strips
// everything it doesn't understand rather than fully parsing with
// net/url — this package follows the same prefix-matching idiom, extended
// to recognize ssh://, bup://, and the bare host:/path shorthand, and to
// reject (rather than silently pass through) anything else.
package remoteurl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/halvorsen/packvault/internal/gitcore"
)

// Remote is a parsed remote endpoint: scheme is always set; host, port,
// and path are empty when the grammar form doesn't carry one (a bare
// "file:" path, for instance, has no host or port).
type Remote struct {
	Scheme string
	Host   string
	Port   string
	Path   string
}

const (
	schemeFile = "file"
	schemeSSH  = "ssh"
	schemeBup  = "bup"
)

// Parse is a total function over the grammar spec.md §6 names: it returns
// a Remote for every string the grammar accepts and an error (wrapping
// ErrBadSpec) for everything else, including http:/https: and any other
// unrecognized scheme.
func Parse(raw string) (Remote, error) {
	switch {
	case strings.HasPrefix(raw, schemeFile+":"):
		return Remote{Scheme: schemeFile, Path: strings.TrimPrefix(raw, schemeFile+":")}, nil
	case strings.HasPrefix(raw, schemeSSH+"://"):
		return parseHostedScheme(schemeSSH, strings.TrimPrefix(raw, schemeSSH+"://"))
	case strings.HasPrefix(raw, schemeBup+"://"):
		return parseHostedScheme(schemeBup, strings.TrimPrefix(raw, schemeBup+"://"))
	case strings.Contains(raw, "://"):
		scheme := raw[:strings.Index(raw, "://")]
		return Remote{}, fmt.Errorf("remote scheme %q is not supported: %w", scheme, gitcore.ErrBadSpec)
	default:
		return parseShorthand(raw)
	}
}

// parseHostedScheme handles the rest of a scheme://host[:port]/path form
// after the scheme and "://" have already been stripped. The host segment
// may be bracketed (for a literal IPv6 address containing colons); the
// port, if present, follows a single colon after the (possibly bracketed)
// host; everything from the first unbracketed "/" onward is the path.
func parseHostedScheme(scheme, rest string) (Remote, error) {
	var hostPort, path string
	if idx := findPathStart(rest); idx >= 0 {
		hostPort, path = rest[:idx], rest[idx:]
	} else {
		hostPort = rest
	}
	if hostPort == "" {
		return Remote{}, fmt.Errorf("%s: missing host: %w", scheme, gitcore.ErrBadSpec)
	}

	host, port, err := splitHostPort(hostPort)
	if err != nil {
		return Remote{}, fmt.Errorf("%s: %w", scheme, err)
	}
	return Remote{Scheme: scheme, Host: host, Port: port, Path: path}, nil
}

// parseShorthand handles the bare "host:/path" ssh shorthand — no
// scheme, no "://", just a host, a colon, and an absolute path. A bare
// string with no colon at all, or one where the colon isn't followed by
// "/", doesn't match this grammar and is rejected.
func parseShorthand(raw string) (Remote, error) {
	idx := strings.Index(raw, ":")
	if idx < 0 || idx+1 >= len(raw) || raw[idx+1] != '/' {
		return Remote{}, fmt.Errorf("not a recognized remote form %q: %w", raw, gitcore.ErrBadSpec)
	}
	host := raw[:idx]
	path := raw[idx+1:]
	if host == "" {
		return Remote{}, fmt.Errorf("shorthand remote %q: missing host: %w", raw, gitcore.ErrBadSpec)
	}
	return Remote{Scheme: schemeSSH, Host: host, Path: path}, nil
}

// findPathStart returns the index of the "/" that begins the path
// component of a host[:port]/path string, skipping over a bracketed IPv6
// literal if present. Returns -1 if there is no path.
func findPathStart(s string) int {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return strings.Index(s, "/")
		}
		if slash := strings.Index(s[end:], "/"); slash >= 0 {
			return end + slash
		}
		return -1
	}
	return strings.Index(s, "/")
}

// splitHostPort separates an optional ":<port>" suffix from a host that
// may itself be a bracketed IPv6 literal.
func splitHostPort(hostPort string) (host, port string, err error) {
	if strings.HasPrefix(hostPort, "[") {
		end := strings.Index(hostPort, "]")
		if end < 0 {
			return "", "", fmt.Errorf("unterminated bracketed host %q: %w", hostPort, gitcore.ErrBadSpec)
		}
		host = hostPort[1:end]
		rest := hostPort[end+1:]
		if rest == "" {
			return host, "", nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", fmt.Errorf("unexpected text after bracketed host %q: %w", hostPort, gitcore.ErrBadSpec)
		}
		port = rest[1:]
		if _, perr := strconv.Atoi(port); perr != nil {
			return "", "", fmt.Errorf("invalid port %q: %w", port, gitcore.ErrBadSpec)
		}
		return host, port, nil
	}

	if idx := strings.LastIndex(hostPort, ":"); idx >= 0 {
		host = hostPort[:idx]
		port = hostPort[idx+1:]
		if _, perr := strconv.Atoi(port); perr != nil {
			// Not actually a port (e.g. an unbracketed IPv6 literal) — treat
			// the whole thing as the host instead of failing outright.
			return hostPort, "", nil
		}
		return host, port, nil
	}
	return hostPort, "", nil
}
