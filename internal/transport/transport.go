// Package transport opens a gitcore.Store against a parsed remoteurl.Remote,
// giving Transfer a destination Writer whether that destination is a local
// path or a remote peer. Per spec.md's own Non-goal ("the wire framing of
// the remote transport"), only the file: scheme is actually implemented
// here; ssh:// and bup:// are documented stubs that return ErrTransport,
// since nothing in this spec's scope describes their wire protocol.
package transport

import (
	"fmt"

	"github.com/halvorsen/packvault/internal/gitcore"
	"github.com/halvorsen/packvault/internal/remoteurl"
)

// Open resolves remote into a usable destination Store. For the file:
// scheme this opens the path directly; ssh:// and bup:// report
// ErrTransport, since dialing and speaking either protocol is out of this
// module's scope.
func Open(remote remoteurl.Remote) (*gitcore.Store, error) {
	switch remote.Scheme {
	case "file":
		store, err := gitcore.Open(remote.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", remote.Path, err)
		}
		return store, nil
	case "ssh", "bup":
		return nil, fmt.Errorf("%s transport is not implemented by this module: %w", remote.Scheme, gitcore.ErrTransport)
	default:
		return nil, fmt.Errorf("unsupported remote scheme %q: %w", remote.Scheme, gitcore.ErrTransport)
	}
}
