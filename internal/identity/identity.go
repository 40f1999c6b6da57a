// Package identity resolves the local user/host identity used to sign
// synthesized commits, built once per invocation instead of read ad hoc
// from process-wide helpers.
package identity

import (
	"fmt"
	"os"
	"os/user"
)

// Identity names who is running the current invocation, for use as the
// committer (and, where no original author survives, the author) of any
// commit Transfer synthesizes.
type Identity struct {
	User string
	Mail string
	Host string
}

// Current builds an Identity from the OS user database and hostname. It is
// meant to be called exactly once per invocation and threaded through
// explicitly from there.
func Current() (Identity, error) {
	host, err := os.Hostname()
	if err != nil {
		return Identity{}, fmt.Errorf("failed to resolve hostname: %w", err)
	}

	u, err := user.Current()
	if err != nil {
		return Identity{}, fmt.Errorf("failed to resolve current user: %w", err)
	}

	name := u.Username
	if u.Name != "" {
		name = u.Name
	}

	return Identity{
		User: name,
		Mail: fmt.Sprintf("%s@%s", u.Username, host),
		Host: host,
	}, nil
}

// String renders the identity as a commit signature name/email pair, in the
// grammar EncodeCommit expects: "<name> <<email>>".
func (id Identity) String() string {
	return fmt.Sprintf("%s <%s>", id.User, id.Mail)
}
