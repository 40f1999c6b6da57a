package gitcore

import "errors"

// Sentinel error kinds shared across the store, GC, and GET layers. Callers
// distinguish them with errors.Is/errors.As rather than a bespoke exception
// hierarchy; every returned error wraps one of these via fmt.Errorf("...: %w").
var (
	// ErrBadSpec marks a malformed target string or an illegal
	// method/source/dest combination, caught during resolution.
	ErrBadSpec = errors.New("bad spec")
	// ErrNotFound marks a source path or hash that does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrAncestorViolation marks a fast-forward whose dest is not an
	// ancestor of src.
	ErrAncestorViolation = errors.New("dest is not an ancestor of src")
	// ErrCorruptObject marks a payload that fails to parse or a hash
	// mismatch on read.
	ErrCorruptObject = errors.New("corrupt object")
	// ErrRefConflict marks a compare-and-swap failure on a ref update.
	ErrRefConflict = errors.New("ref conflict")
	// ErrTransport marks an I/O error talking to a remote writer.
	ErrTransport = errors.New("transport error")
	// ErrCancelled marks cancellation observed at a checkpoint.
	ErrCancelled = errors.New("cancelled")
)
