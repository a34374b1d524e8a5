// Package xerr defines the error taxonomy shared across the fabric: a
// small set of sentinel kinds that every layer (wire, socket, ipc, node,
// store) wraps its failures in, so callers can branch with errors.Is
// instead of string-matching.
package xerr

import "github.com/pkg/errors"

// Kind identifies one of the error categories from spec §7.
type Kind error

var (
	// ProtocolError: malformed frame, oversize header, wrong start-line
	// arity, missing colon in a header, short body.
	ProtocolError Kind = errors.New("protocol error")

	// PeerClosed: socket EOF or broken pipe during read or write (an EOF
	// inside a frame's declared body is a ProtocolError instead).
	PeerClosed Kind = errors.New("peer closed")

	// UnknownMethod: request method name not defined on the receiving node.
	UnknownMethod Kind = errors.New("unknown method")

	// PipeClosed: inter-process channel end-of-file.
	PipeClosed Kind = errors.New("pipe closed")

	// StoreTimeout: a backend call exceeded its connect/operation timeout.
	StoreTimeout Kind = errors.New("store timeout")

	// StoreConnection: the backend connection could not be established.
	StoreConnection Kind = errors.New("store connection error")

	// StoreBusy: the backend rejected the call because it is loading/busy.
	StoreBusy Kind = errors.New("store busy")

	// StoreResponse: the backend returned a response the wrapper could not
	// interpret.
	StoreResponse Kind = errors.New("store response error")

	// StoreError: any other backend-reported failure.
	StoreError Kind = errors.New("store error")

	// BadShape: write_data input columns are inconsistent in length, or the
	// time column is missing.
	BadShape Kind = errors.New("bad shape")

	// NotAllowed: a write call was issued against a playback store.
	NotAllowed Kind = errors.New("not allowed")
)

// Wrap attaches additional context to an error while preserving the
// sentinel kind for errors.Is checks further up the stack.
func Wrap(kind Kind, context string) error {
	return errors.Wrap(kind, context)
}

// Wrapf is Wrap with a formatted context string.
func Wrapf(kind Kind, format string, args ...any) error {
	return errors.Wrapf(kind, format, args...)
}
