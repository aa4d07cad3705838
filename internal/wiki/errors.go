package wiki

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a remote call failure. Every error surfaced by this
// package carries exactly one Kind; callers branch on it rather than on
// error strings.
type Kind int

const (
	// KindTransport is a network-level failure: connection refused,
	// timeout, TLS failure. The request may or may not have reached
	// the wiki.
	KindTransport Kind = iota

	// KindRemoteProtocol is a malformed or unexpected remote response:
	// non-JSON body, missing result, unknown error shape.
	KindRemoteProtocol

	// KindUnauthenticated means the wiki rejected the session. The
	// client re-authenticates once and retries the call once.
	KindUnauthenticated

	// KindForbidden means the authenticated user lacks permission.
	// Never retried.
	KindForbidden

	// KindNotFound means the page or media file does not exist.
	KindNotFound

	// KindConflict is a non-fast-forward push: the remote advanced
	// past what the identity map recorded.
	KindConflict

	// KindAuthentication means every credential source was exhausted
	// without a successful login. Fatal for the process.
	KindAuthentication

	// KindConfiguration is a malformed or unusable configuration
	// value. Fatal for the process.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRemoteProtocol:
		return "remote protocol"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindAuthentication:
		return "authentication"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is the error type for all remote wiki operations.
type Error struct {
	Kind   Kind
	Op     string // JSON-RPC method or logical operation
	Target string // page or media id, when known
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Target != "" {
		fmt.Fprintf(&b, " %s", e.Target)
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err. Errors that did not originate in
// this package report KindTransport, the conservative default.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindTransport
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, k Kind) bool {
	var we *Error
	return errors.As(err, &we) && we.Kind == k
}

// IsNotFound reports whether err is a KindNotFound error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// rpcError is a JSON-RPC level error returned by the wiki.
type rpcError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// classifyRPC maps a JSON-RPC error onto the taxonomy. DokuWiki's
// error codes are not stable across plugins, so classification leans
// on the message text the same way the HTTP status classification
// leans on status codes.
func classifyRPC(rerr *rpcError) Kind {
	msg := strings.ToLower(rerr.Message)
	switch {
	case strings.Contains(msg, "not logged in"),
		strings.Contains(msg, "login required"),
		strings.Contains(msg, "unauthorized"):
		return KindUnauthenticated
	case strings.Contains(msg, "not allowed"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "access denied"):
		return KindForbidden
	case strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "no such"):
		return KindNotFound
	default:
		return KindRemoteProtocol
	}
}

// classifyHTTP maps an HTTP status code onto the taxonomy.
func classifyHTTP(status int) Kind {
	switch status {
	case 401:
		return KindUnauthenticated
	case 403:
		return KindForbidden
	case 404:
		return KindNotFound
	case 409:
		return KindConflict
	default:
		return KindRemoteProtocol
	}
}
