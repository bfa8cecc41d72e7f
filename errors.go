package corehub

import "github.com/pkg/errors"

// ErrorOrigin distinguishes a locally-observed transport/parse failure from
// one the remote hub reported explicitly.
type ErrorOrigin string

const (
	// OriginClient marks a local failure: connection refused, DNS,
	// timeout, parse error.
	OriginClient ErrorOrigin = "client"

	// OriginRemote marks a failure the server reported: a non-2xx HTTP
	// response or an explicit error frame.
	OriginRemote ErrorOrigin = "remote"
)

// HandshakeError carries the origin tag alongside the underlying error, so
// a caller can decide whether a failure is worth retrying locally or
// reflects something the remote hub rejected outright.
type HandshakeError struct {
	Origin ErrorOrigin
	Err    error
}

func (e *HandshakeError) Error() string {
	return string(e.Origin) + ": " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func clientErr(err error, msg string) error {
	return &HandshakeError{Origin: OriginClient, Err: errors.Wrap(err, msg)}
}

func remoteErr(err error, msg string) error {
	return &HandshakeError{Origin: OriginRemote, Err: errors.Wrap(err, msg)}
}
