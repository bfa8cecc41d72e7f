// Package challenge defines the credential collaborator the Connection
// depends on to get past the exchange's anti-bot front door. The actual
// cookie/JavaScript-challenge solver is an external collaborator and out of
// scope for this module; this package only defines the interface it must
// satisfy and a static implementation useful for tests and for hubs that
// require no challenge at all.
package challenge

import "context"

// Credentials is the immutable (cookie, user-agent) pair a Solver yields.
// Once obtained for a Connection, it is never mutated; a new Connection
// asks the Solver again.
type Credentials struct {
	Cookie    string
	UserAgent string
}

// Solver performs the one-shot anti-bot exchange and returns a pair of
// credentials usable for the negotiate/connect/start HTTP and WebSocket
// requests that follow.
type Solver interface {
	Solve(ctx context.Context) (Credentials, error)
}

// StaticSolver is a Solver that always returns a fixed credential pair. It
// is the default for hubs that don't challenge clients, and a convenient
// stand-in in tests.
type StaticSolver struct {
	Credentials Credentials
}

// Solve implements Solver.
func (s StaticSolver) Solve(ctx context.Context) (Credentials, error) {
	return s.Credentials, nil
}
