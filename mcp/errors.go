package mcp

import "github.com/cockroachdb/errors"

// Failure taxonomy. Spawn and initialize failures are fatal to that
// server instance; request timeouts are scoped to one call; tool
// lookup and protocol errors surface to the caller as inline text.
var (
	// ErrNotStarted is returned for calls against a server that has no
	// running session.
	ErrNotStarted = errors.New("server not started")
	// ErrRequestTimeout is returned when a single request exceeds its
	// deadline. The server remains usable.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrProcessDied is returned for requests pending when the
	// subprocess closed its stdout.
	ErrProcessDied = errors.New("server process exited")
	// ErrToolNotFound means no Ready server exposes the tool name.
	ErrToolNotFound = errors.New("no server provides tool")
	// ErrRestartExhausted means the bounded restart budget is spent;
	// the server stays failed until restarted externally.
	ErrRestartExhausted = errors.New("max restart attempts reached")
	// ErrConfirmationNotFound is returned when taking an unknown or
	// already-consumed confirmation ID.
	ErrConfirmationNotFound = errors.New("pending confirmation not found")
	// ErrConfirmationExpired is returned when a confirmation is taken
	// after its expiry window.
	ErrConfirmationExpired = errors.New("pending confirmation expired")
)
