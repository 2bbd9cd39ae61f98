// Package errs defines the sentinel error taxonomy shared by the
// server, client and supervisor packages (spec §7).
package errs

import stderrors "errors"

// Handshake errors — the server rejects such a handshake with an HTTP
// status before the upgrade, so no ConnectionRecord exists.
var (
	ErrHandshakeRejected = stderrors.New("wsrouter: handshake rejected")
	ErrAuthFailed        = stderrors.New("wsrouter: authentication failed")
	ErrExtractUserFailed = stderrors.New("wsrouter: user extraction failed")
)

// Frame and routing errors.
var (
	ErrMalformedFrame     = stderrors.New("wsrouter: malformed frame")
	ErrUnroutableEnvelope = stderrors.New("wsrouter: unroutable envelope")
	ErrNoMatchingRoute    = stderrors.New("wsrouter: no best-match connection")
)

// Transport and lifecycle errors.
var (
	ErrNotConnected       = stderrors.New("wsrouter: not connected")
	ErrConnectionClosed   = stderrors.New("wsrouter: connection closed")
	ErrShutdownInProgress = stderrors.New("wsrouter: shutdown in progress")
	ErrUnknownConnection  = stderrors.New("wsrouter: unknown connection id")
	ErrPingTimeout        = stderrors.New("wsrouter: ping timeout")
)
