// Package auth implements the connect-time authenticator contract
// from spec §4.2: two synchronous hooks over connect metadata, with a
// trivial default implementation.
package auth

import (
	"context"
	"net/http"
	"net/url"
)

// ConnectMetadata is the connect-time metadata available to an
// Authenticator: the query string and headers of the handshake
// request, plus the values the server endpoint has already extracted
// per spec §4.4 step 1 (api_key from query or x-apikey header,
// platform from query).
type ConnectMetadata struct {
	APIKey       string
	Platform     string
	Query        url.Values
	Header       http.Header
	RemoteAddr   string
}

// Authenticator validates connect-time credentials and derives the
// stable user identifier under which a connection is registered.
type Authenticator interface {
	// Authenticate reports whether the metadata carries valid
	// credentials. A false result rejects the handshake before any
	// ConnectionRecord exists (spec §4.2, §4.4 step 2).
	Authenticate(ctx context.Context, meta ConnectMetadata) (bool, error)

	// ExtractUser derives the registry's first-level key from the
	// metadata. It may collapse many api_keys to one user, or return
	// the api_key verbatim (spec §4.2, §4.4 step 3).
	ExtractUser(ctx context.Context, meta ConnectMetadata) (string, error)
}

// DefaultAuthenticator accepts any metadata carrying a non-empty
// api_key and uses the api_key verbatim as the user id, per the
// default behavior specified in §4.2.
type DefaultAuthenticator struct{}

// Authenticate implements Authenticator.
func (DefaultAuthenticator) Authenticate(_ context.Context, meta ConnectMetadata) (bool, error) {
	return meta.APIKey != "", nil
}

// ExtractUser implements Authenticator.
func (DefaultAuthenticator) ExtractUser(_ context.Context, meta ConnectMetadata) (string, error) {
	return meta.APIKey, nil
}
