package token

import (
	"errors"
	"fmt"
)

// ErrNoSession is returned when no authenticated session is available for
// the request. Callers must re-authenticate; the broker never retries with
// a stale credential.
var ErrNoSession = errors.New("no authenticated session")

// ErrMalformedResponse is returned when the backend answered 2xx but the
// body did not carry a token
var ErrMalformedResponse = errors.New("malformed token response")

// ErrInvalidChannel is returned before any network call when the channel is
// not one of the supported kinds
var ErrInvalidChannel = errors.New("invalid token channel")

// RequestError reports a non-success HTTP status from the token endpoint
type RequestError struct {
	Channel       string
	HTTPStatus    int
	ServerMessage string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("token request for channel %q failed: status %d: %s",
		e.Channel, e.HTTPStatus, e.ServerMessage)
}
