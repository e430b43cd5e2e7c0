package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedToken is returned when the access token is not a decodable JWT
var ErrMalformedToken = errors.New("malformed access token")

type claims struct {
	Subject string `json:"sub"`
}

// SubjectFromToken extracts the subject claim from a JWT access token without
// verifying the signature. The backend already validated the token at login;
// we only need the user id embedded in it to build the personal channel name.
func SubjectFromToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrMalformedToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformedToken
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", ErrMalformedToken
	}
	if c.Subject == "" {
		return "", ErrMalformedToken
	}

	return c.Subject, nil
}
