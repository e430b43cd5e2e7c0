package models

import "time"

// Session holds the long-lived credential obtained at login. It is owned by
// the lifecycle coordinator and read by the token broker and the connection
// manager.
type Session struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// AuthorizationValue builds the Authorization header value for backend calls
func (s Session) AuthorizationValue() string {
	if s.TokenType == "" {
		return s.AccessToken
	}
	return s.TokenType + " " + s.AccessToken
}

// SubscriptionToken is a short-lived credential scoped to exactly one
// channel. It is requested fresh for every (re)subscribe and never reused
// across channels.
type SubscriptionToken struct {
	AccessToken string    `json:"access_token"`
	Channel     string    `json:"channel"`
	IssuedAt    time.Time `json:"issued_at"`
}
