package session

import (
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-session/providers"
	"github.com/giantswarm/oauth-session/storage"
)

// State is the externally observable authentication state.
type State int

const (
	// StateAnonymous means no session is held.
	StateAnonymous State = iota

	// StateAuthenticated means a session with an access token is held.
	StateAuthenticated
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Session is one committed login.
// ID identifies the login and stays the same across token refreshes.
type Session struct {
	ID           string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Profile      *providers.Profile
	IssuedAt     time.Time
}

// Token returns the session's tokens as an oauth2.Token.
func (s *Session) Token() *oauth2.Token {
	if s == nil {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    s.TokenType,
		Expiry:       s.Expiry,
	}
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Profile != nil {
		p := *s.Profile
		c.Profile = &p
	}
	return &c
}

func (s *Session) toRecord() *storage.SessionRecord {
	return &storage.SessionRecord{
		ID:            s.ID,
		AccessToken:   s.AccessToken,
		RefreshToken:  s.RefreshToken,
		TokenType:     s.TokenType,
		Expiry:        s.Expiry,
		Profile:       s.Profile,
		Authenticated: true,
		IssuedAt:      s.IssuedAt,
	}
}

func fromRecord(r *storage.SessionRecord) *Session {
	if r == nil || !r.Authenticated || r.AccessToken == "" {
		return nil
	}
	return &Session{
		ID:           r.ID,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Expiry:       r.Expiry,
		Profile:      r.Profile,
		IssuedAt:     r.IssuedAt,
	}
}
