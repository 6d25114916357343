package oauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/oauth-session/session"
)

// Cookie names set by Handler
const (
	// LoginCookieName binds a pending login to the browser that started it
	LoginCookieName = "oauth_login"

	// SessionCookieName identifies the browser that completed the login
	SessionCookieName = "oauth_session"
)

// loginBindingBytes is the entropy of the login cookie value
const loginBindingBytes = 32

func newLoginBinding() (string, error) {
	b := make([]byte, loginBindingBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate login binding: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func readCookie(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil || cookie == nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter, name string) {
	h.setCookie(w, name, "", -1)
}

// secureCookies reports whether cookies carry the Secure attribute. Only a
// plain http redirect, such as a loopback one, turns it off.
func (h *Handler) secureCookies() bool {
	if h.client.config.Security.HTTPS {
		return true
	}
	u, err := url.Parse(h.client.config.RedirectURL)
	return err != nil || u.Scheme != "http"
}

// sessionFor returns the current session if r comes from the browser that
// established it, or nil.
func (h *Handler) sessionFor(r *http.Request) *session.Session {
	s := h.client.sessions.Current()
	if s == nil {
		return nil
	}
	id := readCookie(r, SessionCookieName)
	if id == "" || subtle.ConstantTimeCompare([]byte(id), []byte(s.ID)) != 1 {
		return nil
	}
	return s
}
