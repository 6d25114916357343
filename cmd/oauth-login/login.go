package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/skratchdot/open-golang/open"

	oauth "github.com/giantswarm/oauth-session"
	"github.com/giantswarm/oauth-session/session"
)

// callbackResult is what the loopback server hands back to runLogin.
type callbackResult struct {
	session *session.Session
	err     error
}

// callbackCompleter is the part of oauth.Client the loopback handler needs.
type callbackCompleter interface {
	HandleCallbackParams(ctx context.Context, params url.Values) (*session.Session, error)
}

// callbackHandler completes the login on the first request to path and
// reports the outcome on results. Later requests are answered but ignored.
func callbackHandler(client callbackCompleter, path string, results chan<- callbackResult) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		sess, err := client.HandleCallbackParams(r.Context(), r.URL.Query())

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprintf(w, "<p>%s</p>", html.EscapeString(oauth.UserMessage(err)))
		} else {
			_, _ = io.WriteString(w, "<p>Login complete. You can close this window.</p>")
		}

		select {
		case results <- callbackResult{session: sess, err: err}:
		default:
		}
	})
	return mux
}

// runLogin starts a loopback server on the redirect URL, opens the browser at
// the authorization URL and waits for the provider to redirect back.
func runLogin(ctx context.Context, a *app, out io.Writer) error {
	redirect, err := url.Parse(a.config.RedirectURL)
	if err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}
	path := redirect.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", redirect.Host, err)
	}

	results := make(chan callbackResult, 1)
	srv := &http.Server{
		Handler:           callbackHandler(a.client, path, results),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Callback server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL, err := a.client.BuildAuthorizationURL(ctx)
	if err != nil {
		return err
	}

	if err := open.Run(authURL); err != nil {
		a.logger.Debug("Could not open browser", "error", err)
		_, _ = fmt.Fprintf(out, "Open this URL to log in:\n\n  %s\n\n", authURL)
	} else {
		_, _ = fmt.Fprintln(out, "Opened the browser to log in. Waiting for the callback...")
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.env.LoginTimeout)
	defer cancel()

	select {
	case res := <-results:
		if res.err != nil {
			a.logger.Debug("Login failed", "error", res.err)
			return errors.New(oauth.UserMessage(res.err))
		}
		_, _ = fmt.Fprintf(out, "Logged in as %s\n", displayName(res.session))
		return nil
	case <-waitCtx.Done():
		// Nothing should complete this attempt later.
		if err := a.client.Reset(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("Failed to clear pending login", "error", err)
		}
		return fmt.Errorf("login not completed: %w", waitCtx.Err())
	}
}

func displayName(s *session.Session) string {
	if s == nil || s.Profile == nil {
		return "unknown user"
	}
	if s.Profile.DisplayName != "" {
		return s.Profile.DisplayName
	}
	return s.Profile.ID
}
