// Command oauth-login signs a user in with an OAuth provider using PKCE,
// keeps the session on disk or in Valkey, and makes authenticated requests
// with it.
//
// Configuration is read from OAUTH_* environment variables (and a .env file
// in the working directory). The redirect URL must point at a loopback
// address, e.g. http://127.0.0.1:8765/callback.
//
// Usage:
//
//	oauth-login login        start a login in the browser
//	oauth-login status       show the current session
//	oauth-login logout       revoke and forget the session
//	oauth-login get <url>    GET url with the session's bearer token
//	oauth-login watch        print session changes made by other processes
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/giantswarm/oauth-session/session"
	"github.com/giantswarm/oauth-session/transport"
)

const usage = `usage: oauth-login <command> [args]

commands:
  login        start a login in the browser
  status       show the current session
  logout       revoke and forget the session
  get <url>    GET url with the session's bearer token
  watch        print session changes made by other processes
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("no command given")
	}

	cfg, err := loadEnv()
	if err != nil {
		return err
	}
	logger, logCloser := setupLogger(cfg)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out := os.Stdout
	switch cmd := args[0]; cmd {
	case "login":
		return runLogin(ctx, a, out)
	case "status":
		return runStatus(a, out)
	case "logout":
		return runLogout(ctx, a, out)
	case "get":
		if len(args) != 2 {
			return errors.New("usage: oauth-login get <url>")
		}
		return runGet(ctx, a, args[1], out)
	case "watch":
		return runWatch(ctx, a, out)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runStatus(a *app, out io.Writer) error {
	s := a.sessions.Current()
	if s == nil {
		_, _ = fmt.Fprintln(out, "Not logged in")
		return nil
	}

	_, _ = fmt.Fprintf(out, "Logged in as %s\n", displayName(s))
	if s.Profile != nil && s.Profile.Provider != "" {
		_, _ = fmt.Fprintf(out, "Provider:   %s\n", s.Profile.Provider)
	}
	if !s.Expiry.IsZero() {
		state := "valid"
		if a.sessions.Expired() {
			state = "expired"
		}
		_, _ = fmt.Fprintf(out, "Token:      %s until %s\n", state, s.Expiry.Local().Format(time.RFC1123))
	}
	_, _ = fmt.Fprintf(out, "Refreshable: %t\n", s.RefreshToken != "")
	return nil
}

func runLogout(ctx context.Context, a *app, out io.Writer) error {
	if !a.sessions.IsAuthenticated() {
		_, _ = fmt.Fprintln(out, "Not logged in")
		return nil
	}
	if err := a.sessions.Logout(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, "Logged out")
	return nil
}

func runGet(ctx context.Context, a *app, target string, out io.Writer) error {
	client := transport.NewClient(a.sessions, transport.WithLogger(a.logger))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return nil
}

// runWatch follows the file store. Another oauth-login process logging in or
// out is reloaded here and reported until interrupted.
func runWatch(ctx context.Context, a *app, out io.Writer) error {
	if a.files == nil {
		return errors.New("watch requires OAUTH_STORE=file")
	}

	unsubscribe := a.sessions.Subscribe(func(state session.State) {
		_, _ = fmt.Fprintf(out, "%s session is now %s\n", time.Now().Format(time.TimeOnly), state)
	})
	defer unsubscribe()

	_, _ = fmt.Fprintf(out, "Watching %s (session is %s)\n", a.files.Dir(), a.sessions.State())
	err := a.files.Watch(ctx, 200*time.Millisecond, func() {
		if err := a.sessions.Load(ctx); err != nil {
			a.logger.Warn("Failed to reload session", "error", err)
		}
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
