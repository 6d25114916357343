package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-session/instrumentation"
	"github.com/giantswarm/oauth-session/internal/util"
	"github.com/giantswarm/oauth-session/providers"
)

// Refresh renews the access token using the refresh token.
//
// Concurrent calls share one provider request. Each caller returns early if
// its own ctx is done; the shared request continues for the others.
//
// On provider failure, or when there is no refresh token, the session is
// cleared and ErrRefreshFailed is returned. If the session was cleared or
// replaced while the request was in flight, ErrSessionChanged is returned
// and the current session is left as it is.
func (m *Manager) Refresh(ctx context.Context) (*Session, error) {
	return m.refresh(ctx, "")
}

// RefreshIfCurrent is Refresh for a caller that holds accessToken. If the
// session no longer carries accessToken, because another caller refreshed it
// first, the current session is returned without contacting the provider.
// The check and the refresh run inside the shared flight, so a token that
// was already replaced never causes a second provider request.
func (m *Manager) RefreshIfCurrent(ctx context.Context, accessToken string) (*Session, error) {
	return m.refresh(ctx, accessToken)
}

func (m *Manager) refresh(ctx context.Context, observed string) (*Session, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur == nil {
		return nil, ErrNoSession
	}

	id := cur.ID
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return m.doRefresh(detached, id, observed)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared && m.instrumentation != nil {
			m.instrumentation.Metrics().RecordRefreshDeduplicated(ctx)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		s := res.Val.(*Session)
		// a caller that joined a flight for an older session gets the newer one's state
		if s.ID != id {
			return nil, ErrSessionChanged
		}
		return s.clone(), nil
	}
}

// doRefresh performs one refresh for the session with the given ID, unless
// observed is set and no longer the session's access token.
// ctx is already detached from the caller; only the provider call is bounded
// by the refresh timeout, so clearing or saving afterwards still succeeds.
func (m *Manager) doRefresh(ctx context.Context, id, observed string) (_ *Session, err error) {
	ctx, span := m.startSpan(ctx, "session.refresh",
		attribute.String(instrumentation.AttrSessionID, id))
	defer span.End()

	start := time.Now()
	result := instrumentation.ResultSuccess
	defer func() {
		if m.instrumentation != nil {
			m.instrumentation.Metrics().RecordTokenRefresh(ctx, result, float64(time.Since(start).Milliseconds()))
		}
		if err != nil && result != instrumentation.ResultStale {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	m.mu.RLock()
	cur := m.current.clone()
	m.mu.RUnlock()
	if cur == nil || cur.ID != id {
		result = instrumentation.ResultStale
		return nil, ErrSessionChanged
	}
	if observed != "" && cur.AccessToken != observed {
		result = instrumentation.ResultSkipped
		m.logger.Debug("Session already refreshed, skipping", "session_id", id)
		return cur, nil
	}

	userID := ""
	if cur.Profile != nil {
		userID = cur.Profile.ID
	}

	if cur.RefreshToken == "" {
		result = instrumentation.ResultError
		m.auditor.LogRefreshFailed(userID, id, ReasonNoRefreshToken)
		if _, cerr := m.clearIf(ctx, id, "", ReasonNoRefreshToken); cerr != nil {
			m.logger.Warn("Failed to clear session", "error", cerr)
		}
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, providers.ErrNoRefreshToken)
	}
	if m.provider == nil {
		result = instrumentation.ResultError
		return nil, fmt.Errorf("%w: no provider configured", ErrRefreshFailed)
	}

	m.logger.Debug("Refreshing session",
		"session_id", id,
		"refresh_token_prefix", util.TokenPrefix(cur.RefreshToken))

	callCtx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	refreshed, perr := m.provider.RefreshToken(callCtx, cur.RefreshToken)
	cancel()
	if perr == nil && (refreshed == nil || refreshed.AccessToken == "") {
		perr = errors.New("provider returned no access token")
	}
	if perr != nil {
		cleared, cerr := m.clearIf(ctx, id, "", ReasonRefreshFailed)
		if cerr != nil {
			m.logger.Warn("Failed to clear session", "error", cerr)
		}
		if !cleared {
			result = instrumentation.ResultStale
			return nil, ErrSessionChanged
		}
		result = instrumentation.ResultError
		m.auditor.LogRefreshFailed(userID, id, perr.Error())
		m.logger.Warn("Session refresh failed", "session_id", id, "error", perr)
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, perr)
	}

	merged := providers.MergeRefreshed(cur.Token(), refreshed)
	next := cur.clone()
	next.AccessToken = merged.AccessToken
	next.RefreshToken = merged.RefreshToken
	next.TokenType = merged.TokenType
	next.Expiry = tokenExpiry(merged)
	rotated := refreshed.RefreshToken != "" && refreshed.RefreshToken != cur.RefreshToken

	m.mu.Lock()
	if m.current == nil || m.current.ID != id {
		m.mu.Unlock()
		result = instrumentation.ResultStale
		m.logger.Info("Discarding refresh result for a session that was replaced or cleared",
			"session_id", id)
		return nil, ErrSessionChanged
	}
	if m.store != nil {
		if serr := m.store.SaveSession(ctx, next.toRecord()); serr != nil {
			// the new tokens still work for this process
			m.logger.Warn("Failed to persist refreshed session", "session_id", id, "error", serr)
		}
	}
	m.current = next
	m.mu.Unlock()

	m.auditor.LogTokenRefreshed(userID, id, rotated)
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenRotated, rotated))
	m.logger.Info("Session refreshed",
		"session_id", id,
		"access_token_prefix", util.TokenPrefix(next.AccessToken),
		"rotated", rotated,
		"expiry", next.Expiry)

	return next.clone(), nil
}
