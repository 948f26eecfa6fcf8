package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/nugget/ledger-agent/internal/config"
	"github.com/nugget/ledger-agent/internal/httpkit"
)

const (
	tokenNamespace  = "accounting"
	refreshTokenKey = "refresh_token"
)

// TokenStore persists the most recent refresh token. The backend rotates
// refresh tokens, so the one in the config file goes stale after the
// first refresh. *opstate.Store satisfies it.
type TokenStore interface {
	Get(ctx context.Context, namespace, key string) (string, error)
	Set(ctx context.Context, namespace, key, value string) error
}

// NewTokenSource returns a token source that exchanges the refresh
// token for access tokens, preferring a previously persisted refresh
// token over the configured one and persisting every rotation.
func NewTokenSource(ctx context.Context, cfg config.AccountingConfig, store TokenStore, logger *slog.Logger) (oauth2.TokenSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	refresh := cfg.RefreshToken
	if store != nil {
		saved, err := store.Get(ctx, tokenNamespace, refreshTokenKey)
		if err != nil {
			return nil, fmt.Errorf("load refresh token: %w", err)
		}
		if saved != "" {
			refresh = saved
		}
	}
	if refresh == "" {
		return nil, errors.New("no accounting refresh token configured")
	}

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	// The refresh exchange uses its own bounded HTTP client, detached
	// from the caller's cancellation.
	hctx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient,
		httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithLogger(logger)))

	src := &rotatingSource{
		base:   oc.TokenSource(hctx, &oauth2.Token{RefreshToken: refresh}),
		store:  store,
		last:   refresh,
		logger: logger,
	}
	return oauth2.ReuseTokenSource(nil, src), nil
}

// rotatingSource persists refresh tokens as the backend rotates them.
type rotatingSource struct {
	base   oauth2.TokenSource
	store  TokenStore
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *rotatingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.RefreshToken == "" || tok.RefreshToken == s.last {
		return tok, nil
	}
	s.last = tok.RefreshToken
	if s.store != nil {
		if err := s.store.Set(context.Background(), tokenNamespace, refreshTokenKey, tok.RefreshToken); err != nil {
			s.logger.Error("failed to persist rotated refresh token", "error", err)
		} else {
			s.logger.Info("accounting refresh token rotated")
		}
	}
	return tok, nil
}
