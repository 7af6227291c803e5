package rmapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/rmcloud/internal/tokenfile"
)

// defaultTokenLifetime is assumed for user tokens whose expiry cannot be
// read from the JWT claims.
const defaultTokenLifetime = 24 * time.Hour

// refresher issues user tokens from a device token. *Client implements it.
type refresher interface {
	RefreshToken(ctx context.Context, deviceToken string) (string, error)
}

// Session owns the token lifecycle: acquire, persist, refresh, reuse.
// It hands out the cached user token while it is valid, refreshes it
// through the device token once it expires, and writes every new token
// back to the token file. Session implements TokenSource.
type Session struct {
	path   string
	logger *slog.Logger
	src    oauth2.TokenSource
	user   *userTokenSource

	mu   sync.Mutex
	file tokenfile.File
}

// Login registers a new device with a one-time code, obtains the first
// user token, saves both to tokenPath, and returns a ready Session.
//
// ctx is bound to later silent refreshes and must outlive the Session.
func Login(ctx context.Context, client *Client, tokenPath, code string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg, err := client.RegisterDevice(ctx, code)
	if err != nil {
		return nil, err
	}

	// The one-time code is spent once registration succeeds, so the device
	// token is persisted before anything else can fail.
	tf := tokenfile.File{
		Token:  &oauth2.Token{RefreshToken: reg.DeviceToken},
		Device: tokenfile.Device{ID: reg.DeviceID, Desc: reg.DeviceDesc},
	}

	if err := tokenfile.Save(tokenPath, &tf); err != nil {
		return nil, fmt.Errorf("rmapi: saving device token: %w", err)
	}

	user, err := client.RefreshToken(ctx, reg.DeviceToken)
	if err != nil {
		logger.Warn("device registered but first user token failed",
			slog.String("path", tokenPath),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("rmapi: obtaining first user token: %w", err)
	}

	tf.Token = newUserToken(user, reg.DeviceToken, time.Now())

	if err := tokenfile.Save(tokenPath, &tf); err != nil {
		return nil, fmt.Errorf("rmapi: saving token: %w", err)
	}

	logger.Info("login successful",
		slog.String("path", tokenPath),
		slog.Time("expiry", tf.Token.Expiry),
	)

	return newSession(ctx, client, tokenPath, tf, logger), nil
}

// OpenSession loads a saved token file and returns a Session that refreshes
// and persists tokens as needed. Returns ErrNotLoggedIn if no token file
// exists at tokenPath.
//
// ctx is bound to later silent refreshes and must outlive the Session.
func OpenSession(ctx context.Context, client *Client, tokenPath string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tf, err := tokenfile.Load(tokenPath)
	if err != nil {
		return nil, err
	}

	if tf == nil {
		return nil, ErrNotLoggedIn
	}

	expired := tf.Token.Expiry.IsZero() || tf.Token.Expiry.Before(time.Now())
	logger.Debug("loaded saved token",
		slog.String("path", tokenPath),
		slog.Time("expiry", tf.Token.Expiry),
		slog.Bool("expired", expired),
	)

	return newSession(ctx, client, tokenPath, *tf, logger), nil
}

func newSession(ctx context.Context, r refresher, path string, tf tokenfile.File, logger *slog.Logger) *Session {
	user := &userTokenSource{
		ctx:         ctx,
		refresher:   r,
		deviceToken: tf.DeviceToken(),
		now:         time.Now,
		logger:      logger,
	}

	return &Session{
		path:   path,
		logger: logger,
		src:    oauth2.ReuseTokenSource(tf.Token, user),
		user:   user,
		file:   tf,
	}
}

// Token returns a valid user token, refreshing and persisting it first
// when the cached one has expired.
func (s *Session) Token() (string, error) {
	s.mu.Lock()
	src := s.src
	s.mu.Unlock()

	t, err := src.Token()
	if err != nil {
		s.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
		return "", err
	}

	s.store(t)

	return t.AccessToken, nil
}

// ForceRefresh obtains a new user token regardless of the cached expiry.
func (s *Session) ForceRefresh(ctx context.Context) (*oauth2.Token, error) {
	t, err := s.user.tokenWithContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.src = oauth2.ReuseTokenSource(t, s.user)
	s.mu.Unlock()

	s.store(t)

	return t, nil
}

// File returns a copy of the current token file contents.
func (s *Session) File() tokenfile.File {
	s.mu.Lock()
	defer s.mu.Unlock()

	tf := s.file
	if tf.Token != nil {
		tok := *tf.Token
		tf.Token = &tok
	}

	return tf
}

// StorageHost returns the storage host recorded in the token file.
func (s *Session) StorageHost() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.file.StorageHost
}

// store persists t when it differs from the cached user token. A failed
// write is logged, not returned: the token in memory is still usable.
func (s *Session) store(t *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file.Token != nil && s.file.Token.AccessToken == t.AccessToken {
		return
	}

	s.file.Token = t

	if err := tokenfile.Save(s.path, &s.file); err != nil {
		s.logger.Warn("failed to persist refreshed token",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Info("persisted refreshed token",
		slog.String("path", s.path),
		slog.Time("expiry", t.Expiry),
	)
}

// Logout removes the saved token file. A missing file is not an error.
func Logout(tokenPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	removed, err := tokenfile.Remove(tokenPath)
	if err != nil {
		return err
	}

	if !removed {
		logger.Info("logout: no token file to remove", slog.String("path", tokenPath))
		return nil
	}

	logger.Info("logout: removed token file", slog.String("path", tokenPath))

	return nil
}

// userTokenSource is the oauth2.TokenSource behind the reuse cache. Each
// call asks the auth service for a new user token.
type userTokenSource struct {
	ctx         context.Context //nolint:containedctx // bound for oauth2.TokenSource, which has no ctx parameter
	refresher   refresher
	deviceToken string
	now         func() time.Time
	logger      *slog.Logger
}

func (u *userTokenSource) Token() (*oauth2.Token, error) {
	return u.tokenWithContext(u.ctx)
}

func (u *userTokenSource) tokenWithContext(ctx context.Context) (*oauth2.Token, error) {
	if u.deviceToken == "" {
		return nil, ErrNotLoggedIn
	}

	u.logger.Info("refreshing user token")

	user, err := u.refresher.RefreshToken(ctx, u.deviceToken)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, fmt.Errorf("%w: device token rejected, register again: %w", ErrNotLoggedIn, err)
		}

		return nil, fmt.Errorf("rmapi: refreshing user token: %w", err)
	}

	return newUserToken(user, u.deviceToken, u.now()), nil
}

// newUserToken wraps a user token in an oauth2.Token carrying the device
// token as its refresh token.
func newUserToken(user, device string, now time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  user,
		RefreshToken: device,
		TokenType:    "Bearer",
		Expiry:       TokenExpiry(user, now),
	}
}

// TokenExpiry reads the exp claim of a user token without verifying the
// signature. Tokens without a readable expiry get defaultTokenLifetime.
func TokenExpiry(raw string, now time.Time) time.Time {
	var claims jwt.RegisteredClaims

	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil || claims.ExpiresAt == nil {
		return now.Add(defaultTokenLifetime)
	}

	return claims.ExpiresAt.Time
}
