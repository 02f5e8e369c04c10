// Package auth keeps the authenticated identity of the client.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/techstore/internal/api"
	"github.com/and161185/techstore/internal/errs"
	"github.com/and161185/techstore/internal/model"
	"github.com/and161185/techstore/internal/pubsub"
	"github.com/and161185/techstore/internal/storage"
)

// DefaultTTL is assumed for tokens without an exp claim.
const DefaultTTL = 15 * time.Minute

// Backend is the part of the API the session needs.
type Backend interface {
	Login(ctx context.Context, name, password string) (api.LoginResult, error)
	Me(ctx context.Context) (model.User, error)
}

// Identity is the authenticated user and credential. Zero value is anonymous.
type Identity struct {
	User  model.User
	Token string
}

// Anonymous reports whether nobody is logged in.
func (i Identity) Anonymous() bool { return i.Token == "" }

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Session owns the bearer token slot and the current user.
type Session struct {
	mu      sync.RWMutex
	store   storage.Store
	backend Backend
	log     *zap.Logger
	now     func() time.Time

	token string
	exp   time.Time
	user  *model.User

	last      Identity
	announced bool
	listeners pubsub.Listeners[Identity]
	topic     *pubsub.Topic[Identity]
}

// NewSession creates an anonymous session. Call Restore to pick up a saved token.
func NewSession(store storage.Store, backend Backend, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{store: store, backend: backend, log: log, now: time.Now, topic: pubsub.NewTopic[Identity]()}
}

// TokenExpiry reads the exp claim without verifying the signature.
func TokenExpiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// Restore loads the saved token, drops it if expired and fetches the user.
func (s *Session) Restore(ctx context.Context) error {
	raw, ok, err := s.store.Get(ctx, storage.TokenKey)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	if !ok {
		return nil
	}
	var tf tokenFile
	if err := json.Unmarshal([]byte(raw), &tf); err != nil || tf.AccessToken == "" {
		s.log.Warn("token slot malformed, discarding")
		return s.store.Delete(ctx, storage.TokenKey)
	}
	if !s.now().Before(tf.ExpiresAt) {
		s.log.Info("saved token expired")
		return s.Logout(ctx)
	}

	s.mu.Lock()
	s.token, s.exp = tf.AccessToken, tf.ExpiresAt
	s.mu.Unlock()

	u, err := s.backend.Me(ctx)
	if err != nil {
		_ = s.Logout(ctx)
		return fmt.Errorf("restore session: %w", err)
	}
	s.setUser(&u)
	return nil
}

// Login authenticates and persists the token.
func (s *Session) Login(ctx context.Context, name, password string) (model.User, error) {
	res, err := s.backend.Login(ctx, name, password)
	if err != nil {
		return model.User{}, err
	}
	exp, err := TokenExpiry(res.Token)
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	if exp.IsZero() {
		exp = s.now().Add(DefaultTTL)
	}

	b, err := json.Marshal(tokenFile{AccessToken: res.Token, ExpiresAt: exp})
	if err != nil {
		return model.User{}, err
	}
	if err := s.store.Set(ctx, storage.TokenKey, string(b)); err != nil {
		return model.User{}, fmt.Errorf("save token: %w", err)
	}

	s.mu.Lock()
	s.token, s.exp = res.Token, exp
	s.mu.Unlock()

	u := res.User
	if me, err := s.backend.Me(ctx); err == nil {
		u = me
	} else {
		s.log.Warn("fetch profile after login failed", zap.Error(err))
	}
	s.setUser(&u)
	return u, nil
}

// Logout forgets the token and the user.
func (s *Session) Logout(ctx context.Context) error {
	err := s.store.Delete(ctx, storage.TokenKey)
	s.mu.Lock()
	s.token, s.exp = "", time.Time{}
	s.mu.Unlock()
	s.setUser(nil)
	return err
}

// Token implements api.TokenSource. An expired token is reported as errs.ErrTokenExpired.
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", nil
	}
	if !s.now().Before(s.exp) {
		return "", errs.ErrTokenExpired
	}
	return s.token, nil
}

// Expired reports whether a token is held and past its expiry.
func (s *Session) Expired() bool {
	_, err := s.Token()
	return errors.Is(err, errs.ErrTokenExpired)
}

// CurrentUser returns the logged-in user, if any.
func (s *Session) CurrentUser() (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return model.User{}, false
	}
	return *s.user, true
}

// Identity returns the current identity.
func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identityLocked()
}

// OnChange calls fn synchronously whenever the identity changes.
func (s *Session) OnChange(fn func(Identity)) func() { return s.listeners.Add(fn) }

// Subscribe streams identity changes; the current identity is delivered first once set.
func (s *Session) Subscribe() (<-chan Identity, func()) { return s.topic.Subscribe() }

// Close ends subscriptions.
func (s *Session) Close() { s.topic.Close() }

func (s *Session) identityLocked() Identity {
	id := Identity{Token: s.token}
	if s.user != nil {
		id.User = *s.user
	}
	return id
}

func (s *Session) setUser(u *model.User) {
	s.mu.Lock()
	s.user = u
	if u == nil {
		s.token, s.exp = "", time.Time{}
	}
	cur := s.identityLocked()
	changed := !s.announced || cur.User.ID != s.last.User.ID || cur.Token != s.last.Token
	s.last, s.announced = cur, true
	s.mu.Unlock()

	if !changed {
		return
	}
	s.log.Info("identity changed", zap.String("user_id", cur.User.ID))
	s.topic.Publish(cur)
	s.listeners.Emit(cur)
}
