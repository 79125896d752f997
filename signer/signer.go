// Package signer creates and caches APNs provider authentication tokens.
//
// Provider tokens are ES256 JSON Web Tokens naming the key ID and team
// ID. APNs rejects tokens older than one hour and throttles providers
// that renew more often than every twenty minutes, so a Signer reuses
// its token until it reaches MaxTokenAge.
package signer

import (
	"errors"
	"sync"
	"time"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/identity"

	"github.com/golang-jwt/jwt/v5"
	"github.com/micromdm/nanolib/log"
)

// MaxTokenAge is the age at which a cached token is renewed.
const MaxTokenAge = 55 * time.Minute

// Token is a signed provider token.
type Token struct {
	// Value is the compact serialized JWT.
	Value string

	IssuedAt time.Time
}

// Signer signs provider tokens with a TokenKey.
// It is safe for concurrent use.
type Signer struct {
	keyID  string
	teamID string
	maxAge time.Duration
	now    func() time.Time
	sign   func(issuedAt time.Time) (string, error)
	logger log.Logger

	mu    sync.RWMutex
	token Token
}

// Option configures a Signer.
type Option func(*Signer)

// WithMaxAge sets how long a token is reused. Defaults to MaxTokenAge.
func WithMaxAge(d time.Duration) Option {
	return func(s *Signer) {
		s.maxAge = d
	}
}

// WithClock sets the time source used for issuing and expiring tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Signer) {
		s.logger = logger
	}
}

// New creates a new Signer for key.
// The key is not used until the first call to Token.
func New(key *identity.TokenKey, opts ...Option) (*Signer, error) {
	if key == nil || key.Key == nil {
		return nil, apns.NewError(apns.KindSigner, errors.New("nil token key"))
	}
	s := &Signer{
		keyID:  key.KeyID,
		teamID: key.TeamID,
		maxAge: MaxTokenAge,
		now:    time.Now,
		logger: log.NopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sign = func(issuedAt time.Time) (string, error) {
		return signJWT(key, issuedAt)
	}
	return s, nil
}

// signJWT creates the ES256 JWT for key issued at issuedAt.
func signJWT(key *identity.TokenKey, issuedAt time.Time) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": key.TeamID,
		"iat": issuedAt.Unix(),
	})
	delete(t.Header, "typ")
	t.Header["kid"] = key.KeyID
	return t.SignedString(key.Key)
}

// KeyID returns the key ID placed in token headers.
func (s *Signer) KeyID() string {
	return s.keyID
}

// TeamID returns the team ID placed in token claims.
func (s *Signer) TeamID() string {
	return s.teamID
}

func (s *Signer) fresh(t Token, now time.Time) bool {
	return t.Value != "" && now.Sub(t.IssuedAt) < s.maxAge
}

// Token returns the cached token if it is younger than the maximum
// age or signs and caches a new one. Concurrent callers renewing at
// the same time share a single signing operation.
// A failure to sign leaves the cached token unchanged.
func (s *Signer) Token() (Token, error) {
	s.mu.RLock()
	t := s.token
	s.mu.RUnlock()
	if s.fresh(t, s.now()) {
		return t, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// another caller may have renewed while we waited for the lock
	if s.fresh(s.token, now) {
		return s.token, nil
	}
	value, err := s.sign(now)
	if err != nil {
		return Token{}, apns.NewError(apns.KindSigner, err)
	}
	s.token = Token{Value: value, IssuedAt: now}
	s.logger.Debug(
		"msg", "signed provider token",
		"key_id", s.keyID,
		"team_id", s.teamID,
	)
	return s.token, nil
}

// Expire discards the cached token if it is still the one with value
// so the next call to Token signs a new one. Used when APNs reports
// the token as expired before its maximum age.
func (s *Signer) Expire(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token.Value == value {
		s.token = Token{}
	}
}
