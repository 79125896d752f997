package signer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/identity"

	"github.com/golang-jwt/jwt/v5"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestSigner(t *testing.T) (*Signer, *clock, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	c := &clock{t: time.Unix(1700000000, 0)}
	s, err := New(&identity.TokenKey{KeyID: "KEYID12345", TeamID: "TEAMID1234", Key: key}, WithClock(c.now))
	if err != nil {
		t.Fatal(err)
	}
	return s, c, key
}

func TestTokenClaims(t *testing.T) {
	s, _, key := newTestSigner(t)
	tok, err := s.Token()
	if err != nil {
		t.Fatal(err)
	}
	if have, want := tok.IssuedAt, time.Unix(1700000000, 0); !have.Equal(want) {
		t.Errorf("issued at: have %v, want %v", have, want)
	}

	parsed, err := jwt.Parse(tok.Value, func(*jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		t.Fatal(err)
	}
	if have, want := parsed.Header["kid"], "KEYID12345"; have != want {
		t.Errorf("kid: have %v, want %v", have, want)
	}
	if have, want := parsed.Header["alg"], "ES256"; have != want {
		t.Errorf("alg: have %v, want %v", have, want)
	}
	if _, ok := parsed.Header["typ"]; ok {
		t.Error("unexpected typ header")
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if have, want := claims["iss"], "TEAMID1234"; have != want {
		t.Errorf("iss: have %v, want %v", have, want)
	}
	if have, want := claims["iat"], float64(1700000000); have != want {
		t.Errorf("iat: have %v, want %v", have, want)
	}
	if have, want := len(claims), 2; have != want {
		t.Errorf("claim count: have %d, want %d", have, want)
	}
}

func TestTokenCache(t *testing.T) {
	s, c, _ := newTestSigner(t)
	first, err := s.Token()
	if err != nil {
		t.Fatal(err)
	}

	c.advance(MaxTokenAge - time.Second)
	second, err := s.Token()
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Error("token renewed before max age")
	}

	c.advance(time.Second)
	third, err := s.Token()
	if err != nil {
		t.Fatal(err)
	}
	if third.Value == first.Value {
		t.Error("token not renewed at max age")
	}
	if have, want := third.IssuedAt, first.IssuedAt.Add(MaxTokenAge); !have.Equal(want) {
		t.Errorf("issued at: have %v, want %v", have, want)
	}
}

func TestTokenConcurrentRenewal(t *testing.T) {
	s, c, _ := newTestSigner(t)
	var signs int32
	sign := s.sign
	s.sign = func(issuedAt time.Time) (string, error) {
		atomic.AddInt32(&signs, 1)
		time.Sleep(10 * time.Millisecond)
		return sign(issuedAt)
	}

	for round := 1; round <= 2; round++ {
		const n = 50
		var wg sync.WaitGroup
		tokens := make([]Token, n)
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				var err error
				tokens[i], err = s.Token()
				if err != nil {
					t.Error(err)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		for i := 1; i < n; i++ {
			if tokens[i] != tokens[0] {
				t.Fatalf("round %d: callers received different tokens", round)
			}
		}
		if have, want := atomic.LoadInt32(&signs), int32(round); have != want {
			t.Errorf("round %d: signings: have %d, want %d", round, have, want)
		}
		c.advance(MaxTokenAge)
	}
}

func TestTokenSignFailureKeepsCache(t *testing.T) {
	s, c, _ := newTestSigner(t)
	first, err := s.Token()
	if err != nil {
		t.Fatal(err)
	}

	c.advance(MaxTokenAge)
	s.sign = func(time.Time) (string, error) {
		return "", errors.New("hsm unavailable")
	}
	_, err = s.Token()
	if !errors.Is(err, apns.ErrSigner) {
		t.Fatalf("have %v, want signer error", err)
	}

	s.mu.RLock()
	cached := s.token
	s.mu.RUnlock()
	if cached != first {
		t.Error("cached token changed after failed renewal")
	}
}

func TestTokenWrongCurve(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(&identity.TokenKey{KeyID: "k", TeamID: "t", Key: key})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = s.Token(); !errors.Is(err, apns.ErrSigner) {
		t.Errorf("have %v, want signer error", err)
	}
}

func TestNewNilKey(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, apns.ErrSigner) {
		t.Errorf("have %v, want signer error", err)
	}
}

func TestExpire(t *testing.T) {
	s, _, _ := newTestSigner(t)
	first, err := s.Token()
	if err != nil {
		t.Fatal(err)
	}

	s.Expire("some other token")
	if tok, _ := s.Token(); tok != first {
		t.Error("token expired by mismatched value")
	}

	s.Expire(first.Value)
	second, err := s.Token()
	if err != nil {
		t.Fatal(err)
	}
	if second.Value == first.Value {
		t.Error("token not renewed after expire")
	}
}
