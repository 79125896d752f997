// Package storage defines interfaces, types, data, and helpers related
// to storage and retrieval of APNs provider credentials.
package storage

import (
	"context"
	"errors"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/identity"
)

// ErrNotFound is returned when no credential exists for a topic.
var ErrNotFound = errors.New("credential not found")

// Credential is the APNs provider identity for a topic.
// Exactly one of the certificate (CertPEM and KeyPEM) or token
// (TokenKeyPEM, KeyID, and TeamID) schemes is populated.
type Credential struct {
	Topic string `json:"topic"`

	CertPEM []byte `json:"cert_pem,omitempty"`
	KeyPEM  []byte `json:"key_pem,omitempty"`

	TokenKeyPEM []byte `json:"token_key_pem,omitempty"`
	KeyID       string `json:"key_id,omitempty"`
	TeamID      string `json:"team_id,omitempty"`
}

// Scheme returns the authentication scheme of c or zero if c
// has neither or both schemes populated.
func (c *Credential) Scheme() apns.AuthScheme {
	if c == nil {
		return 0
	}
	cert := len(c.CertPEM) > 0 || len(c.KeyPEM) > 0
	token := len(c.TokenKeyPEM) > 0 || c.KeyID != "" || c.TeamID != ""
	switch {
	case cert && !token:
		return apns.CertificateScheme
	case token && !cert:
		return apns.TokenScheme
	}
	return 0
}

// Validate checks that c names a topic and has exactly one complete scheme.
func (c *Credential) Validate() error {
	if c == nil {
		return errors.New("nil credential")
	}
	if c.Topic == "" {
		return errors.New("empty topic")
	}
	switch c.Scheme() {
	case apns.CertificateScheme:
		if len(c.CertPEM) < 1 || len(c.KeyPEM) < 1 {
			return errors.New("certificate credential requires certificate and key")
		}
	case apns.TokenScheme:
		if len(c.TokenKeyPEM) < 1 || c.KeyID == "" || c.TeamID == "" {
			return errors.New("token credential requires key, key ID, and team ID")
		}
	default:
		return errors.New("credential must have exactly one of certificate or token")
	}
	return nil
}

// CertificateCredential creates a certificate credential for the topic
// contained in certPEM.
func CertificateCredential(certPEM, keyPEM []byte) (*Credential, error) {
	topic, err := identity.TopicFromPEMCert(certPEM)
	if err != nil {
		return nil, err
	}
	return &Credential{Topic: topic, CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// CredentialStore retrieves APNs provider credentials.
type CredentialStore interface {
	// IsCredentialStale asks whether staleToken is stale or not.
	// The staleToken is returned from RetrieveCredential and should
	// turn stale (and return true) if the credential has changed, such
	// as being renewed.
	IsCredentialStale(ctx context.Context, topic string, staleToken string) (bool, error)

	// RetrieveCredential retrieves the credential for topic.
	// ErrNotFound should be returned (wrapped or not) if the topic has no credential.
	RetrieveCredential(ctx context.Context, topic string) (cred *Credential, staleToken string, err error)
}

// CredentialStorer stores APNs provider credentials.
type CredentialStorer interface {
	// StoreCredential stores cred by its topic, replacing any existing
	// credential for that topic, and turns existing stale tokens stale.
	StoreCredential(ctx context.Context, cred *Credential) error
}

// AllStorage represents all required storage by the push service and API.
type AllStorage interface {
	CredentialStore
	CredentialStorer
}
