package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/micromdm/nanoapns/storage"

	"github.com/micromdm/nanolib/storage/kv"
)

const (
	keyCertPEM     = "cert_pem"
	keyKeyPEM      = "key_pem"
	keyTokenKeyPEM = "token_key_pem"
	keyKeyID       = "key_id"
	keyTeamID      = "team_id"
	keyStaleToken  = "stale_token"
)

// credentialKeys returns the keys of every credential field for topic.
func credentialKeys(topic string) []string {
	return []string{
		join(topic, keyCertPEM),
		join(topic, keyKeyPEM),
		join(topic, keyTokenKeyPEM),
		join(topic, keyKeyID),
		join(topic, keyTeamID),
		join(topic, keyStaleToken),
	}
}

// notFound converts missing key errors into storage.ErrNotFound.
func notFound(topic string, err error) error {
	if errors.Is(err, kv.ErrKeyNotFound) {
		return fmt.Errorf("%w: topic %s: %v", storage.ErrNotFound, topic, err)
	}
	return err
}

// IsCredentialStale validates the freshness of the credential for topic in the KV store.
func (s *KV) IsCredentialStale(ctx context.Context, topic string, staleToken string) (bool, error) {
	tokenBytes, err := s.credentials.Get(ctx, join(topic, keyStaleToken))
	if err != nil {
		return true, notFound(topic, err)
	}
	return staleToken != string(tokenBytes), nil
}

// RetrieveCredential retrieves the credential for topic from the KV store.
func (s *KV) RetrieveCredential(ctx context.Context, topic string) (*storage.Credential, string, error) {
	getMap, err := kv.GetMap(ctx, s.credentials, credentialKeys(topic))
	if err != nil {
		return nil, "", notFound(topic, err)
	}

	cred := &storage.Credential{
		Topic:       topic,
		CertPEM:     getMap[join(topic, keyCertPEM)],
		KeyPEM:      getMap[join(topic, keyKeyPEM)],
		TokenKeyPEM: getMap[join(topic, keyTokenKeyPEM)],
		KeyID:       string(getMap[join(topic, keyKeyID)]),
		TeamID:      string(getMap[join(topic, keyTeamID)]),
	}
	return cred, string(getMap[join(topic, keyStaleToken)]), nil
}

// StoreCredential stores cred by its APNs topic in the KV store.
// Every field is written so that switching schemes clears the other.
func (s *KV) StoreCredential(ctx context.Context, cred *storage.Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	topic := cred.Topic
	return kv.PerformCRUDBucketTxn(ctx, s.credentials, func(ctx context.Context, b kv.CRUDBucket) error {
		var token int

		if tokenBytes, err := b.Get(ctx, join(topic, keyStaleToken)); err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
			return fmt.Errorf("getting token for topic: %s: %w", topic, err)
		} else if err == nil {
			token, err = strconv.Atoi(string(tokenBytes))
			if err != nil {
				// token strconv error: eat the error and reset the token
				token = 0
			} else {
				token++
			}
		}

		return kv.SetMap(ctx, b, map[string][]byte{
			join(topic, keyCertPEM):     cred.CertPEM,
			join(topic, keyKeyPEM):      cred.KeyPEM,
			join(topic, keyTokenKeyPEM): cred.TokenKeyPEM,
			join(topic, keyKeyID):       []byte(cred.KeyID),
			join(topic, keyTeamID):      []byte(cred.TeamID),
			join(topic, keyStaleToken):  []byte(strconv.Itoa(token)),
		})
	})
}
