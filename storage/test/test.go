// Package test provides a test suite shared by credential storage backends.
package test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/identity"
	"github.com/micromdm/nanoapns/storage"
	helpers "github.com/micromdm/nanoapns/test"
)

// TestCredentialStorage runs the credential storage suite against store.
func TestCredentialStorage(t *testing.T, ctx context.Context, store storage.AllStorage) {
	t.Run("certificate", func(t *testing.T) { testCertificate(t, ctx, store) })
	t.Run("token", func(t *testing.T) { testToken(t, ctx, store) })
	t.Run("scheme-switch", func(t *testing.T) { testSchemeSwitch(t, ctx, store) })
	t.Run("not-found", func(t *testing.T) { testNotFound(t, ctx, store) })
	t.Run("invalid", func(t *testing.T) { testInvalid(t, ctx, store) })
}

func testCertificate(t *testing.T, ctx context.Context, store storage.AllStorage) {
	pemCert, pemKey, err := helpers.PushCertPEM("com.example.storage.cert")
	if err != nil {
		t.Fatal(err)
	}
	cred, err := storage.CertificateCredential(pemCert, pemKey)
	if err != nil {
		t.Fatal(err)
	}

	err = store.StoreCredential(ctx, cred)
	if err != nil {
		t.Fatal(err)
	}

	cred2, staleToken1, err := store.RetrieveCredential(ctx, cred.Topic)
	if err != nil {
		t.Fatal(err)
	}

	if have, want := cred2.Scheme(), apns.CertificateScheme; have != want {
		t.Fatalf("scheme: have %v, want %v", have, want)
	}
	if !bytes.Equal(bytes.TrimSpace(cred2.CertPEM), bytes.TrimSpace(pemCert)) {
		t.Error("mismatched certs")
	}
	if _, err = identity.ParsePEM(cred2.CertPEM, cred2.KeyPEM); err != nil {
		t.Errorf("retrieved certificate: %v", err)
	}

	stale, err := store.IsCredentialStale(ctx, cred.Topic, staleToken1)
	if err != nil {
		t.Fatal(err)
	}
	if stale {
		t.Error("credential should not be stale before storing again")
	}

	err = store.StoreCredential(ctx, cred)
	if err != nil {
		t.Fatal(err)
	}

	_, staleToken2, err := store.RetrieveCredential(ctx, cred.Topic)
	if err != nil {
		t.Fatal(err)
	}

	if staleToken1 == staleToken2 {
		t.Error("stale tokens should not match after storing twice")
	}

	stale, err = store.IsCredentialStale(ctx, cred.Topic, staleToken1)
	if err != nil {
		t.Fatal(err)
	}
	if !stale {
		t.Error("credential should be stale after storing again")
	}
}

func testToken(t *testing.T, ctx context.Context, store storage.AllStorage) {
	_, keyPEM, err := helpers.TokenKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	cred := &storage.Credential{
		Topic:       "com.example.storage.token",
		TokenKeyPEM: keyPEM,
		KeyID:       "KEYID12345",
		TeamID:      "TEAMID1234",
	}
	if err = store.StoreCredential(ctx, cred); err != nil {
		t.Fatal(err)
	}

	cred2, _, err := store.RetrieveCredential(ctx, cred.Topic)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := cred2.Scheme(), apns.TokenScheme; have != want {
		t.Fatalf("scheme: have %v, want %v", have, want)
	}
	if have, want := cred2.KeyID, cred.KeyID; have != want {
		t.Errorf("key ID: have %q, want %q", have, want)
	}
	if have, want := cred2.TeamID, cred.TeamID; have != want {
		t.Errorf("team ID: have %q, want %q", have, want)
	}
	if _, err = identity.ParseTokenKey(cred2.TokenKeyPEM, cred2.KeyID, cred2.TeamID); err != nil {
		t.Errorf("retrieved token key: %v", err)
	}
}

func testSchemeSwitch(t *testing.T, ctx context.Context, store storage.AllStorage) {
	topic := "com.example.storage.switch"
	pemCert, pemKey, err := helpers.PushCertPEM(topic)
	if err != nil {
		t.Fatal(err)
	}
	if err = store.StoreCredential(ctx, &storage.Credential{Topic: topic, CertPEM: pemCert, KeyPEM: pemKey}); err != nil {
		t.Fatal(err)
	}

	_, keyPEM, err := helpers.TokenKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	if err = store.StoreCredential(ctx, &storage.Credential{Topic: topic, TokenKeyPEM: keyPEM, KeyID: "K", TeamID: "T"}); err != nil {
		t.Fatal(err)
	}

	cred, _, err := store.RetrieveCredential(ctx, topic)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := cred.Scheme(), apns.TokenScheme; have != want {
		t.Errorf("scheme: have %v, want %v", have, want)
	}
}

func testNotFound(t *testing.T, ctx context.Context, store storage.AllStorage) {
	_, _, err := store.RetrieveCredential(ctx, "com.example.storage.missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have %v, want %v", err, storage.ErrNotFound)
	}
}

func testInvalid(t *testing.T, ctx context.Context, store storage.AllStorage) {
	err := store.StoreCredential(ctx, &storage.Credential{Topic: "com.example.storage.invalid"})
	if err == nil {
		t.Error("expected error storing credential without a scheme")
	}
}
