package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/micromdm/nanoapns/storage"

	"github.com/micromdm/nanolib/log/ctxlog"
)

func (s *MySQLStorage) RetrieveCredential(ctx context.Context, topic string) (*storage.Credential, string, error) {
	var certPEM, keyPEM, tokenKeyPEM, keyID, teamID sql.NullString
	var staleToken int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT cert_pem, key_pem, token_key_pem, key_id, team_id, stale_token FROM credentials WHERE topic = ?`,
		topic,
	).Scan(&certPEM, &keyPEM, &tokenKeyPEM, &keyID, &teamID, &staleToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: topic %s", storage.ErrNotFound, topic)
	} else if err != nil {
		return nil, "", err
	}
	cred := &storage.Credential{
		Topic:  topic,
		KeyID:  keyID.String,
		TeamID: teamID.String,
	}
	if certPEM.Valid {
		cred.CertPEM = []byte(certPEM.String)
	}
	if keyPEM.Valid {
		cred.KeyPEM = []byte(keyPEM.String)
	}
	if tokenKeyPEM.Valid {
		cred.TokenKeyPEM = []byte(tokenKeyPEM.String)
	}
	return cred, strconv.Itoa(staleToken), nil
}

func (s *MySQLStorage) IsCredentialStale(ctx context.Context, topic, staleToken string) (bool, error) {
	var staleTokenInt, dbStaleToken int
	staleTokenInt, err := strconv.Atoi(staleToken)
	if err != nil {
		return true, err
	}
	err = s.db.QueryRowContext(
		ctx,
		`SELECT stale_token FROM credentials WHERE topic = ?`,
		topic,
	).Scan(&dbStaleToken)
	if errors.Is(err, sql.ErrNoRows) {
		return true, fmt.Errorf("%w: topic %s", storage.ErrNotFound, topic)
	}
	return dbStaleToken != staleTokenInt, err
}

func (s *MySQLStorage) StoreCredential(ctx context.Context, cred *storage.Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx, `
INSERT INTO credentials
    (topic, cert_pem, key_pem, token_key_pem, key_id, team_id, stale_token)
VALUES
    (?, ?, ?, ?, ?, ?, 0) AS new
ON DUPLICATE KEY
UPDATE
    cert_pem = new.cert_pem,
    key_pem = new.key_pem,
    token_key_pem = new.token_key_pem,
    key_id = new.key_id,
    team_id = new.team_id,
    credentials.stale_token = credentials.stale_token + 1;`,
		cred.Topic,
		nullEmptyBytes(cred.CertPEM),
		nullEmptyBytes(cred.KeyPEM),
		nullEmptyBytes(cred.TokenKeyPEM),
		nullEmptyString(cred.KeyID),
		nullEmptyString(cred.TeamID),
	)
	if err == nil {
		ctxlog.Logger(ctx, s.logger).Debug(
			"msg", "stored credential",
			"topic", cred.Topic,
			"scheme", cred.Scheme().String(),
		)
	}
	return err
}
