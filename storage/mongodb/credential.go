package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanoapns/storage"

	"github.com/micromdm/nanolib/log/ctxlog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CredentialRecord is one stored version of a topic's credential.
// The most recently inserted record for a topic is current.
type CredentialRecord struct {
	Timestamp   string `bson:"ts,omitempty"`
	Topic       string `bson:"topic,omitempty"`
	Certificate string `bson:"certificate,omitempty"`
	PrivateKey  string `bson:"key,omitempty"`
	TokenKey    string `bson:"token_key,omitempty"`
	KeyID       string `bson:"key_id,omitempty"`
	TeamID      string `bson:"team_id,omitempty"`
}

var latestSort = bson.M{
	"ts": -1,
}

func (m *MongoDBStorage) latest(ctx context.Context, topic string) (*CredentialRecord, error) {
	filter := bson.M{
		"topic": topic,
	}
	res := new(CredentialRecord)
	err := m.CredentialCollection.FindOne(ctx, filter, options.FindOne().SetSort(latestSort)).Decode(res)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: topic %s", storage.ErrNotFound, topic)
	}
	return res, err
}

func (m *MongoDBStorage) IsCredentialStale(ctx context.Context, topic string, staleToken string) (bool, error) {
	res, err := m.latest(ctx, topic)
	if err != nil {
		return true, err
	}
	return res.Timestamp != staleToken, nil
}

func (m *MongoDBStorage) RetrieveCredential(ctx context.Context, topic string) (*storage.Credential, string, error) {
	res, err := m.latest(ctx, topic)
	if err != nil {
		return nil, "", err
	}
	cred := &storage.Credential{
		Topic:  res.Topic,
		KeyID:  res.KeyID,
		TeamID: res.TeamID,
	}
	if res.Certificate != "" {
		cred.CertPEM = []byte(res.Certificate)
	}
	if res.PrivateKey != "" {
		cred.KeyPEM = []byte(res.PrivateKey)
	}
	if res.TokenKey != "" {
		cred.TokenKeyPEM = []byte(res.TokenKey)
	}
	return cred, res.Timestamp, nil
}

func (m *MongoDBStorage) StoreCredential(ctx context.Context, cred *storage.Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	// zero-padded so that lexical and numeric order agree
	ts := fmt.Sprintf("%020d", time.Now().UnixNano())
	_, err := m.CredentialCollection.InsertOne(ctx, CredentialRecord{
		Timestamp:   ts,
		Topic:       cred.Topic,
		Certificate: string(cred.CertPEM),
		PrivateKey:  string(cred.KeyPEM),
		TokenKey:    string(cred.TokenKeyPEM),
		KeyID:       cred.KeyID,
		TeamID:      cred.TeamID,
	})
	if err != nil {
		return err
	}

	ctxlog.Logger(ctx, m.logger).Debug(
		"msg", "stored credential",
		"topic", cred.Topic,
		"ts", ts,
	)
	return nil
}
