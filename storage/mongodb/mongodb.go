// Package mongodb stores and retrieves APNs provider credentials from MongoDB.
package mongodb

import (
	"context"

	"github.com/micromdm/nanolib/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoDBStorage struct {
	logger               log.Logger
	MongoClient          *mongo.Client
	CredentialCollection *mongo.Collection
}

const (
	defaultDatabaseName = "nanoapns"

	credentialStoreName = "credential_store"
)

type config struct {
	database string
	username string
	password string
	logger   log.Logger
}

type Option func(*config)

func WithLogger(logger log.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithDatabase sets the database name. Defaults to "nanoapns".
func WithDatabase(name string) Option {
	return func(c *config) {
		c.database = name
	}
}

// WithCredentials authenticates to MongoDB with username and password.
func WithCredentials(username, password string) Option {
	return func(c *config) {
		c.username = username
		c.password = password
	}
}

func New(ctx context.Context, uri string, opts ...Option) (*MongoDBStorage, error) {
	cfg := &config{logger: log.NopLogger, database: defaultDatabaseName}
	for _, opt := range opts {
		opt(cfg)
	}

	mongoOpts := options.Client().ApplyURI(uri)
	if cfg.username != "" {
		mongoOpts.SetAuth(options.Credential{Username: cfg.username, Password: cfg.password})
	}

	client, err := mongo.Connect(ctx, mongoOpts)
	if err != nil {
		return nil, err
	}

	storage := &MongoDBStorage{
		logger:               cfg.logger,
		MongoClient:          client,
		CredentialCollection: client.Database(cfg.database).Collection(credentialStoreName),
	}
	_, err = storage.CredentialCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "topic", Value: 1}, {Key: "ts", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return nil, err
	}
	return storage, nil
}

// Close disconnects from MongoDB.
func (m *MongoDBStorage) Close(ctx context.Context) error {
	return m.MongoClient.Disconnect(ctx)
}
