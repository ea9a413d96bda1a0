package userconfig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const usersCollection = "users"

// MongoStore persists user configurations in a MongoDB collection keyed by user id.
type MongoStore struct {
	client       *mongo.Client
	coll         *mongo.Collection
	defaultModel string
}

// NewMongoStore connects to MongoDB and verifies the connection with a ping.
func NewMongoStore(ctx context.Context, uri, database string, opts ...Option) (*MongoStore, error) {
	o := newStoreOptions(opts)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoStore{
		client:       client,
		coll:         client.Database(database).Collection(usersCollection),
		defaultModel: o.defaultModel,
	}, nil
}

func (s *MongoStore) Load(ctx context.Context, userID string) (*UserConfig, error) {
	var cfg UserConfig
	err := s.coll.FindOne(ctx, bson.M{"_id": userID}).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		defaults := NewDefault(userID)
		defaults.SelectedModel = s.defaultModel
		if _, err := s.coll.InsertOne(ctx, defaults); err != nil {
			return nil, fmt.Errorf("failed to insert default config for %s: %w", userID, err)
		}
		return defaults, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config for %s: %w", userID, err)
	}

	s.normalize(&cfg)
	return &cfg, nil
}

func (s *MongoStore) Save(ctx context.Context, cfg *UserConfig) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": cfg.UserID},
		bson.M{"$set": cfg},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save config for %s: %w", cfg.UserID, err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// normalize backfills nil maps and a missing model selection on documents
// written by older versions.
func (s *MongoStore) normalize(cfg *UserConfig) {
	if cfg.EnvVars == nil {
		cfg.EnvVars = map[string]map[string]string{}
	}
	if cfg.ToolVersions == nil {
		cfg.ToolVersions = map[string]string{}
	}
	if cfg.ToolConfig.Tools == nil {
		cfg.ToolConfig.Tools = []ToolReference{}
	}
	if cfg.SelectedModel == "" {
		cfg.SelectedModel = s.defaultModel
	}
}

var _ Store = (*MongoStore)(nil)
