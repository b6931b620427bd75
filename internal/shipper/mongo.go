package shipper

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	DefaultMongoDatabase   = "wafproxy"
	DefaultMongoCollection = "security_logs"
)

// Indexer stores parsed entries in a search store.
type Indexer interface {
	Index(ctx context.Context, entries []Entry) error
}

type MongoIndexer struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoIndexer connects to uri and checks the server answers.
func NewMongoIndexer(ctx context.Context, uri, database, collection string) (*MongoIndexer, error) {
	if database == "" {
		database = DefaultMongoDatabase
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongodb: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("cannot reach mongodb: %w", err)
	}
	return &MongoIndexer{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

// Index batch inserts entries.
func (m *MongoIndexer) Index(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]interface{}, len(entries))
	for i := range entries {
		docs[i] = entries[i]
	}
	if _, err := m.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert %d entries: %w", len(entries), err)
	}
	return nil
}

func (m *MongoIndexer) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
