package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/pkg/config/configstore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"
)

var (
	_ configstore.ConfigStore = (*MongoStore)(nil)
	_ configstore.Watcher     = (*MongoStore)(nil)
)

const connectTimeout = 10 * time.Second

// MongoStore keeps one config document, addressed by ID, in a collection.
// The document has the same shape as the YAML file.
type MongoStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	ID         string
	Logger     lg.Logger
}

func New(ctx context.Context, uri, dbName, collName, id string, logger lg.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = lg.Discard
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		Client:     client,
		Collection: client.Database(dbName).Collection(collName),
		ID:         id,
		Logger:     logger,
	}, nil
}

func (m *MongoStore) Load(ctx context.Context, out any) error {
	if out == nil {
		return errors.New("Load: output parameter must not be nil")
	}

	var doc bson.M
	err := m.Collection.FindOne(ctx, bson.M{"_id": m.ID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document with ID %q not found", m.ID)
	}
	if err != nil {
		return fmt.Errorf("MongoDB FindOne failed: %w", err)
	}
	delete(doc, "_id")

	// round-trip through YAML so that custom unmarshalers and durations
	// behave exactly as they do for the file store
	raw, err := yaml.Marshal(normalize(doc))
	if err != nil {
		return fmt.Errorf("failed to re-encode document: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

func (m *MongoStore) Save(ctx context.Context, in any) error {
	if in == nil {
		return errors.New("Save: input parameter must not be nil")
	}

	raw, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("Save: failed to marshal: %w", err)
	}
	doc := bson.M{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("Save: failed to convert: %w", err)
	}
	doc["_id"] = m.ID

	_, err = m.Collection.ReplaceOne(ctx, bson.M{"_id": m.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("Save: MongoDB ReplaceOne failed: %w", err)
	}
	return nil
}

// Watch follows a change stream on the config document. Change streams need
// a replica set; on a standalone server Watch fails up front.
func (m *MongoStore) Watch(ctx context.Context, onChange func()) error {
	if onChange == nil {
		return errors.New("onChange callback cannot be nil")
	}

	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"documentKey._id": m.ID}}}}
	stream, err := m.Collection.Watch(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("failed to open change stream: %w", err)
	}

	go func() {
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			m.Logger.Debug("Config document changed", lg.String("id", m.ID))
			onChange()
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			m.Logger.Warn("Change stream stopped", lg.String("id", m.ID), lg.Err(err))
		}
	}()
	return nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

// normalize turns driver types into plain maps and slices for the YAML encoder.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
