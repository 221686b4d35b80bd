package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vneid-labs/voicekit/domain/entities"
	"github.com/vneid-labs/voicekit/domain/repositories"
)

// TranscriptStore persists conversation turns, one document per turn keyed by
// session identifier.
type TranscriptStore struct {
	collection *mongo.Collection
}

// NewTranscriptStore creates a MongoDB-backed transcript store.
func NewTranscriptStore(db *mongo.Database) repositories.TranscriptStore {
	return &TranscriptStore{
		collection: db.Collection("transcripts"),
	}
}

// SaveTurn implements repositories.TranscriptStore
func (s *TranscriptStore) SaveTurn(ctx context.Context, sessionID string, turn entities.Turn) error {
	if sessionID == "" {
		return errors.New("session ID cannot be empty")
	}
	doc := bson.M{
		"session_id": sessionID,
		"timestamp":  turn.Timestamp,
		"role":       turn.Role,
		"content":    turn.Content,
	}
	if turn.DurationMs > 0 {
		doc["duration_ms"] = turn.DurationMs
	}
	if turn.Action != "" {
		doc["action"] = turn.Action
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to save transcript turn: %w", err)
	}
	return nil
}

// History implements repositories.TranscriptStore
func (s *TranscriptStore) History(ctx context.Context, sessionID string) ([]entities.Turn, error) {
	if sessionID == "" {
		return nil, errors.New("session ID cannot be empty")
	}
	filter := bson.M{"session_id": sessionID}
	opts := options.Find().SetSort(bson.M{"timestamp": 1})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}
	defer cursor.Close(ctx)

	var turns []entities.Turn
	if err := cursor.All(ctx, &turns); err != nil {
		return nil, fmt.Errorf("failed to decode transcript: %w", err)
	}
	return turns, nil
}
