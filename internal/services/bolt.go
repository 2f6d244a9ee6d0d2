package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MegaGrindStone/chat-explorer/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the engine Store interface using a BoltDB backend. The whole conversation list is kept as
// a single JSON document per key, rewritten atomically on every save.
type BoltDB struct {
	db *bolt.DB
}

var snapshotsBucket = []byte("snapshots")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database with the
// required bucket and returns an error if the database cannot be opened or initialized. The database file is
// created with 0600 permissions if it doesn't exist. Opening fails after a second if another process holds the
// file.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Load retrieves the conversation list stored under key. It reports false when nothing has been stored yet.
func (b BoltDB) Load(_ context.Context, key string) ([]models.Conversation, bool, error) {
	var raw []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(snapshotsBucket)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			// v is only valid for the lifetime of the transaction.
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read conversations: %w", err)
	}
	if raw == nil {
		return nil, false, nil
	}

	convs, err := decodeConversations(raw)
	if err != nil {
		return nil, false, err
	}
	return convs, true, nil
}

// Save replaces the conversation list stored under key.
func (b BoltDB) Save(_ context.Context, key string, conversations []models.Conversation) error {
	v, err := encodeConversations(conversations)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(snapshotsBucket)
		if bucket == nil {
			return fmt.Errorf("bucket %s not found", snapshotsBucket)
		}
		return bucket.Put([]byte(key), v)
	})
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func encodeConversations(conversations []models.Conversation) ([]byte, error) {
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	v, err := json.Marshal(conversations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversations: %w", err)
	}
	return v, nil
}

func decodeConversations(raw []byte) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := json.Unmarshal(raw, &convs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversations: %w", err)
	}
	for i := range convs {
		if convs[i].Messages == nil {
			convs[i].Messages = []models.Message{}
		}
		for _, m := range convs[i].Messages {
			if !m.Role.Valid() {
				return nil, fmt.Errorf("message %s has unknown role %q", m.ID, m.Role)
			}
		}
	}
	return convs, nil
}
