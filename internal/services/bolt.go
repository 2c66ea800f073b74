package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/aistudio-relay/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Store interface using a BoltDB backend. Each session's turns live in their
// own bucket, keyed by a big-endian sequence so iteration follows insertion order.
//
// History is scoped to one process run: NewBoltDB discards whatever a previous run left in the file.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens the database at path, creating it with 0600 permissions if needed, and removes every
// existing session bucket.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to reset bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

func sessionBucketName(sessionID string) []byte {
	return []byte(fmt.Sprintf("session-%s", sessionID))
}

// Turns returns the session's turns in the order they were added.
func (b BoltDB) Turns(_ context.Context, sessionID string) ([]models.Turn, error) {
	var turns []models.Turn
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucketName(sessionID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var turn models.Turn
			if err := json.Unmarshal(v, &turn); err != nil {
				return fmt.Errorf("failed to unmarshal turn: %w", err)
			}
			turns = append(turns, turn)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return turns, nil
}

// AddTurn appends turn to the session's history, creating the session bucket on first use.
func (b BoltDB) AddTurn(_ context.Context, sessionID string, turn models.Turn) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionBucketName(sessionID))
		if err != nil {
			return fmt.Errorf("failed to create session bucket: %w", err)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		v, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("failed to marshal turn: %w", err)
		}

		return b.Put(key, v)
	})
}

// ClearTurns removes the session's history. Clearing an unknown session is not an error.
func (b BoltDB) ClearTurns(_ context.Context, sessionID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(sessionBucketName(sessionID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Close closes the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
