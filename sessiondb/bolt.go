package sessiondb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	sessionsBucket  = []byte("sessions")
	preimagesBucket = []byte("preimages")
)

// BoltDB is the bbolt backed SessionDB.
type BoltDB struct {
	db *bolt.DB
}

var _ SessionDB = (*BoltDB)(nil)

// Open opens or creates the database file at path.
func Open(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{sessionsBucket, preimagesBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init session db: %w", err)
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Close() error { return b.db.Close() }

func putSession(tx *bolt.Tx, rec *SessionRecord) error {
	bkt := tx.Bucket(sessionsBucket)
	if bkt == nil {
		return ErrMainBucketNotFound
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	return bkt.Put([]byte(rec.ID), v)
}

func getSession(tx *bolt.Tx, id string) (*SessionRecord, error) {
	bkt := tx.Bucket(sessionsBucket)
	if bkt == nil {
		return nil, ErrMainBucketNotFound
	}
	v := bkt.Get([]byte(id))
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	var rec SessionRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &rec, nil
}

// CreateSession stores a new record and fails if the id is taken.
func (b *BoltDB) CreateSession(_ context.Context, rec *SessionRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if v := tx.Bucket(sessionsBucket).Get([]byte(rec.ID)); v != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, rec.ID)
		}
		now := time.Now().UTC()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		return putSession(tx, rec)
	})
}

// SaveSession inserts or replaces rec.
func (b *BoltDB) SaveSession(_ context.Context, rec *SessionRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		rec.UpdatedAt = time.Now().UTC()
		return putSession(tx, rec)
	})
}

func (b *BoltDB) FetchSession(_ context.Context, id string) (*SessionRecord, error) {
	var rec *SessionRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getSession(tx, id)
		return err
	})
	return rec, err
}

// ListSessions returns every record ordered by id.
func (b *BoltDB) ListSessions(_ context.Context) ([]*SessionRecord, error) {
	var out []*SessionRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(sessionsBucket)
		if bkt == nil {
			return ErrMainBucketNotFound
		}
		return bkt.ForEach(func(k, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode session %s: %w", k, err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

func (b *BoltDB) UpdateRound(_ context.Context, id string, round int, status Status) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		rec, err := getSession(tx, id)
		if err != nil {
			return err
		}
		rec.Round = round
		rec.Status = status
		rec.UpdatedAt = time.Now().UTC()
		return putSession(tx, rec)
	})
}

// DeleteSession removes the record and its preimages.
func (b *BoltDB) DeleteSession(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(sessionsBucket)
		if bkt.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if err := bkt.Delete([]byte(id)); err != nil {
			return err
		}
		pre := tx.Bucket(preimagesBucket)
		if pre.Bucket([]byte(id)) != nil {
			return pre.DeleteBucket([]byte(id))
		}
		return nil
	})
}

func (b *BoltDB) StorePreimage(_ context.Context, sessionID, hashID string, preimage []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := getSession(tx, sessionID); err != nil {
			return err
		}
		bkt, err := tx.Bucket(preimagesBucket).CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(hashID), preimage)
	})
}

func (b *BoltDB) FetchPreimages(_ context.Context, sessionID string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(preimagesBucket).Bucket([]byte(sessionID))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}
