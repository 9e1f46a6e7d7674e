// Package store persists the agent state that must survive restarts:
// the command watermark, the active content assignment, and the media
// index. bbolt gives single-writer transactions behind an OS file lock,
// so a crash mid-write can never produce a torn read on the next start.
//
// When the database file cannot be opened (read-only media, a lock held
// by a dying process) the store degrades to in-memory operation so the
// agent keeps heartbeating; TryReopen flushes the accumulated state to
// disk once the file becomes available again.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/digiplayer/agent/pkg/api"
)

var (
	bucketState = []byte("state")
	bucketMedia = []byte("media")

	keyWatermark  = []byte("command_watermark")
	keyAssignment = []byte("active_assignment")
	keyLastOnline = []byte("last_online")
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Watermark records the newest command the agent has executed. Commands
// at or below the watermark are skipped on redelivery.
type Watermark struct {
	CommandID  string    `json:"command_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Supersedes reports whether a command with the given id and issue time
// is newer than the watermark. The issue time orders commands; the id
// breaks ties so exact redelivery of the watermarked command is skipped.
func (w Watermark) Supersedes(id string, issuedAt time.Time) bool {
	if w.CommandID == "" {
		return true // no watermark yet, everything is new
	}
	if id == w.CommandID {
		return false
	}
	return issuedAt.After(w.IssuedAt)
}

// MediaEntry is one verified file in the content-addressed media store.
type MediaEntry struct {
	Checksum   string    `json:"checksum"`
	Ref        string    `json:"ref"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Store is the agent state database. Backed by bbolt when the file is
// available, by process memory otherwise.
type Store struct {
	mu   sync.Mutex
	db   *bolt.DB
	path string

	// Fallback buckets, used only while db is nil.
	memState map[string][]byte
	memMedia map[string][]byte
}

// Open opens or creates the state database. The bbolt open timeout bounds
// the wait for the file lock when a previous process is still exiting.
func Open(path string) (*Store, error) {
	db, err := openDB(path, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// NewMemory creates a store operating purely in memory, remembering the
// path so TryReopen can move the state to disk later. State held here is
// lost on restart; callers use it only when Open fails.
func NewMemory(path string) *Store {
	return &Store{
		path:     path,
		memState: make(map[string][]byte),
		memMedia: make(map[string][]byte),
	}
}

// Persistent reports whether writes currently reach disk.
func (s *Store) Persistent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil
}

// TryReopen attempts to open the database file and, on success, flushes
// everything accumulated in memory into it. No-op when already
// persistent.
func (s *Store) TryReopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := openDB(s.path, time.Second)
	if err != nil {
		return err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for k, v := range s.memState {
			if err := tx.Bucket(bucketState).Put([]byte(k), v); err != nil {
				return err
			}
		}
		for k, v := range s.memMedia {
			if err := tx.Bucket(bucketMedia).Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("flush in-memory state: %w", err)
	}

	s.db = db
	s.memState = nil
	s.memMedia = nil
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func openDB(path string, lockWait time.Duration) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: lockWait})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketState, bucketMedia} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return db, nil
}

// get returns nil when the key is absent.
func (s *Store) get(bucket, key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return s.memBucket(bucket)[string(key)], nil
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get(key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

func (s *Store) put(bucket, key, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		s.memBucket(bucket)[string(key)] = val
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, val)
	})
}

func (s *Store) delete(bucket, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		delete(s.memBucket(bucket), string(key))
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

func (s *Store) forEach(bucket []byte, fn func(v []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		for _, v := range s.memBucket(bucket) {
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			return fn(v)
		})
	})
}

// memBucket is called with s.mu held and s.db nil.
func (s *Store) memBucket(bucket []byte) map[string][]byte {
	if string(bucket) == string(bucketMedia) {
		return s.memMedia
	}
	return s.memState
}

// CommandWatermark returns the persisted watermark, or the zero value if
// no command has been executed yet.
func (s *Store) CommandWatermark() (Watermark, error) {
	var w Watermark
	data, err := s.get(bucketState, keyWatermark)
	if err != nil || data == nil {
		return w, err
	}
	return w, json.Unmarshal(data, &w)
}

// SetCommandWatermark persists the watermark. Callers must do this before
// any side effect that can terminate the process.
func (s *Store) SetCommandWatermark(w Watermark) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return s.put(bucketState, keyWatermark, data)
}

// ClearCommandWatermark removes the watermark (registration reset).
func (s *Store) ClearCommandWatermark() error {
	return s.delete(bucketState, keyWatermark)
}

// ActiveAssignment returns the fully downloaded, currently served
// assignment, or ErrNotFound if the device has never activated one.
func (s *Store) ActiveAssignment() (*api.ContentAssignment, error) {
	data, err := s.get(bucketState, keyAssignment)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	var a api.ContentAssignment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// SetActiveAssignment atomically replaces the active assignment pointer.
// Only fully verified assignments may be written here.
func (s *Store) SetActiveAssignment(a *api.ContentAssignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.put(bucketState, keyAssignment, data)
}

// MediaEntry looks up a verified media file by checksum.
func (s *Store) MediaEntry(checksum string) (MediaEntry, error) {
	var e MediaEntry
	data, err := s.get(bucketMedia, []byte(checksum))
	if err != nil {
		return e, err
	}
	if data == nil {
		return e, ErrNotFound
	}
	return e, json.Unmarshal(data, &e)
}

// PutMediaEntry records a downloaded and checksum-verified media file.
func (s *Store) PutMediaEntry(e MediaEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.put(bucketMedia, []byte(e.Checksum), data)
}

// DeleteMediaEntry drops a media record (garbage collection).
func (s *Store) DeleteMediaEntry(checksum string) error {
	return s.delete(bucketMedia, []byte(checksum))
}

// ListMedia returns all indexed media entries.
func (s *Store) ListMedia() ([]MediaEntry, error) {
	entries := []MediaEntry{}
	err := s.forEach(bucketMedia, func(v []byte) error {
		var e MediaEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// SetLastOnline records the last successful heartbeat time.
func (s *Store) SetLastOnline(t time.Time) error {
	return s.put(bucketState, keyLastOnline, []byte(t.UTC().Format(time.RFC3339)))
}

// LastOnline returns the last successful heartbeat time, or the zero time
// if the device has never reached the server.
func (s *Store) LastOnline() (time.Time, error) {
	data, err := s.get(bucketState, keyLastOnline)
	if err != nil || data == nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, string(data))
}
