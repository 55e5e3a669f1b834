package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/airhealthmap/airhealth-api/internal/models"
	appErrors "github.com/airhealthmap/airhealth-api/pkg/errors"
)

// ErrSnapshotMissing signals that no session snapshot is persisted. Callers
// treat it exactly like a fresh install: start as guest.
var ErrSnapshotMissing = appErrors.New("SNAPSHOT_MISSING", 404, "no session snapshot")

// ErrSnapshotCorrupt signals unreadable persisted state. The session store
// self-heals by clearing the entry; it is never surfaced to users.
var ErrSnapshotCorrupt = appErrors.New("SNAPSHOT_CORRUPT", 500, "session snapshot is corrupt")

// SnapshotRepository persists the serialized Session under one fixed key.
type SnapshotRepository interface {
	Load(ctx context.Context) (models.Session, error)
	Save(ctx context.Context, session models.Session) error
	Clear(ctx context.Context) error
}

// FileSnapshotRepository stores the snapshot as a JSON file on disk,
// the gateway's equivalent of the browser's local storage entry.
type FileSnapshotRepository struct {
	path string
}

// NewFileSnapshotRepository derives the snapshot path from a directory and
// the fixed storage key.
func NewFileSnapshotRepository(dir, key string) (*FileSnapshotRepository, error) {
	if dir == "" {
		dir = "./state"
	}
	if key == "" {
		key = "airhealth.session"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session state directory: %w", err)
	}
	return &FileSnapshotRepository{path: filepath.Join(dir, key+".json")}, nil
}

// Load reads and parses the persisted snapshot.
func (r *FileSnapshotRepository) Load(ctx context.Context) (models.Session, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.Guest(), ErrSnapshotMissing
		}
		return models.Guest(), fmt.Errorf("read session snapshot: %w", err)
	}
	return parseSnapshot(raw)
}

// Save writes the snapshot atomically (write temp then rename).
func (r *FileSnapshotRepository) Save(ctx context.Context, session models.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write session snapshot: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace session snapshot: %w", err)
	}
	return nil
}

// Clear removes the snapshot; absent entries are not an error.
func (r *FileSnapshotRepository) Clear(ctx context.Context) error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear session snapshot: %w", err)
	}
	return nil
}

// RedisSnapshotRepository stores the snapshot under a fixed Redis key.
type RedisSnapshotRepository struct {
	client *redis.Client
	key    string
}

// NewRedisSnapshotRepository builds the Redis-backed store.
func NewRedisSnapshotRepository(client *redis.Client, key string) *RedisSnapshotRepository {
	if key == "" {
		key = "airhealth.session"
	}
	return &RedisSnapshotRepository{client: client, key: key}
}

// Load reads and parses the persisted snapshot.
func (r *RedisSnapshotRepository) Load(ctx context.Context) (models.Session, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return models.Guest(), ErrSnapshotMissing
		}
		return models.Guest(), fmt.Errorf("read session snapshot: %w", err)
	}
	return parseSnapshot(raw)
}

// Save writes the snapshot with no expiry; logout clears it explicitly.
func (r *RedisSnapshotRepository) Save(ctx context.Context, session models.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("write session snapshot: %w", err)
	}
	return nil
}

// Clear removes the snapshot.
func (r *RedisSnapshotRepository) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("clear session snapshot: %w", err)
	}
	return nil
}

func parseSnapshot(raw []byte) (models.Session, error) {
	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return models.Guest(), ErrSnapshotCorrupt
	}
	if !session.Valid() {
		return models.Guest(), ErrSnapshotCorrupt
	}
	return session, nil
}
