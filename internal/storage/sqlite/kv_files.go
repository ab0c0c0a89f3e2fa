package sqlite

import (
	"context"
	"database/sql"

	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
)

// KVRepository implements storage.KVRepository over a *Pools, backing the
// sandbox's kv.read/kv.write host capabilities.
type KVRepository struct {
	pools *Pools
}

func NewKVRepository(pools *Pools) *KVRepository {
	return &KVRepository{pools: pools}
}

var _ storage.KVRepository = (*KVRepository)(nil)

func (r *KVRepository) Get(ctx context.Context, botID ids.ID, key string) (storage.KVEntry, bool, error) {
	var e storage.KVEntry
	found := false
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT bot_id, key, value, updated_at FROM kv_entries WHERE bot_id = ? AND key = ?`, botID.String(), key)
		var id, updatedAt string
		if err := row.Scan(&id, &e.Key, &e.Value, &updatedAt); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		var err error
		if e.BotID, err = ids.Parse(id); err != nil {
			return err
		}
		if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return storage.KVEntry{}, false, translate(err, "")
	}
	return e, found, nil
}

func (r *KVRepository) Set(ctx context.Context, e storage.KVEntry) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kv_entries (bot_id, key, value, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(bot_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			e.BotID.String(), e.Key, e.Value, formatTime(e.UpdatedAt))
		return translate(err, "")
	})
}

func (r *KVRepository) Delete(ctx context.Context, botID ids.ID, key string) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE bot_id = ? AND key = ?`, botID.String(), key)
		return translate(err, "")
	})
}

// FileRepository implements storage.FileRepository over a *Pools.
type FileRepository struct {
	pools *Pools
}

func NewFileRepository(pools *Pools) *FileRepository {
	return &FileRepository{pools: pools}
}

var _ storage.FileRepository = (*FileRepository)(nil)

func (r *FileRepository) UpsertFileMetadata(ctx context.Context, f storage.FileMetadata) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO file_metadata (bot_id, kind, path, content_hash, size_bytes, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(bot_id, kind) DO UPDATE SET path = excluded.path, content_hash = excluded.content_hash,
				size_bytes = excluded.size_bytes, updated_at = excluded.updated_at`,
			f.BotID.String(), string(f.Kind), f.Path, f.ContentHash, f.SizeBytes, formatTime(f.UpdatedAt))
		return translate(err, "")
	})
}

func (r *FileRepository) GetFileMetadata(ctx context.Context, botID ids.ID, kind storage.FileKind) (storage.FileMetadata, bool, error) {
	var f storage.FileMetadata
	found := false
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT bot_id, kind, path, content_hash, size_bytes, updated_at FROM file_metadata WHERE bot_id = ? AND kind = ?`,
			botID.String(), string(kind))
		var id, k, updatedAt string
		if err := row.Scan(&id, &k, &f.Path, &f.ContentHash, &f.SizeBytes, &updatedAt); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		var err error
		if f.BotID, err = ids.Parse(id); err != nil {
			return err
		}
		f.Kind = storage.FileKind(k)
		if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return storage.FileMetadata{}, false, translate(err, "")
	}
	return f, found, nil
}
