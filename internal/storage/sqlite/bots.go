package sqlite

import (
	"context"
	"database/sql"

	"github.com/boternity/boternity/internal/clock"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
)

// BotRepository implements storage.BotRepository over a *Pools.
type BotRepository struct {
	pools *Pools
	clock clock.Clock
}

// NewBotRepository constructs a BotRepository.
func NewBotRepository(pools *Pools, c clock.Clock) *BotRepository {
	if c == nil {
		c = clock.System()
	}
	return &BotRepository{pools: pools, clock: c}
}

var _ storage.BotRepository = (*BotRepository)(nil)

func (r *BotRepository) CreateBot(ctx context.Context, b storage.Bot) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bots (id, slug, name, description, emoji, category, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID.String(), b.Slug, b.Name, b.Description, b.Emoji, b.Category, string(b.Status),
			formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
		return translate(err, "")
	})
}

func (r *BotRepository) GetBot(ctx context.Context, id ids.ID) (storage.Bot, error) {
	var b storage.Bot
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, slug, name, description, emoji, category, status, created_at, updated_at
			FROM bots WHERE id = ?`, id.String())
		return scanBot(row, &b)
	})
	if err != nil {
		return storage.Bot{}, translate(err, "bot not found: "+id.String())
	}
	return b, nil
}

func (r *BotRepository) GetBotBySlug(ctx context.Context, slug string) (storage.Bot, error) {
	var b storage.Bot
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, slug, name, description, emoji, category, status, created_at, updated_at
			FROM bots WHERE slug = ?`, slug)
		return scanBot(row, &b)
	})
	if err != nil {
		return storage.Bot{}, translate(err, "bot not found: "+slug)
	}
	return b, nil
}

func (r *BotRepository) ListBots(ctx context.Context, status *storage.BotStatus) ([]storage.Bot, error) {
	var out []storage.Bot
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT id, slug, name, description, emoji, category, status, created_at, updated_at FROM bots`
		var rows *sql.Rows
		var err error
		if status != nil {
			query += " WHERE status = ? ORDER BY id"
			rows, err = tx.QueryContext(ctx, query, string(*status))
		} else {
			query += " ORDER BY id"
			rows, err = tx.QueryContext(ctx, query)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var b storage.Bot
			if err := scanBot(rows, &b); err != nil {
				return err
			}
			out = append(out, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

func (r *BotRepository) UpdateBotStatus(ctx context.Context, id ids.ID, status storage.BotStatus) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE bots SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), formatTime(r.clock.Now()), id.String())
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "bot not found: "+id.String())
	})
}

func (r *BotRepository) DeleteBot(ctx context.Context, id ids.ID) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id.String())
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "bot not found: "+id.String())
	})
}

func (r *BotRepository) GetSoul(ctx context.Context, botID ids.ID) (storage.Soul, error) {
	var s storage.Soul
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT bot_id, current_version, content_hash FROM souls WHERE bot_id = ?`, botID.String())
		var botID string
		if err := row.Scan(&botID, &s.CurrentVersion, &s.ContentHash); err != nil {
			return err
		}
		id, err := ids.Parse(botID)
		if err != nil {
			return err
		}
		s.BotID = id
		return nil
	})
	if err != nil {
		return storage.Soul{}, translate(err, "soul not found for bot: "+botID.String())
	}
	return s, nil
}

func (r *BotRepository) AppendSoulVersion(ctx context.Context, v storage.SoulVersion) (storage.Soul, error) {
	var soul storage.Soul
	err := r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO soul_versions (id, bot_id, version_no, content, message, content_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.ID.String(), v.BotID.String(), v.VersionNo, v.Content, v.Message, v.ContentHash, formatTime(v.CreatedAt))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO souls (bot_id, current_version, content_hash) VALUES (?, ?, ?)
			ON CONFLICT(bot_id) DO UPDATE SET current_version = excluded.current_version, content_hash = excluded.content_hash`,
			v.BotID.String(), v.VersionNo, v.ContentHash)
		if err != nil {
			return err
		}
		soul = storage.Soul{BotID: v.BotID, CurrentVersion: v.VersionNo, ContentHash: v.ContentHash}
		return nil
	})
	if err != nil {
		return storage.Soul{}, translate(err, "")
	}
	return soul, nil
}

func (r *BotRepository) ListSoulVersions(ctx context.Context, botID ids.ID) ([]storage.SoulVersion, error) {
	var out []storage.SoulVersion
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, bot_id, version_no, content, message, content_hash, created_at
			FROM soul_versions WHERE bot_id = ? ORDER BY version_no`, botID.String())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			v, err := scanSoulVersion(rows)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

func (r *BotRepository) GetSoulVersion(ctx context.Context, botID ids.ID, versionNo int) (storage.SoulVersion, error) {
	var v storage.SoulVersion
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, bot_id, version_no, content, message, content_hash, created_at
			FROM soul_versions WHERE bot_id = ? AND version_no = ?`, botID.String(), versionNo)
		var err error
		v, err = scanSoulVersion(row)
		return err
	})
	if err != nil {
		return storage.SoulVersion{}, translate(err, "soul version not found")
	}
	return v, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner, b *storage.Bot) error {
	var id, status, createdAt, updatedAt string
	if err := row.Scan(&id, &b.Slug, &b.Name, &b.Description, &b.Emoji, &b.Category, &status, &createdAt, &updatedAt); err != nil {
		return err
	}
	parsed, err := ids.Parse(id)
	if err != nil {
		return err
	}
	b.ID = parsed
	b.Status = storage.BotStatus(status)
	b.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return err
	}
	b.UpdatedAt, err = parseTime(updatedAt)
	return err
}

func scanSoulVersion(row rowScanner) (storage.SoulVersion, error) {
	var v storage.SoulVersion
	var id, botID, createdAt string
	if err := row.Scan(&id, &botID, &v.VersionNo, &v.Content, &v.Message, &v.ContentHash, &createdAt); err != nil {
		return storage.SoulVersion{}, err
	}
	var err error
	if v.ID, err = ids.Parse(id); err != nil {
		return storage.SoulVersion{}, err
	}
	if v.BotID, err = ids.Parse(botID); err != nil {
		return storage.SoulVersion{}, err
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return storage.SoulVersion{}, err
	}
	return v, nil
}
