package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
)

// SessionRepository implements storage.SessionRepository over a *Pools.
type SessionRepository struct {
	pools *Pools
}

func NewSessionRepository(pools *Pools) *SessionRepository {
	return &SessionRepository{pools: pools}
}

var _ storage.SessionRepository = (*SessionRepository)(nil)

func (r *SessionRepository) CreateSession(ctx context.Context, s storage.ChatSession) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat_sessions (id, bot_id, title, started_at, ended_at, input_tokens, output_tokens, message_count, model, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID.String(), s.BotID.String(), s.Title, formatTime(s.StartedAt), formatTimePtr(s.EndedAt),
			s.Totals.InputTokens, s.Totals.OutputTokens, s.Totals.MessageCount, s.Model, string(s.Status))
		return translate(err, "")
	})
}

func (r *SessionRepository) GetSession(ctx context.Context, id ids.ID) (storage.ChatSession, error) {
	var s storage.ChatSession
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, bot_id, title, started_at, ended_at, input_tokens, output_tokens, message_count, model, status
			FROM chat_sessions WHERE id = ?`, id.String())
		var err error
		s, err = scanSession(row)
		return err
	})
	if err != nil {
		return storage.ChatSession{}, translate(err, "session not found: "+id.String())
	}
	return s, nil
}

func (r *SessionRepository) ListSessions(ctx context.Context, botID ids.ID) ([]storage.ChatSession, error) {
	var out []storage.ChatSession
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, bot_id, title, started_at, ended_at, input_tokens, output_tokens, message_count, model, status
			FROM chat_sessions WHERE bot_id = ? ORDER BY started_at, id`, botID.String())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanSession(rows)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

func (r *SessionRepository) UpdateSessionStatus(ctx context.Context, id ids.ID, status storage.SessionStatus) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE chat_sessions SET status = ? WHERE id = ?`, string(status), id.String())
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "session not found: "+id.String())
	})
}

func (r *SessionRepository) UpdateSessionTotals(ctx context.Context, id ids.ID, totals storage.SessionTotals) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE chat_sessions SET input_tokens = ?, output_tokens = ?, message_count = ? WHERE id = ?`,
			totals.InputTokens, totals.OutputTokens, totals.MessageCount, id.String())
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "session not found: "+id.String())
	})
}

func (r *SessionRepository) AppendMessage(ctx context.Context, m storage.ChatMessage) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat_messages (id, session_id, role, content, created_at, input_tokens, output_tokens, model, stop_reason, response_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID.String(), m.SessionID.String(), string(m.Role), m.Content, formatTime(m.CreatedAt),
			nullableInt(m.InputTokens), nullableInt(m.OutputTokens), m.Model, m.StopReason, nullableInt(m.ResponseMs))
		return translate(err, "")
	})
}

func (r *SessionRepository) AppendMessageAndUpdateTotals(ctx context.Context, m storage.ChatMessage, totals storage.SessionTotals) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_messages (id, session_id, role, content, created_at, input_tokens, output_tokens, model, stop_reason, response_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID.String(), m.SessionID.String(), string(m.Role), m.Content, formatTime(m.CreatedAt),
			nullableInt(m.InputTokens), nullableInt(m.OutputTokens), m.Model, m.StopReason, nullableInt(m.ResponseMs)); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE chat_sessions SET input_tokens = ?, output_tokens = ?, message_count = ? WHERE id = ?`,
			totals.InputTokens, totals.OutputTokens, totals.MessageCount, m.SessionID.String())
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "session not found: "+m.SessionID.String())
	})
}

func (r *SessionRepository) DeleteMessage(ctx context.Context, id ids.ID) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE id = ?`, id.String())
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "message not found: "+id.String())
	})
}

func (r *SessionRepository) ListMessages(ctx context.Context, sessionID ids.ID, from, to int) ([]storage.ChatMessage, error) {
	var out []storage.ChatMessage
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		query := `
			SELECT id, session_id, role, content, created_at, input_tokens, output_tokens, model, stop_reason, response_ms
			FROM chat_messages WHERE session_id = ? ORDER BY created_at, id`
		rows, err := tx.QueryContext(ctx, query, sessionID.String())
		if err != nil {
			return err
		}
		defer rows.Close()
		idx := 0
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			if idx >= from && (to <= 0 || idx < to) {
				out = append(out, m)
			}
			idx++
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	if out == nil {
		out = []storage.ChatMessage{}
	}
	return out, nil
}

func (r *SessionRepository) CountMessages(ctx context.Context, sessionID ids.ID) (int, error) {
	var count int
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`, sessionID.String()).Scan(&count)
	})
	if err != nil {
		return 0, translate(err, "")
	}
	return count, nil
}

func (r *SessionRepository) CreateMemory(ctx context.Context, m storage.SessionMemory) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_memories (id, bot_id, session_id, fact, category, importance, source_message_id, superseded_by, created_at, is_manual)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID.String(), m.BotID.String(), nullableID(&m.SessionID), m.Fact, string(m.Category), m.Importance,
			nullableID(m.SourceMessageID), nullableID(m.SupersededBy), formatTime(m.CreatedAt), boolToInt(m.IsManual))
		return translate(err, "")
	})
}

func (r *SessionRepository) CreateMemoryAndSupersede(ctx context.Context, m storage.SessionMemory, supersedes *ids.ID) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_memories (id, bot_id, session_id, fact, category, importance, source_message_id, superseded_by, created_at, is_manual)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID.String(), m.BotID.String(), nullableID(&m.SessionID), m.Fact, string(m.Category), m.Importance,
			nullableID(m.SourceMessageID), nullableID(m.SupersededBy), formatTime(m.CreatedAt), boolToInt(m.IsManual)); err != nil {
			return err
		}
		if supersedes == nil {
			return nil
		}
		res, err := tx.ExecContext(ctx, `UPDATE session_memories SET superseded_by = ? WHERE id = ?`, m.ID.String(), supersedes.String())
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "memory not found: "+supersedes.String())
	})
}

func (r *SessionRepository) ListActiveMemories(ctx context.Context, botID ids.ID) ([]storage.SessionMemory, error) {
	var out []storage.SessionMemory
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, bot_id, session_id, fact, category, importance, source_message_id, superseded_by, created_at, is_manual
			FROM session_memories WHERE bot_id = ? AND superseded_by IS NULL ORDER BY created_at`, botID.String())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	if out == nil {
		out = []storage.SessionMemory{}
	}
	return out, nil
}

func (r *SessionRepository) SupersedeMemory(ctx context.Context, id, supersededBy ids.ID) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE session_memories SET superseded_by = ? WHERE id = ?`, supersededBy.String(), id.String())
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "memory not found: "+id.String())
	})
}

func (r *SessionRepository) CreateSummary(ctx context.Context, s storage.ContextSummary) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO context_summaries (id, session_id, summary, messages_start, messages_end, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.ID.String(), s.SessionID.String(), s.Summary, s.MessagesStart, s.MessagesEnd, s.TokenCount, formatTime(s.CreatedAt))
		return translate(err, "")
	})
}

func (r *SessionRepository) ListSummaries(ctx context.Context, sessionID ids.ID) ([]storage.ContextSummary, error) {
	var out []storage.ContextSummary
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, session_id, summary, messages_start, messages_end, token_count, created_at
			FROM context_summaries WHERE session_id = ? ORDER BY messages_start`, sessionID.String())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s storage.ContextSummary
			var id, sessionID, createdAt string
			if err := rows.Scan(&id, &sessionID, &s.Summary, &s.MessagesStart, &s.MessagesEnd, &s.TokenCount, &createdAt); err != nil {
				return err
			}
			if s.ID, err = ids.Parse(id); err != nil {
				return err
			}
			if s.SessionID, err = ids.Parse(sessionID); err != nil {
				return err
			}
			if s.CreatedAt, err = parseTime(createdAt); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

func (r *SessionRepository) CreateExtractionJob(ctx context.Context, j storage.MemoryExtractionJob) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memory_extraction_jobs (id, session_id, from_message_id, next_attempt_at, attempt_count, last_error, done, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID.String(), j.SessionID.String(), j.FromMessageID.String(), formatTime(j.NextAttemptAt),
			j.AttemptCount, j.LastError, boolToInt(j.Done), formatTime(j.CreatedAt))
		return translate(err, "")
	})
}

func (r *SessionRepository) ListDueExtractionJobs(ctx context.Context, asOf time.Time, limit int) ([]storage.MemoryExtractionJob, error) {
	var out []storage.MemoryExtractionJob
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, session_id, from_message_id, next_attempt_at, attempt_count, last_error, done, created_at
			FROM memory_extraction_jobs WHERE done = 0 AND next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?`,
			formatTime(asOf), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanExtractionJob(rows)
			if err != nil {
				return err
			}
			out = append(out, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

func (r *SessionRepository) MarkExtractionJobDone(ctx context.Context, id ids.ID) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE memory_extraction_jobs SET done = 1 WHERE id = ?`, id.String())
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "extraction job not found: "+id.String())
	})
}

func (r *SessionRepository) RescheduleExtractionJob(ctx context.Context, id ids.ID, nextAttemptAt time.Time, attemptCount int, lastErr string) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE memory_extraction_jobs SET next_attempt_at = ?, attempt_count = ?, last_error = ? WHERE id = ?`,
			formatTime(nextAttemptAt), attemptCount, lastErr, id.String())
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "extraction job not found: "+id.String())
	})
}

func scanExtractionJob(row rowScanner) (storage.MemoryExtractionJob, error) {
	var j storage.MemoryExtractionJob
	var id, sessionID, fromMessageID, nextAttemptAt, createdAt string
	var done int
	if err := row.Scan(&id, &sessionID, &fromMessageID, &nextAttemptAt, &j.AttemptCount, &j.LastError, &done, &createdAt); err != nil {
		return storage.MemoryExtractionJob{}, err
	}
	var err error
	if j.ID, err = ids.Parse(id); err != nil {
		return storage.MemoryExtractionJob{}, err
	}
	if j.SessionID, err = ids.Parse(sessionID); err != nil {
		return storage.MemoryExtractionJob{}, err
	}
	if j.FromMessageID, err = ids.Parse(fromMessageID); err != nil {
		return storage.MemoryExtractionJob{}, err
	}
	if j.NextAttemptAt, err = parseTime(nextAttemptAt); err != nil {
		return storage.MemoryExtractionJob{}, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return storage.MemoryExtractionJob{}, err
	}
	j.Done = done != 0
	return j, nil
}

func scanSession(row rowScanner) (storage.ChatSession, error) {
	var s storage.ChatSession
	var id, botID, status, startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&id, &botID, &s.Title, &startedAt, &endedAt,
		&s.Totals.InputTokens, &s.Totals.OutputTokens, &s.Totals.MessageCount, &s.Model, &status); err != nil {
		return storage.ChatSession{}, err
	}
	var err error
	if s.ID, err = ids.Parse(id); err != nil {
		return storage.ChatSession{}, err
	}
	if s.BotID, err = ids.Parse(botID); err != nil {
		return storage.ChatSession{}, err
	}
	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return storage.ChatSession{}, err
	}
	if s.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return storage.ChatSession{}, err
	}
	s.Status = storage.SessionStatus(status)
	return s, nil
}

func scanMessage(row rowScanner) (storage.ChatMessage, error) {
	var m storage.ChatMessage
	var id, sessionID, role, createdAt string
	var inputTokens, outputTokens, responseMs sql.NullInt64
	if err := row.Scan(&id, &sessionID, &role, &m.Content, &createdAt, &inputTokens, &outputTokens, &m.Model, &m.StopReason, &responseMs); err != nil {
		return storage.ChatMessage{}, err
	}
	var err error
	if m.ID, err = ids.Parse(id); err != nil {
		return storage.ChatMessage{}, err
	}
	if m.SessionID, err = ids.Parse(sessionID); err != nil {
		return storage.ChatMessage{}, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return storage.ChatMessage{}, err
	}
	m.Role = storage.MessageRole(role)
	if inputTokens.Valid {
		v := int(inputTokens.Int64)
		m.InputTokens = &v
	}
	if outputTokens.Valid {
		v := int(outputTokens.Int64)
		m.OutputTokens = &v
	}
	if responseMs.Valid {
		v := int(responseMs.Int64)
		m.ResponseMs = &v
	}
	return m, nil
}

func scanMemory(row rowScanner) (storage.SessionMemory, error) {
	var m storage.SessionMemory
	var id, botID, createdAt, category string
	var sessionID, sourceMessageID, supersededBy sql.NullString
	var isManual int
	if err := row.Scan(&id, &botID, &sessionID, &m.Fact, &category, &m.Importance, &sourceMessageID, &supersededBy, &createdAt, &isManual); err != nil {
		return storage.SessionMemory{}, err
	}
	var err error
	if m.ID, err = ids.Parse(id); err != nil {
		return storage.SessionMemory{}, err
	}
	if m.BotID, err = ids.Parse(botID); err != nil {
		return storage.SessionMemory{}, err
	}
	if sessionID.Valid {
		if m.SessionID, err = ids.Parse(sessionID.String); err != nil {
			return storage.SessionMemory{}, err
		}
	}
	if sourceMessageID.Valid {
		parsed, err := ids.Parse(sourceMessageID.String)
		if err != nil {
			return storage.SessionMemory{}, err
		}
		m.SourceMessageID = &parsed
	}
	if supersededBy.Valid {
		parsed, err := ids.Parse(supersededBy.String)
		if err != nil {
			return storage.SessionMemory{}, err
		}
		m.SupersededBy = &parsed
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return storage.SessionMemory{}, err
	}
	m.Category = storage.MemoryCategory(category)
	m.IsManual = isManual != 0
	return m, nil
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableID(id *ids.ID) sql.NullString {
	if id == nil || id.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
