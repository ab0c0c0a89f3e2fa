package sqlite

import (
	"context"
	"database/sql"

	"github.com/boternity/boternity/internal/storage"
)

// ProviderRepository implements storage.ProviderRepository over a *Pools.
type ProviderRepository struct {
	pools *Pools
}

func NewProviderRepository(pools *Pools) *ProviderRepository {
	return &ProviderRepository{pools: pools}
}

var _ storage.ProviderRepository = (*ProviderRepository)(nil)

func (r *ProviderRepository) UpsertProviderHealth(ctx context.Context, h storage.ProviderHealth) error {
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO provider_health (name, priority, circuit_state, consecutive_failures, last_error, last_latency_ms, total_calls, total_failures, uptime_since, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				priority = excluded.priority, circuit_state = excluded.circuit_state,
				consecutive_failures = excluded.consecutive_failures, last_error = excluded.last_error,
				last_latency_ms = excluded.last_latency_ms, total_calls = excluded.total_calls,
				total_failures = excluded.total_failures, uptime_since = excluded.uptime_since, updated_at = excluded.updated_at`,
			h.Name, h.Priority, string(h.CircuitState), h.ConsecutiveFailures, h.LastError, nullableInt64(h.LastLatencyMs),
			h.TotalCalls, h.TotalFailures, formatTimePtr(h.UptimeSince), formatTime(h.UpdatedAt))
		return translate(err, "")
	})
}

const providerSelect = `SELECT name, priority, circuit_state, consecutive_failures, last_error, last_latency_ms, total_calls, total_failures, uptime_since, updated_at FROM provider_health`

func (r *ProviderRepository) GetProviderHealth(ctx context.Context, name string) (storage.ProviderHealth, error) {
	var h storage.ProviderHealth
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, providerSelect+` WHERE name = ?`, name)
		var err error
		h, err = scanProviderHealth(row)
		return err
	})
	if err != nil {
		return storage.ProviderHealth{}, translate(err, "provider health not found: "+name)
	}
	return h, nil
}

func (r *ProviderRepository) ListProviderHealth(ctx context.Context) ([]storage.ProviderHealth, error) {
	var out []storage.ProviderHealth
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, providerSelect+` ORDER BY priority`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			h, err := scanProviderHealth(rows)
			if err != nil {
				return err
			}
			out = append(out, h)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

func scanProviderHealth(row rowScanner) (storage.ProviderHealth, error) {
	var h storage.ProviderHealth
	var circuitState, updatedAt string
	var lastLatencyMs sql.NullInt64
	var uptimeSince sql.NullString
	if err := row.Scan(&h.Name, &h.Priority, &circuitState, &h.ConsecutiveFailures, &h.LastError, &lastLatencyMs,
		&h.TotalCalls, &h.TotalFailures, &uptimeSince, &updatedAt); err != nil {
		return storage.ProviderHealth{}, err
	}
	h.CircuitState = storage.CircuitState(circuitState)
	if lastLatencyMs.Valid {
		v := lastLatencyMs.Int64
		h.LastLatencyMs = &v
	}
	var err error
	if h.UptimeSince, err = parseTimePtr(uptimeSince); err != nil {
		return storage.ProviderHealth{}, err
	}
	if h.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return storage.ProviderHealth{}, err
	}
	return h, nil
}
