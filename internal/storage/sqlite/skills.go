package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
)

// SkillRepository implements storage.SkillRepository over a *Pools.
type SkillRepository struct {
	pools *Pools
}

func NewSkillRepository(pools *Pools) *SkillRepository {
	return &SkillRepository{pools: pools}
}

var _ storage.SkillRepository = (*SkillRepository)(nil)

func (r *SkillRepository) InstallSkill(ctx context.Context, s storage.InstalledSkill) error {
	capsJSON, err := json.Marshal(s.DeclaredCapabilities)
	if err != nil {
		return err
	}
	schemaJSON, err := json.Marshal(s.InputSchema)
	if err != nil {
		return err
	}
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO installed_skills (name, version, skill_type, trust_tier, declared_capabilities, module_bytes_hash, input_schema_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name, version) DO UPDATE SET
				skill_type = excluded.skill_type, trust_tier = excluded.trust_tier,
				declared_capabilities = excluded.declared_capabilities,
				module_bytes_hash = excluded.module_bytes_hash, input_schema_json = excluded.input_schema_json`,
			s.Name, s.Version, string(s.SkillType), string(s.TrustTier), string(capsJSON), s.ModuleBytesHash, string(schemaJSON))
		return translate(err, "")
	})
}

const skillSelect = `SELECT name, version, skill_type, trust_tier, declared_capabilities, module_bytes_hash, input_schema_json FROM installed_skills`

func (r *SkillRepository) GetSkill(ctx context.Context, name, version string) (storage.InstalledSkill, error) {
	var s storage.InstalledSkill
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, skillSelect+` WHERE name = ? AND version = ?`, name, version)
		var err error
		s, err = scanSkill(row)
		return err
	})
	if err != nil {
		return storage.InstalledSkill{}, translate(err, "skill not found: "+name)
	}
	return s, nil
}

func (r *SkillRepository) ListSkills(ctx context.Context) ([]storage.InstalledSkill, error) {
	var out []storage.InstalledSkill
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, skillSelect+` ORDER BY name, version`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanSkill(rows)
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

func scanSkill(row rowScanner) (storage.InstalledSkill, error) {
	var s storage.InstalledSkill
	var skillType, trustTier, capsJSON, schemaJSON string
	if err := row.Scan(&s.Name, &s.Version, &skillType, &trustTier, &capsJSON, &s.ModuleBytesHash, &schemaJSON); err != nil {
		return storage.InstalledSkill{}, err
	}
	s.SkillType = storage.SkillType(skillType)
	s.TrustTier = storage.TrustTier(trustTier)
	if err := json.Unmarshal([]byte(capsJSON), &s.DeclaredCapabilities); err != nil {
		return storage.InstalledSkill{}, err
	}
	if err := json.Unmarshal([]byte(schemaJSON), &s.InputSchema); err != nil {
		return storage.InstalledSkill{}, err
	}
	return s, nil
}

func (r *SkillRepository) SetBotSkillConfig(ctx context.Context, c storage.BotSkillConfig) error {
	capsJSON, err := json.Marshal(c.ApprovedCapabilities)
	if err != nil {
		return err
	}
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bot_skill_configs (bot_id, skill_name, enabled, approved_capabilities)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(bot_id, skill_name) DO UPDATE SET enabled = excluded.enabled, approved_capabilities = excluded.approved_capabilities`,
			c.BotID.String(), c.SkillName, boolToInt(c.Enabled), string(capsJSON))
		return translate(err, "")
	})
}

func (r *SkillRepository) GetBotSkillConfig(ctx context.Context, botID ids.ID, skillName string) (storage.BotSkillConfig, error) {
	var c storage.BotSkillConfig
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT bot_id, skill_name, enabled, approved_capabilities FROM bot_skill_configs WHERE bot_id = ? AND skill_name = ?`,
			botID.String(), skillName)
		var err error
		c, err = scanBotSkillConfig(row)
		return err
	})
	if err != nil {
		return storage.BotSkillConfig{}, translate(err, "bot skill config not found: "+skillName)
	}
	return c, nil
}

func (r *SkillRepository) ListBotSkillConfigs(ctx context.Context, botID ids.ID) ([]storage.BotSkillConfig, error) {
	var out []storage.BotSkillConfig
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT bot_id, skill_name, enabled, approved_capabilities FROM bot_skill_configs WHERE bot_id = ?`, botID.String())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanBotSkillConfig(rows)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

func scanBotSkillConfig(row rowScanner) (storage.BotSkillConfig, error) {
	var c storage.BotSkillConfig
	var botID, capsJSON string
	var enabled int
	if err := row.Scan(&botID, &c.SkillName, &enabled, &capsJSON); err != nil {
		return storage.BotSkillConfig{}, err
	}
	var err error
	if c.BotID, err = ids.Parse(botID); err != nil {
		return storage.BotSkillConfig{}, err
	}
	c.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(capsJSON), &c.ApprovedCapabilities); err != nil {
		return storage.BotSkillConfig{}, err
	}
	return c, nil
}

func (r *SkillRepository) AppendAuditEntry(ctx context.Context, e storage.SkillAuditEntry) error {
	capsJSON, err := json.Marshal(e.CapabilitiesUsed)
	if err != nil {
		return err
	}
	return r.pools.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO skill_audit_entries (invocation_id, skill_name, version, trust_tier, capabilities_used, input_hash, output_hash, fuel_consumed, memory_peak_bytes, duration_ms, success, error, timestamp, bot_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.InvocationID.String(), e.SkillName, e.Version, string(e.TrustTier), string(capsJSON), e.InputHash, e.OutputHash,
			nullableInt64(e.FuelConsumed), nullableInt64(e.MemoryPeakBytes), e.DurationMs, boolToInt(e.Success), e.Error,
			formatTime(e.Timestamp), e.BotID.String())
		return translate(err, "")
	})
}

func (r *SkillRepository) ListAuditEntries(ctx context.Context, botID ids.ID, limit int) ([]storage.SkillAuditEntry, error) {
	var out []storage.SkillAuditEntry
	err := r.pools.ReadTx(ctx, func(tx *sql.Tx) error {
		query := `
			SELECT invocation_id, skill_name, version, trust_tier, capabilities_used, input_hash, output_hash, fuel_consumed, memory_peak_bytes, duration_ms, success, error, timestamp, bot_id
			FROM skill_audit_entries WHERE bot_id = ? ORDER BY timestamp DESC`
		args := []any{botID.String()}
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanAuditEntry(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

func scanAuditEntry(row rowScanner) (storage.SkillAuditEntry, error) {
	var e storage.SkillAuditEntry
	var invocationID, trustTier, capsJSON, timestamp, botID string
	var fuelConsumed, memoryPeak sql.NullInt64
	var success int
	if err := row.Scan(&invocationID, &e.SkillName, &e.Version, &trustTier, &capsJSON, &e.InputHash, &e.OutputHash,
		&fuelConsumed, &memoryPeak, &e.DurationMs, &success, &e.Error, &timestamp, &botID); err != nil {
		return storage.SkillAuditEntry{}, err
	}
	var err error
	if e.InvocationID, err = ids.Parse(invocationID); err != nil {
		return storage.SkillAuditEntry{}, err
	}
	if e.BotID, err = ids.Parse(botID); err != nil {
		return storage.SkillAuditEntry{}, err
	}
	e.TrustTier = storage.TrustTier(trustTier)
	if err := json.Unmarshal([]byte(capsJSON), &e.CapabilitiesUsed); err != nil {
		return storage.SkillAuditEntry{}, err
	}
	if fuelConsumed.Valid {
		v := fuelConsumed.Int64
		e.FuelConsumed = &v
	}
	if memoryPeak.Valid {
		v := memoryPeak.Int64
		e.MemoryPeakBytes = &v
	}
	e.Success = success != 0
	if e.Timestamp, err = parseTime(timestamp); err != nil {
		return storage.SkillAuditEntry{}, err
	}
	return e, nil
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
