package streams

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/FlowingSPDG/stream-monitor/db"
)

// LoadSetting decodes the JSON document stored under name into v. It reports
// false, leaving v untouched, when nothing is stored.
func (r *Repository) LoadSetting(ctx context.Context, name string, v any) (bool, error) {
	var data string
	err := r.store.WithConn(ctx, func(q db.Querier) error {
		return q.QueryRowContext(ctx, `SELECT data FROM app_settings WHERE name = ?`, name).Scan(&data)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load setting %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", name, err)
	}
	return true, nil
}

// SaveSetting stores v as JSON under name, replacing any previous value.
func (r *Repository) SaveSetting(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", name, err)
	}
	err = r.store.WithTx(ctx, func(q db.Querier) error {
		now := dbTime(r.now())
		res, err := q.ExecContext(ctx, `UPDATE app_settings SET data = ?, updated_at = ? WHERE name = ?`, string(data), now, name)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n > 0 {
			return err
		}
		_, err = q.ExecContext(ctx, `INSERT INTO app_settings (name, data, updated_at) VALUES (?, ?, ?)`, name, string(data), now)
		return err
	})
	if err != nil {
		return fmt.Errorf("save setting %s: %w", name, err)
	}
	return nil
}
