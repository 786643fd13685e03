package storage

import (
	"context"
	"fmt"

	"github.com/arcspace-ai/archon/internal/model"
)

// IncrementCalibration bumps one calibration counter for the
// (owner, step, category) aggregate. Counters are monotonic; decay
// never touches them.
func (db *DB) IncrementCalibration(ctx context.Context, owner, step, category string, kind CalibrationKind) error {
	var col string
	switch kind {
	case CalibrationFalseReject:
		col = "false_reject_count"
	case CalibrationFalseApprove:
		col = "false_approve_count"
	case CalibrationConfirmedCorrect:
		col = "confirmed_correct_count"
	default:
		return fmt.Errorf("storage: unknown calibration kind %q", kind)
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO calibration_stat (owner, step, category, `+col+`)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (owner, step, category)
		 DO UPDATE SET `+col+` = calibration_stat.`+col+` + 1, updated_at = now()`,
		owner, step, category,
	)
	if err != nil {
		return fmt.Errorf("storage: increment calibration %s: %w", kind, err)
	}
	return nil
}

// GetCalibrationStats returns the owner's calibration rows for a step.
func (db *DB) GetCalibrationStats(ctx context.Context, owner, step string) ([]model.CalibrationStat, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT owner, step, category, false_reject_count, false_approve_count, confirmed_correct_count, updated_at
		 FROM calibration_stat
		 WHERE owner = $1 AND step = $2`,
		owner, step,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get calibration stats: %w", err)
	}
	defer rows.Close()

	var out []model.CalibrationStat
	for rows.Next() {
		var s model.CalibrationStat
		if err := rows.Scan(
			&s.Owner, &s.Step, &s.Category,
			&s.FalseRejectCount, &s.FalseApproveCount, &s.ConfirmedCorrectCount, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan calibration stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
