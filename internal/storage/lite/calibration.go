package lite

import (
	"context"
	"fmt"
	"time"

	"github.com/arcspace-ai/archon/internal/model"
	"github.com/arcspace-ai/archon/internal/storage"
)

// IncrementCalibration bumps one monotonic calibration counter.
func (s *Store) IncrementCalibration(ctx context.Context, owner, step, category string, kind storage.CalibrationKind) error {
	var col string
	switch kind {
	case storage.CalibrationFalseReject:
		col = "false_reject_count"
	case storage.CalibrationFalseApprove:
		col = "false_approve_count"
	case storage.CalibrationConfirmedCorrect:
		col = "confirmed_correct_count"
	default:
		return fmt.Errorf("lite: unknown calibration kind %q", kind)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calibration_stat (owner, step, category, `+col+`, updated_at)
		 VALUES (?1, ?2, ?3, 1, ?4)
		 ON CONFLICT (owner, step, category)
		 DO UPDATE SET `+col+` = `+col+` + 1, updated_at = ?4`,
		owner, step, category, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("lite: increment calibration %s: %w", kind, err)
	}
	return nil
}

// GetCalibrationStats returns the owner's calibration rows for a step.
func (s *Store) GetCalibrationStats(ctx context.Context, owner, step string) ([]model.CalibrationStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner, step, category, false_reject_count, false_approve_count, confirmed_correct_count, updated_at
		 FROM calibration_stat
		 WHERE owner = ?1 AND step = ?2`,
		owner, step,
	)
	if err != nil {
		return nil, fmt.Errorf("lite: get calibration stats: %w", err)
	}
	defer rows.Close()

	var out []model.CalibrationStat
	for rows.Next() {
		var st model.CalibrationStat
		if err := rows.Scan(
			&st.Owner, &st.Step, &st.Category,
			&st.FalseRejectCount, &st.FalseApproveCount, &st.ConfirmedCorrectCount, &st.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("lite: scan calibration stat: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
