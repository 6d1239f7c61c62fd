package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pavelanni/skillcheck/internal/model"
)

const resultColumns = `id, org_id, test_id, test_name, user_id, user_name, score, total_questions,
	percentage, unresolved, answers, topic_scores, timestamp, ai_feedback, manager_feedback,
	is_shared, version`

func scanResult(row rowScanner) (model.ResultRecord, error) {
	var r model.ResultRecord
	var answers, topics string
	err := row.Scan(&r.ID, &r.OrgID, &r.TestID, &r.TestName, &r.UserID, &r.UserName, &r.Score,
		&r.TotalQuestions, &r.Percentage, &r.Unresolved, &answers, &topics, &r.Timestamp,
		&r.AIFeedback, &r.ManagerFeedback, &r.IsShared, &r.Version)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(answers), &r.Answers); err != nil {
		return r, fmt.Errorf("decode answers of result %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(topics), &r.TopicScores); err != nil {
		return r, fmt.Errorf("decode topic scores of result %s: %w", r.ID, err)
	}
	return r, nil
}

func (s *Store) queryResults(ctx context.Context, query string, args ...any) ([]model.ResultRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.ResultRecord
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// InsertResult writes a new result record. Records are insert-once: an existing
// id is an error, never a merge.
func (s *Store) InsertResult(ctx context.Context, r model.ResultRecord) error {
	if r.ID == "" || r.OrgID == "" {
		return fmt.Errorf("%w: result needs id and organisation", model.ErrValidation)
	}
	answers, err := encodeJSON(r.Answers)
	if err != nil {
		return err
	}
	topics := r.TopicScores
	if topics == nil {
		topics = map[string]int{}
	}
	topicsJSON, err := encodeJSON(topics)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (`+resultColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		r.ID, r.OrgID, r.TestID, r.TestName, r.UserID, r.UserName, r.Score, r.TotalQuestions,
		r.Percentage, r.Unresolved, answers, topicsJSON, r.Timestamp, r.AIFeedback,
		r.ManagerFeedback, r.IsShared,
	)
	return duplicateOr(err, "result", r.ID)
}

// GetResult returns a result by id.
func (s *Store) GetResult(ctx context.Context, orgID, id string) (model.ResultRecord, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM results WHERE id = ? AND org_id = ?`, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return r, notFound("result", id)
	}
	return r, err
}

// ListResults returns every result in the organisation, newest first.
func (s *Store) ListResults(ctx context.Context, orgID string) ([]model.ResultRecord, error) {
	return s.queryResults(ctx,
		`SELECT `+resultColumns+` FROM results WHERE org_id = ? ORDER BY timestamp DESC, id`, orgID)
}

// ListSharedResults returns the candidate-facing view: shared results for one user name.
func (s *Store) ListSharedResults(ctx context.Context, orgID, userName string) ([]model.ResultRecord, error) {
	return s.queryResults(ctx,
		`SELECT `+resultColumns+` FROM results
		 WHERE org_id = ? AND user_name = ? AND is_shared = 1
		 ORDER BY timestamp DESC, id`, orgID, userName)
}

// SetAIFeedback overwrites the generated commentary on a result.
func (s *Store) SetAIFeedback(ctx context.Context, orgID, id, feedback string) (model.ResultRecord, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE results SET ai_feedback = ?, version = version + 1 WHERE id = ? AND org_id = ?`,
		feedback, id, orgID,
	)
	if err != nil {
		return model.ResultRecord{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ResultRecord{}, notFound("result", id)
	}
	return s.GetResult(ctx, orgID, id)
}

// SetSharing sets the sharing flag and manager feedback.
// With ifVersion == 0 the write is unconditional (last write wins); otherwise it
// only applies when the stored version still equals ifVersion.
func (s *Store) SetSharing(ctx context.Context, orgID, id string, shared bool, managerFeedback string, ifVersion int) (model.ResultRecord, error) {
	query := `UPDATE results SET is_shared = ?, manager_feedback = ?, version = version + 1
		WHERE id = ? AND org_id = ?`
	args := []any{shared, managerFeedback, id, orgID}
	if ifVersion > 0 {
		query += ` AND version = ?`
		args = append(args, ifVersion)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return model.ResultRecord{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.GetResult(ctx, orgID, id)
		if err != nil {
			return model.ResultRecord{}, err
		}
		return current, fmt.Errorf("result %s at version %d, expected %d: %w", id, current.Version, ifVersion, ErrVersionConflict)
	}
	return s.GetResult(ctx, orgID, id)
}

// DeleteResult removes a result record.
func (s *Store) DeleteResult(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE id = ? AND org_id = ?`, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("result", id)
	}
	return nil
}
