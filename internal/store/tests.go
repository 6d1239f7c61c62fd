package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/skillcheck/internal/model"
)

const testColumns = `id, org_id, name, question_ids, created_at`

func scanTest(row rowScanner) (model.TestDefinition, error) {
	var t model.TestDefinition
	var ids string
	if err := row.Scan(&t.ID, &t.OrgID, &t.Name, &ids, &t.CreatedAt); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(ids), &t.QuestionIDs); err != nil {
		return t, fmt.Errorf("decode question ids of test %s: %w", t.ID, err)
	}
	return t, nil
}

// CreateTest validates and stores a test definition. Every referenced question
// must exist in the organisation's bank at creation time.
func (s *Store) CreateTest(ctx context.Context, orgID string, t model.TestDefinition) (model.TestDefinition, error) {
	if err := t.Validate(); err != nil {
		return model.TestDefinition{}, err
	}
	if err := s.checkQuestionsExist(ctx, orgID, t.QuestionIDs); err != nil {
		return model.TestDefinition{}, err
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.OrgID = orgID
	t.CreatedAt = time.Now().UTC()
	ids, err := encodeJSON(t.QuestionIDs)
	if err != nil {
		return model.TestDefinition{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tests (`+testColumns+`) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.OrgID, t.Name, ids, t.CreatedAt,
	)
	if err != nil {
		return model.TestDefinition{}, err
	}
	return t, nil
}

// UpdateTest replaces the name and question list of an existing test.
func (s *Store) UpdateTest(ctx context.Context, orgID string, t model.TestDefinition) (model.TestDefinition, error) {
	if err := t.Validate(); err != nil {
		return model.TestDefinition{}, err
	}
	if err := s.checkQuestionsExist(ctx, orgID, t.QuestionIDs); err != nil {
		return model.TestDefinition{}, err
	}
	ids, err := encodeJSON(t.QuestionIDs)
	if err != nil {
		return model.TestDefinition{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tests SET name = ?, question_ids = ? WHERE id = ? AND org_id = ?`,
		t.Name, ids, t.ID, orgID,
	)
	if err != nil {
		return model.TestDefinition{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.TestDefinition{}, notFound("test", t.ID)
	}
	return s.GetTest(ctx, orgID, t.ID)
}

func (s *Store) checkQuestionsExist(ctx context.Context, orgID string, ids []string) error {
	found, err := s.GetQuestionsByIDs(ctx, orgID, ids)
	if err != nil {
		return err
	}
	if len(found) == len(ids) {
		return nil
	}
	have := make(map[string]bool, len(found))
	for _, q := range found {
		have[q.ID] = true
	}
	for _, id := range ids {
		if !have[id] {
			return fmt.Errorf("%w: question %s does not exist", model.ErrValidation, id)
		}
	}
	return nil
}

// GetTest returns a test definition by id.
func (s *Store) GetTest(ctx context.Context, orgID, id string) (model.TestDefinition, error) {
	t, err := scanTest(s.db.QueryRowContext(ctx,
		`SELECT `+testColumns+` FROM tests WHERE id = ? AND org_id = ?`, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return t, notFound("test", id)
	}
	return t, err
}

// ListTests returns the organisation's tests, newest first.
func (s *Store) ListTests(ctx context.Context, orgID string) ([]model.TestDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+testColumns+` FROM tests WHERE org_id = ? ORDER BY created_at DESC, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tests []model.TestDefinition
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// DeleteTest removes a test definition. Results of past attempts are kept.
func (s *Store) DeleteTest(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tests WHERE id = ? AND org_id = ?`, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("test", id)
	}
	return nil
}
