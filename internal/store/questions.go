package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/skillcheck/internal/model"
)

const questionColumns = `id, org_id, text, options, answer, topic, difficulty, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row rowScanner) (model.Question, error) {
	var q model.Question
	var options string
	if err := row.Scan(&q.ID, &q.OrgID, &q.Text, &options, &q.Answer, &q.Topic, &q.Difficulty, &q.CreatedAt); err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
		return q, fmt.Errorf("decode options of question %s: %w", q.ID, err)
	}
	return q, nil
}

func collectQuestions(rows *sql.Rows) ([]model.Question, error) {
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertQuestion(ctx context.Context, e execer, orgID string, q *model.Question) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	q.OrgID = orgID
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	options, err := encodeJSON(q.Options)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx,
		`INSERT INTO questions (`+questionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.OrgID, q.Text, options, q.Answer, q.Topic, q.Difficulty, q.CreatedAt,
	)
	return duplicateOr(err, "question", q.ID)
}

// InsertQuestion validates and stores a question, assigning an id when empty.
func (s *Store) InsertQuestion(ctx context.Context, orgID string, q model.Question) (model.Question, error) {
	if err := insertQuestion(ctx, s.db, orgID, &q); err != nil {
		return model.Question{}, err
	}
	return q, nil
}

// InsertQuestions stores a batch in one transaction. Either every question is
// written or none is.
func (s *Store) InsertQuestions(ctx context.Context, orgID string, questions []model.Question) ([]model.Question, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := make([]model.Question, 0, len(questions))
	for i, q := range questions {
		if err := insertQuestion(ctx, tx, orgID, &q); err != nil {
			return nil, fmt.Errorf("question %d: %w", i+1, err)
		}
		out = append(out, q)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	slog.Info("inserted question batch", "org", orgID, "count", len(out))
	return out, nil
}

// UpdateQuestion replaces a question's content. Concurrent edits are last-write-wins.
// Stored results keep their score; they are never rescored.
func (s *Store) UpdateQuestion(ctx context.Context, orgID string, q model.Question) (model.Question, error) {
	if err := q.Validate(); err != nil {
		return model.Question{}, err
	}
	options, err := encodeJSON(q.Options)
	if err != nil {
		return model.Question{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET text = ?, options = ?, answer = ?, topic = ?, difficulty = ?
		 WHERE id = ? AND org_id = ?`,
		q.Text, options, q.Answer, q.Topic, q.Difficulty, q.ID, orgID,
	)
	if err != nil {
		return model.Question{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Question{}, notFound("question", q.ID)
	}
	return s.GetQuestion(ctx, orgID, q.ID)
}

// DeleteQuestion removes a question. Tests still referencing it resolve without it.
func (s *Store) DeleteQuestion(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE id = ? AND org_id = ?`, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("question", id)
	}
	return nil
}

// GetQuestion returns a question by id.
func (s *Store) GetQuestion(ctx context.Context, orgID, id string) (model.Question, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = ? AND org_id = ?`, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return q, notFound("question", id)
	}
	return q, err
}

// ListQuestions returns the organisation's question bank.
// Empty filter strings mean no filtering on that field.
func (s *Store) ListQuestions(ctx context.Context, orgID, topic, difficulty string) ([]model.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions WHERE org_id = ?`
	args := []any{orgID}
	if topic != "" {
		query += ` AND topic = ?`
		args = append(args, topic)
	}
	if difficulty != "" {
		query += ` AND difficulty = ?`
		args = append(args, difficulty)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectQuestions(rows)
}

// GetQuestionsByIDs resolves ids in the requested order. Missing ids are skipped.
func (s *Store) GetQuestionsByIDs(ctx context.Context, orgID string, ids []string) ([]model.Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE org_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	found, err := collectQuestions(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.Question, len(found))
	for _, q := range found {
		byID[q.ID] = q
	}
	ordered := make([]model.Question, 0, len(found))
	for _, id := range ids {
		if q, ok := byID[id]; ok {
			ordered = append(ordered, q)
		}
	}
	return ordered, nil
}

// QuestionCount returns the number of questions in the organisation's bank.
func (s *Store) QuestionCount(ctx context.Context, orgID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE org_id = ?`, orgID).Scan(&count)
	return count, err
}
