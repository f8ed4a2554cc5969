// Package store persists interview metadata: questions, interviews and the
// event log recorded during a session. It backs onto SQLite by default and
// onto PostgreSQL when given a postgres:// DSN.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid record")
)

// Interview statuses.
const (
	StatusScheduled = "scheduled"
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Event types.
const (
	EventEdit = "edit"
	EventRun  = "run"
)

// Question is an interview problem with its starter code.
type Question struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	BoilerplateCode string    `json:"boilerplateCode"`
	Difficulty      string    `json:"difficulty"`
	Category        string    `json:"category"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Interview is one session. Its id doubles as the relay room id.
type Interview struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	QuestionID string     `json:"questionId,omitempty"`
	Status     string     `json:"status"`
	Code       string     `json:"code"`
	Notes      string     `json:"notes"`
	CreatedAt  time.Time  `json:"createdAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// Event is a timestamped entry in an interview's activity log.
type Event struct {
	ID          int64  `json:"id"`
	InterviewID string `json:"interviewId"`
	Timestamp   int64  `json:"timestamp"`
	UserName    string `json:"userName"`
	Type        string `json:"type"`
	Content     string `json:"content"`
}

// row and rows are the scanning surface shared by database/sql and pgx.
type row interface {
	Scan(dest ...any) error
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// querier runs SQL written with ? placeholders. Implementations map their
// driver's no-rows error onto ErrNotFound.
type querier interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) row
	query(ctx context.Context, query string, args ...any) (rows, func(), error)
	close() error
}

// Store is the metadata store.
type Store struct {
	q   querier
	now func() time.Time
}

// Open connects to dsn and applies migrations. A postgres:// or
// postgresql:// DSN selects PostgreSQL; anything else is a SQLite path.
func Open(ctx context.Context, dsn string) (*Store, error) {
	var (
		q   querier
		err error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		q, err = openPostgres(ctx, dsn)
	} else {
		q, err = openSQLite(ctx, dsn)
	}
	if err != nil {
		return nil, err
	}
	return &Store{q: q, now: time.Now}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.q == nil {
		return nil
	}
	return s.q.close()
}

func (s *Store) CreateQuestion(ctx context.Context, q Question) (Question, error) {
	if strings.TrimSpace(q.Title) == "" {
		return Question{}, fmt.Errorf("%w: question title is required", ErrInvalid)
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.Difficulty == "" {
		q.Difficulty = "medium"
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.now()
	}
	_, err := s.q.exec(ctx, `
INSERT INTO questions(id, title, description, boilerplate_code, difficulty, category, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Title, q.Description, q.BoilerplateCode, q.Difficulty, q.Category, ms(q.CreatedAt))
	if err != nil {
		return Question{}, fmt.Errorf("insert question: %w", err)
	}
	return q, nil
}

func (s *Store) GetQuestion(ctx context.Context, id string) (Question, error) {
	var (
		q       Question
		created int64
	)
	err := s.q.queryRow(ctx, `
SELECT id, title, description, boilerplate_code, difficulty, category, created_at
FROM questions WHERE id = ?`, id).
		Scan(&q.ID, &q.Title, &q.Description, &q.BoilerplateCode, &q.Difficulty, &q.Category, &created)
	if err != nil {
		return Question{}, fmt.Errorf("get question %s: %w", id, err)
	}
	q.CreatedAt = fromMS(created)
	return q, nil
}

// CountQuestions returns the number of stored questions.
func (s *Store) CountQuestions(ctx context.Context) (int, error) {
	var n int64
	if err := s.q.queryRow(ctx, `SELECT COUNT(*) FROM questions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return int(n), nil
}

func (s *Store) CreateInterview(ctx context.Context, iv Interview) (Interview, error) {
	if iv.ID == "" {
		iv.ID = uuid.NewString()
	}
	if iv.Status == "" {
		iv.Status = StatusScheduled
	}
	if iv.CreatedAt.IsZero() {
		iv.CreatedAt = s.now()
	}
	var question any
	if iv.QuestionID != "" {
		question = iv.QuestionID
	}
	_, err := s.q.exec(ctx, `
INSERT INTO interviews(id, title, question_id, status, code, notes, created_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		iv.ID, iv.Title, question, iv.Status, iv.Code, iv.Notes, ms(iv.CreatedAt), nullableMS(iv.EndedAt))
	if err != nil {
		return Interview{}, fmt.Errorf("insert interview: %w", err)
	}
	return iv, nil
}

func (s *Store) GetInterview(ctx context.Context, id string) (Interview, error) {
	var (
		iv       Interview
		question *string
		created  int64
		ended    *int64
	)
	err := s.q.queryRow(ctx, `
SELECT id, title, question_id, status, code, notes, created_at, ended_at
FROM interviews WHERE id = ?`, id).
		Scan(&iv.ID, &iv.Title, &question, &iv.Status, &iv.Code, &iv.Notes, &created, &ended)
	if err != nil {
		return Interview{}, fmt.Errorf("get interview %s: %w", id, err)
	}
	if question != nil {
		iv.QuestionID = *question
	}
	iv.CreatedAt = fromMS(created)
	if ended != nil {
		t := fromMS(*ended)
		iv.EndedAt = &t
	}
	return iv, nil
}

// Boilerplate returns the starter code of the question attached to the
// interview, or "" when no question is attached.
func (s *Store) Boilerplate(ctx context.Context, interviewID string) (string, error) {
	iv, err := s.GetInterview(ctx, interviewID)
	if err != nil {
		return "", err
	}
	if iv.QuestionID == "" {
		return "", nil
	}
	q, err := s.GetQuestion(ctx, iv.QuestionID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return q.BoilerplateCode, nil
}

// MarkActive moves a scheduled interview to active. Other states are left
// alone.
func (s *Store) MarkActive(ctx context.Context, id string) error {
	_, err := s.q.exec(ctx, `UPDATE interviews SET status = ? WHERE id = ? AND status = ?`,
		StatusActive, id, StatusScheduled)
	if err != nil {
		return fmt.Errorf("activate interview %s: %w", id, err)
	}
	return nil
}

// EndInterview marks the interview completed. An empty finalCode keeps the
// stored code.
func (s *Store) EndInterview(ctx context.Context, id, finalCode string) (Interview, error) {
	n, err := s.q.exec(ctx, `
UPDATE interviews
SET status = ?, ended_at = ?, code = CASE WHEN ? = '' THEN code ELSE ? END
WHERE id = ?`,
		StatusCompleted, ms(s.now()), finalCode, finalCode, id)
	if err != nil {
		return Interview{}, fmt.Errorf("end interview %s: %w", id, err)
	}
	if n == 0 {
		return Interview{}, fmt.Errorf("end interview %s: %w", id, ErrNotFound)
	}
	return s.GetInterview(ctx, id)
}

func (s *Store) SaveNotes(ctx context.Context, id, notes string) error {
	n, err := s.q.exec(ctx, `UPDATE interviews SET notes = ? WHERE id = ?`, notes, id)
	if err != nil {
		return fmt.Errorf("save notes %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("save notes %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendEvents records events for an interview and returns how many were
// saved.
func (s *Store) AppendEvents(ctx context.Context, interviewID string, events []Event) (int, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("%w: no events", ErrInvalid)
	}
	saved := 0
	for _, e := range events {
		if e.Type == "" {
			e.Type = EventEdit
		}
		if e.Timestamp == 0 {
			e.Timestamp = ms(s.now())
		}
		_, err := s.q.exec(ctx, `
INSERT INTO interview_events(interview_id, ts, user_name, type, content)
VALUES (?, ?, ?, ?, ?)`,
			interviewID, e.Timestamp, e.UserName, e.Type, e.Content)
		if err != nil {
			return saved, fmt.Errorf("insert event: %w", err)
		}
		saved++
	}
	return saved, nil
}

// Events returns an interview's events oldest first.
func (s *Store) Events(ctx context.Context, interviewID string) ([]Event, error) {
	rs, done, err := s.q.query(ctx, `
SELECT id, interview_id, ts, user_name, type, content
FROM interview_events WHERE interview_id = ?
ORDER BY ts ASC, id ASC`, interviewID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer done()

	var out []Event
	for rs.Next() {
		var e Event
		if err := rs.Scan(&e.ID, &e.InterviewID, &e.Timestamp, &e.UserName, &e.Type, &e.Content); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

// SeedQuestions inserts qs when the store holds no questions yet.
func (s *Store) SeedQuestions(ctx context.Context, qs []Question) (int, error) {
	n, err := s.CountQuestions(ctx)
	if err != nil || n > 0 {
		return 0, err
	}
	for i, q := range qs {
		if _, err := s.CreateQuestion(ctx, q); err != nil {
			return i, err
		}
	}
	return len(qs), nil
}

// DefaultQuestions is the starter question bank.
var DefaultQuestions = []Question{
	{
		Title:           "Two Sum",
		Description:     "Given an array of integers `nums` and an integer `target`, return indices of the two numbers such that they add up to `target`.",
		BoilerplateCode: "def two_sum(nums: list[int], target: int) -> list[int]:\n    # Your code here\n    pass\n\n# Test\nprint(two_sum([2, 7, 11, 15], 9))",
		Difficulty:      "easy",
		Category:        "Arrays",
	},
	{
		Title:           "Fibonacci Sequence",
		Description:     "Write a function that returns the nth number in the Fibonacci sequence. The sequence starts with 0, 1, 1, 2, 3, 5, 8, ...",
		BoilerplateCode: "def fibonacci(n: int) -> int:\n    # Your code here\n    pass\n\n# Test\nfor i in range(10):\n    print(f'F({i}) = {fibonacci(i)}')",
		Difficulty:      "easy",
		Category:        "Recursion",
	},
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func nullableMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ms(*t)
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
