// Package sqlstore keeps turns, student profiles and named configuration
// values in a local SQLite database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"homework-tutor/internal/domain"
)

// timeLayout is fixed width so created_at orders correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS students (
	id INTEGER PRIMARY KEY,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS conditions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS student_conditions (
	student_id INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
	condition_id INTEGER NOT NULL REFERENCES conditions(id),
	position INTEGER NOT NULL DEFAULT 0,
	comments TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (student_id, condition_id)
);

CREATE TABLE IF NOT EXISTS homework_items (
	id INTEGER PRIMARY KEY,
	title TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS parameters (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	student_id INTEGER NOT NULL REFERENCES students(id),
	homework_item_id INTEGER NOT NULL REFERENCES homework_items(id),
	session_id TEXT NOT NULL DEFAULT '',
	prompt_text TEXT NOT NULL,
	response_text TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session
	ON turns(student_id, homework_item_id, session_id, created_at, id);
`

type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the SQLite database at path, ensuring that the
// parent directory exists.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlstore: create db directory %s: %w", dir, err)
	}
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

type turnRow struct {
	ID             int64          `db:"id"`
	StudentID      int64          `db:"student_id"`
	HomeworkItemID int64          `db:"homework_item_id"`
	SessionID      string         `db:"session_id"`
	PromptText     string         `db:"prompt_text"`
	ResponseText   sql.NullString `db:"response_text"`
	CreatedAt      string         `db:"created_at"`
}

func (r turnRow) toDomain() (domain.Turn, error) {
	created, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("parse created_at of turn %d: %w", r.ID, err)
	}
	t := domain.Turn{
		ID:             r.ID,
		StudentID:      r.StudentID,
		HomeworkItemID: r.HomeworkItemID,
		SessionID:      r.SessionID,
		PromptText:     r.PromptText,
		CreatedAt:      created.UTC(),
	}
	if r.ResponseText.Valid {
		resp := r.ResponseText.String
		t.ResponseText = &resp
	}
	return t, nil
}

const turnColumns = `id, student_id, homework_item_id, session_id, prompt_text, response_text, created_at`

func (s *Store) CreateTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	turn.CreatedAt = turn.CreatedAt.UTC()
	turn.ResponseText = nil

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (student_id, homework_item_id, session_id, prompt_text, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.StudentID, turn.HomeworkItemID, turn.SessionID, turn.PromptText, turn.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("sqlstore: create turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Turn{}, fmt.Errorf("sqlstore: create turn id: %w", err)
	}
	turn.ID = id
	return turn, nil
}

// CompleteTurn writes the response of a turn whose response is still unset.
func (s *Store) CompleteTurn(ctx context.Context, turn domain.Turn, responseText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET response_text = ? WHERE id = ? AND response_text IS NULL`,
		responseText, turn.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: complete turn %d: %w", turn.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: complete turn %d: %w", turn.ID, err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM turns WHERE id = ?)`, turn.ID); err != nil {
		return fmt.Errorf("sqlstore: complete turn %d: %w", turn.ID, err)
	}
	if !exists {
		return fmt.Errorf("sqlstore: turn %d: %w", turn.ID, domain.ErrNotFound)
	}
	return fmt.Errorf("sqlstore: turn %d: %w", turn.ID, domain.ErrResponseAlreadySet)
}

func (s *Store) ListSessionTurns(ctx context.Context, key domain.SessionKey) ([]domain.Turn, error) {
	var rows []turnRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+turnColumns+` FROM turns
		WHERE student_id = ? AND homework_item_id = ? AND session_id = ?
		ORDER BY created_at, id`,
		key.StudentID, key.HomeworkItemID, key.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list session turns: %w", err)
	}
	return toTurns(rows)
}

func (s *Store) ListStudentTurns(ctx context.Context, studentID int64, homeworkItemID *int64) ([]domain.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE student_id = ?`
	args := []interface{}{studentID}
	if homeworkItemID != nil {
		query += ` AND homework_item_id = ?`
		args = append(args, *homeworkItemID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	var rows []turnRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("sqlstore: list student turns: %w", err)
	}
	return toTurns(rows)
}

func toTurns(rows []turnRow) ([]domain.Turn, error) {
	turns := make([]domain.Turn, 0, len(rows))
	for _, r := range rows {
		t, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

type studentRow struct {
	ID        int64  `db:"id"`
	FirstName string `db:"first_name"`
	LastName  string `db:"last_name"`
	Details   string `db:"details"`
}

type conditionRow struct {
	Name     string `db:"name"`
	Comments string `db:"comments"`
}

func (s *Store) GetStudentProfile(ctx context.Context, studentID int64) (domain.StudentProfile, error) {
	var st studentRow
	err := s.db.GetContext(ctx, &st, `SELECT id, first_name, last_name, details FROM students WHERE id = ?`, studentID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StudentProfile{}, fmt.Errorf("sqlstore: student %d: %w", studentID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.StudentProfile{}, fmt.Errorf("sqlstore: get student %d: %w", studentID, err)
	}

	var conds []conditionRow
	err = s.db.SelectContext(ctx, &conds,
		`SELECT c.name, sc.comments FROM student_conditions sc
		JOIN conditions c ON c.id = sc.condition_id
		WHERE sc.student_id = ?
		ORDER BY sc.position, c.id`,
		studentID,
	)
	if err != nil {
		return domain.StudentProfile{}, fmt.Errorf("sqlstore: get conditions of student %d: %w", studentID, err)
	}

	p := domain.StudentProfile{ID: st.ID, FirstName: st.FirstName, LastName: st.LastName, Details: st.Details}
	for _, c := range conds {
		p.Conditions = append(p.Conditions, domain.Condition{Name: c.Name, Comments: c.Comments})
	}
	return p, nil
}

func (s *Store) HomeworkItemExists(ctx context.Context, homeworkItemID int64) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM homework_items WHERE id = ?)`, homeworkItemID); err != nil {
		return false, fmt.Errorf("sqlstore: homework item %d: %w", homeworkItemID, err)
	}
	return exists, nil
}

// Lookup returns a named configuration value from the parameters table.
func (s *Store) Lookup(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM parameters WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlstore: lookup %q: %w", name, err)
	}
	return v, true, nil
}

// PutStudentProfile replaces a student and their ordered conditions.
func (s *Store) PutStudentProfile(ctx context.Context, p domain.StudentProfile) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: put student: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO students (id, first_name, last_name, details) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET first_name = excluded.first_name, last_name = excluded.last_name, details = excluded.details`,
		p.ID, p.FirstName, p.LastName, p.Details,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: put student %d: %w", p.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM student_conditions WHERE student_id = ?`, p.ID); err != nil {
		return fmt.Errorf("sqlstore: reset conditions of student %d: %w", p.ID, err)
	}
	for i, c := range p.Conditions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO conditions (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, c.Name); err != nil {
			return fmt.Errorf("sqlstore: put condition %q: %w", c.Name, err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO student_conditions (student_id, condition_id, position, comments)
			SELECT ?, id, ?, ? FROM conditions WHERE name = ?`,
			p.ID, i, c.Comments, c.Name,
		)
		if err != nil {
			return fmt.Errorf("sqlstore: link condition %q: %w", c.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: put student %d: %w", p.ID, err)
	}
	return nil
}

func (s *Store) PutHomeworkItem(ctx context.Context, homeworkItemID int64, title string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO homework_items (id, title) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET title = excluded.title`,
		homeworkItemID, title,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: put homework item %d: %w", homeworkItemID, err)
	}
	return nil
}

func (s *Store) PutParameter(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO parameters (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		name, value,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: put parameter %q: %w", name, err)
	}
	return nil
}
