// Package postgres keeps turns, student profiles and named configuration
// values in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"homework-tutor/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS students (
	id BIGINT PRIMARY KEY,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS conditions (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS student_conditions (
	student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
	condition_id BIGINT NOT NULL REFERENCES conditions(id),
	position INT NOT NULL DEFAULT 0,
	comments TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (student_id, condition_id)
);

CREATE TABLE IF NOT EXISTS homework_items (
	id BIGINT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS parameters (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	id BIGSERIAL PRIMARY KEY,
	student_id BIGINT NOT NULL REFERENCES students(id),
	homework_item_id BIGINT NOT NULL REFERENCES homework_items(id),
	session_id TEXT NOT NULL DEFAULT '',
	prompt_text TEXT NOT NULL,
	response_text TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session
	ON turns(student_id, homework_item_id, session_id, created_at, id);
`

// Store implements the turn, student and configuration stores on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("postgres: pool must not be nil")
	}
	return &Store{pool: pool}, nil
}

// CreateConnectionPool parses databaseURL, opens a pool and pings it.
func CreateConnectionPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse connection string: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// IsPgNoRowsError checks if error is a "no rows" error
func IsPgNoRowsError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsPgForeignKeyError checks if error is a foreign key violation
func IsPgForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23503 = foreign_key_violation
		return pgErr.Code == "23503"
	}
	return false
}

type turnRow struct {
	ID             int64     `db:"id"`
	StudentID      int64     `db:"student_id"`
	HomeworkItemID int64     `db:"homework_item_id"`
	SessionID      string    `db:"session_id"`
	PromptText     string    `db:"prompt_text"`
	ResponseText   *string   `db:"response_text"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r turnRow) toDomain() domain.Turn {
	return domain.Turn{
		ID:             r.ID,
		StudentID:      r.StudentID,
		HomeworkItemID: r.HomeworkItemID,
		SessionID:      r.SessionID,
		PromptText:     r.PromptText,
		ResponseText:   r.ResponseText,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

const turnColumns = `id, student_id, homework_item_id, session_id, prompt_text, response_text, created_at`

func (s *Store) CreateTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	turn.ResponseText = nil

	err := s.pool.QueryRow(ctx, `
		INSERT INTO turns (student_id, homework_item_id, session_id, prompt_text, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, turn.StudentID, turn.HomeworkItemID, turn.SessionID, turn.PromptText, turn.CreatedAt.UTC(),
	).Scan(&turn.ID, &turn.CreatedAt)
	if err != nil {
		if IsPgForeignKeyError(err) {
			return domain.Turn{}, fmt.Errorf("postgres: create turn: %w", domain.ErrNotFound)
		}
		return domain.Turn{}, fmt.Errorf("postgres: create turn: %w", err)
	}
	turn.CreatedAt = turn.CreatedAt.UTC()
	return turn, nil
}

// CompleteTurn writes the response of a turn whose response is still unset.
func (s *Store) CompleteTurn(ctx context.Context, turn domain.Turn, responseText string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE turns SET response_text = $1 WHERE id = $2 AND response_text IS NULL`,
		responseText, turn.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: complete turn %d: %w", turn.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM turns WHERE id = $1)`, turn.ID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: complete turn %d: %w", turn.ID, err)
	}
	if !exists {
		return fmt.Errorf("postgres: turn %d: %w", turn.ID, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: turn %d: %w", turn.ID, domain.ErrResponseAlreadySet)
}

func (s *Store) ListSessionTurns(ctx context.Context, key domain.SessionKey) ([]domain.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+turnColumns+` FROM turns
		WHERE student_id = $1 AND homework_item_id = $2 AND session_id = $3
		ORDER BY created_at, id
	`, key.StudentID, key.HomeworkItemID, key.SessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list session turns: %w", err)
	}
	return collectTurns(rows, "list session turns")
}

func (s *Store) ListStudentTurns(ctx context.Context, studentID int64, homeworkItemID *int64) ([]domain.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+turnColumns+` FROM turns
		WHERE student_id = $1 AND ($2::BIGINT IS NULL OR homework_item_id = $2)
		ORDER BY created_at DESC, id DESC
	`, studentID, homeworkItemID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list student turns: %w", err)
	}
	return collectTurns(rows, "list student turns")
}

func collectTurns(rows pgx.Rows, op string) ([]domain.Turn, error) {
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[turnRow])
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	turns := make([]domain.Turn, 0, len(collected))
	for _, r := range collected {
		turns = append(turns, r.toDomain())
	}
	return turns, nil
}

func (s *Store) GetStudentProfile(ctx context.Context, studentID int64) (domain.StudentProfile, error) {
	p := domain.StudentProfile{ID: studentID}
	err := s.pool.QueryRow(ctx,
		`SELECT first_name, last_name, details FROM students WHERE id = $1`, studentID,
	).Scan(&p.FirstName, &p.LastName, &p.Details)
	if IsPgNoRowsError(err) {
		return domain.StudentProfile{}, fmt.Errorf("postgres: student %d: %w", studentID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.StudentProfile{}, fmt.Errorf("postgres: get student %d: %w", studentID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT c.name, sc.comments FROM student_conditions sc
		JOIN conditions c ON c.id = sc.condition_id
		WHERE sc.student_id = $1
		ORDER BY sc.position, c.id
	`, studentID)
	if err != nil {
		return domain.StudentProfile{}, fmt.Errorf("postgres: get conditions of student %d: %w", studentID, err)
	}
	conds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Condition, error) {
		var c domain.Condition
		err := row.Scan(&c.Name, &c.Comments)
		return c, err
	})
	if err != nil {
		return domain.StudentProfile{}, fmt.Errorf("postgres: scan conditions of student %d: %w", studentID, err)
	}
	if len(conds) > 0 {
		p.Conditions = conds
	}
	return p, nil
}

func (s *Store) HomeworkItemExists(ctx context.Context, homeworkItemID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM homework_items WHERE id = $1)`, homeworkItemID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: homework item %d: %w", homeworkItemID, err)
	}
	return exists, nil
}

// Lookup returns a named configuration value from the parameters table.
func (s *Store) Lookup(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM parameters WHERE name = $1`, name).Scan(&v)
	if IsPgNoRowsError(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres: lookup %q: %w", name, err)
	}
	return v, true, nil
}

// PutStudentProfile replaces a student and their ordered conditions.
func (s *Store) PutStudentProfile(ctx context.Context, p domain.StudentProfile) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO students (id, first_name, last_name, details) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name, details = EXCLUDED.details
		`, p.ID, p.FirstName, p.LastName, p.Details)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM student_conditions WHERE student_id = $1`, p.ID); err != nil {
			return err
		}
		for i, c := range p.Conditions {
			if _, err := tx.Exec(ctx, `INSERT INTO conditions (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, c.Name); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO student_conditions (student_id, condition_id, position, comments)
				SELECT $1, id, $2, $3 FROM conditions WHERE name = $4
			`, p.ID, i, c.Comments, c.Name)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: put student %d: %w", p.ID, err)
	}
	return nil
}

func (s *Store) PutHomeworkItem(ctx context.Context, homeworkItemID int64, title string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO homework_items (id, title) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title`,
		homeworkItemID, title,
	)
	if err != nil {
		return fmt.Errorf("postgres: put homework item %d: %w", homeworkItemID, err)
	}
	return nil
}

func (s *Store) PutParameter(ctx context.Context, name, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO parameters (name, value) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`,
		name, value,
	)
	if err != nil {
		return fmt.Errorf("postgres: put parameter %q: %w", name, err)
	}
	return nil
}
