package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"specline/internal/domain"
	"specline/internal/events"
)

// Repo is the persistence layer. Every read of project-scoped data is filtered by
// the owning user; a row owned by someone else is reported as ErrNotFound.
type Repo struct {
	DB *sql.DB
	tx *sql.Tx
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx returns a Repo whose statements run inside tx.
func (r Repo) WithTx(tx *sql.Tx) Repo {
	return Repo{DB: r.DB, tx: tx}
}

func (r Repo) q() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

// Exec exposes the current executor for event writes sharing this Repo's transaction.
func (r Repo) Exec() events.Execer {
	return r.q()
}

// EnsureUser creates the user with the given starting balance (thousandths of a credit)
// if missing and refreshes the stored email.
func (r Repo) EnsureUser(ctx context.Context, id, email string, startingCredits int64, now time.Time) (domain.User, error) {
	if id == "" {
		return domain.User{}, errors.New("user id required")
	}
	if _, err := r.q().ExecContext(ctx, `INSERT OR IGNORE INTO users(id,email,credits,created_at) VALUES (?,?,?,?)`,
		id, nullable(email), startingCredits, now.UTC().Format(time.RFC3339)); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if email != "" {
		if _, err := r.q().ExecContext(ctx, `UPDATE users SET email=? WHERE id=? AND COALESCE(email,'')<>?`, email, id, email); err != nil {
			return domain.User{}, fmt.Errorf("update user email: %w", err)
		}
	}
	return r.GetUser(ctx, id)
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var email sql.NullString
	var credits int64
	err := r.q().QueryRowContext(ctx, `SELECT id,email,credits,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &email, &credits, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Email = email.String
	u.Credits = float64(credits) / 1000
	return u, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO projects(id,user_id,title,project_type,features_json,tech_stack,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.UserID, p.Title, p.ProjectType, encodeList(p.Features), nullable(p.TechStack), p.CreatedAt)
	return err
}

const projectColumns = `id,user_id,title,project_type,features_json,COALESCE(tech_stack,''),created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (domain.Project, error) {
	var p domain.Project
	var features string
	err := row.Scan(&p.ID, &p.UserID, &p.Title, &p.ProjectType, &features, &p.TechStack, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Features = decodeList(features)
	return p, nil
}

// GetProject returns the project only when it belongs to userID.
func (r Repo) GetProject(ctx context.Context, userID, id string) (domain.Project, error) {
	return scanProject(r.q().QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=? AND user_id=?`, id, userID))
}

func (r Repo) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE user_id=? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// DeleteProject removes a project and, through cascades, everything generated for it.
func (r Repo) DeleteProject(ctx context.Context, userID, id string) error {
	res, err := r.q().ExecContext(ctx, `DELETE FROM projects WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeList(raw string) []string {
	out := []string{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	if out == nil {
		out = []string{}
	}
	return out
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
