package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

var (
	ErrNotFound  = errors.New("user not found")
	ErrDuplicate = errors.New("username or email already taken")
)

// uniqueViolation is the postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const selectUser = `SELECT id, username, email, fullname, password_hash,
		COALESCE(refresh_token, '') AS refresh_token, created_at, updated_at
	FROM users`

// UserRepo provides data access for users table using sqlx.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{db: db} }

func (r *UserRepo) get(ctx context.Context, q string, args ...any) (*entity.User, error) {
	var u entity.User
	if err := r.db.GetContext(ctx, &u, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query users: %w", err)
	}
	return &u, nil
}

// FindByUsernameOrEmail returns the first user holding either key, so one
// lookup answers both uniqueness questions.
func (r *UserRepo) FindByUsernameOrEmail(ctx context.Context, username, email string) (*entity.User, error) {
	return r.get(ctx, selectUser+` WHERE username=$1 OR email=$2 LIMIT 1`, username, email)
}

func (r *UserRepo) FindByID(ctx context.Context, id string) (*entity.User, error) {
	return r.get(ctx, selectUser+` WHERE id=$1`, id)
}

func (r *UserRepo) FindByEmail(ctx context.Context, email string) (*entity.User, error) {
	return r.get(ctx, selectUser+` WHERE email=$1`, email)
}

// Create inserts u, assigning a snowflake id when u.ID is empty. The
// timestamps come back from the database.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) (*entity.User, error) {
	const q = `INSERT INTO users (id, username, email, fullname, password_hash)
		VALUES (:id, :username, :email, :fullname, :password_hash)
		RETURNING created_at, updated_at`
	created := *u
	if created.ID == "" {
		created.ID = utilities.NewSnowflakeID()
	}
	created.RefreshToken = ""

	rows, err := r.db.NamedQueryContext(ctx, q, &created)
	if err != nil {
		return nil, mapWriteErr(err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, mapWriteErr(err)
		}
		return nil, errors.New("insert user: no row returned")
	}
	if err := rows.Scan(&created.CreatedAt, &created.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &created, nil
}

// UpdateRefreshToken overwrites the session slot of a user. An empty token
// stores NULL.
func (r *UserRepo) UpdateRefreshToken(ctx context.Context, id, token string) error {
	const q = `UPDATE users SET refresh_token=$2, updated_at=NOW() WHERE id=$1`
	res, err := r.db.ExecContext(ctx, q, id, sql.NullString{String: token, Valid: token != ""})
	if err != nil {
		return fmt.Errorf("update refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update refresh token: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func mapWriteErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return fmt.Errorf("insert user: %w", err)
}
