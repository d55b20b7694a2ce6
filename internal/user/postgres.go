package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"sentra.dev/internal/errs"
	"sentra.dev/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const userColumns = `id, coalesce(email,''), coalesce(phone,''), username, password_hash,
	coalesce(nickname,''), is_active, email_verified, phone_verified, deleted_at, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, email, phone, username, password_hash, nickname, is_active, email_verified, phone_verified)
		values ($1, nullif($2,''), nullif($3,''), $4, $5, nullif($6,''), $7, $8, $9)
	`, u.ID, u.Email, u.Phone, u.Username, u.PasswordHash, u.Nickname, u.IsActive, u.EmailVerified, u.PhoneVerified)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: email, phone or username already registered", errs.ErrConflict)
	}
	return err
}

func (s *PGStore) FindByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1 and deleted_at is null`, id)
	return scanUser(row)
}

func (s *PGStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=$1 and deleted_at is null`, username)
	return scanUser(row)
}

func (s *PGStore) FindByIdentifier(ctx context.Context, email, phone string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+` from users
		where deleted_at is null and (($1 <> '' and email=$1) or ($2 <> '' and phone=$2))
	`, email, phone)
	return scanUser(row)
}

func (s *PGStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1 and deleted_at is null`,
		userID, passwordHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) SetActive(ctx context.Context, userID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update users set is_active=$2, updated_at=now() where id=$1 and deleted_at is null`,
		userID, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) SoftDelete(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set deleted_at=now(), is_active=false, updated_at=now() where id=$1 and deleted_at is null`,
		userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Phone, &u.Username, &u.PasswordHash,
		&u.Nickname, &u.IsActive, &u.EmailVerified, &u.PhoneVerified, &u.DeletedAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
