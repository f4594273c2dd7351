package user

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateAccount(ctx context.Context, a *Account) error {
	query := "INSERT INTO accounts (id, email, password, display_name) VALUES ($1, $2, $3, $4)"

	_, err := r.db.ExecContext(ctx, query, a.ID, a.Email, a.Password, a.DisplayName)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrEmailTaken
	}
	return err
}

func (r *Repository) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	a := &Account{}
	query := "SELECT id, email, password, display_name FROM accounts WHERE LOWER(email) = LOWER($1)"

	err := r.db.QueryRowContext(ctx, query, email).Scan(&a.ID, &a.Email, &a.Password, &a.DisplayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return a, nil
}
