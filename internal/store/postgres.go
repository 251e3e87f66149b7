package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partypool/server/internal/core"
	"github.com/partypool/server/internal/domain"
)

// UserDirectory implements core.UserLookup over the accounts table.
// Account creation and credentials live with the external auth service;
// this side only reads.
type UserDirectory struct {
	db *pgxpool.Pool
}

func NewUserDirectory(db *pgxpool.Pool) *UserDirectory {
	return &UserDirectory{db: db}
}

func (d *UserDirectory) FindByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	return d.findOne(ctx,
		`SELECT user_id, username, lat, long FROM users WHERE user_id = $1`,
		string(id))
}

func (d *UserDirectory) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	return d.findOne(ctx,
		`SELECT user_id, username, lat, long FROM users WHERE username = $1`,
		username)
}

func (d *UserDirectory) findOne(ctx context.Context, query, arg string) (*domain.User, error) {
	var (
		user      domain.User
		lat, long *float64
	)
	err := d.db.QueryRow(ctx, query, arg).Scan(&user.ID, &user.Username, &lat, &long)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if lat != nil && long != nil {
		user.Coordinates = &domain.Coordinates{Lat: *lat, Long: *long}
	}
	return &user, nil
}
