package repository

import (
	"context"

	"github.com/Clark-Hu/marketplace-ratings/internal/domain"
)

// Directory exposes profile and review reads/writes outside the rating
// transaction.
type Directory struct {
	repo *Repository
}

// NewDirectory creates a Directory over repo.
func NewDirectory(repo *Repository) *Directory {
	return &Directory{repo: repo}
}

// CreateUser inserts a profile.
func (d *Directory) CreateUser(ctx context.Context, params UserCreateParams) (domain.User, error) {
	return d.repo.Users.Create(ctx, params)
}

// GetUser fetches a profile.
func (d *Directory) GetUser(ctx context.Context, id string) (domain.User, error) {
	return d.repo.Users.GetByID(ctx, id)
}

// ListUsers pages through profiles.
func (d *Directory) ListUsers(ctx context.Context, filters UserListFilters) (UserListResult, error) {
	return d.repo.Users.List(ctx, filters)
}

// ListRatings pages through the ratings a user has received.
func (d *Directory) ListRatings(ctx context.Context, filters RatingListFilters) (RatingListResult, error) {
	return d.repo.Ratings.ListForUser(ctx, filters)
}
