package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/Clark-Hu/marketplace-ratings/internal/domain"
	"github.com/Clark-Hu/marketplace-ratings/internal/rating"
	"github.com/Clark-Hu/marketplace-ratings/internal/store"
)

// RatingStore backs the rating service with Postgres.
type RatingStore struct {
	store *store.Store
	repo  *Repository
}

var _ rating.Store = (*RatingStore)(nil)

// NewRatingStore creates a RatingStore over st and repo.
func NewRatingStore(st *store.Store, repo *Repository) *RatingStore {
	return &RatingStore{store: st, repo: repo}
}

// RunInTx implements rating.Store.
func (s *RatingStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx rating.Tx) error) error {
	return s.store.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, ratingTx{repo: s.repo.WithTx(tx)})
	})
}

// HasRating implements rating.Store.
func (s *RatingStore) HasRating(ctx context.Context, raterID, ratedID string) (bool, error) {
	return s.repo.Ratings.Exists(ctx, raterID, ratedID)
}

// GetAggregate implements rating.Store.
func (s *RatingStore) GetAggregate(ctx context.Context, userID string) (*domain.RatingAggregate, error) {
	agg, err := s.repo.Users.GetAggregate(ctx, userID)
	return agg, userNotFound(err)
}

type ratingTx struct {
	repo *Repository
}

func (t ratingTx) GetAggregate(ctx context.Context, userID string) (*domain.RatingAggregate, error) {
	agg, err := t.repo.Users.LockAggregate(ctx, userID)
	return agg, userNotFound(err)
}

func (t ratingTx) FindRating(ctx context.Context, raterID, ratedID string) (*domain.Rating, error) {
	r, err := t.repo.Ratings.Find(ctx, raterID, ratedID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (t ratingTx) PutRating(ctx context.Context, r domain.Rating) (domain.Rating, error) {
	saved, _, err := t.repo.Ratings.Upsert(ctx, r)
	return saved, err
}

func (t ratingTx) PutAggregate(ctx context.Context, userID string, agg domain.RatingAggregate) error {
	return userNotFound(t.repo.Users.UpdateAggregate(ctx, userID, agg))
}

func userNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return rating.ErrUserNotFound
	}
	return err
}
