package rating

import (
	"context"

	"github.com/Clark-Hu/marketplace-ratings/internal/domain"
)

// Store is the persistence contract the rating service needs.
type Store interface {
	// RunInTx runs fn as one isolated read-modify-write unit. fn may be
	// invoked more than once when the store detects a conflicting writer.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	HasRating(ctx context.Context, raterID, ratedID string) (bool, error)
	// GetAggregate returns nil when the user exists but has never been rated,
	// and ErrUserNotFound when the user does not exist.
	GetAggregate(ctx context.Context, userID string) (*domain.RatingAggregate, error)
}

// Tx is the view of the store available inside RunInTx.
type Tx interface {
	GetAggregate(ctx context.Context, userID string) (*domain.RatingAggregate, error)
	// FindRating returns nil when the rater has not rated the user.
	FindRating(ctx context.Context, raterID, ratedID string) (*domain.Rating, error)
	PutRating(ctx context.Context, r domain.Rating) (domain.Rating, error)
	PutAggregate(ctx context.Context, userID string, agg domain.RatingAggregate) error
}
