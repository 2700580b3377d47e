package rating

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Clark-Hu/marketplace-ratings/internal/domain"
	"github.com/Clark-Hu/marketplace-ratings/internal/events"
	"github.com/Clark-Hu/marketplace-ratings/internal/logging"
)

// ErrValidation is the parent of every locally detected input error.
var ErrValidation = errors.New("invalid rating")

var (
	ErrMissingUser            = fmt.Errorf("%w: rater and rated user are required", ErrValidation)
	ErrInvalidRating          = fmt.Errorf("%w: rating must be between %d and %d", ErrValidation, domain.MinStars, domain.MaxStars)
	ErrSelfRating             = fmt.Errorf("%w: self rating", ErrValidation)
	ErrInvalidTransactionType = fmt.Errorf("%w: unknown transaction type", ErrValidation)
)

// ErrUserNotFound is returned when the rated user does not exist.
var ErrUserNotFound = errors.New("rating: user not found")

// User-facing messages.
const (
	MsgAdded         = "Rating added successfully"
	MsgUpdated       = "Rating updated successfully"
	MsgInvalidRating = "Rating must be between 1 and 5"
	MsgSelfRating    = "You cannot rate yourself"
	MsgMissingUser   = "Rater and rated user are required"
	MsgInvalidTxType = "Transaction type must be rental or general"
	MsgUserNotFound  = "User not found"
	MsgFailedToSave  = "Failed to save rating"
)

const publishTimeout = 5 * time.Second

// SubmitParams carries one rating submission.
type SubmitParams struct {
	RaterUserID     string
	RatedUserID     string
	Value           int
	Review          *string
	ItemID          *string
	TransactionType domain.TransactionType
}

// Result is what callers show to the user. Err holds the underlying cause
// for logging and status mapping; it is nil on success.
type Result struct {
	Success   bool
	Created   bool
	Message   string
	Rating    *domain.Rating
	Aggregate *domain.RatingAggregate
	Err       error
}

// Service maintains rating records and the per-user aggregate together.
type Service struct {
	store     Store
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a rating service.
func New(store Store, publisher events.Publisher, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger.With(zap.String(logging.FieldComponent, "rating-service")),
		now:       time.Now,
	}
}

// Validate runs the checks that need no store access.
func Validate(raterID, ratedID string, value int) error {
	if strings.TrimSpace(raterID) == "" || strings.TrimSpace(ratedID) == "" {
		return ErrMissingUser
	}
	if value < domain.MinStars || value > domain.MaxStars {
		return ErrInvalidRating
	}
	if raterID == ratedID {
		return ErrSelfRating
	}
	return nil
}

// SubmitRating adds or replaces the rater's rating of the rated user and
// updates the rated user's aggregate in the same transaction.
func (s *Service) SubmitRating(ctx context.Context, p SubmitParams) Result {
	if p.TransactionType == "" {
		p.TransactionType = domain.TransactionGeneral
	}
	if err := Validate(p.RaterUserID, p.RatedUserID, p.Value); err != nil {
		return failure(err)
	}
	if !p.TransactionType.Valid() {
		return failure(ErrInvalidTransactionType)
	}

	var (
		saved    domain.Rating
		agg      domain.RatingAggregate
		previous *int
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		// Aggregate first: Postgres row-locks the user here, which queues
		// concurrent writers for the same target.
		current, err := tx.GetAggregate(ctx, p.RatedUserID)
		if err != nil {
			return err
		}
		existing, err := tx.FindRating(ctx, p.RaterUserID, p.RatedUserID)
		if err != nil {
			return err
		}

		record := domain.Rating{
			RatedUserID:     p.RatedUserID,
			RaterUserID:     p.RaterUserID,
			Value:           p.Value,
			Review:          p.Review,
			ItemID:          p.ItemID,
			TransactionType: p.TransactionType,
		}
		previous = nil
		if existing != nil {
			record.ID = existing.ID
			old := existing.Value
			previous = &old
		} else {
			record.ID = uuid.NewString()
		}

		agg = ApplyRating(current, previous, p.Value)
		if saved, err = tx.PutRating(ctx, record); err != nil {
			return err
		}
		return tx.PutAggregate(ctx, p.RatedUserID, agg)
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return failure(err)
		}
		s.logger.Error("Failed to save rating",
			zap.String(logging.FieldRaterID, p.RaterUserID),
			zap.String(logging.FieldUserID, p.RatedUserID),
			zap.Error(err),
		)
		return Result{Message: MsgFailedToSave, Err: err}
	}

	created := previous == nil
	s.publish(ctx, saved, previous, agg, created)

	msg := MsgUpdated
	if created {
		msg = MsgAdded
	}
	return Result{
		Success:   true,
		Created:   created,
		Message:   msg,
		Rating:    &saved,
		Aggregate: &agg,
	}
}

// HasRated reports whether the rater currently holds a rating of the rated user.
func (s *Service) HasRated(ctx context.Context, raterID, ratedID string) (bool, error) {
	ok, err := s.store.HasRating(ctx, raterID, ratedID)
	if err != nil {
		return false, fmt.Errorf("check rating: %w", err)
	}
	return ok, nil
}

// FetchUserRating returns the user's aggregate, or nil when nobody has rated them.
func (s *Service) FetchUserRating(ctx context.Context, userID string) (*domain.RatingAggregate, error) {
	agg, err := s.store.GetAggregate(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch user rating: %w", err)
	}
	return agg, nil
}

func (s *Service) publish(ctx context.Context, r domain.Rating, previous *int, agg domain.RatingAggregate, created bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	event := events.RatingEvent{
		RatingID:        r.ID,
		RaterUserID:     r.RaterUserID,
		RatedUserID:     r.RatedUserID,
		Value:           r.Value,
		PreviousValue:   previous,
		ItemID:          r.ItemID,
		TransactionType: r.TransactionType,
		Created:         created,
		AverageRating:   agg.AverageRating,
		TotalRatings:    agg.TotalRatings,
		OccurredAt:      s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish rating event",
			zap.String(logging.FieldUserID, r.RatedUserID),
			zap.Error(err),
		)
	}
}

func failure(err error) Result {
	return Result{Message: Message(err), Err: err}
}

// Message maps an error from SubmitRating to the text shown to the user.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRating):
		return MsgInvalidRating
	case errors.Is(err, ErrSelfRating):
		return MsgSelfRating
	case errors.Is(err, ErrMissingUser):
		return MsgMissingUser
	case errors.Is(err, ErrInvalidTransactionType):
		return MsgInvalidTxType
	case errors.Is(err, ErrUserNotFound):
		return MsgUserNotFound
	default:
		return MsgFailedToSave
	}
}
