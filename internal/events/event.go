package events

import (
	"context"
	"time"

	"github.com/Clark-Hu/marketplace-ratings/internal/domain"
)

// RatingEvent is emitted after a rating transaction commits.
type RatingEvent struct {
	RatingID        string                 `json:"ratingId"`
	RaterUserID     string                 `json:"raterUserId"`
	RatedUserID     string                 `json:"ratedUserId"`
	Value           int                    `json:"value"`
	PreviousValue   *int                   `json:"previousValue,omitempty"`
	ItemID          *string                `json:"itemId,omitempty"`
	TransactionType domain.TransactionType `json:"transactionType"`
	Created         bool                   `json:"created"`
	AverageRating   float64                `json:"averageRating"`
	TotalRatings    int64                  `json:"totalRatings"`
	OccurredAt      time.Time              `json:"occurredAt"`
}

// Publisher fans rating events out to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, event RatingEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, RatingEvent) error { return nil }
