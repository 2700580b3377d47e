package domain

import "time"

// User is the marketplace profile that carries the rating aggregate.
type User struct {
	ID          string
	DisplayName string
	// Aggregate is nil until the user receives a first rating.
	Aggregate *RatingAggregate
	CreatedAt time.Time
	UpdatedAt time.Time
}
