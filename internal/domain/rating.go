package domain

import "time"

// Star bounds for a single rating.
const (
	MinStars = 1
	MaxStars = 5
)

// TransactionType tags the marketplace interaction a rating refers to.
type TransactionType string

const (
	TransactionRental  TransactionType = "rental"
	TransactionGeneral TransactionType = "general"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	return t == TransactionRental || t == TransactionGeneral
}

// Rating is one rater's current score and review for one rated user.
// The (RatedUserID, RaterUserID) pair is unique.
type Rating struct {
	ID              string
	RatedUserID     string
	RaterUserID     string
	Value           int
	Review          *string
	ItemID          *string
	TransactionType TransactionType
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RatingAggregate is the denormalized rating summary kept on a user profile.
type RatingAggregate struct {
	AverageRating float64       `json:"averageRating"`
	TotalRatings  int64         `json:"totalRatings"`
	RatingCount   map[int]int64 `json:"ratingCount"`
}

// EmptyAggregate returns an aggregate with zero raters and every star bucket present.
func EmptyAggregate() RatingAggregate {
	counts := make(map[int]int64, MaxStars)
	for star := MinStars; star <= MaxStars; star++ {
		counts[star] = 0
	}
	return RatingAggregate{RatingCount: counts}
}

// Clone returns a deep copy so callers can mutate the counts freely.
func (a RatingAggregate) Clone() RatingAggregate {
	out := EmptyAggregate()
	out.AverageRating = a.AverageRating
	out.TotalRatings = a.TotalRatings
	for star, n := range a.RatingCount {
		out.RatingCount[star] = n
	}
	return out
}
