package rating

import "github.com/Clark-Hu/marketplace-ratings/internal/domain"

// ApplyRating returns the aggregate that results from one rater moving from
// previous (nil for a first rating) to next. current may be nil when the user
// has not been rated yet. The input is never mutated.
func ApplyRating(current *domain.RatingAggregate, previous *int, next int) domain.RatingAggregate {
	agg := domain.EmptyAggregate()
	if current != nil {
		agg = current.Clone()
	}

	// A prior record whose bucket is already empty means the aggregate lost
	// track of this rater; count them again so the totals stay consistent.
	if previous != nil && agg.RatingCount[*previous] > 0 {
		agg.RatingCount[*previous]--
	} else {
		agg.TotalRatings++
	}
	agg.RatingCount[next]++
	agg.AverageRating = Average(agg.RatingCount, agg.TotalRatings)
	return agg
}

// Average is the unweighted mean of the star buckets, or 0 with no raters.
func Average(counts map[int]int64, total int64) float64 {
	if total == 0 {
		return 0
	}
	var sum int64
	for star := domain.MinStars; star <= domain.MaxStars; star++ {
		sum += int64(star) * counts[star]
	}
	return float64(sum) / float64(total)
}
