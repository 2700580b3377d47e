package rating

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Clark-Hu/marketplace-ratings/internal/domain"
)

func counts(pairs map[int]int64) map[int]int64 {
	out := domain.EmptyAggregate().RatingCount
	for star, n := range pairs {
		out[star] = n
	}
	return out
}

func intPtr(v int) *int { return &v }

func TestApplyRatingScenario(t *testing.T) {
	// A rates B=5, C rates B=3, A changes to 1.
	agg := ApplyRating(nil, nil, 5)
	want := domain.RatingAggregate{TotalRatings: 1, RatingCount: counts(map[int]int64{5: 1}), AverageRating: 5}
	if diff := cmp.Diff(want, agg); diff != "" {
		t.Fatalf("after first rating (-want +got):\n%s", diff)
	}

	agg = ApplyRating(&agg, nil, 3)
	want = domain.RatingAggregate{TotalRatings: 2, RatingCount: counts(map[int]int64{3: 1, 5: 1}), AverageRating: 4}
	if diff := cmp.Diff(want, agg); diff != "" {
		t.Fatalf("after second rater (-want +got):\n%s", diff)
	}

	agg = ApplyRating(&agg, intPtr(5), 1)
	want = domain.RatingAggregate{TotalRatings: 2, RatingCount: counts(map[int]int64{1: 1, 3: 1}), AverageRating: 2}
	if diff := cmp.Diff(want, agg); diff != "" {
		t.Fatalf("after update (-want +got):\n%s", diff)
	}
}

func TestApplyRatingDoesNotMutateInput(t *testing.T) {
	start := ApplyRating(nil, nil, 4)
	snapshot := start.Clone()
	_ = ApplyRating(&start, intPtr(4), 2)
	if diff := cmp.Diff(snapshot, start); diff != "" {
		t.Fatalf("input mutated (-before +after):\n%s", diff)
	}
}

func TestApplyRatingSameValueIsIdentity(t *testing.T) {
	agg := ApplyRating(nil, nil, 4)
	again := ApplyRating(&agg, intPtr(4), 4)
	if diff := cmp.Diff(agg, again); diff != "" {
		t.Fatalf("re-rating with the same value changed the aggregate:\n%s", diff)
	}
}

func TestApplyRatingUpdateMovesBucket(t *testing.T) {
	agg := ApplyRating(nil, nil, 3)
	agg = ApplyRating(&agg, nil, 4)
	updated := ApplyRating(&agg, intPtr(3), 5)

	if updated.RatingCount[3] != agg.RatingCount[3]-1 {
		t.Fatalf("count[3] = %d, want %d", updated.RatingCount[3], agg.RatingCount[3]-1)
	}
	if updated.RatingCount[5] != agg.RatingCount[5]+1 {
		t.Fatalf("count[5] = %d, want %d", updated.RatingCount[5], agg.RatingCount[5]+1)
	}
	if updated.TotalRatings != agg.TotalRatings {
		t.Fatalf("total changed on update: %d -> %d", agg.TotalRatings, updated.TotalRatings)
	}
}

func TestApplyRatingRecoversFromEmptyBucket(t *testing.T) {
	// A record exists but the aggregate never counted it.
	agg := ApplyRating(nil, intPtr(2), 5)
	if agg.TotalRatings != 1 || agg.RatingCount[2] != 0 || agg.RatingCount[5] != 1 {
		t.Fatalf("unexpected aggregate %+v", agg)
	}
}

func TestAverageEmpty(t *testing.T) {
	if got := Average(domain.EmptyAggregate().RatingCount, 0); got != 0 {
		t.Fatalf("Average of no raters = %v, want 0", got)
	}
}

// Invariants hold after every step of random rating sequences.
func TestApplyRatingInvariants(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		current := map[int]int{} // rater -> value
		var agg *domain.RatingAggregate
		for step := 0; step < 50; step++ {
			rater := rnd.Intn(10)
			value := rnd.Intn(5) + 1
			var prev *int
			if v, ok := current[rater]; ok {
				prev = intPtr(v)
			}
			next := ApplyRating(agg, prev, value)
			agg = &next
			current[rater] = value
			checkInvariants(t, *agg, current)
		}
	}
}

func checkInvariants(t *testing.T, agg domain.RatingAggregate, current map[int]int) {
	t.Helper()
	var sum, weighted int64
	for star := domain.MinStars; star <= domain.MaxStars; star++ {
		sum += agg.RatingCount[star]
		weighted += int64(star) * agg.RatingCount[star]
	}
	if agg.TotalRatings != sum {
		t.Fatalf("total %d != sum of counts %d", agg.TotalRatings, sum)
	}
	if agg.TotalRatings != int64(len(current)) {
		t.Fatalf("total %d != distinct raters %d", agg.TotalRatings, len(current))
	}
	want := float64(weighted) / float64(agg.TotalRatings)
	if math.Abs(agg.AverageRating-want) > 1e-9 {
		t.Fatalf("average %v, want %v", agg.AverageRating, want)
	}
	for _, v := range current {
		if agg.RatingCount[v] <= 0 {
			t.Fatalf("bucket %d empty but a rater holds it", v)
		}
	}
}

func FuzzApplyRating(f *testing.F) {
	f.Add(3, 0, 5)
	f.Add(1, 5, 1)
	f.Fuzz(func(t *testing.T, seed, prev, next int) {
		if next < domain.MinStars || next > domain.MaxStars {
			return
		}
		agg := ApplyRating(nil, nil, ((seed%5)+5)%5+1)
		var p *int
		if prev >= domain.MinStars && prev <= domain.MaxStars {
			p = &prev
		}
		out := ApplyRating(&agg, p, next)
		var sum int64
		for _, n := range out.RatingCount {
			if n < 0 {
				t.Fatalf("negative bucket in %+v", out)
			}
			sum += n
		}
		if sum != out.TotalRatings {
			t.Fatalf("total %d != sum %d", out.TotalRatings, sum)
		}
	})
}

