package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Clark-Hu/marketplace-ratings/internal/domain"
)

// RatingsRepository provides helpers for per-rater rating records.
type RatingsRepository struct {
	db querier
}

const ratingColumns = `
    id,
    rated_user_id,
    rater_user_id,
    rating,
    review,
    item_id,
    transaction_type,
    created_at,
    updated_at
`

// RatingListFilters selects the ratings a user has received.
type RatingListFilters struct {
	RatedUserID string
	Limit       int
	Cursor      *Cursor
}

// RatingListResult returns the paginated payload.
type RatingListResult struct {
	Items      []domain.Rating
	NextCursor *string
}

// Upsert inserts or updates the rating for the (rated, rater) pair and
// indicates whether it was newly created. The stored id is kept on update.
func (r *RatingsRepository) Upsert(ctx context.Context, rating domain.Rating) (domain.Rating, bool, error) {
	query := fmt.Sprintf(`
        INSERT INTO ratings (id, rated_user_id, rater_user_id, rating, review, item_id, transaction_type)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (rated_user_id, rater_user_id)
        DO UPDATE SET rating = EXCLUDED.rating,
                      review = EXCLUDED.review,
                      item_id = EXCLUDED.item_id,
                      transaction_type = EXCLUDED.transaction_type,
                      updated_at = now()
        RETURNING %s, (xmax = 0) AS inserted
    `, ratingColumns)

	var (
		saved    domain.Rating
		inserted bool
	)
	err := r.db.QueryRow(ctx, query,
		rating.ID,
		rating.RatedUserID,
		rating.RaterUserID,
		rating.Value,
		rating.Review,
		rating.ItemID,
		string(rating.TransactionType),
	).Scan(append(ratingDest(&saved), &inserted)...)
	if err != nil {
		return domain.Rating{}, false, fmt.Errorf("upsert rating: %w", err)
	}
	return saved, inserted, nil
}

// Find retrieves the rating a rater gave a rated user.
func (r *RatingsRepository) Find(ctx context.Context, raterID, ratedID string) (domain.Rating, error) {
	query := fmt.Sprintf(`
        SELECT %s
        FROM ratings
        WHERE rated_user_id = $1 AND rater_user_id = $2
    `, ratingColumns)

	var rating domain.Rating
	if err := r.db.QueryRow(ctx, query, ratedID, raterID).Scan(ratingDest(&rating)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Rating{}, ErrNotFound
		}
		return domain.Rating{}, err
	}
	return rating, nil
}

// Exists reports whether the rater has rated the rated user.
func (r *RatingsRepository) Exists(ctx context.Context, raterID, ratedID string) (bool, error) {
	const query = `
        SELECT EXISTS (
            SELECT 1 FROM ratings WHERE rated_user_id = $1 AND rater_user_id = $2
        )
    `
	var exists bool
	if err := r.db.QueryRow(ctx, query, ratedID, raterID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check rating exists: %w", err)
	}
	return exists, nil
}

// ListForUser returns the ratings a user has received, newest first.
func (r *RatingsRepository) ListForUser(ctx context.Context, filters RatingListFilters) (RatingListResult, error) {
	limit := ClampLimit(filters.Limit)

	args := []any{filters.RatedUserID}
	where := "rated_user_id = $1"
	if filters.Cursor != nil {
		args = append(args, filters.Cursor.CreatedAt, filters.Cursor.ID)
		where += " AND (created_at, id) < ($2, $3)"
	}

	query := fmt.Sprintf(`
        SELECT %s
        FROM ratings
        WHERE %s
        ORDER BY created_at DESC, id DESC
        LIMIT %d
    `, ratingColumns, where, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return RatingListResult{}, err
	}
	defer rows.Close()

	items := make([]domain.Rating, 0)
	for rows.Next() {
		var rating domain.Rating
		if err := rows.Scan(ratingDest(&rating)...); err != nil {
			return RatingListResult{}, err
		}
		items = append(items, rating)
	}
	if err := rows.Err(); err != nil {
		return RatingListResult{}, err
	}

	result := RatingListResult{Items: items}
	if len(items) > 0 {
		last := items[len(items)-1]
		result.NextCursor, err = NextCursor(len(items), limit, Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return RatingListResult{}, err
		}
	}
	return result, nil
}

// ratingDest returns scan destinations matching ratingColumns.
func ratingDest(r *domain.Rating) []any {
	return []any{
		&r.ID,
		&r.RatedUserID,
		&r.RaterUserID,
		&r.Value,
		&r.Review,
		&r.ItemID,
		&r.TransactionType,
		&r.CreatedAt,
		&r.UpdatedAt,
	}
}
