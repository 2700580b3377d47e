package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Clark-Hu/marketplace-ratings/internal/domain"
)

// UsersRepository provides persistence helpers for user profiles.
type UsersRepository struct {
	db querier
}

const userColumns = `
    id,
    display_name,
    rating_aggregate,
    created_at,
    updated_at
`

const codeUniqueViolation = "23505"

// UserCreateParams bundles the fields required to create a user profile.
type UserCreateParams struct {
	ID          string
	DisplayName string
}

// UserListFilters encapsulates filtering and pagination options.
type UserListFilters struct {
	MinAverage *float64
	Limit      int
	Cursor     *Cursor
}

// UserListResult returns the paginated payload.
type UserListResult struct {
	Items      []domain.User
	NextCursor *string
}

// Create inserts a new user row and returns the stored entity. An empty ID is
// replaced by a generated one.
func (r *UsersRepository) Create(ctx context.Context, params UserCreateParams) (domain.User, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = uuid.NewString()
	}

	query := fmt.Sprintf(`
        INSERT INTO users (id, display_name)
        VALUES ($1, $2)
        RETURNING %s
    `, userColumns)

	user, err := scanUser(r.db.QueryRow(ctx, query, id, params.DisplayName))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return domain.User{}, ErrAlreadyExists
		}
		return domain.User{}, err
	}
	return user, nil
}

// GetByID fetches a user by identifier.
func (r *UsersRepository) GetByID(ctx context.Context, id string) (domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns)
	user, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ErrNotFound
		}
		return domain.User{}, err
	}
	return user, nil
}

// GetAggregate returns the user's rating aggregate, nil when the user has not
// been rated, or ErrNotFound when the user does not exist.
func (r *UsersRepository) GetAggregate(ctx context.Context, id string) (*domain.RatingAggregate, error) {
	return r.aggregate(ctx, `SELECT rating_aggregate FROM users WHERE id = $1`, id)
}

// LockAggregate is GetAggregate with a row lock; only meaningful inside a transaction.
func (r *UsersRepository) LockAggregate(ctx context.Context, id string) (*domain.RatingAggregate, error) {
	return r.aggregate(ctx, `SELECT rating_aggregate FROM users WHERE id = $1 FOR UPDATE`, id)
}

func (r *UsersRepository) aggregate(ctx context.Context, query, id string) (*domain.RatingAggregate, error) {
	var payload []byte
	if err := r.db.QueryRow(ctx, query, id).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load rating aggregate: %w", err)
	}
	return unmarshalAggregate(payload)
}

// UpdateAggregate overwrites the user's rating aggregate.
func (r *UsersRepository) UpdateAggregate(ctx context.Context, id string, agg domain.RatingAggregate) error {
	payload, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encode rating aggregate: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
        UPDATE users
        SET rating_aggregate = $2,
            updated_at = now()
        WHERE id = $1
    `, id, payload)
	if err != nil {
		return fmt.Errorf("update rating aggregate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns users that match the provided filters, newest first.
func (r *UsersRepository) List(ctx context.Context, filters UserListFilters) (UserListResult, error) {
	limit := ClampLimit(filters.Limit)

	where := make([]string, 0)
	args := make([]any, 0)
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.MinAverage != nil {
		where = append(where, fmt.Sprintf("(rating_aggregate->>'averageRating')::float8 >= %s", arg(*filters.MinAverage)))
	}
	if filters.Cursor != nil {
		cursorCreated := arg(filters.Cursor.CreatedAt)
		cursorID := arg(filters.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", cursorCreated, cursorID))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(userColumns)
	b.WriteString(" FROM users")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	b.WriteString(fmt.Sprintf(" LIMIT %d", limit))

	rows, err := r.db.Query(ctx, b.String(), args...)
	if err != nil {
		return UserListResult{}, err
	}
	defer rows.Close()

	items := make([]domain.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return UserListResult{}, err
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return UserListResult{}, err
	}

	result := UserListResult{Items: items}
	if len(items) > 0 {
		last := items[len(items)-1]
		result.NextCursor, err = NextCursor(len(items), limit, Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return UserListResult{}, err
		}
	}
	return result, nil
}

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		user      domain.User
		aggregate []byte
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&user.ID, &user.DisplayName, &aggregate, &createdAt, &updatedAt); err != nil {
		return domain.User{}, err
	}
	agg, err := unmarshalAggregate(aggregate)
	if err != nil {
		return domain.User{}, err
	}
	user.Aggregate = agg
	user.CreatedAt = createdAt
	user.UpdatedAt = updatedAt
	return user, nil
}

func unmarshalAggregate(payload []byte) (*domain.RatingAggregate, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	agg := domain.EmptyAggregate()
	if err := json.Unmarshal(payload, &agg); err != nil {
		return nil, fmt.Errorf("decode rating aggregate: %w", err)
	}
	return &agg, nil
}
