package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uber-go/tally/v6"
	"go.uber.org/zap"

	"github.com/Clark-Hu/marketplace-ratings/internal/domain"
	"github.com/Clark-Hu/marketplace-ratings/internal/logging"
	"github.com/Clark-Hu/marketplace-ratings/internal/rating"
	"github.com/Clark-Hu/marketplace-ratings/internal/repository"
	"github.com/Clark-Hu/marketplace-ratings/internal/store"
)

type ratingKey struct {
	rated string
	rater string
}

type userDoc struct {
	user    domain.User
	version uint64
}

type ratingDoc struct {
	rating  domain.Rating
	version uint64
}

// Store is an in-memory document store. Transactions are optimistic: reads
// record document versions and commit fails with store.ErrConflict if any of
// them moved, after which the transaction body runs again.
type Store struct {
	mu          sync.Mutex
	users       map[string]*userDoc
	ratings     map[ratingKey]*ratingDoc
	maxAttempts int
	logger      *zap.Logger
	retries     tally.Counter
	now         func() time.Time

	// beforeCommit runs between the transaction body and validation.
	beforeCommit func()
}

var _ rating.Store = (*Store)(nil)

// New creates an empty store. maxAttempts bounds transaction re-execution.
func New(maxAttempts int, logger *zap.Logger, scope tally.Scope) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	return &Store{
		users:       map[string]*userDoc{},
		ratings:     map[ratingKey]*ratingDoc{},
		maxAttempts: maxAttempts,
		logger: logger.With(
			zap.String(logging.FieldComponent, "store"),
			zap.String(logging.FieldType, "memory"),
		),
		retries: scope.Counter("rating_tx_retries"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunInTx implements rating.Store.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx rating.Tx) error) error {
	onRetry := func(err error) {
		s.retries.Inc(1)
		s.logger.Debug("Retrying conflicting transaction", zap.Error(err))
	}
	return store.Retry(ctx, s.maxAttempts, onRetry, func() error {
		t := &tx{
			s:            s,
			userReads:    map[string]uint64{},
			ratingReads:  map[ratingKey]uint64{},
			aggregates:   map[string]domain.RatingAggregate{},
			ratingWrites: map[ratingKey]domain.Rating{},
		}
		if err := fn(ctx, t); err != nil {
			return err
		}
		if s.beforeCommit != nil {
			s.beforeCommit()
		}
		return t.commit()
	})
}

// HasRating implements rating.Store.
func (s *Store) HasRating(_ context.Context, raterID, ratedID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ratings[ratingKey{rated: ratedID, rater: raterID}]
	return ok, nil
}

// GetAggregate implements rating.Store.
func (s *Store) GetAggregate(_ context.Context, userID string) (*domain.RatingAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.users[userID]
	if !ok {
		return nil, rating.ErrUserNotFound
	}
	return cloneAggregate(doc.user.Aggregate), nil
}

// CreateUser inserts a profile.
func (s *Store) CreateUser(_ context.Context, params repository.UserCreateParams) (domain.User, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; ok {
		return domain.User{}, repository.ErrAlreadyExists
	}
	now := s.now()
	doc := &userDoc{
		user:    domain.User{ID: id, DisplayName: params.DisplayName, CreatedAt: now, UpdatedAt: now},
		version: 1,
	}
	s.users[id] = doc
	return copyUser(doc.user), nil
}

// GetUser fetches a profile.
func (s *Store) GetUser(_ context.Context, id string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.users[id]
	if !ok {
		return domain.User{}, repository.ErrNotFound
	}
	return copyUser(doc.user), nil
}

// ListUsers pages through profiles, newest first.
func (s *Store) ListUsers(_ context.Context, filters repository.UserListFilters) (repository.UserListResult, error) {
	limit := repository.ClampLimit(filters.Limit)

	s.mu.Lock()
	users := make([]domain.User, 0, len(s.users))
	for _, doc := range s.users {
		u := doc.user
		if filters.MinAverage != nil && (u.Aggregate == nil || u.Aggregate.AverageRating < *filters.MinAverage) {
			continue
		}
		if filters.Cursor != nil && !filters.Cursor.Before(u.CreatedAt, u.ID) {
			continue
		}
		users = append(users, copyUser(u))
	}
	s.mu.Unlock()

	sort.Slice(users, func(i, j int) bool {
		return newerFirst(users[i].CreatedAt, users[i].ID, users[j].CreatedAt, users[j].ID)
	})
	if len(users) > limit {
		users = users[:limit]
	}

	result := repository.UserListResult{Items: users}
	if len(users) > 0 {
		last := users[len(users)-1]
		next, err := repository.NextCursor(len(users), limit, repository.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return repository.UserListResult{}, err
		}
		result.NextCursor = next
	}
	return result, nil
}

// ListRatings pages through the ratings a user has received, newest first.
func (s *Store) ListRatings(_ context.Context, filters repository.RatingListFilters) (repository.RatingListResult, error) {
	limit := repository.ClampLimit(filters.Limit)

	s.mu.Lock()
	items := make([]domain.Rating, 0)
	for key, doc := range s.ratings {
		if key.rated != filters.RatedUserID {
			continue
		}
		r := doc.rating
		if filters.Cursor != nil && !filters.Cursor.Before(r.CreatedAt, r.ID) {
			continue
		}
		items = append(items, r)
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return newerFirst(items[i].CreatedAt, items[i].ID, items[j].CreatedAt, items[j].ID)
	})
	if len(items) > limit {
		items = items[:limit]
	}

	result := repository.RatingListResult{Items: items}
	if len(items) > 0 {
		last := items[len(items)-1]
		next, err := repository.NextCursor(len(items), limit, repository.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return repository.RatingListResult{}, err
		}
		result.NextCursor = next
	}
	return result, nil
}

// HealthCheck always succeeds.
func (s *Store) HealthCheck(context.Context) error { return nil }

type tx struct {
	s            *Store
	userReads    map[string]uint64
	ratingReads  map[ratingKey]uint64
	aggregates   map[string]domain.RatingAggregate
	ratingWrites map[ratingKey]domain.Rating
}

func (t *tx) GetAggregate(_ context.Context, userID string) (*domain.RatingAggregate, error) {
	if agg, ok := t.aggregates[userID]; ok {
		return cloneAggregate(&agg), nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	doc, ok := t.s.users[userID]
	if !ok {
		t.userReads[userID] = 0
		return nil, rating.ErrUserNotFound
	}
	t.userReads[userID] = doc.version
	return cloneAggregate(doc.user.Aggregate), nil
}

func (t *tx) FindRating(_ context.Context, raterID, ratedID string) (*domain.Rating, error) {
	key := ratingKey{rated: ratedID, rater: raterID}
	if r, ok := t.ratingWrites[key]; ok {
		return &r, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	doc, ok := t.s.ratings[key]
	if !ok {
		t.ratingReads[key] = 0
		return nil, nil
	}
	t.ratingReads[key] = doc.version
	r := doc.rating
	return &r, nil
}

func (t *tx) PutRating(_ context.Context, r domain.Rating) (domain.Rating, error) {
	key := ratingKey{rated: r.RatedUserID, rater: r.RaterUserID}
	now := t.s.now()
	r.CreatedAt = now
	r.UpdatedAt = now

	t.s.mu.Lock()
	if doc, ok := t.s.ratings[key]; ok {
		r.ID = doc.rating.ID
		r.CreatedAt = doc.rating.CreatedAt
	}
	t.s.mu.Unlock()

	t.ratingWrites[key] = r
	return r, nil
}

func (t *tx) PutAggregate(_ context.Context, userID string, agg domain.RatingAggregate) error {
	t.aggregates[userID] = agg.Clone()
	return nil
}

func (t *tx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for id, version := range t.userReads {
		if currentUserVersion(t.s.users, id) != version {
			return store.ErrConflict
		}
	}
	for key, version := range t.ratingReads {
		if currentRatingVersion(t.s.ratings, key) != version {
			return store.ErrConflict
		}
	}
	for id := range t.aggregates {
		if _, ok := t.s.users[id]; !ok {
			return rating.ErrUserNotFound
		}
	}

	now := t.s.now()
	for key, r := range t.ratingWrites {
		doc, ok := t.s.ratings[key]
		if !ok {
			t.s.ratings[key] = &ratingDoc{rating: r, version: 1}
			continue
		}
		r.ID = doc.rating.ID
		r.CreatedAt = doc.rating.CreatedAt
		doc.rating = r
		doc.version++
	}
	for id, agg := range t.aggregates {
		doc := t.s.users[id]
		a := agg
		doc.user.Aggregate = &a
		doc.user.UpdatedAt = now
		doc.version++
	}
	return nil
}

func currentUserVersion(users map[string]*userDoc, id string) uint64 {
	if doc, ok := users[id]; ok {
		return doc.version
	}
	return 0
}

func currentRatingVersion(ratings map[ratingKey]*ratingDoc, key ratingKey) uint64 {
	if doc, ok := ratings[key]; ok {
		return doc.version
	}
	return 0
}

func newerFirst(aCreated time.Time, aID string, bCreated time.Time, bID string) bool {
	if aCreated.Equal(bCreated) {
		return aID > bID
	}
	return aCreated.After(bCreated)
}

func cloneAggregate(agg *domain.RatingAggregate) *domain.RatingAggregate {
	if agg == nil {
		return nil
	}
	c := agg.Clone()
	return &c
}

func copyUser(u domain.User) domain.User {
	u.Aggregate = cloneAggregate(u.Aggregate)
	return u
}
