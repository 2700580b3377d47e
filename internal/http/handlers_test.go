package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v6"

	"github.com/Clark-Hu/marketplace-ratings/internal/config"
	"github.com/Clark-Hu/marketplace-ratings/internal/identity"
	"github.com/Clark-Hu/marketplace-ratings/internal/limiter"
	"github.com/Clark-Hu/marketplace-ratings/internal/memory"
	"github.com/Clark-Hu/marketplace-ratings/internal/rating"
	"github.com/Clark-Hu/marketplace-ratings/internal/repository"
)

func testConfig() config.Config {
	return config.Config{
		Port:                "0",
		AuthToken:           "secret",
		ReadTimeoutSecs:     15,
		WriteTimeoutSecs:    15,
		IdleTimeoutSecs:     60,
		IdentityTimeoutSecs: 1,
	}
}

func buildTestServer(tb testing.TB, deps Deps) (*Server, *memory.Store) {
	tb.Helper()
	st := memory.New(50, nil, nil)
	if deps.Health == nil {
		deps.Health = st
	}
	if deps.Ratings == nil {
		deps.Ratings = rating.New(st, nil, nil)
	}
	if deps.Directory == nil {
		deps.Directory = st
	}
	return New(testConfig(), deps), st
}

func seedUsers(tb testing.TB, st *memory.Store, ids ...string) {
	tb.Helper()
	for _, id := range ids {
		if _, err := st.CreateUser(context.Background(), repository.UserCreateParams{ID: id, DisplayName: "user " + id}); err != nil {
			tb.Fatalf("seed user %s: %v", id, err)
		}
	}
}

func do(srv *Server, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	srv, _ := buildTestServer(t, Deps{})
	rec := do(srv, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	down, _ := buildTestServer(t, Deps{Health: failingHealth{}})
	rec = do(down, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type failingHealth struct{}

func (failingHealth) HealthCheck(context.Context) error { return errors.New("db down") }

func TestCreateUser(t *testing.T) {
	srv, _ := buildTestServer(t, Deps{})

	rec := do(srv, http.MethodPost, "/users", `{"id":"bob","displayName":"Bob"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(srv, http.MethodPost, "/users", `invalid json`, "secret")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(srv, http.MethodPost, "/users", `{"id":"bob","displayName":"  "}`, "secret")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "displayName is required", decode[errorResponse](t, rec).Message)

	rec = do(srv, http.MethodPost, "/users", `{"id":"bob","displayName":"Bob"}`, "secret")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/users/bob", rec.Header().Get("Location"))
	user := decode[userResponse](t, rec)
	assert.Equal(t, "Bob", user.DisplayName)
	assert.Nil(t, user.Rating)

	rec = do(srv, http.MethodPost, "/users", `{"id":"bob","displayName":"Bob again"}`, "secret")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitRatingFlow(t *testing.T) {
	srv, st := buildTestServer(t, Deps{})
	seedUsers(t, st, "B")

	rec := do(srv, http.MethodGet, "/users/B/rating", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_RATED", decode[errorResponse](t, rec).Code)

	rec = do(srv, http.MethodPost, "/users/B/ratings", `{"rating":5,"review":"great renter"}`, "A")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	submitted := decode[submitResponse](t, rec)
	assert.True(t, submitted.Success)
	assert.Equal(t, rating.MsgAdded, submitted.Message)

	rec = do(srv, http.MethodPost, "/users/B/ratings", `{"rating":3,"transactionType":"rental","itemId":"bike-7"}`, "C")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(srv, http.MethodPost, "/users/B/ratings", `{"rating":1}`, "A")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, rating.MsgUpdated, decode[submitResponse](t, rec).Message)

	rec = do(srv, http.MethodGet, "/users/B/rating", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	agg := decode[aggregateResponse](t, rec)
	assert.EqualValues(t, 2, agg.TotalRatings)
	assert.InDelta(t, 2.0, agg.AverageRating, 1e-9)
	assert.Equal(t, map[string]int64{"1": 1, "2": 0, "3": 1, "4": 0, "5": 0}, agg.RatingCount)

	rec = do(srv, http.MethodGet, "/users/B", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	profile := decode[userResponse](t, rec)
	require.NotNil(t, profile.Rating)
	assert.EqualValues(t, 2, profile.Rating.TotalRatings)

	rec = do(srv, http.MethodGet, "/users/B/ratings?limit=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[reviewListResponse](t, rec)
	require.Len(t, page.Items, 1)
	require.NotNil(t, page.NextCursor)

	rec = do(srv, http.MethodGet, "/users/B/ratings?limit=10&cursor="+*page.NextCursor, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rest := decode[reviewListResponse](t, rec)
	assert.Len(t, rest.Items, 1)
	assert.Nil(t, rest.NextCursor)
	assert.NotEqual(t, page.Items[0].RaterUserID, rest.Items[0].RaterUserID)

	rec = do(srv, http.MethodGet, "/users/B/ratings/mine", "", "A")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[hasRatedResponse](t, rec).Rated)

	rec = do(srv, http.MethodGet, "/users/B/ratings/mine", "", "D")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[hasRatedResponse](t, rec).Rated)
}

func TestSubmitRatingRejections(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		body    string
		token   string
		status  int
		message string
	}{
		{name: "self rating", target: "A", body: `{"rating":5}`, token: "A", status: http.StatusUnprocessableEntity, message: rating.MsgSelfRating},
		{name: "zero", target: "B", body: `{"rating":0}`, token: "A", status: http.StatusUnprocessableEntity, message: rating.MsgInvalidRating},
		{name: "six", target: "B", body: `{"rating":6}`, token: "A", status: http.StatusUnprocessableEntity, message: rating.MsgInvalidRating},
		{name: "missing rating", target: "B", body: `{"review":"hi"}`, token: "A", status: http.StatusUnprocessableEntity, message: "rating is required"},
		{name: "long review", target: "B", body: fmt.Sprintf(`{"rating":4,"review":%q}`, strings.Repeat("x", 501)), token: "A", status: http.StatusUnprocessableEntity, message: "review must be at most 500 characters"},
		{name: "bad transaction type", target: "B", body: `{"rating":4,"transactionType":"sale"}`, token: "A", status: http.StatusUnprocessableEntity, message: "transactionType must be one of: rental general"},
		{name: "unknown target", target: "ghost", body: `{"rating":4}`, token: "A", status: http.StatusNotFound, message: rating.MsgUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, st := buildTestServer(t, Deps{})
			seedUsers(t, st, "A", "B")

			rec := do(srv, http.MethodPost, "/users/"+tt.target+"/ratings", tt.body, tt.token)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode[submitResponse](t, rec)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.message, resp.Message)

			for _, id := range []string{"A", "B"} {
				agg, err := st.GetAggregate(context.Background(), id)
				require.NoError(t, err)
				assert.Nil(t, agg)
			}
		})
	}
}

func TestSubmitRatingRequestErrors(t *testing.T) {
	srv, st := buildTestServer(t, Deps{})
	seedUsers(t, st, "B")

	rec := do(srv, http.MethodPost, "/users/B/ratings", `{"rating":4}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(srv, http.MethodPost, "/users/B/ratings", `{"rating":4,"stars":4}`, "A")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(srv, http.MethodPost, "/users/B/ratings", `{"rating":"four"}`, "A")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(srv, http.MethodPost, "/users/B/ratings", "", "A")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

type stubResolver struct {
	err error
}

func (s stubResolver) Resolve(context.Context, string) (string, error) { return "", s.err }

func TestSubmitRatingIdentityFailures(t *testing.T) {
	unauth, st := buildTestServer(t, Deps{Identity: stubResolver{err: identity.ErrUnauthenticated}})
	seedUsers(t, st, "B")
	rec := do(unauth, http.MethodPost, "/users/B/ratings", `{"rating":4}`, "expired")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	down, st := buildTestServer(t, Deps{Identity: stubResolver{err: errors.New("connection refused")}})
	seedUsers(t, st, "B")
	rec = do(down, http.MethodPost, "/users/B/ratings", `{"rating":4}`, "tok")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "IDENTITY_UNAVAILABLE", decode[errorResponse](t, rec).Code)
}

func TestSubmitRatingRateLimited(t *testing.T) {
	srv, st := buildTestServer(t, Deps{Limiter: limiter.New(nil, 1, 1)})
	seedUsers(t, st, "B", "C")

	rec := do(srv, http.MethodPost, "/users/B/ratings", `{"rating":4}`, "A")
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(srv, http.MethodPost, "/users/C/ratings", `{"rating":4}`, "A")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = do(srv, http.MethodPost, "/users/C/ratings", `{"rating":4}`, "D")
	assert.Equal(t, http.StatusCreated, rec.Code, "other raters are unaffected")
}

func TestGetRatingUnknownUser(t *testing.T) {
	srv, _ := buildTestServer(t, Deps{})

	rec := do(srv, http.MethodGet, "/users/ghost/rating", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorResponse](t, rec).Code)

	rec = do(srv, http.MethodGet, "/users/ghost/ratings", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(srv, http.MethodGet, "/users/ghost", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListUsers(t *testing.T) {
	srv, st := buildTestServer(t, Deps{})
	seedUsers(t, st, "A", "B", "C")
	require.Equal(t, http.StatusCreated, do(srv, http.MethodPost, "/users/B/ratings", `{"rating":5}`, "A").Code)

	rec := do(srv, http.MethodGet, "/users?minAverage=4.5", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[userListResponse](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "B", list.Items[0].ID)

	rec = do(srv, http.MethodGet, "/users", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[userListResponse](t, rec).Items, 3)

	for _, query := range []string{"minAverage=abc", "minAverage=7", "limit=x", "cursor=not-a-cursor"} {
		rec = do(srv, http.MethodGet, "/users?"+query, "", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestConcurrentSubmissionsOverHTTP(t *testing.T) {
	srv, st := buildTestServer(t, Deps{})
	seedUsers(t, st, "target")

	const raters = 25
	var wg sync.WaitGroup
	for i := 0; i < raters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := do(srv, http.MethodPost, "/users/target/ratings", fmt.Sprintf(`{"rating":%d}`, i%5+1), fmt.Sprintf("rater-%d", i))
			if rec.Code != http.StatusCreated {
				t.Errorf("rater-%d: status %d body %s", i, rec.Code, rec.Body.String())
			}
		}(i)
	}
	wg.Wait()

	agg, err := st.GetAggregate(context.Background(), "target")
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.EqualValues(t, raters, agg.TotalRatings)
}

func TestEndpointMetricsRecorded(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	srv, st := buildTestServer(t, Deps{Scope: scope})
	seedUsers(t, st, "B")

	do(srv, http.MethodPost, "/users/B/ratings", `{"rating":4}`, "A")
	do(srv, http.MethodPost, "/users/B/ratings", `{"rating":9}`, "A")

	var calls, successes, invalid int64
	for _, c := range scope.Snapshot().Counters() {
		if c.Tags()["endpoint"] != "submit_rating" {
			continue
		}
		switch {
		case c.Name() == "calls":
			calls = c.Value()
		case c.Name() == "success":
			successes = c.Value()
		case c.Name() == "error" && c.Tags()["error"] == "invalid_argument":
			invalid = c.Value()
		}
	}
	assert.EqualValues(t, 2, calls)
	assert.EqualValues(t, 1, successes)
	assert.EqualValues(t, 1, invalid)
}

func TestHandleGetRatingDirect(t *testing.T) {
	srv, st := buildTestServer(t, Deps{})
	seedUsers(t, st, "B")

	req := httptest.NewRequest(http.MethodGet, "/users/B/rating", nil)
	req = attachUserParam(req, "B")
	rec := httptest.NewRecorder()
	srv.handleGetRating(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/users//rating", nil)
	req = attachUserParam(req, "")
	rec = httptest.NewRecorder()
	srv.handleGetRating(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func attachUserParam(req *http.Request, userID string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("userId", userID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, ctx))
}

func TestServerShutdownConcurrentWithStart(t *testing.T) {
	srv, _ := buildTestServer(t, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	err := srv.Shutdown(shutdownCtx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after shutdown")
	}
}
