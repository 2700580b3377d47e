package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvider(t *testing.T, sessions map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		token := r.Header.Get("Authorization")
		if token == "Bearer broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		user, ok := sessions[token]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"userId":"` + user + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClientResolve(t *testing.T) {
	srv := newProvider(t, map[string]string{"Bearer tok-alice": "alice"})
	client, err := NewHTTPClient(srv.URL+"/", "secret", time.Second, nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr error
	}{
		{name: "known session", token: "tok-alice", want: "alice"},
		{name: "unknown session", token: "tok-bob", wantErr: ErrUnauthenticated},
		{name: "empty token", token: "  ", wantErr: ErrUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.Resolve(context.Background(), tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPClientUpstreamFailure(t *testing.T) {
	srv := newProvider(t, nil)

	client, err := NewHTTPClient(srv.URL, "secret", time.Second, nil)
	require.NoError(t, err)
	_, err = client.Resolve(context.Background(), "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthenticated)

	wrongKey, err := NewHTTPClient(srv.URL, "nope", time.Second, nil)
	require.NoError(t, err)
	_, err = wrongKey.Resolve(context.Background(), "tok")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthenticated)
}

func TestNewHTTPClientRejectsRelativeURL(t *testing.T) {
	_, err := NewHTTPClient("identity.local", "", time.Second, nil)
	assert.Error(t, err)
}

func TestHeaderResolver(t *testing.T) {
	id, err := HeaderResolver{}.Resolve(context.Background(), " carol ")
	require.NoError(t, err)
	assert.Equal(t, "carol", id)

	_, err = HeaderResolver{}.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

// TestHTTPClientSmoke checks a live provider when IDENTITY_URL and
// IDENTITY_SMOKE_TOKEN are set.
func TestHTTPClientSmoke(t *testing.T) {
	baseURL := os.Getenv("IDENTITY_URL")
	token := os.Getenv("IDENTITY_SMOKE_TOKEN")
	if baseURL == "" || token == "" {
		t.Skip("IDENTITY_URL or IDENTITY_SMOKE_TOKEN not provided")
	}
	client, err := NewHTTPClient(baseURL, os.Getenv("IDENTITY_API_KEY"), 3*time.Second, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := client.Resolve(ctx, token)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func FuzzUserFromSession(f *testing.F) {
	f.Add("alice", false)
	f.Add("  ", false)
	f.Add("bob", true)

	f.Fuzz(func(t *testing.T, userID string, expired bool) {
		id, err := userFromSession(sessionResponse{UserID: userID, Expired: expired})
		if err != nil {
			if id != "" {
				t.Fatalf("error %v returned alongside id %q", err, id)
			}
			return
		}
		if expired {
			t.Fatalf("expired session resolved to %q", id)
		}
		if id == "" {
			t.Fatalf("empty id without error")
		}
	})
}
