package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/metrics"
	"github.com/dgnsrekt/flagsync/internal/transport"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	endpoints := Endpoints{SDKURL: server.URL + "/api", AuthURL: server.URL + "/auth", StreamingURL: server.URL + "/sse"}
	requester := transport.NewClient(5*time.Second, zap.NewNop())
	return NewClient(requester, endpoints, "sdk-key", 100, metrics.Noop{}, zap.NewNop())
}

func TestFetchSplitChanges_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/splitChanges", r.URL.Path)
		assert.Equal(t, "Bearer sdk-key", r.Header.Get("Authorization"))
		assert.Equal(t, "-1", r.URL.Query().Get("since"))
		_ = json.NewEncoder(w).Encode(ChangeSet{
			Since:  -1,
			Till:   100,
			Splits: []Split{{Name: "feature_a", Status: SplitStatusActive, DefaultTreatment: "off", ChangeNumber: 100}},
		})
	})

	cs, err := client.FetchSplitChanges(context.Background(), -1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), cs.Since)
	assert.Equal(t, int64(100), cs.Till)
	require.Len(t, cs.Splits, 1)
	assert.Equal(t, "feature_a", cs.Splits[0].Name)
	assert.False(t, cs.CaughtUp())
}

func TestFetchSplitChanges_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, "", ErrAuthFailed},
		{"not found", http.StatusNotFound, "", ErrNotFound},
		{"rate limited", http.StatusTooManyRequests, "", ErrRateLimited},
		{"server error", http.StatusBadGateway, "", ErrServerUnavailable},
		{"malformed", http.StatusOK, "{not json", ErrMalformedPayload},
		{"inverted cursors", http.StatusOK, `{"since":10,"till":5,"splits":[]}`, ErrMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.FetchSplitChanges(context.Background(), 1)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestFetchSplitChanges_UnexpectedStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad since"))
	})

	_, err := client.FetchSplitChanges(context.Background(), 1)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
}

func TestFetchMySegments(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/mySegments/user-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"mySegments":[{"id":"1","name":"beta"},{"id":"2","name":"employees"}]}`))
	})

	segments, err := client.FetchMySegments(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "employees"}, segments)
}

func testJWT(t *testing.T, capability map[string][]string) string {
	t.Helper()
	capJSON, err := json.Marshal(capability)
	require.NoError(t, err)
	return testJWTClaims(t, jwt.MapClaims{
		"x-ably-capability": string(capJSON),
		"iat":               1000,
		"exp":               4600,
	})
}

func TestAuthenticate(t *testing.T) {
	raw := testJWT(t, map[string][]string{
		"MzM5Njc0ODcyNg==_splits":     {"subscribe"},
		"MzM5Njc0ODcyNg==_mySegments": {"subscribe"},
		"control_pri":                 {"subscribe", "channel-metadata:publishers"},
		"control_sec":                 {"subscribe", "channel-metadata:publishers"},
	})

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/auth", r.URL.Path)
		assert.Equal(t, "user-1", r.URL.Query().Get("users"))
		_ = json.NewEncoder(w).Encode(map[string]any{"pushEnabled": true, "token": raw})
	})

	token, err := client.Authenticate(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, token.PushEnabled)
	assert.Equal(t, raw, token.Raw)
	assert.Equal(t, int64(1000), token.IssuedAt)
	assert.Equal(t, int64(4600), token.ExpiresAt)
	assert.Contains(t, token.Channels, "[?occupancy=metrics.publishers]control_pri")
	assert.Contains(t, token.Channels, "[?occupancy=metrics.publishers]control_sec")
	assert.Contains(t, token.Channels, "MzM5Njc0ODcyNg==_splits")
	assert.Len(t, token.Channels, 4)
}

func TestAuthenticate_PushDisabled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pushEnabled":false,"token":""}`))
	})

	token, err := client.Authenticate(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, token.PushEnabled)
}

func TestParseToken_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not a jwt", "not-a-jwt"},
		{"bad payload encoding", "eyJhbGciOiJIUzI1NiJ9.!!!.sig"},
		{"capability not json", testJWTClaims(t, jwt.MapClaims{"x-ably-capability": "{"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.raw)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func testJWTClaims(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}
