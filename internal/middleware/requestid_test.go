package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveWithRequestID runs one request through the middleware and returns the
// ID the handler observed and the response recorder.
func serveWithRequestID(t *testing.T, headerID string) (string, *httptest.ResponseRecorder) {
	t.Helper()
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if headerID != "" {
		req.Header.Set("X-Request-ID", headerID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return seen, rec
}

func TestRequestIDMintsWhenAbsent(t *testing.T) {
	seen, rec := serveWithRequestID(t, "")

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDKeepsWellFormedHeader(t *testing.T) {
	seen, rec := serveWithRequestID(t, "custom-id-123")

	assert.Equal(t, "custom-id-123", seen)
	assert.Equal(t, "custom-id-123", rec.Header().Get("X-Request-ID"))
}

func TestRequestIDReplacesMalformedHeader(t *testing.T) {
	tests := []struct {
		name     string
		headerID string
		wantNew  bool
	}{
		{name: "alphanumeric with hyphen and underscore", headerID: "abc-123_DEF", wantNew: false},
		{name: "newline injection", headerID: "fake-id\nINJECTED: entry", wantNew: true},
		{name: "carriage return injection", headerID: "fake-id\rINJECTED: entry", wantNew: true},
		{name: "embedded spaces", headerID: "id with spaces", wantNew: true},
		{name: "markup characters", headerID: "id<script>alert(1)</script>", wantNew: true},
		{name: "one over the length cap", headerID: strings.Repeat("a", 129), wantNew: true},
		{name: "exactly at the length cap", headerID: strings.Repeat("a", 128), wantNew: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen, rec := serveWithRequestID(t, tt.headerID)
			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

			if tt.wantNew {
				assert.NotEqual(t, tt.headerID, seen, "malformed ID must be replaced")
			} else {
				assert.Equal(t, tt.headerID, seen, "well-formed ID must be kept")
			}
		})
	}
}

func TestRequestIDFromContextEmptyWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, RequestIDFromContext(req.Context()))
}
