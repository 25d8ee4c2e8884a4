package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elternzeit/happenings-cli/internal/model"
	"github.com/elternzeit/happenings-cli/internal/store"
)

func newServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return NewServer(s), s
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReviewsEndpoint(t *testing.T) {
	srv, s := newServer(t)
	ctx := context.Background()

	review := &model.CanonicalizationReview{
		RunID:             "run-1",
		SourceHappeningID: 7,
		ReviewType:        model.ReviewAmbiguousMatch,
		Threshold:         0.85,
	}
	require.NoError(t, s.UpsertReview(ctx, review))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reviews", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Count   int                             `json:"count"`
		Reviews []model.CanonicalizationReview  `json:"reviews"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 1, payload.Count)
	require.Len(t, payload.Reviews, 1)
	assert.Equal(t, model.ReviewAmbiguousMatch, payload.Reviews[0].ReviewType)
}

func TestRunsEndpoint(t *testing.T) {
	srv, s := newServer(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.InsertRunStats(ctx, &model.MergeRunStats{
		RunID:      "run-1",
		Claimed:    3,
		StartedAt:  now,
		FinishedAt: now,
	}))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Count int                   `json:"count"`
		Runs  []model.MergeRunStats `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 1, payload.Count)
	assert.Equal(t, "run-1", payload.Runs[0].RunID)
}

func TestListLimitParsing(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", defaultListLimit},
		{"?limit=5", 5},
		{"?limit=0", defaultListLimit},
		{"?limit=junk", defaultListLimit},
		{"?limit=99999", maxListLimit},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/reviews"+tt.query, nil)
		assert.Equal(t, tt.want, listLimit(r), "query %q", tt.query)
	}
}
