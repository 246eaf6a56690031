package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchLatencyGradeThresholds_ServerOK(t *testing.T) {
	want := LatencyGradeThresholds{}
	want.Baseline.Thresholds = []GradeThreshold{{Threshold: 15, Grade: "A+", Class: "excellent"}}
	want.Increase.Thresholds = []GradeThreshold{{Threshold: 10, Grade: "A+", Class: "excellent"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latencyGradeThresholds.json", r.URL.Path)
		require.NoError(t, json.NewEncoder(w).Encode(want))
	}))
	defer srv.Close()

	got := FetchLatencyGradeThresholds(context.Background(), srv.Client(), srv.URL)
	assert.Equal(t, want, got)
}

func TestFetchLatencyGradeThresholds_FallsBackOn500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	got := FetchLatencyGradeThresholds(context.Background(), srv.Client(), srv.URL)
	assert.Equal(t, DefaultLatencyGradeThresholds(), got)
}

func TestFetchLatencyGradeThresholds_FallsBackOnMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	got := FetchLatencyGradeThresholds(context.Background(), srv.Client(), srv.URL)
	assert.Equal(t, DefaultLatencyGradeThresholds(), got)
}

func TestFetchLatencyGradeThresholds_FallsBackOnUnreachable(t *testing.T) {
	got := FetchLatencyGradeThresholds(context.Background(), http.DefaultClient, "http://127.0.0.1:1")
	assert.Equal(t, DefaultLatencyGradeThresholds(), got)
}
