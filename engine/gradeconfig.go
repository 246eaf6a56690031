package engine

import (
	"context"
	"encoding/json"
	"net/http"
)

// GradeThreshold is one row of a latency grading table.
type GradeThreshold struct {
	Threshold   float64 `json:"threshold"`
	Grade       string  `json:"grade"`
	Class       string  `json:"class"`
	Description string  `json:"description"`
}

// LatencyGradeThresholds mirrors the documented
// /latencyGradeThresholds.json shape (spec.md §6). The engine only fetches
// and surfaces this config; grading itself is out of scope.
type LatencyGradeThresholds struct {
	Baseline struct {
		Thresholds []GradeThreshold `json:"thresholds"`
	} `json:"baseline"`
	Increase struct {
		Thresholds []GradeThreshold `json:"thresholds"`
	} `json:"increase"`
}

// DefaultLatencyGradeThresholds are the hard fallback values used when the
// config fetch fails; they MUST match the server's documented defaults
// (spec.md §6).
func DefaultLatencyGradeThresholds() LatencyGradeThresholds {
	var t LatencyGradeThresholds
	t.Baseline.Thresholds = []GradeThreshold{
		{Threshold: 20, Grade: "A+", Class: "excellent", Description: "Excellent baseline latency"},
		{Threshold: 50, Grade: "A", Class: "good", Description: "Good baseline latency"},
		{Threshold: 100, Grade: "B", Class: "fair", Description: "Fair baseline latency"},
		{Threshold: 200, Grade: "C", Class: "poor", Description: "Poor baseline latency"},
	}
	t.Increase.Thresholds = []GradeThreshold{
		{Threshold: 5, Grade: "A+", Class: "excellent", Description: "Negligible bufferbloat"},
		{Threshold: 30, Grade: "A", Class: "good", Description: "Minor bufferbloat"},
		{Threshold: 60, Grade: "B", Class: "fair", Description: "Moderate bufferbloat"},
		{Threshold: 200, Grade: "C", Class: "poor", Description: "Severe bufferbloat"},
	}
	return t
}

// FetchLatencyGradeThresholds retrieves the grading config from the server,
// falling back to DefaultLatencyGradeThresholds on any error (spec.md §7
// "Configuration" error kind: substitute the documented fallback and
// continue).
func FetchLatencyGradeThresholds(ctx context.Context, client *http.Client, baseURL string) LatencyGradeThresholds {
	url := baseURL + "/latencyGradeThresholds.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DefaultLatencyGradeThresholds()
	}

	resp, err := client.Do(req)
	if err != nil {
		return DefaultLatencyGradeThresholds()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DefaultLatencyGradeThresholds()
	}

	var t LatencyGradeThresholds
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return DefaultLatencyGradeThresholds()
	}
	if len(t.Baseline.Thresholds) == 0 || len(t.Increase.Thresholds) == 0 {
		return DefaultLatencyGradeThresholds()
	}
	return t
}
