// Package result turns a worker's structured payload into a stored result.
//
// Two payload envelopes are understood: the analysis object emitted directly
// by the worker and the wrapped {success, error, data} form. Aggregate
// sentiment counts are taken from explicit fields when present, otherwise
// derived from the analyzed_news entries.
package result

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

// WorkerFailure is a payload in which the worker reported its own failure.
type WorkerFailure struct {
	Message string
}

func (e *WorkerFailure) Error() string {
	if e.Message == "" {
		return "worker reported failure"
	}
	return "worker reported failure: " + e.Message
}

type envelope struct {
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// Unwrap returns the analysis object inside payload. A wrapped payload with
// success=false yields *WorkerFailure.
func Unwrap(payload json.RawMessage) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	if env.Success == nil {
		return payload, nil
	}
	if !*env.Success {
		return nil, &WorkerFailure{Message: env.Error}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return payload, nil
	}
	return env.Data, nil
}

type analysis struct {
	Positive     *int            `json:"positive"`
	Negative     *int            `json:"negative"`
	Neutral      *int            `json:"neutral"`
	OverallScore *float64        `json:"overall_score"`
	AnalyzedNews []analyzedEntry `json:"analyzed_news"`
}

type analyzedEntry struct {
	Sentiment string   `json:"sentiment"`
	Score     *float64 `json:"score"`
}

// Summarize computes aggregate counts for an analysis object.
func Summarize(analysisJSON json.RawMessage) (domain.Counts, error) {
	var a analysis
	if err := json.Unmarshal(analysisJSON, &a); err != nil {
		return domain.Counts{}, fmt.Errorf("decode analysis: %w", err)
	}

	var counts domain.Counts
	if a.Positive != nil || a.Negative != nil || a.Neutral != nil {
		counts.Positive = deref(a.Positive)
		counts.Negative = deref(a.Negative)
		counts.Neutral = deref(a.Neutral)
	} else {
		for _, n := range a.AnalyzedNews {
			switch normalizeSentiment(n.Sentiment) {
			case "positive":
				counts.Positive++
			case "negative":
				counts.Negative++
			default:
				counts.Neutral++
			}
		}
	}

	switch {
	case a.OverallScore != nil:
		counts.OverallScore = *a.OverallScore
	case averageScore(a.AnalyzedNews) != nil:
		counts.OverallScore = *averageScore(a.AnalyzedNews)
	default:
		total := counts.Positive + counts.Negative + counts.Neutral
		if total > 0 {
			counts.OverallScore = float64(counts.Positive-counts.Negative) / float64(total)
		}
	}
	counts.OverallScore = math.Round(counts.OverallScore*1000) / 1000
	return counts, nil
}

// Build unwraps payload and assembles the stored result for job.
func Build(job *domain.Job, payload json.RawMessage) (*domain.StoredResult, error) {
	inner, err := Unwrap(payload)
	if err != nil {
		return nil, err
	}
	counts, err := Summarize(inner)
	if err != nil {
		return nil, err
	}
	return &domain.StoredResult{
		JobID:   job.ID(),
		Subject: job.Subject(),
		Payload: payload,
		Counts:  counts,
	}, nil
}

func normalizeSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "긍정":
		return "positive"
	case "negative", "부정":
		return "negative"
	default:
		return "neutral"
	}
}

func averageScore(entries []analyzedEntry) *float64 {
	var sum float64
	var n int
	for _, e := range entries {
		if e.Score != nil {
			sum += *e.Score
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
