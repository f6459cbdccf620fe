// Package mock provides a deterministic Executor for tests and local runs.
// It mirrors the canned-response provider the dictionary API ships with.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lexivault/lexibatch/internal/executor"
	"github.com/lexivault/lexibatch/pkg/models"
)

// Executor satisfies executor.Executor with canned per-feature payloads.
type Executor struct {
	Name_       string
	Delay       time.Duration
	ExecuteFunc func(ctx context.Context, req executor.Request) (executor.Result, error)
}

func (e *Executor) Name() string { return e.Name_ }

func (e *Executor) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	if e.ExecuteFunc != nil {
		return e.ExecuteFunc(ctx, req)
	}
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		}
	}
	return cannedResult(req)
}

// New returns an Executor that answers every feature with a canned payload
// after the given simulated latency.
func New(name string, delay time.Duration) *Executor {
	return &Executor{Name_: name, Delay: delay}
}

// NewFailing returns an Executor that always returns err.
func NewFailing(err error) *Executor {
	return &Executor{
		Name_: "mock-failing",
		ExecuteFunc: func(_ context.Context, _ executor.Request) (executor.Result, error) {
			return executor.Result{}, err
		},
	}
}

// NewTimeout returns an Executor that blocks until the context expires.
func NewTimeout() *Executor {
	return &Executor{
		Name_: "mock-timeout",
		ExecuteFunc: func(ctx context.Context, _ executor.Request) (executor.Result, error) {
			<-ctx.Done()
			return executor.Result{}, ctx.Err()
		},
	}
}

// NewFlaky returns an Executor that fails transiently for the first
// failures attempts of each word+feature pair, then succeeds. Useful for
// retry tests.
func NewFlaky(failures int) *Executor {
	var mu sync.Mutex
	attempts := make(map[string]int)
	return &Executor{
		Name_: "mock-flaky",
		ExecuteFunc: func(_ context.Context, req executor.Request) (executor.Result, error) {
			key := req.Word + "/" + req.Feature
			mu.Lock()
			attempts[key]++
			n := attempts[key]
			mu.Unlock()
			if n <= failures {
				return executor.Result{}, executor.Transient("RATE_LIMITED", "simulated transient failure")
			}
			return cannedResult(req)
		},
	}
}

func cannedResult(req executor.Request) (executor.Result, error) {
	var body any
	switch req.Feature {
	case models.FeatureContextDefinition:
		body = map[string]string{"definition": fmt.Sprintf("Contextual definition of %q.", req.Word)}
	case models.FeatureSmartSummary:
		body = map[string]string{"summary": fmt.Sprintf("Concise summary for %q.", req.Word)}
	case models.FeatureUsageExamples:
		body = map[string]any{"examples": []string{
			fmt.Sprintf("The word %q appears in a sentence.", req.Word),
			fmt.Sprintf("Another usage of %q.", req.Word),
		}}
	case models.FeatureEtymology:
		body = map[string]string{"etymology": fmt.Sprintf("Origin story of %q.", req.Word)}
	case models.FeatureDifficultyLevel:
		body = map[string]string{"level": "intermediate"}
	case models.FeatureRelatedConcepts:
		body = map[string]any{"concepts": []string{req.Word + "-adjacent", req.Word + "-related"}}
	case models.FeatureTranslationContext:
		body = map[string]string{"note": fmt.Sprintf("Translation notes for %q.", req.Word)}
	default:
		body = map[string]string{"result": fmt.Sprintf("Mock enrichment of %q for feature %q.", req.Word, req.Feature)}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return executor.Result{}, fmt.Errorf("encode mock payload: %w", err)
	}
	return executor.Result{
		Payload:    payload,
		Cost:       0.000420,
		TokensUsed: 128,
	}, nil
}

// Compile-time check that Executor implements executor.Executor.
var _ executor.Executor = (*Executor)(nil)
