package engine

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/scrypster/mnemo/pkg/types"
)

// External collaborators. All three are text/vector services outside this
// process: the engine invokes them with a timeout, behind a circuit breaker
// and a rate limiter, and falls back to a deterministic path on any failure.
// A stalled collaborator degrades lifecycle quality, never correctness.

// SimilarityOracle scores the semantic similarity of two nodes in [0, 1].
type SimilarityOracle interface {
	Similarity(ctx context.Context, a, b *types.Node) (float64, error)
}

// Summarizer condenses several node texts into one.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) (string, error)
}

// Verdict is the conflict judge's answer for an ambiguous belief pair.
type Verdict string

// Conflict judge verdicts.
const (
	VerdictContradiction Verdict = "contradiction"
	VerdictCompatible    Verdict = "compatible"
)

// ConflictJudge decides whether a proposed belief text contradicts an
// existing one.
type ConflictJudge interface {
	Judge(ctx context.Context, existing, proposed string) (Verdict, error)
}

// CollaboratorParams configures the shared protection around collaborator
// calls.
type CollaboratorParams struct {
	// Timeout bounds each call. Default: 5s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxFailures trips the breaker after this many consecutive failures.
	// Default: 3.
	MaxFailures uint32 `yaml:"max_failures"`

	// OpenTimeout is how long the breaker stays open. Default: 30s.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// RatePerSecond caps collaborator calls. Default: 10.
	RatePerSecond float64 `yaml:"rate_per_second"`

	// Burst is the rate limiter burst size. Default: 5.
	Burst int `yaml:"burst"`
}

// Normalize fills zero values with defaults.
func (p *CollaboratorParams) Normalize() {
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Second
	}
	if p.MaxFailures == 0 {
		p.MaxFailures = 3
	}
	if p.OpenTimeout <= 0 {
		p.OpenTimeout = 30 * time.Second
	}
	if p.RatePerSecond <= 0 {
		p.RatePerSecond = 10
	}
	if p.Burst <= 0 {
		p.Burst = 5
	}
}

// Collaborators bundles the external services with their protection. Zero
// collaborators are valid: a nil oracle scores embeddings locally, a nil
// summarizer keeps the most recent text, a nil judge answers compatible.
type Collaborators struct {
	oracle     SimilarityOracle
	summarizer Summarizer
	judge      ConflictJudge

	params  CollaboratorParams
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewCollaborators wraps the given services. Any of them may be nil.
func NewCollaborators(oracle SimilarityOracle, summarizer Summarizer, judge ConflictJudge, params CollaboratorParams) *Collaborators {
	params.Normalize()
	c := &Collaborators{
		oracle:     oracle,
		summarizer: summarizer,
		judge:      judge,
		params:     params,
		limiter:    rate.NewLimiter(rate.Limit(params.RatePerSecond), params.Burst),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "collaborators",
		Timeout: params.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= params.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("engine: collaborator breaker %s -> %s", from, to)
		},
	})
	return c
}

// call runs fn behind the limiter, the breaker, and the timeout.
func (c *Collaborators) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.params.Timeout)
		defer cancel()
		return fn(callCtx)
	})
}

// Similarity scores two nodes. Failure or timeout means "no similarity":
// the conservative answer that prevents a bad merge.
func (c *Collaborators) Similarity(ctx context.Context, a, b *types.Node) float64 {
	if c.oracle == nil {
		return EmbeddingSimilarity(a.Embedding, b.Embedding)
	}
	res, err := c.call(ctx, func(ctx context.Context) (any, error) {
		return c.oracle.Similarity(ctx, a, b)
	})
	if err != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) {
			log.Printf("engine: similarity oracle failed, treating as no similarity: %v", err)
		}
		return 0
	}
	return clamp01(res.(float64))
}

// Summarize condenses texts. The fallback keeps the most recent text, so
// abstraction always terminates.
func (c *Collaborators) Summarize(ctx context.Context, texts []string) string {
	fallback := ""
	if len(texts) > 0 {
		fallback = texts[len(texts)-1]
	}
	if c.summarizer == nil || len(texts) == 0 {
		return fallback
	}
	res, err := c.call(ctx, func(ctx context.Context) (any, error) {
		return c.summarizer.Summarize(ctx, texts)
	})
	if err != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) {
			log.Printf("engine: summarizer failed, keeping most recent text: %v", err)
		}
		return fallback
	}
	summary := strings.TrimSpace(res.(string))
	if summary == "" {
		return fallback
	}
	return summary
}

// Judge decides an ambiguous belief pair. The fallback verdict is
// compatible: without a judge the engine never rewrites a belief.
func (c *Collaborators) Judge(ctx context.Context, existing, proposed string) Verdict {
	if c.judge == nil {
		return VerdictCompatible
	}
	res, err := c.call(ctx, func(ctx context.Context) (any, error) {
		return c.judge.Judge(ctx, existing, proposed)
	})
	if err != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) {
			log.Printf("engine: conflict judge failed, treating as compatible: %v", err)
		}
		return VerdictCompatible
	}
	if v, ok := res.(Verdict); ok && v == VerdictContradiction {
		return VerdictContradiction
	}
	return VerdictCompatible
}

// BreakerState reports the collaborator breaker state for diagnostics.
func (c *Collaborators) BreakerState() string {
	return c.breaker.State().String()
}

// EmbeddingSimilarity is the local similarity fallback: cosine similarity
// of the nodes' embedding vectors, 0 when either is missing or mismatched.
func EmbeddingSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
