package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/scrypster/mnemo/pkg/types"
)

type stubOracle struct {
	score float64
	err   error
	calls int
}

func (s *stubOracle) Similarity(ctx context.Context, a, b *types.Node) (float64, error) {
	s.calls++
	return s.score, s.err
}

type stubJudge struct {
	verdict Verdict
	err     error
}

func (s *stubJudge) Judge(ctx context.Context, existing, proposed string) (Verdict, error) {
	return s.verdict, s.err
}

type stubSummarizer struct {
	summary string
	err     error
}

func (s *stubSummarizer) Summarize(ctx context.Context, texts []string) (string, error) {
	return s.summary, s.err
}

func fastParams() CollaboratorParams {
	return CollaboratorParams{RatePerSecond: 1000, Burst: 1000, Timeout: time.Second}
}

func TestEmbeddingSimilarity(t *testing.T) {
	if sim := EmbeddingSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(sim-1.0) > 0.001 {
		t.Errorf("identical vectors should score 1.0, got %f", sim)
	}
	if sim := EmbeddingSimilarity([]float32{1, 0}, []float32{0, 1}); sim != 0 {
		t.Errorf("orthogonal vectors should score 0, got %f", sim)
	}
	if sim := EmbeddingSimilarity(nil, []float32{1}); sim != 0 {
		t.Errorf("missing embedding should score 0, got %f", sim)
	}
	if sim := EmbeddingSimilarity([]float32{1, 2}, []float32{1}); sim != 0 {
		t.Errorf("dimension mismatch should score 0, got %f", sim)
	}
}

func TestSimilarity_NilOracleUsesEmbeddings(t *testing.T) {
	c := NewCollaborators(nil, nil, nil, fastParams())
	a := types.NewNode("user-1", types.NodeTypeNote, "")
	a.Embedding = []float32{1, 0}
	b := types.NewNode("user-1", types.NodeTypeNote, "")
	b.Embedding = []float32{1, 0}

	if sim := c.Similarity(context.Background(), a, b); math.Abs(sim-1.0) > 0.001 {
		t.Errorf("nil oracle should fall back to embedding cosine, got %f", sim)
	}
}

func TestSimilarity_OracleFailureScoresZero(t *testing.T) {
	oracle := &stubOracle{err: errors.New("boom")}
	c := NewCollaborators(oracle, nil, nil, fastParams())
	a := types.NewNode("user-1", types.NodeTypeNote, "")
	b := types.NewNode("user-1", types.NodeTypeNote, "")

	if sim := c.Similarity(context.Background(), a, b); sim != 0 {
		t.Errorf("oracle failure should score 0, got %f", sim)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	oracle := &stubOracle{err: errors.New("down")}
	params := fastParams()
	params.MaxFailures = 3
	c := NewCollaborators(oracle, nil, nil, params)

	a := types.NewNode("user-1", types.NodeTypeNote, "")
	b := types.NewNode("user-1", types.NodeTypeNote, "")
	for i := 0; i < 5; i++ {
		c.Similarity(context.Background(), a, b)
	}

	if state := c.BreakerState(); state != "open" {
		t.Errorf("breaker should be open after repeated failures, got %q", state)
	}
	if oracle.calls > 3 {
		t.Errorf("open breaker should stop reaching the oracle, got %d calls", oracle.calls)
	}
}

func TestSummarize_Fallbacks(t *testing.T) {
	c := NewCollaborators(nil, nil, nil, fastParams())
	if got := c.Summarize(context.Background(), []string{"a", "b", "c"}); got != "c" {
		t.Errorf("nil summarizer should keep the most recent text, got %q", got)
	}
	if got := c.Summarize(context.Background(), nil); got != "" {
		t.Errorf("no texts should summarize to empty, got %q", got)
	}

	failing := NewCollaborators(nil, &stubSummarizer{err: errors.New("down")}, nil, fastParams())
	if got := failing.Summarize(context.Background(), []string{"a", "b"}); got != "b" {
		t.Errorf("failing summarizer should fall back to the most recent text, got %q", got)
	}

	working := NewCollaborators(nil, &stubSummarizer{summary: "condensed"}, nil, fastParams())
	if got := working.Summarize(context.Background(), []string{"a", "b"}); got != "condensed" {
		t.Errorf("working summarizer output should be used, got %q", got)
	}
}

func TestJudge_FallbackIsCompatible(t *testing.T) {
	c := NewCollaborators(nil, nil, nil, fastParams())
	if v := c.Judge(context.Background(), "x", "y"); v != VerdictCompatible {
		t.Errorf("nil judge should answer compatible, got %q", v)
	}

	failing := NewCollaborators(nil, nil, &stubJudge{err: errors.New("down")}, fastParams())
	if v := failing.Judge(context.Background(), "x", "y"); v != VerdictCompatible {
		t.Errorf("failing judge should answer compatible, got %q", v)
	}

	strict := NewCollaborators(nil, nil, &stubJudge{verdict: VerdictContradiction}, fastParams())
	if v := strict.Judge(context.Background(), "x", "y"); v != VerdictContradiction {
		t.Errorf("judge verdict should pass through, got %q", v)
	}
}
