package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// LifecycleParams holds the thresholds and periods of the three passes.
// Every value is tunable configuration.
type LifecycleParams struct {
	// Consolidate selects raw nodes older than ConsolidateMinAge with
	// retention at or below ConsolidateMaxRetention, and merges clusters of
	// at least MinClusterSize scoring SimilarityThreshold or higher.
	ConsolidateMaxRetention float64       `yaml:"consolidate_max_retention"`
	ConsolidateMinAge       time.Duration `yaml:"consolidate_min_age"`
	SimilarityThreshold     float64       `yaml:"similarity_threshold"`
	MinClusterSize          int           `yaml:"min_cluster_size"`

	// Abstract promotes episodic nodes older than AbstractMinAge.
	AbstractMinAge time.Duration `yaml:"abstract_min_age"`

	// Forget tombstones edges below EdgeForgetThreshold and nodes below
	// NodeForgetThreshold that have no live edges.
	EdgeForgetThreshold float64 `yaml:"edge_forget_threshold"`
	NodeForgetThreshold float64 `yaml:"node_forget_threshold"`

	// Pass periods enforced by Due.
	ConsolidatePeriod time.Duration `yaml:"consolidate_period"`
	AbstractPeriod    time.Duration `yaml:"abstract_period"`
	ForgetPeriod      time.Duration `yaml:"forget_period"`
}

// Normalize fills zero values with defaults.
func (p *LifecycleParams) Normalize() {
	if p.ConsolidateMaxRetention <= 0 {
		p.ConsolidateMaxRetention = 0.3
	}
	if p.ConsolidateMinAge <= 0 {
		p.ConsolidateMinAge = 72 * time.Hour
	}
	if p.SimilarityThreshold <= 0 {
		p.SimilarityThreshold = 0.82
	}
	if p.MinClusterSize < 2 {
		p.MinClusterSize = 2
	}
	if p.AbstractMinAge <= 0 {
		p.AbstractMinAge = 30 * 24 * time.Hour
	}
	if p.EdgeForgetThreshold <= 0 {
		p.EdgeForgetThreshold = 0.05
	}
	if p.NodeForgetThreshold <= 0 {
		p.NodeForgetThreshold = 0.1
	}
	if p.ConsolidatePeriod <= 0 {
		p.ConsolidatePeriod = 24 * time.Hour
	}
	if p.AbstractPeriod <= 0 {
		p.AbstractPeriod = 7 * 24 * time.Hour
	}
	if p.ForgetPeriod <= 0 {
		p.ForgetPeriod = 7 * 24 * time.Hour
	}
}

// PassReport summarizes one lifecycle pass run.
type PassReport struct {
	UserID   string
	Pass     storage.PassKind
	Scanned  int
	Merged   int // clusters merged (consolidate/abstract)
	Deleted  int // nodes or edges tombstoned (forget)
	Skipped  int // protected or still-referenced nodes kept (forget)
	Started  time.Time
	Duration time.Duration
}

// Lifecycle runs the consolidate, abstract, and forget passes for one user
// at a time. Every structural change goes through the facade so it is
// logged; each cluster merge is its own atomic unit, so an aborted pass
// resumes safely on the next run.
type Lifecycle struct {
	graph   *Graph
	collab  *Collaborators
	decayer *Decayer
	params  LifecycleParams

	// passLocks serializes passes per user. Passes for different users run
	// concurrently.
	passLocks sync.Map // userID -> *sync.Mutex
}

// NewLifecycle wires a lifecycle engine over the facade.
func NewLifecycle(graph *Graph, collab *Collaborators, decayer *Decayer, params LifecycleParams) *Lifecycle {
	params.Normalize()
	return &Lifecycle{
		graph:   graph,
		collab:  collab,
		decayer: decayer,
		params:  params,
	}
}

func (l *Lifecycle) lockPasses(userID string) func() {
	v, _ := l.passLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Due reports whether the pass's period has elapsed since its last run.
// A pass that has never run is always due.
func (l *Lifecycle) Due(ctx context.Context, userID string, pass storage.PassKind) (bool, error) {
	run, err := l.graph.GetPassRun(ctx, userID, pass)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	var period time.Duration
	switch pass {
	case storage.PassConsolidate:
		period = l.params.ConsolidatePeriod
	case storage.PassAbstract:
		period = l.params.AbstractPeriod
	case storage.PassForget:
		period = l.params.ForgetPeriod
	default:
		return false, fmt.Errorf("%w: unknown pass %q", storage.ErrInvalidInput, pass)
	}
	return time.Since(run.LastRunAt) >= period, nil
}

// Consolidate merges clusters of low-retention raw nodes into episodic
// nodes. Groups below MinClusterSize are left untouched. Idempotent: merged
// originals are tombstoned and never selected again.
func (l *Lifecycle) Consolidate(ctx context.Context, userID string) (*PassReport, error) {
	defer l.lockPasses(userID)()
	report := &PassReport{UserID: userID, Pass: storage.PassConsolidate, Started: time.Now().UTC()}

	now := time.Now()
	candidates, err := l.graph.QueryNodes(ctx, storage.NodeQuery{
		UserID:           userID,
		AbstractionLevel: types.AbstractionRaw,
		CreatedBefore:    now.Add(-l.params.ConsolidateMinAge),
		Limit:            verifyQueryLimit,
	})
	if err != nil {
		return report, err
	}

	selected := make([]*types.Node, 0, len(candidates))
	for _, n := range candidates {
		if l.decayer.NodeRetention(n, now) <= l.params.ConsolidateMaxRetention {
			selected = append(selected, n)
		}
	}
	report.Scanned = len(selected)

	clusters := clusterBySimilarity(ctx, l.collab, selected, l.params.SimilarityThreshold)
	for _, cluster := range clusters {
		if len(cluster) < l.params.MinClusterSize {
			continue
		}
		if err := ctx.Err(); err != nil {
			// Aborted between merge units; completed merges stay committed.
			return report, err
		}
		if err := l.mergeCluster(ctx, userID, cluster, types.AbstractionEpisodic); err != nil {
			log.Printf("engine: consolidate merge for user %s failed, continuing: %v", userID, err)
			continue
		}
		report.Merged++
	}

	if err := l.graph.RecordPassRun(ctx, userID, storage.PassConsolidate, time.Now().UTC()); err != nil {
		return report, err
	}
	report.Duration = time.Since(report.Started)
	return report, nil
}

// Abstract promotes clusters of old episodic nodes into semantic nodes. The
// structural mechanics are the same as consolidation; the summarizer shapes
// the resulting text.
func (l *Lifecycle) Abstract(ctx context.Context, userID string) (*PassReport, error) {
	defer l.lockPasses(userID)()
	report := &PassReport{UserID: userID, Pass: storage.PassAbstract, Started: time.Now().UTC()}

	now := time.Now()
	candidates, err := l.graph.QueryNodes(ctx, storage.NodeQuery{
		UserID:           userID,
		AbstractionLevel: types.AbstractionEpisodic,
		CreatedBefore:    now.Add(-l.params.AbstractMinAge),
		Limit:            verifyQueryLimit,
	})
	if err != nil {
		return report, err
	}
	report.Scanned = len(candidates)

	clusters := clusterBySimilarity(ctx, l.collab, candidates, l.params.SimilarityThreshold)
	for _, cluster := range clusters {
		if len(cluster) < l.params.MinClusterSize {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := l.mergeCluster(ctx, userID, cluster, types.AbstractionSemantic); err != nil {
			log.Printf("engine: abstract merge for user %s failed, continuing: %v", userID, err)
			continue
		}
		report.Merged++
	}

	if err := l.graph.RecordPassRun(ctx, userID, storage.PassAbstract, time.Now().UTC()); err != nil {
		return report, err
	}
	report.Duration = time.Since(report.Started)
	return report, nil
}

// mergeCluster creates the promoted node and merges the cluster into it as
// one atomic unit.
func (l *Lifecycle) mergeCluster(ctx context.Context, userID string, cluster []*types.Node, level types.AbstractionLevel) error {
	texts := make([]string, 0, len(cluster))
	memberIDs := make([]string, 0, len(cluster))
	for _, n := range cluster {
		if n.Text != "" {
			texts = append(texts, n.Text)
		}
		memberIDs = append(memberIDs, n.ID)
	}

	promoted := types.NewNode(userID, dominantType(cluster), "")
	promoted.AbstractionLevel = level
	promoted.Text = l.collab.Summarize(ctx, texts)
	promoted.Name = cluster[0].Name

	res, err := l.graph.UpsertNode(ctx, promoted)
	if err != nil {
		return err
	}
	if _, err := l.graph.MergeNodes(ctx, userID, res.Node.ID, memberIDs); err != nil {
		// The promoted node is already committed and logged. Tombstone it so
		// a failed merge unit leaves no orphan; the members stay eligible for
		// the next run.
		if delErr := l.graph.SoftDeleteNode(ctx, userID, res.Node.ID); delErr != nil {
			log.Printf("engine: failed to remove orphaned promoted node %s: %v", res.Node.ID, delErr)
		}
		return err
	}
	return nil
}

// Forget recomputes retention scores and tombstones what has decayed away:
// edges below the edge threshold, then nodes below the node threshold that
// have no live edges left. Protected nodes are never deleted.
func (l *Lifecycle) Forget(ctx context.Context, userID string) (*PassReport, error) {
	defer l.lockPasses(userID)()
	report := &PassReport{UserID: userID, Pass: storage.PassForget, Started: time.Now().UTC()}

	now := time.Now()
	edges, err := l.graph.QueryEdges(ctx, storage.EdgeQuery{UserID: userID, Limit: verifyQueryLimit})
	if err != nil {
		return report, err
	}
	for _, e := range edges {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		score := l.decayer.EdgeRetention(e, now)
		if math.Abs(score-e.RetentionScore) >= retentionWriteThreshold {
			if err := l.graph.SetEdgeRetention(ctx, e.ID, score); err != nil {
				return report, err
			}
		}
		if score < l.params.EdgeForgetThreshold {
			if err := l.graph.SoftDeleteEdge(ctx, userID, e.ID); err != nil {
				return report, err
			}
			report.Deleted++
		}
	}

	nodes, err := l.graph.QueryNodes(ctx, storage.NodeQuery{UserID: userID, Limit: verifyQueryLimit})
	if err != nil {
		return report, err
	}
	report.Scanned = len(nodes) + len(edges)

	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		score := l.decayer.NodeRetention(n, now)
		if math.Abs(score-n.RetentionScore) >= retentionWriteThreshold {
			if err := l.graph.SetNodeRetention(ctx, n.ID, score); err != nil {
				return report, err
			}
		}
		if score >= l.params.NodeForgetThreshold {
			continue
		}
		if n.Protected() {
			report.Skipped++
			continue
		}
		liveEdges, err := l.liveEdgeCount(ctx, userID, n.ID)
		if err != nil {
			return report, err
		}
		if liveEdges > 0 {
			report.Skipped++
			continue
		}
		if err := l.graph.SoftDeleteNode(ctx, userID, n.ID); err != nil {
			return report, err
		}
		report.Deleted++
	}

	if err := l.graph.RecordPassRun(ctx, userID, storage.PassForget, time.Now().UTC()); err != nil {
		return report, err
	}
	report.Duration = time.Since(report.Started)
	return report, nil
}

func (l *Lifecycle) liveEdgeCount(ctx context.Context, userID, nodeID string) (int, error) {
	out, err := l.graph.QueryEdges(ctx, storage.EdgeQuery{UserID: userID, SourceID: nodeID, Limit: 1})
	if err != nil {
		return 0, err
	}
	if len(out) > 0 {
		return len(out), nil
	}
	in, err := l.graph.QueryEdges(ctx, storage.EdgeQuery{UserID: userID, TargetID: nodeID, Limit: 1})
	if err != nil {
		return 0, err
	}
	return len(in), nil
}

// RunAll runs every due pass for a user in consolidate, abstract, forget
// order and returns the reports of the passes that ran.
func (l *Lifecycle) RunAll(ctx context.Context, userID string) ([]*PassReport, error) {
	var reports []*PassReport
	passes := []struct {
		kind storage.PassKind
		run  func(context.Context, string) (*PassReport, error)
	}{
		{storage.PassConsolidate, l.Consolidate},
		{storage.PassAbstract, l.Abstract},
		{storage.PassForget, l.Forget},
	}
	for _, p := range passes {
		due, err := l.Due(ctx, userID, p.kind)
		if err != nil {
			return reports, err
		}
		if !due {
			continue
		}
		report, err := p.run(ctx, userID)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}
