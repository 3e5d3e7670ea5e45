// Package failover routes compute jobs within a topology subset and reroutes
// them when a node fails. Routing candidates are the intersection of the
// caller's static projection and node predicate; a replacement must satisfy
// both, must not be the failed node, and must not have been tried already.
// When no replacement exists the original failure propagates unchanged.
package failover

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/meshcache/meshcache/core/topology"
)

// ErrEmptyProjection means no node satisfied the projection and predicate
// at submission time.
var ErrEmptyProjection = errors.New("no nodes match the job projection")

// Job is a unit of work executable on any matching node.
type Job interface {
	Execute(ctx context.Context, nodeID string) (any, error)
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, nodeID string) (any, error)

// Execute implements Job.
func (f JobFunc) Execute(ctx context.Context, nodeID string) (any, error) {
	return f(ctx, nodeID)
}

// Predicate filters candidate nodes.
type Predicate func(topology.Member) bool

// Policy selects a replacement node after a failure. ok is false when no
// eligible replacement exists.
type Policy interface {
	Failover(failed string, tried map[string]bool, candidates []topology.Member) (replacement topology.Member, ok bool)
}

// AlwaysPolicy reroutes to the first candidate that has not been tried.
type AlwaysPolicy struct{}

// Failover implements Policy.
func (AlwaysPolicy) Failover(failed string, tried map[string]bool, candidates []topology.Member) (topology.Member, bool) {
	for _, m := range candidates {
		if m.ID == failed || tried[m.ID] {
			continue
		}
		return m, true
	}
	return topology.Member{}, false
}

// Options scope one job submission.
type Options struct {
	// Projection restricts execution to an explicit node subset. Nil
	// means the whole topology.
	Projection []string
	// Predicate further filters the projection. Both must hold for a node
	// to receive the job, at submission and at failover alike.
	Predicate Predicate
	// MaxAttempts bounds total executions (first try included). Zero
	// means one attempt per candidate.
	MaxAttempts int
	// Routed observes every failover decision: true when a replacement
	// was found, false when the original failure propagates. Injected by
	// the caller, never global.
	Routed func(routed bool)
}

// Router executes jobs with failover. The router reads affinity and
// topology state from the core; the core never calls back into it.
type Router struct {
	view   *topology.View
	policy Policy
	log    *zap.Logger
}

// NewRouter creates a router over view. policy may be nil for AlwaysPolicy.
func NewRouter(view *topology.View, policy Policy, log *zap.Logger) *Router {
	if policy == nil {
		policy = AlwaysPolicy{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{view: view, policy: policy, log: log.Named("failover")}
}

// Run executes job on the first matching candidate, rerouting on failure
// per the policy. It returns the job result, or the original failure when
// no reroute is possible.
func (r *Router) Run(ctx context.Context, job Job, opts Options) (any, error) {
	snap := r.view.Current()
	candidates := r.candidates(snap, opts)
	if len(candidates) == 0 {
		return nil, ErrEmptyProjection
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = len(candidates)
	}

	tried := make(map[string]bool, len(candidates))
	target := candidates[0]
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := job.Execute(ctx, target.ID)
		if err == nil {
			return res, nil
		}
		lastErr = err
		tried[target.ID] = true

		next, ok := r.policy.Failover(target.ID, tried, candidates)
		if opts.Routed != nil {
			opts.Routed(ok)
		}
		if !ok {
			r.log.Debug("no failover candidate; propagating job failure",
				zap.String("failed", target.ID), zap.Error(err))
			return nil, err
		}
		r.log.Debug("rerouting failed job",
			zap.String("failed", target.ID), zap.String("to", next.ID))
		target = next
	}
	return nil, lastErr
}

// candidates intersects the topology with the projection and predicate,
// preserving snapshot order for deterministic first placement.
func (r *Router) candidates(snap *topology.Snapshot, opts Options) []topology.Member {
	var projected map[string]bool
	if opts.Projection != nil {
		projected = make(map[string]bool, len(opts.Projection))
		for _, id := range opts.Projection {
			projected[id] = true
		}
	}

	var out []topology.Member
	for _, m := range snap.Members {
		if projected != nil && !projected[m.ID] {
			continue
		}
		if opts.Predicate != nil && !opts.Predicate(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}
