package topology

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrRejected is returned when a joining node's invariant attributes differ
// from the cluster's. It is fatal to the joiner: the node must be
// reconfigured, the join is never retried.
var ErrRejected = errors.New("node rejected: incompatible cluster attributes")

// Attribute names checked by the default gate.
const (
	// AttrDeploymentMode must match cluster-wide; nodes with divergent
	// deployment semantics cannot exchange cache state safely.
	AttrDeploymentMode = "deployment-mode"
	// AttrPeerExchange flags whether peers exchange user classes/codecs.
	AttrPeerExchange = "peer-exchange"
	// AttrPreferIPv4 is the network stack preference. Divergence is only
	// warned about, matching how mixed stacks degrade rather than break.
	AttrPreferIPv4 = "prefer-ipv4"
)

// Gate validates a joining node's attributes against an existing member's.
// Required attributes reject the join on mismatch; Warned attributes only
// log. The check runs once at join time, never per operation.
type Gate struct {
	Required []string
	Warned   []string

	log *zap.Logger
}

// NewGate builds a gate for the given attribute sets. Nil slices select the
// defaults.
func NewGate(required, warned []string, log *zap.Logger) *Gate {
	if required == nil {
		required = []string{AttrDeploymentMode, AttrPeerExchange}
	}
	if warned == nil {
		warned = []string{AttrPreferIPv4}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{Required: required, Warned: warned, log: log}
}

// Check compares the joiner's attributes with an existing member's. The
// returned error wraps ErrRejected and names the first divergent required
// attribute, so identical mismatches always fail with the same cause.
func (g *Gate) Check(existing, joiner Attributes) error {
	for _, name := range g.Required {
		if existing[name] != joiner[name] {
			return fmt.Errorf("%w: remote node has %s different from local node [local=%q, remote=%q]",
				ErrRejected, name, existing[name], joiner[name])
		}
	}
	for _, name := range g.Warned {
		if existing[name] != joiner[name] {
			g.log.Warn("joining node attribute differs from local node; all nodes in topology should have identical values",
				zap.String("attribute", name),
				zap.String("local", existing[name]),
				zap.String("remote", joiner[name]))
		}
	}
	return nil
}
