package topology

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGateAdmitsIdenticalAttributes(t *testing.T) {
	g := NewGate(nil, nil, zap.NewNop())
	attrs := Attributes{
		AttrDeploymentMode: "shared",
		AttrPeerExchange:   "false",
		AttrPreferIPv4:     "true",
	}

	// Identical invariant attributes always admit, however often checked.
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Check(attrs, attrs))
	}
}

func TestGateRejectsDivergentRequiredAttribute(t *testing.T) {
	g := NewGate(nil, nil, zap.NewNop())
	local := Attributes{AttrDeploymentMode: "shared", AttrPeerExchange: "false"}
	remote := Attributes{AttrDeploymentMode: "continuous", AttrPeerExchange: "false"}

	err := g.Check(local, remote)
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), AttrDeploymentMode)
}

func TestGateRejectionIsDeterministic(t *testing.T) {
	g := NewGate(nil, nil, zap.NewNop())
	local := Attributes{AttrDeploymentMode: "shared", AttrPeerExchange: "true"}
	remote := Attributes{AttrDeploymentMode: "shared", AttrPeerExchange: "false"}

	first := g.Check(local, remote)
	second := g.Check(local, remote)
	require.Error(t, first)
	require.Error(t, second)
	// The same divergence always fails with the same cause.
	require.Equal(t, first.Error(), second.Error())
}

func TestGateWarnsButAdmitsOnWarnedAttribute(t *testing.T) {
	g := NewGate(nil, nil, zap.NewNop())
	local := Attributes{AttrDeploymentMode: "shared", AttrPreferIPv4: "true"}
	remote := Attributes{AttrDeploymentMode: "shared", AttrPreferIPv4: "false"}

	require.NoError(t, g.Check(local, remote))
}

func TestGateMissingAttributeCountsAsDivergent(t *testing.T) {
	g := NewGate(nil, nil, zap.NewNop())
	local := Attributes{AttrDeploymentMode: "shared", AttrPeerExchange: "true"}
	remote := Attributes{AttrDeploymentMode: "shared"}

	require.ErrorIs(t, g.Check(local, remote), ErrRejected)
}

func TestGateCustomRequiredSet(t *testing.T) {
	g := NewGate([]string{"rack"}, []string{}, zap.NewNop())

	require.NoError(t, g.Check(Attributes{"rack": "r1"}, Attributes{"rack": "r1"}))
	require.ErrorIs(t, g.Check(Attributes{"rack": "r1"}, Attributes{"rack": "r2"}), ErrRejected)
	// Attributes outside the required set never reject.
	require.NoError(t, g.Check(Attributes{"rack": "r1", "os": "linux"}, Attributes{"rack": "r1", "os": "bsd"}))
}
