package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeploymentStateTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  DeploymentState
		to    DeploymentState
		legal bool
	}{
		{"pending to building", DeploymentStatePending, DeploymentStateBuilding, true},
		{"building to starting", DeploymentStateBuilding, DeploymentStateStarting, true},
		{"starting to running", DeploymentStateStarting, DeploymentStateRunning, true},
		{"running to unhealthy", DeploymentStateRunning, DeploymentStateUnhealthy, true},
		{"unhealthy recovers to running", DeploymentStateUnhealthy, DeploymentStateRunning, true},
		{"unhealthy restart via starting", DeploymentStateUnhealthy, DeploymentStateStarting, true},
		{"running to stopping", DeploymentStateRunning, DeploymentStateStopping, true},
		{"stopping to stopped", DeploymentStateStopping, DeploymentStateStopped, true},
		{"building failure", DeploymentStateBuilding, DeploymentStateFailed, true},
		{"undeploy while pending", DeploymentStatePending, DeploymentStateStopping, true},

		{"pending cannot skip to running", DeploymentStatePending, DeploymentStateRunning, false},
		{"stopped is terminal", DeploymentStateStopped, DeploymentStateStarting, false},
		{"failed is terminal", DeploymentStateFailed, DeploymentStateBuilding, false},
		{"running cannot re-enter building", DeploymentStateRunning, DeploymentStateBuilding, false},
		{"stopping cannot resume", DeploymentStateStopping, DeploymentStateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.legal, tt.from.CanTransition(tt.to))
		})
	}
}

func TestDeploymentStateTerminal(t *testing.T) {
	assert.True(t, DeploymentStateStopped.Terminal())
	assert.True(t, DeploymentStateFailed.Terminal())
	assert.False(t, DeploymentStateRunning.Terminal())
	assert.False(t, DeploymentStateStopping.Terminal())
}

func TestDeploymentRoutable(t *testing.T) {
	d := &Deployment{State: DeploymentStateRunning}
	assert.True(t, d.Routable())

	for _, s := range []DeploymentState{
		DeploymentStatePending, DeploymentStateBuilding, DeploymentStateStarting,
		DeploymentStateUnhealthy, DeploymentStateStopping, DeploymentStateStopped, DeploymentStateFailed,
	} {
		d.State = s
		assert.False(t, d.Routable(), "state %s must not be routable", s)
	}
}

func TestRoutePrefixFor(t *testing.T) {
	assert.Equal(t, "/p/42", RoutePrefixFor(42))
}

func TestHiringStatusTransitions(t *testing.T) {
	assert.True(t, HiringStatusActive.CanTransition(HiringStatusSuspended))
	assert.True(t, HiringStatusActive.CanTransition(HiringStatusCancelled))
	assert.True(t, HiringStatusSuspended.CanTransition(HiringStatusActive))
	assert.True(t, HiringStatusSuspended.CanTransition(HiringStatusCancelled))

	assert.False(t, HiringStatusCancelled.CanTransition(HiringStatusActive))
	assert.False(t, HiringStatusCancelled.CanTransition(HiringStatusSuspended))
	assert.True(t, HiringStatusCancelled.Terminal())
}
