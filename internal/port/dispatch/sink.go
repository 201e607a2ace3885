// Package dispatch defines the port through which work orders leave the
// control plane.
package dispatch

import (
	"context"

	"github.com/Strob0t/Conductor/internal/domain/workflow"
)

// Sink hands dispatch records to agent runtimes.
type Sink interface {
	Dispatch(ctx context.Context, d *workflow.Dispatch) error
	Cancel(ctx context.Context, taskID, agentID, reason string) error
}
