package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/constellation-emulator/model"
)

// ErrBatchDeadline marks instructions that could not complete within the
// batch's worst-case latency.
var ErrBatchDeadline = errors.New("gateway: batch deadline exceeded")

// ErrNodeGaveUp marks instructions skipped because an earlier instruction to
// the same node in the batch used up its attempts.
var ErrNodeGaveUp = errors.New("gateway: node gave up earlier in batch")

// DispatchFailure is recorded when an instruction exhausted its attempts or
// ran past the batch deadline. It is never fatal.
type DispatchFailure struct {
	Node     model.NodeID
	Peer     model.NodeID
	Attempts int
	Err      error
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("dispatch to %s (peer %s) failed after %d attempt(s): %v", e.Node, e.Peer, e.Attempts, e.Err)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }

// CancellationError is recorded for instructions abandoned because the run
// was stopped. errors.Is(err, context.Canceled) holds.
type CancellationError struct {
	Node model.NodeID
	Peer model.NodeID
	Err  error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("dispatch to %s (peer %s) cancelled", e.Node, e.Peer)
}

func (e *CancellationError) Unwrap() error { return e.Err }

func (e *CancellationError) Is(target error) bool {
	return target == context.Canceled
}
