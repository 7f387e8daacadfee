package agent

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidInstruction marks malformed SetLink requests.
	ErrInvalidInstruction = errors.New("invalid instruction")
	// ErrWrongNode is returned when an instruction names another node.
	ErrWrongNode = errors.New("instruction addressed to another node")
	// ErrApplyFailed wraps failures of the link command applier.
	ErrApplyFailed = errors.New("apply failed")
)

// ToStatusError maps agent errors onto gRPC status codes. The gateway treats
// InvalidArgument and FailedPrecondition as permanent and retries the rest.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrInvalidInstruction):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrWrongNode):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
