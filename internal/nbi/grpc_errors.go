package nbi

import (
	"errors"

	sim "github.com/signalsfoundry/orbiter-simulator/internal/sim/state"
	"github.com/signalsfoundry/orbiter-simulator/kb"
	"github.com/signalsfoundry/orbiter-simulator/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNotConfigured is returned when a service has no SimState behind it.
	ErrNotConfigured = errors.New("simulation state is not configured")
	// ErrInvalidRequest is a package-level sentinel used for request decoding failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// ToStatusError maps simulator errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, sim.ErrBodyNotFound),
		errors.Is(err, sim.ErrParentNotFound),
		errors.Is(err, sim.ErrStaleReference),
		errors.Is(err, kb.ErrOutOfRange):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, sim.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, sim.ErrInvalidState),
		errors.Is(err, sim.ErrInvalidTimeScale),
		errors.Is(err, sim.ErrMalformedSnapshot),
		errors.Is(err, model.ErrInvalidSessionID):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, ErrNotConfigured):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, kb.ErrAlreadyClaimed):
		return status.Error(codes.Aborted, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
