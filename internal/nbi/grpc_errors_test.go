package nbi

import (
	"errors"
	"fmt"
	"testing"

	sim "github.com/signalsfoundry/orbiter-simulator/internal/sim/state"
	"github.com/signalsfoundry/orbiter-simulator/kb"
	"github.com/signalsfoundry/orbiter-simulator/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		wantNil bool
	}{
		{name: "nil", err: nil, wantNil: true},
		{name: "status passthrough", err: status.Error(codes.Unavailable, "down"), code: codes.Unavailable},
		{name: "invalid request sentinel", err: fmt.Errorf("%w: bad json", ErrInvalidRequest), code: codes.InvalidArgument},
		{name: "invalid session", err: model.ErrInvalidSessionID, code: codes.InvalidArgument},
		{name: "time scale", err: fmt.Errorf("time scale -1: %w", sim.ErrInvalidTimeScale), code: codes.InvalidArgument},
		{name: "body not found", err: sim.ErrBodyNotFound, code: codes.NotFound},
		{name: "parent not found", err: fmt.Errorf("spawn: %w", sim.ErrParentNotFound), code: codes.NotFound},
		{name: "unauthorized", err: sim.ErrUnauthorized, code: codes.PermissionDenied},
		{name: "claim conflict", err: kb.ErrAlreadyClaimed, code: codes.Aborted},
		{name: "not configured", err: ErrNotConfigured, code: codes.FailedPrecondition},
		{name: "fallback", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ToStatusError(tc.err)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ToStatusError(nil) = %v, want nil", got)
				}
				return
			}

			if got == nil {
				t.Fatalf("ToStatusError(%v) = nil, want error", tc.err)
			}
			if code := status.Code(got); code != tc.code {
				t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, code, tc.code)
			}
		})
	}
}
