// internal/nbi/control_service.go
package nbi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/signalsfoundry/orbiter-simulator/core"
	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	sim "github.com/signalsfoundry/orbiter-simulator/internal/sim/state"
	"github.com/signalsfoundry/orbiter-simulator/model"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ControlServiceName is the fully-qualified gRPC service name.
const ControlServiceName = "orbiter.v1.OrbiterControl"

// DefaultSpawnParent is used by Spawn when the request names no parent.
const DefaultSpawnParent = "earth"

// ControlServer is the server API for the OrbiterControl service.
//
// Payloads use protobuf well-known types so no generated code is needed:
//   - GetSnapshot returns the snapshot JSON document as a Struct.
//   - Spawn takes the parent body name and returns
//     {"sessionId", "index", "name"}.
//   - SetTimeScale takes simulated seconds per tick.
//   - SetBodyState takes {"sessionId", "name", "parent", "position",
//     "velocity", "quaternion", "angularVelocity"}. sessionId may instead
//     arrive as x-session-id metadata.
type ControlServer interface {
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Spawn(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	SetTimeScale(context.Context, *wrapperspb.DoubleValue) (*emptypb.Empty, error)
	SetBodyState(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// ControlServiceDesc describes OrbiterControl for grpc.Server.RegisterService.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: unaryHandler("GetSnapshot", ControlServer.GetSnapshot)},
		{MethodName: "Spawn", Handler: unaryHandler("Spawn", ControlServer.Spawn)},
		{MethodName: "SetTimeScale", Handler: unaryHandler("SetTimeScale", ControlServer.SetTimeScale)},
		{MethodName: "SetBodyState", Handler: unaryHandler("SetBodyState", ControlServer.SetBodyState)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orbiter/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

func unaryHandler[Req, Resp any](method string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + ControlServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ControlServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ControlClient is a thin client for OrbiterControl.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps a client connection.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func (c *ControlClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+ControlServiceName+"/"+method, in, out, opts...)
}

// GetSnapshot fetches the snapshot document.
func (c *ControlClient) GetSnapshot(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetSnapshot", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Spawn creates a craft around parent.
func (c *ControlClient) Spawn(ctx context.Context, parent string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Spawn", wrapperspb.String(parent), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SetTimeScale changes the simulated seconds per tick.
func (c *ControlClient) SetTimeScale(ctx context.Context, scale float64, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "SetTimeScale", wrapperspb.Double(scale), new(emptypb.Empty), opts...)
}

// SetBodyState sends a state command.
func (c *ControlClient) SetBodyState(ctx context.Context, cmd *structpb.Struct, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "SetBodyState", cmd, new(emptypb.Empty), opts...)
}

// ControlService implements ControlServer backed by a SimState.
type ControlService struct {
	state *sim.SimState
	log   logging.Logger
}

// NewControlService binds a ControlService to state.
func NewControlService(state *sim.SimState, log logging.Logger) *ControlService {
	return &ControlService{
		state: state,
		log:   logging.OrNoop(log),
	}
}

// GetSnapshot returns the current snapshot document.
func (s *ControlService) GetSnapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	data, err := s.state.Snapshot()
	if err != nil {
		return nil, ToStatusError(err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		logging.LoggerFromContext(ctx, s.log).Error(ctx, "snapshot is not a JSON object", logging.Err(err))
		return nil, ToStatusError(fmt.Errorf("convert snapshot: %w", err))
	}
	return out, nil
}

// Spawn creates a controllable craft and returns its owning session.
func (s *ControlService) Spawn(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	parent := req.GetValue()
	if parent == "" {
		parent = DefaultSpawnParent
	}
	ctx, span := startBodySpan(ctx, "Control.Spawn", "", parent)
	defer span.End()

	session, id, err := s.state.Spawn(ctx, parent)
	if err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}

	var name string
	_ = s.state.WithReadLock(func(u *core.Universe) error {
		if body, ok := u.Get(id); ok {
			name = body.Name
		}
		return nil
	})
	span.SetAttributes(attribute.String("orbiter.body", name))
	logging.LoggerFromContext(ctx, s.log).Info(ctx, "new session",
		logging.String("session", session.HumanHash()),
		logging.String("body", name),
	)

	out, err := structpb.NewStruct(map[string]any{
		"sessionId": session.String(),
		"index":     id.Index,
		"name":      name,
	})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// SetTimeScale changes the simulated seconds per tick.
func (s *ControlService) SetTimeScale(ctx context.Context, req *wrapperspb.DoubleValue) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if err := s.state.SetTimeScale(ctx, req.GetValue()); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

type setBodyStateRequest struct {
	SessionID string `json:"sessionId"`
	core.BodyState
}

// SetBodyState applies a state command for the calling session.
func (s *ControlService) SetBodyState(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	cmd, session, err := decodeSetBodyState(ctx, req)
	if err != nil {
		return nil, ToStatusError(err)
	}

	ctx, span := startBodySpan(ctx, "Control.SetBodyState", cmd.Name, cmd.Parent)
	defer span.End()
	if _, err := s.state.SetBodyState(ctx, session, cmd); err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

func decodeSetBodyState(ctx context.Context, req *structpb.Struct) (core.BodyState, model.SessionID, error) {
	if req == nil {
		return core.BodyState{}, model.SessionID{}, fmt.Errorf("%w: empty body state", ErrInvalidRequest)
	}
	raw, err := protojson.Marshal(req)
	if err != nil {
		return core.BodyState{}, model.SessionID{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var decoded setBodyStateRequest
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return core.BodyState{}, model.SessionID{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if decoded.Name == "" {
		return core.BodyState{}, model.SessionID{}, fmt.Errorf("%w: body name is required", ErrInvalidRequest)
	}

	if decoded.SessionID != "" {
		session, err := model.ParseSessionID(decoded.SessionID)
		if err != nil {
			return core.BodyState{}, model.SessionID{}, err
		}
		return decoded.BodyState, session, nil
	}
	if session, ok := SessionFromContext(ctx); ok {
		return decoded.BodyState, session, nil
	}
	return core.BodyState{}, model.SessionID{}, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
}

func (s *ControlService) ensureReady() error {
	if s == nil || s.state == nil {
		return ToStatusError(ErrNotConfigured)
	}
	return nil
}
