package nbi

import (
	"context"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/signalsfoundry/orbiter-simulator/core"
	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"github.com/signalsfoundry/orbiter-simulator/internal/observability"
	sim "github.com/signalsfoundry/orbiter-simulator/internal/sim/state"
	"github.com/signalsfoundry/orbiter-simulator/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type controlTestEnv struct {
	ctx       context.Context
	state     *sim.SimState
	client    *ControlClient
	health    healthpb.HealthClient
	collector *observability.APICollector
}

func newControlTestEnv(t *testing.T) *controlTestEnv {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	u, err := core.NewSolarSystem(0, core.WithRand(rand.New(rand.NewPCG(3, 4))))
	if err != nil {
		t.Fatalf("NewSolarSystem: %v", err)
	}
	state := sim.NewSimState(u, logging.Noop())

	collector, err := observability.NewAPICollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewAPICollector: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	server, _ := NewGRPCServer(state, logging.Noop(), collector)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &controlTestEnv{
		ctx:       ctx,
		state:     state,
		client:    NewControlClient(conn),
		health:    healthpb.NewHealthClient(conn),
		collector: collector,
	}
}

func bodyStateStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	st, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("structpb.NewStruct: %v", err)
	}
	return st
}

func TestControlSpawnAndSetBodyState(t *testing.T) {
	env := newControlTestEnv(t)

	spawned, err := env.client.Spawn(env.ctx, "mars")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	sessionHex := spawned.GetFields()["sessionId"].GetStringValue()
	name := spawned.GetFields()["name"].GetStringValue()
	if _, err := model.ParseSessionID(sessionHex); err != nil {
		t.Fatalf("Spawn returned session %q: %v", sessionHex, err)
	}
	if name == "" {
		t.Fatalf("Spawn returned no body name: %v", spawned)
	}

	err = env.client.SetBodyState(env.ctx, bodyStateStruct(t, map[string]any{
		"sessionId":       sessionHex,
		"name":            name,
		"parent":          "mars",
		"position":        map[string]any{"x": 1e-4, "y": 0, "z": 0},
		"velocity":        map[string]any{"x": 0, "y": 2e-8, "z": 0},
		"quaternion":      map[string]any{"_x": 0, "_y": 0, "_z": 0, "_w": 1},
		"angularVelocity": map[string]any{"x": 0, "y": 0, "z": 0.01},
	}))
	if err != nil {
		t.Fatalf("SetBodyState: %v", err)
	}

	var got model.CelestialBody
	_ = env.state.WithReadLock(func(u *core.Universe) error {
		_, body, _ := u.FindByName(name)
		got = *body
		return nil
	})
	if got.Position.X != 1e-4 || got.AngularVelocity.Z != 0.01 {
		t.Fatalf("body state not applied: pos=%v angvel=%v", got.Position, got.AngularVelocity)
	}

	if c := testutil.ToFloat64(env.collector.RPCRequests.WithLabelValues("OrbiterControl", "SetBodyState", "OK")); c != 1 {
		t.Fatalf("SetBodyState OK count = %v, want 1", c)
	}
}

func TestControlSetBodyStateSessionFromMetadata(t *testing.T) {
	env := newControlTestEnv(t)

	spawned, err := env.client.Spawn(env.ctx, "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	sessionHex := spawned.GetFields()["sessionId"].GetStringValue()
	name := spawned.GetFields()["name"].GetStringValue()

	cmd := bodyStateStruct(t, map[string]any{
		"name":     name,
		"parent":   DefaultSpawnParent,
		"position": map[string]any{"x": 2e-4, "y": 0, "z": 0},
	})
	ctx := metadata.AppendToOutgoingContext(env.ctx, sessionMetadataKey, sessionHex)
	if err := env.client.SetBodyState(ctx, cmd); err != nil {
		t.Fatalf("SetBodyState with metadata session: %v", err)
	}

	if err := env.client.SetBodyState(env.ctx, cmd); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("SetBodyState without session code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestControlErrorCodes(t *testing.T) {
	env := newControlTestEnv(t)

	if _, err := env.client.Spawn(env.ctx, "pluto"); status.Code(err) != codes.NotFound {
		t.Fatalf("Spawn(pluto) code = %v, want NotFound", status.Code(err))
	}
	if err := env.client.SetTimeScale(env.ctx, -5); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("SetTimeScale(-5) code = %v, want InvalidArgument", status.Code(err))
	}

	var stranger model.SessionID
	stranger[3] = 7
	err := env.client.SetBodyState(env.ctx, bodyStateStruct(t, map[string]any{
		"sessionId": stranger.String(),
		"name":      "rocket",
		"parent":    "earth",
	}))
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("SetBodyState on unowned rocket code = %v, want PermissionDenied", status.Code(err))
	}

	err = env.client.SetBodyState(env.ctx, bodyStateStruct(t, map[string]any{
		"sessionId": "not-hex",
		"name":      "rocket",
	}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("SetBodyState with bad session code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestControlTimeScaleAndSnapshot(t *testing.T) {
	env := newControlTestEnv(t)

	if err := env.client.SetTimeScale(env.ctx, 60); err != nil {
		t.Fatalf("SetTimeScale: %v", err)
	}
	if got := env.state.TimeScale(); got != 60 {
		t.Fatalf("TimeScale() = %v, want 60", got)
	}
	env.state.RunTick(env.ctx)

	snap, err := env.client.GetSnapshot(env.ctx)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	fields := snap.GetFields()
	if got := fields["simTime"].GetNumberValue(); got != 60 {
		t.Fatalf("snapshot simTime = %v, want 60", got)
	}
	bodies := fields["bodies"].GetListValue().GetValues()
	bodyCount, _ := env.state.Counts()
	if len(bodies) != bodyCount {
		t.Fatalf("snapshot bodies = %d, want %d", len(bodies), bodyCount)
	}
}

func TestHealthService(t *testing.T) {
	env := newControlTestEnv(t)

	resp, err := env.health.Check(env.ctx, &healthpb.HealthCheckRequest{Service: ControlServiceName})
	if err != nil {
		t.Fatalf("health Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v, want SERVING", resp.GetStatus())
	}
}

func TestControlServiceWithoutState(t *testing.T) {
	svc := NewControlService(nil, nil)
	if _, err := svc.GetSnapshot(context.Background(), nil); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("GetSnapshot without state code = %v, want FailedPrecondition", status.Code(err))
	}
}
