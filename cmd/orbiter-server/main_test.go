package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/orbiter-simulator/internal/config"
	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"github.com/signalsfoundry/orbiter-simulator/internal/nbi"
	"github.com/signalsfoundry/orbiter-simulator/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type runningServer struct {
	httpURL  string
	grpcAddr string
	cancel   context.CancelFunc
	errCh    chan error
}

func startServer(t *testing.T, cfg config.Config) *runningServer {
	t.Helper()
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, logging.Noop(), httpLis, grpcLis)
	}()
	return &runningServer{
		httpURL:  "http://" + httpLis.Addr().String(),
		grpcAddr: grpcLis.Addr().String(),
		cancel:   cancel,
		errCh:    errCh,
	}
}

func (s *runningServer) stop(t *testing.T) {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.errCh:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Sim.Tick = 20 * time.Millisecond
	cfg.Sim.Seed = 7
	cfg.Autosave.File = filepath.Join(t.TempDir(), "save.json")
	cfg.Autosave.Period = time.Hour
	return cfg
}

func TestServerStartupSmoke(t *testing.T) {
	cfg := testConfig(t)
	srv := startServer(t, cfg)

	resp, err := http.Post(srv.httpURL+"/api/session", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /api/session: %v", err)
	}
	session, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(session) != 2*model.SessionIDLen {
		t.Fatalf("POST /api/session = %d %q, want 200 and a hex session", resp.StatusCode, session)
	}

	conn, err := grpc.NewClient(srv.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := nbi.NewControlClient(conn).GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if len(snap.GetFields()["bodies"].GetListValue().GetValues()) == 0 {
		t.Fatalf("GetSnapshot returned no bodies")
	}

	metrics, err := http.Get(srv.httpURL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	if !strings.Contains(string(body), "orbiter_http_requests_total") {
		t.Fatalf("/metrics does not expose orbiter_http_requests_total")
	}

	srv.stop(t)

	data, err := os.ReadFile(cfg.Autosave.File)
	if err != nil {
		t.Fatalf("final save missing: %v", err)
	}
	if !strings.Contains(string(data), string(session)) {
		t.Fatalf("final save does not contain session %s", session)
	}
}

func TestServerRestoresAutosave(t *testing.T) {
	cfg := testConfig(t)

	first := startServer(t, cfg)
	resp, err := http.Post(first.httpURL+"/api/session?parent=mars", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /api/session: %v", err)
	}
	session, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	first.stop(t)

	second := startServer(t, cfg)
	defer second.stop(t)

	load, err := http.Get(second.httpURL + "/api/load")
	if err != nil {
		t.Fatalf("GET /api/load: %v", err)
	}
	defer load.Body.Close()
	var doc struct {
		Bodies []*struct {
			SessionID *string `json:"sessionId"`
		} `json:"bodies"`
	}
	if err := json.NewDecoder(load.Body).Decode(&doc); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	found := false
	for _, b := range doc.Bodies {
		if b != nil && b.SessionID != nil && *b.SessionID == string(session) {
			found = true
		}
	}
	if !found {
		t.Fatalf("restored snapshot has no craft for session %s", session)
	}
}

func TestServerLoadsScenario(t *testing.T) {
	cfg := testConfig(t)
	cfg.Autosave.File = ""
	cfg.Sim.Scenario = filepath.Join("..", "..", "configs", "earth-moon.yaml")
	srv := startServer(t, cfg)
	defer srv.stop(t)

	resp, err := http.Get(srv.httpURL + "/api/load")
	if err != nil {
		t.Fatalf("GET /api/load: %v", err)
	}
	defer resp.Body.Close()
	var doc struct {
		TimeScale float64 `json:"timeScale"`
		Bodies    []*struct {
			Name string `json:"name"`
		} `json:"bodies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	names := map[string]bool{}
	for _, b := range doc.Bodies {
		if b != nil {
			names[b.Name] = true
		}
	}
	if !names["earth"] || !names["moon"] || names["jupiter"] {
		t.Fatalf("bodies = %v, want the earth-moon scenario", names)
	}
	if doc.TimeScale != 60 {
		t.Fatalf("time scale = %v, want the scenario's 60", doc.TimeScale)
	}
}

func TestNewUniverseRejectsMissingScenario(t *testing.T) {
	cfg := config.Default()
	cfg.Sim.Scenario = filepath.Join(t.TempDir(), "missing.yaml")
	if _, _, err := newUniverse(cfg, logging.Noop()); err == nil {
		t.Fatalf("newUniverse accepted a missing scenario")
	}
}
