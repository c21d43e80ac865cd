package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type fakePinger struct {
	fail atomic.Bool
}

func (f *fakePinger) Ping(context.Context) error {
	if f.fail.Load() {
		return errors.New("store down")
	}
	return nil
}

type fixedCount int

func (c fixedCount) Len() int { return int(c) }

func readiness(t *testing.T, repo Pinger, kb Counter) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	NewHandler(repo, kb, time.Second).Readiness(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, body
}

func TestReadinessHealthy(t *testing.T) {
	t.Parallel()

	code, body := readiness(t, &fakePinger{}, fixedCount(12))
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("code=%d body=%v", code, body)
	}
	if body["knowledge_entries"].(float64) != 12 {
		t.Errorf("knowledge_entries = %v", body["knowledge_entries"])
	}
}

func TestReadinessStoreDown(t *testing.T) {
	t.Parallel()

	p := &fakePinger{}
	p.fail.Store(true)
	code, body := readiness(t, p, fixedCount(3))
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("code=%d body=%v", code, body)
	}
	if body["checks"].(map[string]any)["store"] != "unreachable" {
		t.Errorf("checks = %v", body["checks"])
	}
}

func TestReadinessEmptyKnowledgeIsDegradedButReady(t *testing.T) {
	t.Parallel()

	code, body := readiness(t, &fakePinger{}, fixedCount(0))
	if code != http.StatusOK || body["status"] != "degraded" {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestGRPCHealthTracksStore(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer()
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	repo := &fakePinger{}
	srv.Watch(ctx, repo, 10*time.Millisecond)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)

	waitFor := func(want healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
			if err == nil && resp.GetStatus() == want {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("status never became %v (last err %v)", want, err)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	waitFor(healthpb.HealthCheckResponse_SERVING)
	repo.fail.Store(true)
	waitFor(healthpb.HealthCheckResponse_NOT_SERVING)
}
