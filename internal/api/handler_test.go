package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/yieldvault/distribution-engine/internal/api"
	"github.com/yieldvault/distribution-engine/internal/distribution"
	"github.com/yieldvault/distribution-engine/internal/health"
	"github.com/yieldvault/distribution-engine/internal/model"
	"github.com/yieldvault/distribution-engine/internal/scheduler"
	"github.com/yieldvault/distribution-engine/internal/settlement"
	"github.com/yieldvault/distribution-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	router  http.Handler
	store   *store.MemoryStore
	settler *settlement.Simulated
	hub     *api.WSHub
}

// newTestEnv wires the full engine over in-memory stores.
func newTestEnv(t *testing.T, failureRate float64) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	settler := settlement.NewSimulated(settlement.Config{
		FailureRate:    failureRate,
		InitialReserve: d(100),
		TransferFee:    d(0.01),
	})
	gate := health.NewGate(nil, time.Second,
		health.SettlementNetwork(settler),
		health.FeeReserve(settler, d(1)),
		health.Ledger(ms),
	)
	hub := api.NewWSHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	orch := distribution.NewOrchestrator(distribution.Config{
		ChunkSize:  10,
		RetryDelay: time.Hour,
		Location:   time.UTC,
	}, distribution.Deps{
		Store:      ms,
		Batches:    store.NewMemoryBatchStore(),
		Settlement: settler,
		Gate:       gate,
		Notifier:   hub,
	})
	t.Cleanup(orch.Close)

	sched, err := scheduler.New(scheduler.Config{Location: time.UTC}, orch, gate, nil, nil)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	ctx := context.Background()
	ms.UpsertProduct(ctx, &model.Product{ID: "prod-12", APRBps: 1200, LockDays: 90})
	ms.CreatePosition(ctx, &model.Position{
		ID:        "pos-1",
		UserID:    "user-1",
		ProductID: "prod-12",
		Principal: d(1000),
		StartDate: time.Now().AddDate(0, 0, -10),
		EndDate:   time.Now().AddDate(0, 3, 0),
		Status:    model.PositionActive,
	})

	h := api.NewHandler(sched, gate)
	return &testEnv{
		router:  api.NewRouter(h, hub, api.RouterConfig{}),
		store:   ms,
		settler: settler,
		hub:     hub,
	}
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func triggerManual(t *testing.T, env *testEnv) scheduler.ManualResult {
	t.Helper()
	w := do(t, env.router, "POST", "/api/v1/distributions/manual", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res scheduler.ManualResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return res
}

// --- Manual trigger ---

func TestTriggerManual_AllActivePositions(t *testing.T) {
	env := newTestEnv(t, 0)

	res := triggerManual(t, env)
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if res.Batch.CompletedTasks != 1 {
		t.Errorf("expected 1 completed task, got %d", res.Batch.CompletedTasks)
	}
	if !res.Batch.TotalAmount.Equal(d(0.32876712)) {
		t.Errorf("expected 0.32876712, got %s", res.Batch.TotalAmount)
	}
}

func TestTriggerManual_PositionSubset(t *testing.T) {
	env := newTestEnv(t, 0)

	w := do(t, env.router, "POST", "/api/v1/distributions/manual", api.ManualRequest{PositionIDs: []string{"other"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var res scheduler.ManualResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Batch.TotalPositions != 0 {
		t.Errorf("unknown positions must be skipped, got %d tasks", res.Batch.TotalPositions)
	}
}

func TestTriggerManual_InvalidBody(t *testing.T) {
	env := newTestEnv(t, 0)
	req := httptest.NewRequest("POST", "/api/v1/distributions/manual", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Batch queries ---

func TestGetBatch(t *testing.T) {
	env := newTestEnv(t, 0)
	res := triggerManual(t, env)

	w := do(t, env.router, "GET", "/api/v1/distributions/batches/"+res.Batch.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var batch model.DistributionBatch
	json.Unmarshal(w.Body.Bytes(), &batch)
	if batch.ID != res.Batch.ID || len(batch.Tasks) != 1 {
		t.Errorf("unexpected batch %+v", batch)
	}

	w = do(t, env.router, "GET", "/api/v1/distributions/batches/batch-19990101", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	w = do(t, env.router, "GET", "/api/v1/distributions/batches/not-a-batch", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestListBatches(t *testing.T) {
	env := newTestEnv(t, 0)
	triggerManual(t, env)
	triggerManual(t, env)

	w := do(t, env.router, "GET", "/api/v1/distributions/batches?limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var batches []model.DistributionBatch
	json.Unmarshal(w.Body.Bytes(), &batches)
	if len(batches) != 1 {
		t.Errorf("expected 1 batch, got %d", len(batches))
	}

	w = do(t, env.router, "GET", "/api/v1/distributions/batches?limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetStats(t *testing.T) {
	env := newTestEnv(t, 0)
	triggerManual(t, env)

	w := do(t, env.router, "GET", "/api/v1/distributions/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats model.DistributionStats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.TotalBatches != 1 || !stats.TotalDistributed.Equal(d(0.32876712)) {
		t.Errorf("unexpected stats %+v", stats)
	}
}

// --- Failed tasks and retry ---

func TestFailedTasksAndRetry(t *testing.T) {
	env := newTestEnv(t, 1)

	res := triggerManual(t, env)
	if res.Success {
		t.Fatal("every transfer is rejected, run should not succeed")
	}

	w := do(t, env.router, "GET", "/api/v1/distributions/failed-tasks?batch_id="+res.Batch.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var tasks []model.DistributionTask
	json.Unmarshal(w.Body.Bytes(), &tasks)
	if len(tasks) != 1 || tasks[0].PositionID != "pos-1" {
		t.Fatalf("expected pos-1 failed task, got %+v", tasks)
	}

	w = do(t, env.router, "POST", "/api/v1/distributions/batches/"+res.Batch.ID+"/retry", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var retry scheduler.RetryResult
	json.Unmarshal(w.Body.Bytes(), &retry)
	if retry.RetriedCount != 1 {
		t.Errorf("expected 1 retried, got %d", retry.RetriedCount)
	}

	w = do(t, env.router, "POST", "/api/v1/distributions/batches/batch-19990101/retry", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	w = do(t, env.router, "GET", "/api/v1/distributions/failed-tasks?batch_id=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Health ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 0)

	w := do(t, env.router, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp api.HealthResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "ok" || len(resp.Checks) != 3 {
		t.Errorf("unexpected health %+v", resp)
	}

	env.settler.SetReachable(false)
	w = do(t, env.router, "GET", "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestHealthGateBlocksManualRun(t *testing.T) {
	env := newTestEnv(t, 0)
	env.settler.SetReachable(false)

	res := triggerManual(t, env)
	if res.Success || res.Batch.FailureReason != distribution.HealthFailureReason {
		t.Errorf("expected health gate failure, got %+v", res)
	}
	payouts, _ := env.store.ListPayoutsByPosition(context.Background(), "pos-1")
	if len(payouts) != 0 {
		t.Errorf("no payouts expected, got %d", len(payouts))
	}
}

// --- WebSocket ---

func TestWebSocket_BatchUpdates(t *testing.T) {
	env := newTestEnv(t, 0)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration is asynchronous; keep publishing until the client sees it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env.hub.BatchUpdated(&model.DistributionBatch{
					ID:          "batch-20260310",
					Kind:        model.BatchScheduled,
					Status:      model.BatchProcessing,
					TotalAmount: d(1.5),
				})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg api.WSMessage
	json.Unmarshal(data, &msg)
	if msg.Type != "batch.updated" || msg.BatchID != "batch-20260310" || msg.TotalAmount != "1.5" {
		t.Errorf("unexpected message %+v", msg)
	}
}
