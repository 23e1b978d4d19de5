package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

// fakeNode is an in-memory Node for handler tests.
type fakeNode struct {
	pins          map[types.ContentID][]byte
	policy        types.ReplicationPolicy
	imported      int
	exportBackend types.BackendID
	importBackend types.BackendID
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		pins:   make(map[types.ContentID][]byte),
		policy: types.ReplicationPolicy{Version: 1, MinReplicas: 1, TargetReplicas: 1, MaxReplicas: 1, Strategy: types.StrategyBalanced},
	}
}

func (f *fakeNode) Pin(_ context.Context, id types.ContentID, payload []byte) error {
	f.pins[id] = payload
	return nil
}

func (f *fakeNode) Unpin(_ context.Context, id types.ContentID) error {
	if _, ok := f.pins[id]; !ok {
		return errors.Newf(errors.ErrCodePinNotFound, "no pin for %s", id)
	}
	delete(f.pins, id)
	return nil
}

func (f *fakeNode) GetPin(id types.ContentID) (*types.PinRecord, error) {
	payload, ok := f.pins[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodePinNotFound, "no pin for %s", id)
	}
	return &types.PinRecord{ContentID: id, SizeBytes: int64(len(payload))}, nil
}

func (f *fakeNode) ListPins() []*types.PinRecord {
	var out []*types.PinRecord
	for id, payload := range f.pins {
		out = append(out, &types.PinRecord{ContentID: id, SizeBytes: int64(len(payload))})
	}
	return out
}

func (f *fakeNode) Fetch(_ context.Context, id types.ContentID) ([]byte, error) {
	payload, ok := f.pins[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodePinNotFound, "no pin for %s", id)
	}
	return payload, nil
}

func (f *fakeNode) ReplicationStatus() types.ReplicationStatus {
	return types.ReplicationStatus{Total: len(f.pins), Satisfied: len(f.pins), PolicyVersion: f.policy.Version}
}

func (f *fakeNode) UpdatePolicy(p types.ReplicationPolicy) error {
	if p.Version <= f.policy.Version {
		return errors.Newf(errors.ErrCodeInvalidConfig, "policy version %d not after %d", p.Version, f.policy.Version)
	}
	f.policy = p
	return nil
}

func (f *fakeNode) ExportSnapshot(w io.Writer, backend types.BackendID) error {
	f.exportBackend = backend
	return json.NewEncoder(w).Encode(map[string]int{"records": len(f.pins)})
}

func (f *fakeNode) ImportSnapshot(_ context.Context, r io.Reader, target types.BackendID) (int, error) {
	var snap map[string]int
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return 0, errors.New(errors.ErrCodeSnapshotDecode, "unreadable snapshot").WithCause(err)
	}
	f.importBackend = target
	f.imported = snap["records"]
	return f.imported, nil
}

func (f *fakeNode) CacheStats() types.CacheStats {
	return types.CacheStats{Hits: 3, Misses: 1, HitRate: 0.75}
}

func newTestServer(node Node) *httptest.Server {
	s := NewServer(DefaultServerConfig(), node, nil)
	return httptest.NewServer(s.Handler())
}

func TestPinLifecycleOverHTTP(t *testing.T) {
	node := newFakeNode()
	ts := newTestServer(node)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/pins/bafy-1", "application/octet-stream",
		bytes.NewReader([]byte("hello")))
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("pin status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/pins/bafy-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var rec types.PinRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if rec.ContentID != "bafy-1" || rec.SizeBytes != 5 {
		t.Errorf("record = %+v", rec)
	}

	resp, err = http.Get(ts.URL + "/v1/pins/bafy-1/content")
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hello" {
		t.Errorf("content = %q", body)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/pins/bafy-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unpin: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unpin status = %d", resp.StatusCode)
	}
}

func TestUnknownPinIs404(t *testing.T) {
	ts := newTestServer(newFakeNode())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/pins/missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != string(errors.ErrCodePinNotFound) {
		t.Errorf("code = %v", body["code"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	node := newFakeNode()
	node.pins["bafy-1"] = []byte("x")
	ts := newTestServer(node)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var status types.ReplicationStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Total != 1 || status.PolicyVersion != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestPolicyUpdateOverHTTP(t *testing.T) {
	node := newFakeNode()
	ts := newTestServer(node)
	defer ts.Close()

	policy := types.ReplicationPolicy{Version: 2, MinReplicas: 1, TargetReplicas: 2, MaxReplicas: 3, Strategy: types.StrategyBalanced}
	body, _ := json.Marshal(policy)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/policy", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if node.policy.Version != 2 {
		t.Errorf("policy version = %d", node.policy.Version)
	}

	// Stale versions are a client error.
	stale, _ := json.Marshal(types.ReplicationPolicy{Version: 1, MinReplicas: 1, TargetReplicas: 1, MaxReplicas: 1, Strategy: types.StrategyBalanced})
	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/v1/policy", bytes.NewReader(stale))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("stale status = %d", resp.StatusCode)
	}
}

func TestSnapshotEndpoints(t *testing.T) {
	node := newFakeNode()
	node.pins["bafy-1"] = []byte("x")
	ts := newTestServer(node)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/v1/snapshot", "application/json", bytes.NewReader(snap))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import status = %d", resp.StatusCode)
	}
	if node.imported != 1 {
		t.Errorf("imported = %d", node.imported)
	}
}

func TestSnapshotBackendScope(t *testing.T) {
	node := newFakeNode()
	ts := newTestServer(node)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/snapshot?backend=backend-a")
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if node.exportBackend != "backend-a" {
		t.Errorf("export backend = %q, want backend-a", node.exportBackend)
	}

	resp, err = http.Post(ts.URL+"/v1/snapshot?backend=backend-b", "application/json", bytes.NewReader(snap))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if node.importBackend != "backend-b" {
		t.Errorf("import target = %q, want backend-b", node.importBackend)
	}
}

func TestPayloadLimit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxPayloadBytes = 4
	s := NewServer(cfg, newFakeNode(), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/pins/bafy-1", "application/octet-stream",
		bytes.NewReader([]byte("too large")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
