package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/nodechannel"
	"github.com/novaproto/orchestrator/internal/signalbus"
	"github.com/novaproto/orchestrator/internal/vmlifecycle"
)

type fakeVMs struct {
	mu  sync.Mutex
	vms map[string]*domain.VirtualMachine
}

func newFakeVMs(vms ...*domain.VirtualMachine) *fakeVMs {
	f := &fakeVMs{vms: make(map[string]*domain.VirtualMachine)}
	for _, vm := range vms {
		cp := *vm
		f.vms[vm.ID] = &cp
	}
	return f
}

func (f *fakeVMs) CreateVM(ctx context.Context, vm *domain.VirtualMachine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vm.ID == "" {
		vm.ID = "vm-" + vm.Name
	}
	vm.Status = domain.VMPending
	f.vms[vm.ID] = vm
	return nil
}

func (f *fakeVMs) GetVM(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[id]
	if !ok {
		return nil, domain.NotFound("vm %s not found", id)
	}
	cp := *vm
	return &cp, nil
}

func (f *fakeVMs) ListVMsByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error) {
	return nil, nil
}
func (f *fakeVMs) ListVMsByUser(ctx context.Context, userID string) ([]*domain.VirtualMachine, error) {
	return nil, nil
}
func (f *fakeVMs) ListVMsByType(ctx context.Context, vmType domain.VMType) ([]*domain.VirtualMachine, error) {
	return nil, nil
}

func (f *fakeVMs) UpdateVM(ctx context.Context, id string, mutate func(*domain.VirtualMachine) error) (*domain.VirtualMachine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[id]
	if !ok {
		return nil, domain.NotFound("vm %s not found", id)
	}
	if err := mutate(vm); err != nil {
		return nil, err
	}
	cp := *vm
	return &cp, nil
}

func (f *fakeVMs) get(id string) *domain.VirtualMachine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vms[id]
}

type fakeNodes struct {
	mu    sync.Mutex
	nodes map[string]*domain.Node
}

func newFakeNodes(nodes ...*domain.Node) *fakeNodes {
	f := &fakeNodes{nodes: make(map[string]*domain.Node)}
	for _, n := range nodes {
		cp := *n
		f.nodes[n.ID] = &cp
	}
	return f
}

func (f *fakeNodes) CreateNode(ctx context.Context, n *domain.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.ID == "" {
		n.ID = "node-" + n.Wallet
	}
	f.nodes[n.ID] = n
	return nil
}

func (f *fakeNodes) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil, domain.NotFound("node %s not found", id)
	}
	cp := *n
	return &cp, nil
}

func (f *fakeNodes) ListNodes(ctx context.Context) ([]*domain.Node, error) { return nil, nil }
func (f *fakeNodes) ListOnlineNodes(ctx context.Context) ([]*domain.Node, error) {
	return nil, nil
}
func (f *fakeNodes) UpdateNode(ctx context.Context, id string, mutate func(*domain.Node) error) (*domain.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil, domain.NotFound("node %s not found", id)
	}
	if err := mutate(n); err != nil {
		return nil, err
	}
	cp := *n
	return &cp, nil
}
func (f *fakeNodes) DeleteNode(ctx context.Context, id string) error { return nil }
func (f *fakeNodes) ReleaseOnNode(ctx context.Context, nodeID string, points, memoryBytes, storageBytes int64) error {
	return nil
}

func (f *fakeNodes) NodeSecret(ctx context.Context, nodeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[nodeID]
	if !ok {
		return "", domain.NotFound("node %s not found", nodeID)
	}
	return n.Secret, nil
}

type fakeCommands struct {
	mu       sync.Mutex
	recorded []*domain.Command
	byID     map[string]*domain.Command
	acked    map[string]bool
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{byID: map[string]*domain.Command{}, acked: map[string]bool{}}
}

func (f *fakeCommands) RecordCommand(ctx context.Context, c *domain.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, c)
	f.byID[c.CommandID] = c
	return nil
}
func (f *fakeCommands) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, domain.NotFound("command %s not found", id)
	}
	return c, nil
}
func (f *fakeCommands) MarkCommandAcked(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[id] = true
	return nil
}

type fakeObligations struct {
	mu      sync.Mutex
	created []*domain.Obligation
}

func (f *fakeObligations) CreateObligation(ctx context.Context, o *domain.Obligation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.ID == "" {
		o.ID = "obl-test"
	}
	f.created = append(f.created, o)
	return nil
}
func (f *fakeObligations) GetObligation(ctx context.Context, id string) (*domain.Obligation, error) {
	return nil, domain.NotFound("obligation %s not found", id)
}
func (f *fakeObligations) ListActiveObligations(ctx context.Context) ([]*domain.Obligation, error) {
	return nil, nil
}
func (f *fakeObligations) ListObligationsByStatus(ctx context.Context, status domain.ObligationStatus) ([]*domain.Obligation, error) {
	return nil, nil
}
func (f *fakeObligations) ListObligationsForResource(ctx context.Context, resourceType, resourceID string) ([]*domain.Obligation, error) {
	return nil, nil
}
func (f *fakeObligations) UpdateObligation(ctx context.Context, id string, mutate func(*domain.Obligation) error) (*domain.Obligation, error) {
	return nil, domain.NotFound("obligation %s not found", id)
}
func (f *fakeObligations) PruneCompletedBefore(ctx context.Context, cutoffSeconds int64) (int, error) {
	return 0, nil
}

func testHandler(vms *fakeVMs, nodes *fakeNodes) (*Handler, *fakeCommands, *fakeObligations) {
	commands := newFakeCommands()
	obligations := &fakeObligations{}
	channel := nodechannel.New(signalbus.New(), nodechannel.DefaultConfig())
	lifecycle := vmlifecycle.New(vms, nodes, vmlifecycle.Config{})
	h := &Handler{
		VMs:         vms,
		Nodes:       nodes,
		NodeSecrets: nodes,
		Commands:    commands,
		Obligations: obligations,
		Channel:     channel,
		Lifecycle:   lifecycle,
	}
	return h, commands, obligations
}

func withPrincipal(r *http.Request, userID string) *http.Request {
	return r.WithContext(domain.WithPrincipal(r.Context(), domain.Principal{UserID: userID}))
}

func TestCreateVMCreatesPendingVMAndScheduleObligation(t *testing.T) {
	vms := newFakeVMs()
	nodes := newFakeNodes()
	h, _, obligations := testHandler(vms, nodes)

	body := `{"name":"box","virtual_cpu_cores":2,"memory_bytes":1073741824,"disk_bytes":10737418240,"quality_tier":"Standard","region":"us-east","hourly_rate_crypto":0.1}`
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/vms", bytes.NewBufferString(body)), "user-1")
	rec := httptest.NewRecorder()

	h.CreateVM(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(obligations.created) != 1 || obligations.created[0].Type != domain.TypeVMSchedule {
		t.Fatalf("expected one vm.schedule obligation, got %+v", obligations.created)
	}
}

func TestCreateVMRejectsInvalidTier(t *testing.T) {
	h, _, _ := testHandler(newFakeVMs(), newFakeNodes())
	body := `{"name":"box","virtual_cpu_cores":2,"memory_bytes":1,"disk_bytes":1,"quality_tier":"Gold","region":"us-east","hourly_rate_crypto":0.1}`
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/vms", bytes.NewBufferString(body)), "user-1")
	rec := httptest.NewRecorder()

	h.CreateVM(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetVMRejectsNonOwner(t *testing.T) {
	vms := newFakeVMs(&domain.VirtualMachine{ID: "vm-1", OwnerID: "user-1", Status: domain.VMRunning})
	h, _, _ := testHandler(vms, newFakeNodes())

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/vms/vm-1", nil), "user-2")
	req.SetPathValue("id", "vm-1")
	rec := httptest.NewRecorder()

	h.GetVM(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestGetVMRedactsInternalLabels(t *testing.T) {
	vm := &domain.VirtualMachine{ID: "vm-1", OwnerID: "user-1", Status: domain.VMStopped}
	vm.Label("_stopped_reason", "insufficient-funds")
	vm.Label("environment", "prod")
	h, _, _ := testHandler(newFakeVMs(vm), newFakeNodes())

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/vms/vm-1", nil), "user-1")
	req.SetPathValue("id", "vm-1")
	rec := httptest.NewRecorder()

	h.GetVM(rec, req)

	var body struct {
		Data domain.VirtualMachine `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body.Data.Labels["_stopped_reason"]; ok {
		t.Error("expected _stopped_reason to be redacted")
	}
	if body.Data.Labels["environment"] != "prod" {
		t.Error("expected non-internal label to survive redaction")
	}
}

func TestActionVMStopTransitionsAndEnqueuesCommand(t *testing.T) {
	vm := &domain.VirtualMachine{ID: "vm-1", OwnerID: "user-1", NodeID: "node-1", Status: domain.VMRunning}
	vms := newFakeVMs(vm)
	nodes := newFakeNodes(&domain.Node{ID: "node-1"})
	h, commands, _ := testHandler(vms, nodes)

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/vms/vm-1/action", bytes.NewBufferString(`{"action":"Stop"}`)), "user-1")
	req.SetPathValue("id", "vm-1")
	rec := httptest.NewRecorder()

	h.ActionVM(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	updated := vms.get("vm-1")
	if updated.Status != domain.VMStopping {
		t.Fatalf("status = %v, want Stopping", updated.Status)
	}
	if len(commands.recorded) != 1 || commands.recorded[0].Type != domain.CommandStopVM {
		t.Fatalf("expected one StopVm command, got %+v", commands.recorded)
	}
}

func TestActionVMRejectsInvalidStateTransition(t *testing.T) {
	vm := &domain.VirtualMachine{ID: "vm-1", OwnerID: "user-1", NodeID: "node-1", Status: domain.VMStopped}
	h, _, _ := testHandler(newFakeVMs(vm), newFakeNodes(&domain.Node{ID: "node-1"}))

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/vms/vm-1/action", bytes.NewBufferString(`{"action":"Stop"}`)), "user-1")
	req.SetPathValue("id", "vm-1")
	rec := httptest.NewRecorder()

	h.ActionVM(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestDeleteVMEmitsDeleteObligation(t *testing.T) {
	vm := &domain.VirtualMachine{ID: "vm-1", OwnerID: "user-1", Status: domain.VMRunning}
	h, _, obligations := testHandler(newFakeVMs(vm), newFakeNodes())

	req := withPrincipal(httptest.NewRequest(http.MethodDelete, "/api/vms/vm-1", nil), "user-1")
	req.SetPathValue("id", "vm-1")
	rec := httptest.NewRecorder()

	h.DeleteVM(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(obligations.created) != 1 || obligations.created[0].Type != domain.TypeVMDelete {
		t.Fatalf("expected one vm.delete obligation, got %+v", obligations.created)
	}
}

func TestRegisterNodeIssuesSecretOnce(t *testing.T) {
	h, _, _ := testHandler(newFakeVMs(), newFakeNodes())

	body := `{"wallet":"w1","public_ip":"1.2.3.4","region":"us-east","hardware":{"physical_cores":8,"memory_bytes":34359738368}}`
	req := httptest.NewRequest(http.MethodPost, "/api/nodes/register", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.RegisterNode(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data struct {
			ID     string `json:"id"`
			Secret string `json:"secret"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.ID == "" || resp.Data.Secret == "" {
		t.Fatalf("expected id and secret in response, got %+v", resp.Data)
	}
}

func TestAcknowledgeCommandAppliesResultAndMarksAcked(t *testing.T) {
	vm := &domain.VirtualMachine{ID: "vm-1", OwnerID: "user-1", NodeID: "node-1", Status: domain.VMProvisioning}
	vms := newFakeVMs(vm)
	h, commands, _ := testHandler(vms, newFakeNodes(&domain.Node{ID: "node-1"}))

	cmd := &domain.Command{CommandID: "cmd-1", Type: domain.CommandCreateVM, TargetResourceID: "vm-1", NodeID: "node-1", RequiresAck: true}
	_ = commands.RecordCommand(context.Background(), cmd)
	_ = h.Channel.Enqueue("node-1", cmd)

	ackBody := `{"success":true,"resultData":{"private_ip":"10.0.0.5"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/nodes/node-1/commands/cmd-1/acknowledge", bytes.NewBufferString(ackBody))
	req.SetPathValue("id", "node-1")
	req.SetPathValue("cmdId", "cmd-1")
	rec := httptest.NewRecorder()

	h.AcknowledgeCommand(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	updated := vms.get("vm-1")
	if updated.Status != domain.VMRunning {
		t.Fatalf("status = %v, want Running", updated.Status)
	}
	if updated.NetworkConfig.PrivateIP != "10.0.0.5" {
		t.Errorf("private ip = %q, want 10.0.0.5", updated.NetworkConfig.PrivateIP)
	}
	if !commands.acked["cmd-1"] {
		t.Error("expected command to be marked acked")
	}
}

func TestHeartbeatReturnsQueuedCommands(t *testing.T) {
	nodes := newFakeNodes(&domain.Node{ID: "node-1", State: domain.NodeOffline})
	h, commands, _ := testHandler(newFakeVMs(), nodes)

	cmd := &domain.Command{CommandID: "cmd-1", Type: domain.CommandStartVM, TargetResourceID: "vm-1", RequiresAck: true}
	_ = commands.RecordCommand(context.Background(), cmd)
	_ = h.Channel.Enqueue("node-1", cmd)

	req := httptest.NewRequest(http.MethodPost, "/api/nodes/node-1/heartbeat", bytes.NewBufferString(`{}`))
	req.SetPathValue("id", "node-1")
	rec := httptest.NewRecorder()

	h.Heartbeat(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data struct {
			Commands []domain.NodeCommand `json:"commands"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data.Commands) != 1 || resp.Data.Commands[0].CommandID != "cmd-1" {
		t.Fatalf("expected one queued command, got %+v", resp.Data.Commands)
	}

	updated, _ := nodes.GetNode(context.Background(), "node-1")
	if updated.State != domain.NodeOnline {
		t.Errorf("state = %v, want Online after heartbeat", updated.State)
	}
}
