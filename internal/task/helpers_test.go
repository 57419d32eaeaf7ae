package task

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tastythames/task-launcher/internal/inventory"
	"github.com/tastythames/task-launcher/internal/kvstore"
	"github.com/tastythames/task-launcher/internal/probe"
	"github.com/tastythames/task-launcher/internal/sshclient"
)

var epoch = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func testCatalog() *inventory.Catalog {
	six := 6
	return &inventory.Catalog{
		Hosts: []inventory.Host{
			{Name: "node1", Address: "10.0.0.1", Port: 22, User: "root", Password: "x"},
			{Name: "node2", Address: "10.0.0.2", Port: 22, User: "root", Password: "x"},
		},
		Tasks: []inventory.Task{
			{
				Name: "survival",
				ID:   1,
				Command: inventory.CommandBatch{
					{Host: "node1", Commands: []string{"start-survival"}},
					{Host: "node2", Commands: []string{"start-proxy", "warm-cache"}},
				},
				ShutdownCommand: inventory.CommandBatch{
					{Host: "node2", Commands: []string{"stop-proxy"}},
					{Host: "node1", Commands: []string{"stop-survival"}},
				},
				Telnet:  "10.0.0.1:25565",
				MaxTime: &six,
			},
			{
				Name:            "creative",
				ID:              2,
				Command:         inventory.CommandBatch{{Host: "node1", Commands: []string{"start-creative"}}},
				ShutdownCommand: inventory.CommandBatch{{Host: "node1", Commands: []string{"stop-creative"}}},
				Telnet:          "10.0.0.1:25566",
				AllowedTimes:    []int{1, 2},
			},
		},
		Ping: []inventory.PingTarget{
			{Name: "node1", IP: "10.0.0.1"},
			{Name: "local", IP: "127.0.0.1"},
		},
	}
}

// fakeBatcher succeeds unless a command is listed in fail.
type fakeBatcher struct {
	mu      sync.Mutex
	calls   []inventory.CommandBatch
	fail    map[string]bool
	panicOn string
	during  func()
	ctxErrs []error
}

func (f *fakeBatcher) Report(ctx context.Context, batch inventory.CommandBatch) sshclient.BatchReport {
	f.mu.Lock()
	f.calls = append(f.calls, batch)
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()

	var report sshclient.BatchReport
	for _, hc := range batch {
		hr := sshclient.HostReport{Host: hc.Host, Total: len(hc.Commands), OK: true}
		for i, cmd := range hc.Commands {
			if cmd == f.panicOn {
				panic("boom in " + cmd)
			}
			if f.fail[cmd] {
				hr.OK = false
				hr.Err = fmt.Errorf("command %d/%d failed: %s", i+1, len(hc.Commands), cmd)
				break
			}
			hr.Executed++
		}
		report.Hosts = append(report.Hosts, hr)
	}
	return report
}

func (f *fakeBatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeProber struct {
	mu      sync.Mutex
	live    map[string]bool
	panicOn string
	pings   map[string]probe.PingResult
	checked []string
}

func (f *fakeProber) CheckPort(_ context.Context, hostPort string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, hostPort)
	if hostPort == f.panicOn {
		panic("probe exploded")
	}
	return f.live[hostPort]
}

func (f *fakeProber) Ping(_ context.Context, ip string) probe.PingResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings[ip]
}

func (f *fakeProber) setLive(hostPort string, live bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[hostPort] = live
}

type fakeRecorder struct {
	mu         sync.Mutex
	batches    []string
	autoStops  []string
	ticks      int
	failedTask []string
}

func (r *fakeRecorder) BatchFinished(op string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, fmt.Sprintf("%s:%t", op, ok))
}

func (r *fakeRecorder) AutoStopped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoStops = append(r.autoStops, reason)
}

func (r *fakeRecorder) ReconcileFinished(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
}

func (r *fakeRecorder) ReconcileFailed(task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedTask = append(r.failedTask, task)
}

// ctxStore refuses writes on a done context, the way a database driver does.
type ctxStore struct {
	kvstore.Store
}

func (s ctxStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Set(ctx, key, value, ttl)
}

func (s ctxStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Delete(ctx, key)
}

type harness struct {
	clock    *clockwork.FakeClock
	batches  *fakeBatcher
	prober   *fakeProber
	store    *kvstore.Memory
	recorder *fakeRecorder
	o        *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	h := &harness{
		clock:    clock,
		batches:  &fakeBatcher{fail: map[string]bool{}},
		prober:   &fakeProber{live: map[string]bool{}, pings: map[string]probe.PingResult{}},
		store:    kvstore.NewMemory(clock),
		recorder: &fakeRecorder{},
	}
	h.o = New(Options{
		Catalog:  testCatalog(),
		Batches:  h.batches,
		Prober:   h.prober,
		Store:    ctxStore{h.store},
		Clock:    clock,
		Logger:   zap.NewNop(),
		Metrics:  h.recorder,
		NewRunID: func() string { return "run-1" },
	})
	return h
}

func (h *harness) state(t *testing.T, name string) Status {
	t.Helper()
	st, ok := h.o.Registry().Get(name)
	if !ok {
		t.Fatalf("no record for %s", name)
	}
	return st
}

func (h *harness) stored(key string) (string, bool) {
	v, ok, _ := h.store.Get(context.Background(), key)
	return v, ok
}
