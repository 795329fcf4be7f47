package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/flotilla/internal/coordination"
	"github.com/haasonsaas/flotilla/pkg/models"
)

func newTestRegistry(t *testing.T, store coordination.Store, capacity int) *Registry {
	t.Helper()
	reg := New(store, Config{
		HeartbeatInterval: time.Hour, // background loop stays quiet in tests
		HeartbeatTTL:      30 * time.Second,
		Capacity:          capacity,
	}, slog.New(slog.DiscardHandler))
	if err := reg.Register(context.Background()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return reg
}

func TestRegistry_RegisterWritesRecord(t *testing.T) {
	store := coordination.NewMemoryStore()
	reg := newTestRegistry(t, store, 10)

	records, err := reg.ListActiveInstances(context.Background())
	if err != nil {
		t.Fatalf("ListActiveInstances: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].ID != reg.InstanceID() {
		t.Errorf("record ID = %q, want %q", records[0].ID, reg.InstanceID())
	}
	if records[0].Capacity != 10 {
		t.Errorf("capacity = %d, want 10", records[0].Capacity)
	}
}

func TestRegistry_AssignSingleWinner(t *testing.T) {
	store := coordination.NewMemoryStore()

	const fleet = 8
	regs := make([]*Registry, fleet)
	for i := range regs {
		regs[i] = newTestRegistry(t, store, 10)
	}

	var wg sync.WaitGroup
	wins := make([]bool, fleet)
	for i := range regs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := regs[i].Assign(context.Background(), "agent-1")
			if err != nil {
				t.Errorf("Assign: %v", err)
			}
			wins[i] = won
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestRegistry_AssignIdempotentForOwner(t *testing.T) {
	store := coordination.NewMemoryStore()
	reg := newTestRegistry(t, store, 10)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		won, err := reg.Assign(ctx, "agent-1")
		if err != nil {
			t.Fatalf("Assign #%d: %v", i, err)
		}
		if !won {
			t.Fatalf("Assign #%d should succeed for current owner", i)
		}
	}
	if got := reg.AssignedCount(); got != 1 {
		t.Errorf("AssignedCount = %d, want 1", got)
	}
}

func TestRegistry_IsOwnedLocally(t *testing.T) {
	store := coordination.NewMemoryStore()
	regA := newTestRegistry(t, store, 10)
	regB := newTestRegistry(t, store, 10)
	ctx := context.Background()

	if _, err := regA.Assign(ctx, "agent-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	owned, err := regA.IsOwnedLocally(ctx, "agent-1")
	if err != nil || !owned {
		t.Errorf("IsOwnedLocally(owner) = %v, %v; want true", owned, err)
	}
	owned, err = regB.IsOwnedLocally(ctx, "agent-1")
	if err != nil || owned {
		t.Errorf("IsOwnedLocally(other) = %v, %v; want false", owned, err)
	}
	owned, err = regA.IsOwnedLocally(ctx, "agent-unassigned")
	if err != nil || owned {
		t.Errorf("IsOwnedLocally(unassigned) = %v, %v; want false", owned, err)
	}
}

func TestRegistry_UnassignReleasesOnlyOwnClaim(t *testing.T) {
	store := coordination.NewMemoryStore()
	regA := newTestRegistry(t, store, 10)
	regB := newTestRegistry(t, store, 10)
	ctx := context.Background()

	if _, err := regA.Assign(ctx, "agent-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	// A non-owner's Unassign must not clear the mapping.
	if err := regB.Unassign(ctx, "agent-1"); err != nil {
		t.Fatalf("Unassign by non-owner: %v", err)
	}
	if owner, _ := regA.Owner(ctx, "agent-1"); owner != regA.InstanceID() {
		t.Errorf("owner after foreign unassign = %q, want %q", owner, regA.InstanceID())
	}

	if err := regA.Unassign(ctx, "agent-1"); err != nil {
		t.Fatalf("Unassign by owner: %v", err)
	}
	if owner, _ := regA.Owner(ctx, "agent-1"); owner != "" {
		t.Errorf("owner after unassign = %q, want empty", owner)
	}
}

func TestRegistry_StealsFromExpiredInstance(t *testing.T) {
	store := coordination.NewMemoryStore()
	ctx := context.Background()

	// Seed an assignment held by an instance whose record has expired.
	deadRecord := models.InstanceRecord{
		ID:            "dead-instance",
		Capacity:      10,
		LastHeartbeat: time.Now().Add(-time.Hour),
	}
	payload, _ := json.Marshal(&deadRecord)
	_ = store.Set(ctx, "inst:dead-instance", payload, 0)
	_ = store.Set(ctx, "assign:agent-1", []byte("dead-instance"), 0)

	reg := newTestRegistry(t, store, 10)
	won, err := reg.Assign(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if !won {
		t.Fatal("Assign should steal from an expired owner")
	}
	if owner, _ := reg.Owner(ctx, "agent-1"); owner != reg.InstanceID() {
		t.Errorf("owner = %q, want %q", owner, reg.InstanceID())
	}
}

func TestRegistry_DoesNotStealFromLiveInstance(t *testing.T) {
	store := coordination.NewMemoryStore()
	regA := newTestRegistry(t, store, 10)
	regB := newTestRegistry(t, store, 10)
	ctx := context.Background()

	if _, err := regA.Assign(ctx, "agent-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	won, err := regB.Assign(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if won {
		t.Error("Assign should not steal from a live owner")
	}
}

func TestRegistry_CapacityRefusal(t *testing.T) {
	store := coordination.NewMemoryStore()
	reg := newTestRegistry(t, store, 2)
	ctx := context.Background()

	for _, agentID := range []string{"a", "b"} {
		if won, err := reg.Assign(ctx, agentID); err != nil || !won {
			t.Fatalf("Assign(%s) = %v, %v", agentID, won, err)
		}
	}
	if reg.CanAcceptMore() {
		t.Error("CanAcceptMore should be false at capacity")
	}
	won, err := reg.Assign(ctx, "c")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if won {
		t.Error("Assign beyond capacity should be refused")
	}
}

func TestRegistry_ExpiredInstanceExcluded(t *testing.T) {
	store := coordination.NewMemoryStore()
	ctx := context.Background()

	// A record with a stale heartbeat but still present in the store
	// (TTL not yet enforced by the backend) must still be filtered out.
	stale := models.InstanceRecord{
		ID:            "stale-instance",
		Capacity:      10,
		LastHeartbeat: time.Now().Add(-time.Hour),
	}
	payload, _ := json.Marshal(&stale)
	_ = store.Set(ctx, "inst:stale-instance", payload, 0)

	reg := newTestRegistry(t, store, 10)
	records, err := reg.ListActiveInstances(ctx)
	if err != nil {
		t.Fatalf("ListActiveInstances: %v", err)
	}
	for _, record := range records {
		if record.ID == "stale-instance" {
			t.Error("expired instance should be excluded from active list")
		}
	}
}

func TestRegistry_LeastLoaded(t *testing.T) {
	store := coordination.NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	loads := map[string]int{"inst-a": 3, "inst-b": 7, "inst-c": 1}
	for id, assigned := range loads {
		record := models.InstanceRecord{
			ID:            id,
			Capacity:      10,
			AssignedCount: assigned,
			LastHeartbeat: now,
		}
		payload, _ := json.Marshal(&record)
		_ = store.Set(ctx, "inst:"+id, payload, 0)
	}

	reg := New(store, Config{HeartbeatTTL: 30 * time.Second}, slog.New(slog.DiscardHandler))
	best, err := reg.LeastLoaded(ctx)
	if err != nil {
		t.Fatalf("LeastLoaded: %v", err)
	}
	if best.ID != "inst-c" {
		t.Errorf("LeastLoaded = %q, want inst-c", best.ID)
	}
}

func TestRegistry_LeastLoadedTieBreaksByID(t *testing.T) {
	store := coordination.NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	for _, id := range []string{"inst-b", "inst-a"} {
		record := models.InstanceRecord{
			ID:            id,
			Capacity:      10,
			AssignedCount: 5,
			LastHeartbeat: now,
		}
		payload, _ := json.Marshal(&record)
		_ = store.Set(ctx, "inst:"+id, payload, 0)
	}

	reg := New(store, Config{HeartbeatTTL: 30 * time.Second}, slog.New(slog.DiscardHandler))
	best, err := reg.LeastLoaded(ctx)
	if err != nil {
		t.Fatalf("LeastLoaded: %v", err)
	}
	if best.ID != "inst-a" {
		t.Errorf("LeastLoaded tie = %q, want inst-a", best.ID)
	}
}

func TestRegistry_ShutdownReleasesAssignments(t *testing.T) {
	store := coordination.NewMemoryStore()
	ctx := context.Background()

	reg := New(store, Config{
		HeartbeatInterval: time.Hour,
		HeartbeatTTL:      30 * time.Second,
		Capacity:          10,
	}, slog.New(slog.DiscardHandler))
	if err := reg.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Assign(ctx, "agent-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	if err := reg.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if owner, _ := reg.Owner(ctx, "agent-1"); owner != "" {
		t.Errorf("owner after shutdown = %q, want empty", owner)
	}
	records, err := reg.ListActiveInstances(ctx)
	if err != nil {
		t.Fatalf("ListActiveInstances: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records after shutdown = %d, want 0", len(records))
	}
}
