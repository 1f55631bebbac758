package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxlink-ai/voicebridge/src/locks"
	"github.com/voxlink-ai/voicebridge/src/telephony"
)

// fakeRegistrar tracks one credential's registered numbers.
type fakeRegistrar struct {
	mu         sync.Mutex
	cred       string
	registered map[string]string // number -> sid
	nextSID    int
	slow       time.Duration
	failReg    bool
	deregs     []string
	webhooks   []string
	agents     []string
}

func newFakeRegistrar(cred string) *fakeRegistrar {
	return &fakeRegistrar{cred: cred, registered: make(map[string]string)}
}

func (f *fakeRegistrar) Exists(number string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sid, ok := f.registered[number]
	return ok, sid, nil
}

func (f *fakeRegistrar) Register(number, voiceURL string) (string, error) {
	if f.slow > 0 {
		time.Sleep(f.slow)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReg {
		return "", errors.New("provider rejected registration")
	}
	f.nextSID++
	sid := fmt.Sprintf("PN-%s-%d", f.cred, f.nextSID)
	f.registered[number] = sid
	return sid, nil
}

func (f *fakeRegistrar) Deregister(sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregs = append(f.deregs, sid)
	for num, s := range f.registered {
		if s == sid {
			delete(f.registered, num)
		}
	}
	return nil
}

func (f *fakeRegistrar) ConfigureWebhook(sid, url string) error {
	f.mu.Lock()
	f.webhooks = append(f.webhooks, sid)
	f.mu.Unlock()
	return nil
}

func (f *fakeRegistrar) AssignToAgent(sid, agentID, baseURL string) error {
	f.mu.Lock()
	f.agents = append(f.agents, sid+"|"+agentID)
	f.mu.Unlock()
	return nil
}

func newTestMigrator(regs map[string]*fakeRegistrar) (*Migrator, *MemoryNumberStore) {
	store := NewMemoryNumberStore()
	m := New(locks.NewKeyed(), store, func(cred string) (telephony.NumberRegistrar, error) {
		r, ok := regs[cred]
		if !ok {
			return nil, fmt.Errorf("unknown credential %s", cred)
		}
		return r, nil
	}, "https://bridge.example.com")
	return m, store
}

func TestMigratePhoneNumberMovesRegistration(t *testing.T) {
	src := newFakeRegistrar("a")
	dst := newFakeRegistrar("b")
	m, store := newTestMigrator(map[string]*fakeRegistrar{"a": src, "b": dst})
	ctx := context.Background()

	sid, _ := src.Register("+15550001", "url")
	store.Save(ctx, NumberRecord{Number: "+15550001", RemoteID: sid, CredentialID: "a"})

	if err := m.MigratePhoneNumber(ctx, "+15550001", "b", "agent-1"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rec, _ := store.Get(ctx, "+15550001")
	if rec.CredentialID != "b" {
		t.Errorf("credential = %s, want b", rec.CredentialID)
	}
	if exists, _, _ := dst.Exists("+15550001"); !exists {
		t.Error("number not registered at destination")
	}
	if exists, _, _ := src.Exists("+15550001"); exists {
		t.Error("number still registered at source")
	}
	if rec.AgentID != "agent-1" {
		t.Errorf("agent = %s", rec.AgentID)
	}
}

func TestMigrateMutualExclusion(t *testing.T) {
	src := newFakeRegistrar("a")
	dst := newFakeRegistrar("b")
	dst.slow = 50 * time.Millisecond
	m, store := newTestMigrator(map[string]*fakeRegistrar{"a": src, "b": dst})
	ctx := context.Background()
	store.Save(ctx, NumberRecord{Number: "+15550001", RemoteID: "PN-a-1", CredentialID: "a"})

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- m.MigratePhoneNumber(ctx, "+15550001", "b", "")
		}()
	}
	var ok, busy int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			ok++
		case errors.Is(err, ErrMigrationInProgress):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || busy != 1 {
		t.Fatalf("got %d successes and %d busy, want 1 and 1", ok, busy)
	}
}

func TestMigrateDestinationFailureKeepsRecord(t *testing.T) {
	src := newFakeRegistrar("a")
	dst := newFakeRegistrar("b")
	dst.failReg = true
	m, store := newTestMigrator(map[string]*fakeRegistrar{"a": src, "b": dst})
	ctx := context.Background()
	store.Save(ctx, NumberRecord{Number: "+15550001", RemoteID: "PN-a-1", CredentialID: "a"})

	if err := m.MigratePhoneNumber(ctx, "+15550001", "b", ""); err == nil {
		t.Fatal("expected destination registration failure")
	}
	rec, _ := store.Get(ctx, "+15550001")
	if rec.CredentialID != "a" {
		t.Errorf("record re-homed despite failure: %s", rec.CredentialID)
	}
	// Lock released on the error path.
	if err := m.MigratePhoneNumber(ctx, "+15550001", "b", ""); errors.Is(err, ErrMigrationInProgress) {
		t.Error("lock leaked after failed migration")
	}
}

func TestMigrateAgentRehomesOnlyMismatchedNumbers(t *testing.T) {
	src := newFakeRegistrar("a")
	dst := newFakeRegistrar("b")
	m, store := newTestMigrator(map[string]*fakeRegistrar{"a": src, "b": dst})
	ctx := context.Background()

	sid, _ := src.Register("+15550001", "url")
	store.Save(ctx, NumberRecord{Number: "+15550001", RemoteID: sid, CredentialID: "a", AgentID: "agent-1"})
	store.Save(ctx, NumberRecord{Number: "+15550002", RemoteID: "PN-b-keep", CredentialID: "b", AgentID: "agent-1"})
	store.Save(ctx, NumberRecord{Number: "+15550003", RemoteID: "PN-a-other", CredentialID: "a", AgentID: "agent-2"})

	if err := m.MigrateAgent(ctx, "agent-1", "b"); err != nil {
		t.Fatalf("migrate agent: %v", err)
	}

	rec, _ := store.Get(ctx, "+15550001")
	if rec.CredentialID != "b" {
		t.Errorf("agent-1 number not re-homed: %s", rec.CredentialID)
	}
	if exists, _, _ := dst.Exists("+15550001"); !exists {
		t.Error("agent-1 number not registered at destination")
	}
	// A record already on the destination is skipped, not re-registered.
	rec, _ = store.Get(ctx, "+15550002")
	if rec.RemoteID != "PN-b-keep" {
		t.Errorf("already-correct record churned: remote id %s", rec.RemoteID)
	}
	// Numbers of other agents are untouched.
	rec, _ = store.Get(ctx, "+15550003")
	if rec.CredentialID != "a" {
		t.Errorf("unrelated agent's number re-homed: %s", rec.CredentialID)
	}
}

func TestMigrateAgentLocksAgentKey(t *testing.T) {
	reg := newFakeRegistrar("a")
	m, store := newTestMigrator(map[string]*fakeRegistrar{"a": reg})
	ctx := context.Background()
	store.Save(ctx, NumberRecord{Number: "+15550001", RemoteID: "PN-1", CredentialID: "a", AgentID: "agent-1"})

	if !m.locks.TryAcquire("agent:agent-1") {
		t.Fatal("setup: could not take agent lock")
	}
	if err := m.MigrateAgent(ctx, "agent-1", "a"); !errors.Is(err, ErrMigrationInProgress) {
		t.Fatalf("expected ErrMigrationInProgress while agent lock held, got %v", err)
	}
	m.locks.Release("agent:agent-1")

	// The key is per agent; other agents migrate concurrently.
	if err := m.MigrateAgent(ctx, "agent-1", "a"); err != nil {
		t.Fatalf("migrate after release: %v", err)
	}
}

func TestVerifyAndEnsureExistsHealsDrift(t *testing.T) {
	reg := newFakeRegistrar("a")
	m, store := newTestMigrator(map[string]*fakeRegistrar{"a": reg})
	ctx := context.Background()

	// Stored remote id no longer exists at the provider.
	store.Save(ctx, NumberRecord{Number: "+15550001", RemoteID: "PN-gone", CredentialID: "a"})

	if err := m.VerifyAndEnsureExists(ctx, "+15550001"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	rec, _ := store.Get(ctx, "+15550001")
	if rec.RemoteID == "PN-gone" {
		t.Error("remote id not healed")
	}
	if exists, sid, _ := reg.Exists("+15550001"); !exists || sid != rec.RemoteID {
		t.Errorf("provider registration %v %s vs record %s", exists, sid, rec.RemoteID)
	}

	// Second call is a no-op.
	before := rec.RemoteID
	if err := m.VerifyAndEnsureExists(ctx, "+15550001"); err != nil {
		t.Fatalf("second verify: %v", err)
	}
	rec, _ = store.Get(ctx, "+15550001")
	if rec.RemoteID != before {
		t.Error("idempotent verify changed the record")
	}
}

func TestMigrateAllMismatchedSkipsWhenBulkLockHeld(t *testing.T) {
	reg := newFakeRegistrar("a")
	m, store := newTestMigrator(map[string]*fakeRegistrar{"a": reg})
	ctx := context.Background()
	store.Save(ctx, NumberRecord{Number: "+15550001", RemoteID: "PN-1", CredentialID: "a"})

	kl := m.locks
	if !kl.TryAcquire(locks.GlobalBulkKey) {
		t.Fatal("setup: could not take bulk lock")
	}
	defer kl.Release(locks.GlobalBulkKey)

	migrated, err := m.MigrateAllMismatched(ctx, map[string]string{"+15550001": "b"})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if len(migrated) != 0 {
		t.Fatalf("bulk ran despite held lock: %v", migrated)
	}
}

func TestMigrateAllMismatched(t *testing.T) {
	src := newFakeRegistrar("a")
	dst := newFakeRegistrar("b")
	m, store := newTestMigrator(map[string]*fakeRegistrar{"a": src, "b": dst})
	ctx := context.Background()

	store.Save(ctx, NumberRecord{Number: "+15550001", RemoteID: "PN-1", CredentialID: "a"})
	store.Save(ctx, NumberRecord{Number: "+15550002", RemoteID: "PN-2", CredentialID: "b"})

	migrated, err := m.MigrateAllMismatched(ctx, map[string]string{
		"+15550001": "b", // mismatched
		"+15550002": "b", // already correct
	})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if len(migrated) != 1 || migrated[0] != "+15550001" {
		t.Fatalf("migrated = %v", migrated)
	}
	rec, _ := store.Get(ctx, "+15550001")
	if rec.CredentialID != "b" {
		t.Errorf("not re-homed: %s", rec.CredentialID)
	}
}
