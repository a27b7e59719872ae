package resolve

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tesfayekb/core-base/internal/audit"
	"github.com/tesfayekb/core-base/internal/grants"
	"github.com/tesfayekb/core-base/internal/tenant"
)

// stubSource serves grant rows from memory. A non-nil err fails every call,
// and gate (when set) blocks loads until released.
type stubSource struct {
	mu      sync.Mutex
	members map[string]bool
	direct  map[string][]grants.DirectGrant
	roles   map[string][]grants.RoleGrant
	perms   map[string][]grants.Permission
	err     error
	gate    chan struct{}
	loads   atomic.Int64
}

func newStubSource() *stubSource {
	return &stubSource{
		members: map[string]bool{},
		direct:  map[string][]grants.DirectGrant{},
		roles:   map[string][]grants.RoleGrant{},
		perms:   map[string][]grants.Permission{},
	}
}

func (s *stubSource) HasMembership(ctx context.Context, userID string) (bool, error) {
	s.loads.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	return s.members[userID], nil
}

func (s *stubSource) DirectPermissions(ctx context.Context, userID string) ([]grants.DirectGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.direct[userID], nil
}

func (s *stubSource) UserRoles(ctx context.Context, userID string) ([]grants.RoleGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.roles[userID], nil
}

func (s *stubSource) RolePermissions(ctx context.Context, roleID string) ([]grants.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.perms[roleID], nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingEmitter) Emit(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) denied() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Outcome == audit.OutcomeDenied {
			n++
		}
	}
	return n
}

func newTestResolver(source GrantSource, cache Cache, emitter audit.Emitter, sensitive ...string) *Resolver {
	if cache == nil {
		cache = NewMemoryCache(64, time.Minute)
	}
	return NewResolver(Config{
		Source:             source,
		Cache:              cache,
		Emitter:            emitter,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		SensitiveResources: sensitive,
	})
}

func scopedCtx(tenantID string) context.Context {
	return tenant.WithTenant(context.Background(), tenantID)
}

func TestResolveUnionsDirectAndRoleGrants(t *testing.T) {
	source := newStubSource()
	source.members["u1"] = true
	docID := "d-1"
	source.direct["u1"] = []grants.DirectGrant{
		{Permission: grants.Permission{Resource: "reports", Action: grants.ActionView}, ResourceID: &docID},
	}
	source.roles["u1"] = []grants.RoleGrant{{RoleID: "r-editor", RoleName: "editor"}}
	source.perms["r-editor"] = []grants.Permission{
		{Resource: "documents", Action: grants.ActionUpdate},
		{Resource: "documents", Action: grants.ActionRead},
	}
	r := newTestResolver(source, nil, nil)

	set, err := r.Resolve(scopedCtx("t1"), "t1", "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if set.Len() != 3 {
		t.Fatalf("expected 3 effective permissions, got %d", set.Len())
	}
	if !set.Allows(grants.ActionUpdate, "documents", "") {
		t.Fatal("role grant missing from union")
	}
	if !set.Allows(grants.ActionView, "reports", "d-1") {
		t.Fatal("scoped direct grant missing from union")
	}
	for _, p := range set.List() {
		if p.Resource == "documents" && p.Source != "editor" {
			t.Fatalf("role grant provenance: got %q", p.Source)
		}
		if p.Resource == "reports" && p.Source != SourceDirect {
			t.Fatalf("direct grant provenance: got %q", p.Source)
		}
	}
}

func TestResolveDirectProvenanceWinsOverRole(t *testing.T) {
	source := newStubSource()
	source.members["u1"] = true
	source.direct["u1"] = []grants.DirectGrant{
		{Permission: grants.Permission{Resource: "documents", Action: grants.ActionUpdate}},
	}
	source.roles["u1"] = []grants.RoleGrant{{RoleID: "r-editor", RoleName: "editor"}}
	source.perms["r-editor"] = []grants.Permission{{Resource: "documents", Action: grants.ActionUpdate}}
	r := newTestResolver(source, nil, nil)

	set, err := r.Resolve(scopedCtx("t1"), "t1", "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("duplicate should collapse, got %d", set.Len())
	}
	if got := set.List()[0].Source; got != SourceDirect {
		t.Fatalf("expected direct provenance, got %q", got)
	}
}

func TestResolveNonMemberGetsEmptySet(t *testing.T) {
	source := newStubSource()
	source.direct["u1"] = []grants.DirectGrant{
		{Permission: grants.Permission{Resource: "documents", Action: grants.ActionRead}},
	}
	r := newTestResolver(source, nil, nil)

	set, err := r.Resolve(scopedCtx("t1"), "t1", "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("non-member must resolve to an empty set, got %d entries", set.Len())
	}
}

func TestResolveValidatesInput(t *testing.T) {
	r := newTestResolver(newStubSource(), nil, nil)

	if _, err := r.Resolve(scopedCtx("t1"), "", "u1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty tenant: got %v", err)
	}
	if _, err := r.Resolve(scopedCtx("t1"), "t1", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty user: got %v", err)
	}
}

func TestResolveRequiresMatchingTenantContext(t *testing.T) {
	source := newStubSource()
	source.members["u1"] = true
	r := newTestResolver(source, nil, nil)

	if _, err := r.Resolve(context.Background(), "t1", "u1"); !errors.Is(err, tenant.ErrMissingContext) {
		t.Fatalf("missing context: got %v", err)
	}
	if _, err := r.Resolve(scopedCtx("t2"), "t1", "u1"); !errors.Is(err, tenant.ErrContextViolation) {
		t.Fatalf("mismatched context: got %v", err)
	}
	if source.loads.Load() != 0 {
		t.Fatal("grant store must not be consulted without a valid tenant context")
	}
}

func TestResolveServesFromCache(t *testing.T) {
	source := newStubSource()
	source.members["u1"] = true
	r := newTestResolver(source, nil, nil)
	ctx := scopedCtx("t1")

	if _, err := r.Resolve(ctx, "t1", "u1"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := r.Resolve(ctx, "t1", "u1"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if got := source.loads.Load(); got != 1 {
		t.Fatalf("expected 1 store load, got %d", got)
	}
}

func TestResolvePropagatesStoreOutage(t *testing.T) {
	source := newStubSource()
	source.err = errors.New("connection refused")
	r := newTestResolver(source, nil, nil)

	_, err := r.Resolve(scopedCtx("t1"), "t1", "u1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestResolveOutageDoesNotPoisonCache(t *testing.T) {
	source := newStubSource()
	source.err = errors.New("connection refused")
	cache := NewMemoryCache(64, time.Minute)
	r := newTestResolver(source, cache, nil)
	ctx := scopedCtx("t1")

	if _, err := r.Resolve(ctx, "t1", "u1"); err == nil {
		t.Fatal("expected outage error")
	}
	if _, ok := cache.Get(ctx, "t1", "u1"); ok {
		t.Fatal("failed load must not leave a cache entry")
	}

	// Store recovers; next resolve succeeds.
	source.mu.Lock()
	source.err = nil
	source.members["u1"] = true
	source.mu.Unlock()
	if _, err := r.Resolve(ctx, "t1", "u1"); err != nil {
		t.Fatalf("resolve after recovery: %v", err)
	}
}

func TestConcurrentMissesCollapseToOneLoad(t *testing.T) {
	source := newStubSource()
	source.members["u1"] = true
	source.gate = make(chan struct{})
	r := newTestResolver(source, nil, nil)
	ctx := scopedCtx("t1")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(ctx, "t1", "u1")
			errs <- err
		}()
	}
	// Let every goroutine reach the flight before the load completes.
	time.Sleep(50 * time.Millisecond)
	close(source.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if got := source.loads.Load(); got != 1 {
		t.Fatalf("expected 1 collapsed load, got %d", got)
	}
}

func TestCancelledCallerStillPopulatesCache(t *testing.T) {
	source := newStubSource()
	source.members["u1"] = true
	source.gate = make(chan struct{})
	cache := NewMemoryCache(64, time.Minute)
	r := newTestResolver(source, cache, nil)

	ctx, cancel := context.WithCancel(scopedCtx("t1"))
	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, "t1", "u1")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The detached load finishes and the full set lands in the cache.
	close(source.gate)
	deadline := time.After(time.Second)
	for {
		if _, ok := cache.Get(context.Background(), "t1", "u1"); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("detached load never populated the cache")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCheckFailsClosedOnOutage(t *testing.T) {
	source := newStubSource()
	source.err = errors.New("connection refused")
	r := newTestResolver(source, nil, nil)

	allowed, err := r.Check(scopedCtx("t1"), "t1", "u1", grants.ActionRead, "documents", "")
	if err != nil {
		t.Fatalf("outage must not surface from Check: %v", err)
	}
	if allowed {
		t.Fatal("check failed open during an outage")
	}
}

func TestCheckReturnsSecurityErrors(t *testing.T) {
	source := newStubSource()
	source.members["u1"] = true
	emitter := &recordingEmitter{}
	r := newTestResolver(source, nil, emitter)

	allowed, err := r.Check(scopedCtx("t2"), "t1", "u1", grants.ActionRead, "documents", "")
	if allowed {
		t.Fatal("cross-tenant check allowed")
	}
	if !errors.Is(err, tenant.ErrContextViolation) {
		t.Fatalf("expected ErrContextViolation, got %v", err)
	}
	if emitter.denied() != 1 {
		t.Fatalf("expected 1 denied audit event, got %d", emitter.denied())
	}
}

func TestCheckAuditsDenialsOnSensitiveResources(t *testing.T) {
	source := newStubSource()
	source.members["u1"] = true
	emitter := &recordingEmitter{}
	r := newTestResolver(source, nil, emitter, "billing")
	ctx := scopedCtx("t1")

	if allowed, _ := r.Check(ctx, "t1", "u1", grants.ActionRead, "documents", ""); allowed {
		t.Fatal("unexpected allow")
	}
	if emitter.denied() != 0 {
		t.Fatal("non-sensitive denial should not be audited")
	}

	if allowed, _ := r.Check(ctx, "t1", "u1", grants.ActionRead, "billing", ""); allowed {
		t.Fatal("unexpected allow")
	}
	if emitter.denied() != 1 {
		t.Fatalf("sensitive denial should be audited, got %d events", emitter.denied())
	}
}

// Exercises the full revocation path: an editor loses the update permission,
// the user's entry is evicted, and the next check observes the loss.
func TestCheckObservesRevocationAfterEviction(t *testing.T) {
	source := newStubSource()
	source.members["u1"] = true
	source.roles["u1"] = []grants.RoleGrant{{RoleID: "r-editor", RoleName: "editor"}}
	source.perms["r-editor"] = []grants.Permission{{Resource: "documents", Action: grants.ActionUpdate}}
	cache := NewMemoryCache(64, time.Minute)
	r := newTestResolver(source, cache, nil)
	ctx := scopedCtx("t1")

	allowed, err := r.Check(ctx, "t1", "u1", grants.ActionUpdate, "documents", "")
	if err != nil || !allowed {
		t.Fatalf("expected allow before revocation, got (%v, %v)", allowed, err)
	}

	source.mu.Lock()
	source.perms["r-editor"] = nil
	source.mu.Unlock()
	cache.Evict(ctx, "t1", "u1")

	allowed, err = r.Check(ctx, "t1", "u1", grants.ActionUpdate, "documents", "")
	if err != nil {
		t.Fatalf("check after revocation: %v", err)
	}
	if allowed {
		t.Fatal("revoked permission still allowed after eviction")
	}
}

func TestPrefetchWarmsCache(t *testing.T) {
	source := newStubSource()
	source.members["u1"] = true
	source.members["u2"] = true
	cache := NewMemoryCache(64, time.Minute)
	r := newTestResolver(source, cache, nil)
	ctx := scopedCtx("t1")

	if err := r.Prefetch(ctx, "t1", []string{"u1", "u2"}); err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	for _, userID := range []string{"u1", "u2"} {
		if _, ok := cache.Get(ctx, "t1", userID); !ok {
			t.Fatalf("prefetch left %s cold", userID)
		}
	}
}
