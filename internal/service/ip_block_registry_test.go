package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"admission-service/internal/config"
	"admission-service/internal/metrics"
	"admission-service/internal/models"
	"admission-service/internal/repository/memory"
	redisrepo "admission-service/internal/repository/redis"
)

func ttl(d time.Duration) *time.Duration { return &d }

func TestPermanentBlockUsesFixedFlagTTL(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registry(memory.NewBlockStore())
	ctx := context.Background()

	block, err := reg.Block(ctx, BlockRequest{IP: "10.0.0.1", Reason: "credential stuffing", BlockedBy: "op-1"})
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if !block.IsPermanent || block.ExpiresAt != nil || block.Status != models.BlockStatusActive {
		t.Fatalf("unexpected record %+v", block)
	}
	if got := env.mr.TTL("ipblock:T1:10.0.0.1"); got != 5*time.Minute {
		t.Fatalf("permanent flag ttl = %v, want 5m", got)
	}
	blocked, err := reg.IsBlocked(ctx, "10.0.0.1")
	if err != nil || !blocked {
		t.Fatalf("expected blocked, got %v %v", blocked, err)
	}

	if _, err := reg.Block(ctx, BlockRequest{IP: "10.0.0.1", Reason: "again"}); !errors.Is(err, ErrAlreadyBlocked) {
		t.Fatalf("expected ErrAlreadyBlocked, got %v", err)
	}
	if env.metrics.Value(metrics.BlockConflict) != 1 {
		t.Fatal("expected conflict metric")
	}
}

func TestTemporaryBlockFlagMatchesRecordTTL(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registry(memory.NewBlockStore())

	if _, err := reg.Block(context.Background(), BlockRequest{IP: "10.0.0.2", Reason: "scanner", TTL: ttl(time.Hour)}); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if got := env.mr.TTL("ipblock:T1:10.0.0.2"); got != time.Hour {
		t.Fatalf("flag ttl = %v, want 1h", got)
	}
}

func TestReadThroughNeverOutlivesTemporaryBlock(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registry(memory.NewBlockStore())
	ctx := context.Background()

	if _, err := reg.Block(ctx, BlockRequest{IP: "10.0.0.3", Reason: "scanner", TTL: ttl(2 * time.Minute)}); err != nil {
		t.Fatal(err)
	}
	env.mr.Del("ipblock:T1:10.0.0.3")

	blocked, err := reg.IsBlocked(ctx, "10.0.0.3")
	if err != nil || !blocked {
		t.Fatalf("read-through should find the block: %v %v", blocked, err)
	}
	if got := env.mr.TTL("ipblock:T1:10.0.0.3"); got <= 0 || got > 2*time.Minute {
		t.Fatalf("flag ttl %v exceeds record lifetime", got)
	}
	if env.metrics.Value(metrics.BlockCacheMiss) != 1 {
		t.Fatal("expected a cache miss")
	}
}

func TestReadThroughCachesNotBlocked(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registry(memory.NewBlockStore())

	blocked, err := reg.IsBlocked(context.Background(), "192.0.2.10")
	if err != nil || blocked {
		t.Fatalf("unexpected %v %v", blocked, err)
	}
	if v, _ := env.mr.Get("ipblock:T1:192.0.2.10"); v != "0" {
		t.Fatalf("expected NOT_BLOCKED flag, got %q", v)
	}
	if got := env.mr.TTL("ipblock:T1:192.0.2.10"); got != 5*time.Minute {
		t.Fatalf("unexpected ttl %v", got)
	}
}

// racingStore runs onFind between the ledger read and the cache write-back.
type racingStore struct {
	*memory.BlockStore
	onFind func()
}

func (s *racingStore) FindActive(ctx context.Context, tenant, ip string, now time.Time) (*models.IPBlock, error) {
	block, err := s.BlockStore.FindActive(ctx, tenant, ip, now)
	if s.onFind != nil {
		hook := s.onFind
		s.onFind = nil
		hook()
	}
	return block, err
}

func TestReadThroughDoesNotOverwriteConcurrentBlock(t *testing.T) {
	env := newTestEnv(t)
	store := &racingStore{BlockStore: memory.NewBlockStore()}
	reg := NewIPBlockRegistry(store, redisrepo.NewBlockCache(env.redis, env.cfg.TenantCode), env.clock, env.cfg, env.metrics, nil)
	ctx := context.Background()

	store.onFind = func() {
		if _, err := reg.Block(ctx, BlockRequest{IP: "203.0.113.7", Reason: "abuse"}); err != nil {
			t.Errorf("Block: %v", err)
		}
	}

	// The racing read saw the ledger before the block committed.
	if blocked, _ := reg.IsBlocked(ctx, "203.0.113.7"); blocked {
		t.Fatal("racing read should reflect the earlier ledger state")
	}
	if v, _ := env.mr.Get("ipblock:T1:203.0.113.7"); v != "1" {
		t.Fatalf("block flag was overwritten, got %q", v)
	}
	if blocked, _ := reg.IsBlocked(ctx, "203.0.113.7"); !blocked {
		t.Fatal("address must read as blocked once the block committed")
	}
}

func TestReadThroughDoesNotOverwriteConcurrentUnblock(t *testing.T) {
	env := newTestEnv(t)
	store := &racingStore{BlockStore: memory.NewBlockStore()}
	reg := NewIPBlockRegistry(store, redisrepo.NewBlockCache(env.redis, env.cfg.TenantCode), env.clock, env.cfg, env.metrics, nil)
	ctx := context.Background()

	if _, err := reg.Block(ctx, BlockRequest{IP: "203.0.113.8", Reason: "abuse"}); err != nil {
		t.Fatal(err)
	}
	env.mr.Del("ipblock:T1:203.0.113.8")
	store.onFind = func() {
		if _, err := reg.Unblock(ctx, "203.0.113.8", "op-1"); err != nil {
			t.Errorf("Unblock: %v", err)
		}
	}

	_, _ = reg.IsBlocked(ctx, "203.0.113.8")
	if blocked, _ := reg.IsBlocked(ctx, "203.0.113.8"); blocked {
		t.Fatal("stale read-through must not resurrect an unblocked address")
	}
}

func TestUnblockIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	store := memory.NewBlockStore()
	reg := env.registry(store)
	ctx := context.Background()

	_, _ = reg.Block(ctx, BlockRequest{IP: "10.0.0.4", Reason: "abuse"})
	_, _ = reg.Block(ctx, BlockRequest{IP: "10.0.0.5", Reason: "abuse"})

	n, err := reg.UnblockMany(ctx, []string{"10.0.0.4", "10.0.0.5", "10.0.0.4", "10.0.0.6"}, "op-2")
	if err != nil || n != 2 {
		t.Fatalf("UnblockMany = %d, %v", n, err)
	}
	for _, ip := range []string{"10.0.0.4", "10.0.0.5"} {
		if blocked, _ := reg.IsBlocked(ctx, ip); blocked {
			t.Fatalf("%s still blocked", ip)
		}
	}

	n, err = reg.Unblock(ctx, "10.0.0.4", "op-2")
	if err != nil || n != 0 {
		t.Fatalf("second unblock should be a no-op, got %d %v", n, err)
	}

	results, _ := reg.Search(ctx, "10.0.0.4", 10)
	if len(results) != 1 || results[0].UnblockedBy != "op-2" || results[0].UnblockedAt == nil {
		t.Fatalf("unblock not recorded: %+v", results)
	}
}

func TestPassiveAndActiveExpiryAgree(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registry(memory.NewBlockStore())
	ctx := context.Background()

	if _, err := reg.Block(ctx, BlockRequest{IP: "10.0.0.7", Reason: "burst", TTL: ttl(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(2 * time.Minute)
	env.mr.FastForward(2 * time.Minute)

	if blocked, _ := reg.IsBlocked(ctx, "10.0.0.7"); blocked {
		t.Fatal("lapsed block must not be enforced")
	}
	active, _ := reg.ListActive(ctx, 0, 0)
	if len(active) != 1 {
		t.Fatalf("passive expiry must not change stored status, got %d active", len(active))
	}

	n, err := reg.ReconcileExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ReconcileExpired = %d, %v", n, err)
	}
	active, _ = reg.ListActive(ctx, 0, 0)
	if len(active) != 0 {
		t.Fatalf("expected no active blocks, got %d", len(active))
	}
	stats, err := reg.Statistics(ctx)
	if err != nil || stats.Expired != 1 || stats.Active != 0 || stats.TenantCode != "T1" {
		t.Fatalf("unexpected statistics %+v %v", stats, err)
	}
}

func TestBlockReplacesLapsedActiveRecord(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registry(memory.NewBlockStore())
	ctx := context.Background()

	_, _ = reg.Block(ctx, BlockRequest{IP: "10.0.0.8", Reason: "burst", TTL: ttl(time.Minute)})
	env.clock.Advance(90 * time.Second)

	if _, err := reg.Block(ctx, BlockRequest{IP: "10.0.0.8", Reason: "burst again"}); err != nil {
		t.Fatalf("lapsed record must not hold the slot: %v", err)
	}
}

func TestBlocksAreTenantScoped(t *testing.T) {
	env := newTestEnv(t)
	store := memory.NewBlockStore()
	t1 := env.registry(store)

	other := *env.cfg
	other.TenantCode = "T2"
	env2 := *env
	env2.cfg = &other
	t2 := env2.registry(store)

	ctx := context.Background()
	_, _ = t1.Block(ctx, BlockRequest{IP: "10.0.0.9", Reason: "abuse"})

	if blocked, _ := t2.IsBlocked(ctx, "10.0.0.9"); blocked {
		t.Fatal("block leaked across tenants")
	}
	if _, err := t2.Block(ctx, BlockRequest{IP: "10.0.0.9", Reason: "abuse"}); err != nil {
		t.Fatalf("other tenant should be able to block: %v", err)
	}
}

func TestBlockValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registry(memory.NewBlockStore())
	ctx := context.Background()

	bad := []BlockRequest{
		{IP: "999.1.1.1", Reason: "x"},
		{IP: "10.0.0.1", Reason: " "},
		{IP: "10.0.0.1", Reason: "<script>"},
		{IP: "10.0.0.1", Reason: "x", TTL: ttl(0)},
		{IP: "10.0.0.1", Reason: "x", TTL: ttl(MaxBlockTTL + time.Hour)},
	}
	for _, req := range bad {
		if _, err := reg.Block(ctx, req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%+v: expected ErrInvalidInput, got %v", req, err)
		}
	}
	if _, err := reg.IsBlocked(ctx, "not-an-ip"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNormalizeIP(t *testing.T) {
	cases := map[string]string{
		" 10.0.0.1 ":      "10.0.0.1",
		"::ffff:10.0.0.1": "10.0.0.1",
		"2001:DB8:0:0::1": "2001:db8::1",
	}
	for in, want := range cases {
		got, err := NormalizeIP(in)
		if err != nil || got != want {
			t.Fatalf("NormalizeIP(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := NormalizeIP("fe80::1%eth0"); !errors.Is(err, ErrInvalidInput) {
		t.Fatal("zoned addresses should be rejected")
	}
}

func TestBlockCheckFailurePolicy(t *testing.T) {
	for _, tc := range []struct {
		policy config.FailurePolicy
		want   bool
	}{
		{config.FailOpen, false},
		{config.FailClosed, true},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			env := newTestEnv(t)
			logs := observeLogs(t)
			env.cfg.IPBlock.FailurePolicy = tc.policy
			reg := env.registry(memory.NewBlockStore())
			env.mr.Close()

			blocked, err := reg.IsBlocked(context.Background(), "10.1.1.1")
			if err != nil {
				t.Fatalf("collaborator errors must not surface: %v", err)
			}
			if blocked != tc.want {
				t.Fatalf("blocked = %v, want %v", blocked, tc.want)
			}
			if logs.FilterMessage("Block check degraded; applying failure policy").Len() != 1 {
				t.Fatal("expected degraded log entry")
			}
			if env.metrics.Value(metrics.BlockCheckDegraded) != 1 {
				t.Fatal("expected degraded metric")
			}
		})
	}
}

func TestWriteFailuresSurfaceAsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	reg := NewIPBlockRegistry(failingStore{memory.NewBlockStore()}, nil, env.clock, env.cfg, env.metrics, nil)
	ctx := context.Background()

	if _, err := reg.Block(ctx, BlockRequest{IP: "10.2.2.2", Reason: "x"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := reg.ReconcileExpired(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSearchStatisticsAndRetention(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registry(memory.NewBlockStore())
	ctx := context.Background()

	_, _ = reg.Block(ctx, BlockRequest{IP: "10.3.0.1", Reason: "Botnet node"})
	_, _ = reg.Block(ctx, BlockRequest{IP: "10.3.0.2", Reason: "scanner", TTL: ttl(6 * time.Hour)})
	_, _ = reg.Block(ctx, BlockRequest{IP: "10.3.0.3", Reason: "botnet relay"})
	_, _ = reg.Unblock(ctx, "10.3.0.3", "op")

	found, err := reg.Search(ctx, "BOTNET", 10)
	if err != nil || len(found) != 2 {
		t.Fatalf("Search = %d results, %v", len(found), err)
	}
	if _, err := reg.Search(ctx, "  ", 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty pattern, got %v", err)
	}

	stats, _ := reg.Statistics(ctx)
	if stats.Active != 2 || stats.Permanent != 1 || stats.Temporary != 1 || stats.Unblocked != 1 ||
		stats.Total != 3 || stats.BlockedToday != 3 || stats.ExpiringIn24h != 1 {
		t.Fatalf("unexpected statistics %+v", stats)
	}

	env.clock.Advance(91 * 24 * time.Hour)
	n, err := reg.CleanupRetention(ctx, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupRetention: %v", err)
	}
	// The lapsed temporary row was never reconciled and is still ACTIVE.
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
	if _, err := reg.CleanupRetention(ctx, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
