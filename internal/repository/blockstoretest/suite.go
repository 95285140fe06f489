// Package blockstoretest holds the behaviour every repository.BlockStore
// backend must share. Backends call Run from their own tests.
package blockstoretest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"admission-service/internal/models"
	"admission-service/internal/repository"
)

// Base is the reference instant all fixtures are placed around. It is whole
// seconds so backends with millisecond timestamps round-trip it exactly.
var Base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// Run executes the conformance cases against stores built by newStore. Each
// case uses its own tenant, so a shared database needs no cleanup between
// cases.
func Run(t *testing.T, newStore func(t *testing.T) repository.BlockStore) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s repository.BlockStore, tenant string)
	}{
		{"InsertActiveRejectsDuplicate", testInsertActiveRejectsDuplicate},
		{"TenantsAreIndependent", testTenantsAreIndependent},
		{"FindActiveExpiryBoundary", testFindActiveExpiryBoundary},
		{"ExpireStaleFreesAddress", testExpireStaleFreesAddress},
		{"MarkUnblockedRecordsOperator", testMarkUnblockedRecordsOperator},
		{"ExpireBeforeSkipsPermanentAndFuture", testExpireBeforeSkipsPermanentAndFuture},
		{"ListActivePagesNewestFirst", testListActivePagesNewestFirst},
		{"SearchMatchesAddressAndReason", testSearchMatchesAddressAndReason},
		{"StatisticsCountsByStatus", testStatisticsCountsByStatus},
		{"DeleteInactiveBeforeKeepsActive", testDeleteInactiveBeforeKeepsActive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t), "ct-"+uuid.NewString()[:8])
		})
	}
}

// Block builds an ACTIVE ledger row. A nil expiresAt makes it permanent.
func Block(tenant, ip string, blockedAt time.Time, expiresAt *time.Time) *models.IPBlock {
	return &models.IPBlock{
		ID:          uuid.NewString(),
		TenantCode:  tenant,
		IPAddress:   ip,
		Reason:      "conformance",
		IsPermanent: expiresAt == nil,
		BlockedAt:   blockedAt,
		ExpiresAt:   expiresAt,
		Status:      models.BlockStatusActive,
		BlockedBy:   "suite",
		UpdatedAt:   blockedAt,
	}
}

func at(d time.Duration) *time.Time {
	t := Base.Add(d)
	return &t
}

func insert(t *testing.T, s repository.BlockStore, b *models.IPBlock) {
	t.Helper()
	if err := s.InsertActive(context.Background(), b); err != nil {
		t.Fatalf("insert %s: %v", b.IPAddress, err)
	}
}

func sorted(ips []string) []string {
	out := append([]string(nil), ips...)
	sort.Strings(out)
	return out
}

func addresses(blocks []models.IPBlock) []string {
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.IPAddress)
	}
	return out
}

func testInsertActiveRejectsDuplicate(t *testing.T, s repository.BlockStore, tenant string) {
	ctx := context.Background()
	insert(t, s, Block(tenant, "192.0.2.10", Base, nil))

	err := s.InsertActive(ctx, Block(tenant, "192.0.2.10", Base.Add(time.Minute), at(time.Hour)))
	if !errors.Is(err, repository.ErrActiveBlockExists) {
		t.Fatalf("expected ErrActiveBlockExists, got %v", err)
	}

	if _, err := s.MarkUnblocked(ctx, tenant, []string{"192.0.2.10"}, "ops", Base.Add(time.Minute)); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	insert(t, s, Block(tenant, "192.0.2.10", Base.Add(2*time.Minute), nil))
}

func testTenantsAreIndependent(t *testing.T, s repository.BlockStore, tenant string) {
	ctx := context.Background()
	other := tenant + "-b"
	insert(t, s, Block(tenant, "192.0.2.20", Base, nil))
	insert(t, s, Block(other, "192.0.2.20", Base, nil))

	if b, err := s.FindActive(ctx, other, "192.0.2.21", Base); err != nil || b != nil {
		t.Fatalf("unexpected block %v err %v", b, err)
	}
	changed, err := s.MarkUnblocked(ctx, tenant, []string{"192.0.2.20"}, "ops", Base.Add(time.Minute))
	if err != nil || len(changed) != 1 {
		t.Fatalf("unblock: %v %v", changed, err)
	}
	if b, _ := s.FindActive(ctx, other, "192.0.2.20", Base.Add(time.Minute)); b == nil {
		t.Fatalf("unblocking one tenant must not touch another")
	}
}

func testFindActiveExpiryBoundary(t *testing.T, s repository.BlockStore, tenant string) {
	ctx := context.Background()
	insert(t, s, Block(tenant, "192.0.2.30", Base, at(time.Hour)))
	insert(t, s, Block(tenant, "192.0.2.31", Base, nil))

	if b, err := s.FindActive(ctx, tenant, "192.0.2.30", Base.Add(time.Hour)); err != nil || b == nil {
		t.Fatalf("block must hold at its exact expiry instant: %v %v", b, err)
	}
	if b, _ := s.FindActive(ctx, tenant, "192.0.2.30", Base.Add(time.Hour+time.Second)); b != nil {
		t.Fatalf("expected no enforced block after expiry")
	}
	b, err := s.FindActive(ctx, tenant, "192.0.2.31", Base.Add(10*365*24*time.Hour))
	if err != nil || b == nil {
		t.Fatalf("permanent block must always hold: %v %v", b, err)
	}
	if !b.IsPermanent || b.Status != models.BlockStatusActive {
		t.Fatalf("unexpected row %+v", b)
	}
	if b, err := s.FindActive(ctx, tenant, "192.0.2.39", Base); err != nil || b != nil {
		t.Fatalf("unknown address: %v %v", b, err)
	}
}

func testExpireStaleFreesAddress(t *testing.T, s repository.BlockStore, tenant string) {
	ctx := context.Background()
	insert(t, s, Block(tenant, "192.0.2.40", Base, at(time.Hour)))
	insert(t, s, Block(tenant, "192.0.2.41", Base, nil))

	if n, err := s.ExpireStale(ctx, tenant, "192.0.2.40", Base.Add(30*time.Minute)); err != nil || n != 0 {
		t.Fatalf("unexpired block must stay: %d %v", n, err)
	}
	if n, err := s.ExpireStale(ctx, tenant, "192.0.2.40", Base.Add(2*time.Hour)); err != nil || n != 1 {
		t.Fatalf("expected one expired row, got %d %v", n, err)
	}
	if n, _ := s.ExpireStale(ctx, tenant, "192.0.2.41", Base.Add(2*time.Hour)); n != 0 {
		t.Fatalf("permanent block must not expire")
	}
	insert(t, s, Block(tenant, "192.0.2.40", Base.Add(2*time.Hour), nil))
}

func testMarkUnblockedRecordsOperator(t *testing.T, s repository.BlockStore, tenant string) {
	ctx := context.Background()
	insert(t, s, Block(tenant, "192.0.2.50", Base, nil))
	insert(t, s, Block(tenant, "192.0.2.51", Base, at(time.Hour)))

	when := Base.Add(5 * time.Minute)
	changed, err := s.MarkUnblocked(ctx, tenant, []string{"192.0.2.50", "192.0.2.51", "192.0.2.59"}, "ops@example.com", when)
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if got := sorted(changed); len(got) != 2 || got[0] != "192.0.2.50" || got[1] != "192.0.2.51" {
		t.Fatalf("unexpected changed set %v", changed)
	}

	again, err := s.MarkUnblocked(ctx, tenant, []string{"192.0.2.50"}, "ops@example.com", when)
	if err != nil || len(again) != 0 {
		t.Fatalf("second unblock must change nothing: %v %v", again, err)
	}
	if none, err := s.MarkUnblocked(ctx, tenant, nil, "ops@example.com", when); err != nil || len(none) != 0 {
		t.Fatalf("empty unblock: %v %v", none, err)
	}

	rows, err := s.Search(ctx, tenant, "192.0.2.50", 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("search: %v %v", rows, err)
	}
	row := rows[0]
	if row.Status != models.BlockStatusUnblocked || row.UnblockedBy != "ops@example.com" {
		t.Fatalf("unexpected row %+v", row)
	}
	if row.UnblockedAt == nil || !row.UnblockedAt.Equal(when) {
		t.Fatalf("expected unblocked_at %v, got %v", when, row.UnblockedAt)
	}
}

func testExpireBeforeSkipsPermanentAndFuture(t *testing.T, s repository.BlockStore, tenant string) {
	ctx := context.Background()
	insert(t, s, Block(tenant, "192.0.2.60", Base, at(time.Hour)))
	insert(t, s, Block(tenant, "192.0.2.61", Base, at(3*time.Hour)))
	insert(t, s, Block(tenant, "192.0.2.62", Base, nil))
	insert(t, s, Block(tenant, "192.0.2.63", Base, at(2*time.Hour)))

	if _, err := s.MarkUnblocked(ctx, tenant, []string{"192.0.2.63"}, "ops", Base.Add(time.Minute)); err != nil {
		t.Fatalf("unblock: %v", err)
	}

	changed, err := s.ExpireBefore(ctx, tenant, Base.Add(150*time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(changed) != 1 || changed[0] != "192.0.2.60" {
		t.Fatalf("expected only the past temporary block, got %v", changed)
	}

	again, err := s.ExpireBefore(ctx, tenant, Base.Add(150*time.Minute))
	if err != nil || len(again) != 0 {
		t.Fatalf("second sweep must change nothing: %v %v", again, err)
	}

	rows, _ := s.Search(ctx, tenant, "192.0.2.63", 10)
	if len(rows) != 1 || rows[0].Status != models.BlockStatusUnblocked {
		t.Fatalf("unblocked row must keep its status: %+v", rows)
	}
}

func testListActivePagesNewestFirst(t *testing.T, s repository.BlockStore, tenant string) {
	ctx := context.Background()
	for i, ip := range []string{"192.0.2.70", "192.0.2.71", "192.0.2.72", "192.0.2.73"} {
		insert(t, s, Block(tenant, ip, Base.Add(time.Duration(i)*time.Minute), nil))
	}
	if _, err := s.MarkUnblocked(ctx, tenant, []string{"192.0.2.71"}, "ops", Base.Add(time.Hour)); err != nil {
		t.Fatalf("unblock: %v", err)
	}

	first, err := s.ListActive(ctx, tenant, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := addresses(first); len(got) != 2 || got[0] != "192.0.2.73" || got[1] != "192.0.2.72" {
		t.Fatalf("unexpected first page %v", got)
	}
	second, _ := s.ListActive(ctx, tenant, 2, 2)
	if got := addresses(second); len(got) != 1 || got[0] != "192.0.2.70" {
		t.Fatalf("unexpected second page %v", got)
	}
	if past, _ := s.ListActive(ctx, tenant, 2, 10); len(past) != 0 {
		t.Fatalf("offset past the end must be empty, got %v", addresses(past))
	}
}

func testSearchMatchesAddressAndReason(t *testing.T, s repository.BlockStore, tenant string) {
	ctx := context.Background()
	a := Block(tenant, "198.51.100.80", Base, nil)
	a.Reason = "Credential Stuffing"
	b := Block(tenant, "203.0.113.81", Base.Add(time.Minute), nil)
	b.Reason = "scanner"
	c := Block(tenant, "198.51.100.82", Base.Add(2*time.Minute), nil)
	c.Reason = "manual"
	insert(t, s, a)
	insert(t, s, b)
	insert(t, s, c)
	if _, err := s.MarkUnblocked(ctx, tenant, []string{"198.51.100.82"}, "ops", Base.Add(time.Hour)); err != nil {
		t.Fatalf("unblock: %v", err)
	}

	byReason, err := s.Search(ctx, tenant, "credential", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got := addresses(byReason); len(got) != 1 || got[0] != "198.51.100.80" {
		t.Fatalf("reason match must ignore case, got %v", got)
	}

	byPrefix, _ := s.Search(ctx, tenant, "198.51.100.", 10)
	if got := addresses(byPrefix); len(got) != 2 || got[0] != "198.51.100.82" || got[1] != "198.51.100.80" {
		t.Fatalf("search must span statuses newest first, got %v", got)
	}

	limited, _ := s.Search(ctx, tenant, "198.51.100.", 1)
	if len(limited) != 1 {
		t.Fatalf("limit not applied: %v", addresses(limited))
	}
	if none, _ := s.Search(ctx, tenant, "no-such-"+strings.ToUpper(tenant), 10); len(none) != 0 {
		t.Fatalf("unexpected matches %v", addresses(none))
	}
}

func testStatisticsCountsByStatus(t *testing.T, s repository.BlockStore, tenant string) {
	ctx := context.Background()
	dayStart := Base.Truncate(24 * time.Hour)
	insert(t, s, Block(tenant, "192.0.2.90", Base, nil))
	insert(t, s, Block(tenant, "192.0.2.91", Base, at(2*time.Hour)))
	insert(t, s, Block(tenant, "192.0.2.92", Base, at(48*time.Hour)))
	insert(t, s, Block(tenant, "192.0.2.93", Base, at(-time.Hour)))
	insert(t, s, Block(tenant, "192.0.2.94", dayStart.Add(-time.Hour), nil))

	if _, err := s.ExpireBefore(ctx, tenant, Base); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, err := s.MarkUnblocked(ctx, tenant, []string{"192.0.2.94"}, "ops", Base); err != nil {
		t.Fatalf("unblock: %v", err)
	}

	st, err := s.Statistics(ctx, tenant, Base, dayStart)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	want := models.BlockStatistics{
		Active:        3,
		Permanent:     1,
		Temporary:     2,
		Expired:       1,
		Unblocked:     1,
		Total:         5,
		BlockedToday:  4,
		ExpiringIn24h: 1,
	}
	got := models.BlockStatistics{
		Active:        st.Active,
		Permanent:     st.Permanent,
		Temporary:     st.Temporary,
		Expired:       st.Expired,
		Unblocked:     st.Unblocked,
		Total:         st.Total,
		BlockedToday:  st.BlockedToday,
		ExpiringIn24h: st.ExpiringIn24h,
	}
	if got != want {
		t.Fatalf("statistics mismatch\n got  %+v\n want %+v", got, want)
	}
	if st.TenantCode != tenant {
		t.Fatalf("expected tenant %q, got %q", tenant, st.TenantCode)
	}
}

func testDeleteInactiveBeforeKeepsActive(t *testing.T, s repository.BlockStore, tenant string) {
	ctx := context.Background()
	old := Base.Add(-90 * 24 * time.Hour)
	insert(t, s, Block(tenant, "192.0.2.100", old, nil))
	insert(t, s, Block(tenant, "192.0.2.101", old, nil))
	insert(t, s, Block(tenant, "192.0.2.102", old, nil))

	if _, err := s.MarkUnblocked(ctx, tenant, []string{"192.0.2.101"}, "ops", old.Add(time.Hour)); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if _, err := s.MarkUnblocked(ctx, tenant, []string{"192.0.2.102"}, "ops", Base); err != nil {
		t.Fatalf("unblock: %v", err)
	}

	n, err := s.DeleteInactiveBefore(ctx, tenant, Base.Add(-30*24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one deleted row, got %d %v", n, err)
	}
	if b, _ := s.FindActive(ctx, tenant, "192.0.2.100", Base); b == nil {
		t.Fatalf("active row must survive retention")
	}
	if rows, _ := s.Search(ctx, tenant, "192.0.2.10", 10); len(rows) != 2 {
		t.Fatalf("expected the active and the recent row to remain, got %v", addresses(rows))
	}
}
