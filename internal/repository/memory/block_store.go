package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"admission-service/internal/models"
	"admission-service/internal/repository"
)

// BlockStore is an in-process ledger with the same uniqueness guarantee as
// the database stores. It backs single-instance development setups.
type BlockStore struct {
	mu     sync.RWMutex
	blocks []*models.IPBlock
}

var _ repository.BlockStore = (*BlockStore)(nil)

func NewBlockStore() *BlockStore {
	return &BlockStore{}
}

func (s *BlockStore) InsertActive(_ context.Context, block *models.IPBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.blocks {
		if b.TenantCode == block.TenantCode && b.IPAddress == block.IPAddress && b.Status == models.BlockStatusActive {
			return repository.ErrActiveBlockExists
		}
	}
	cp := *block
	s.blocks = append(s.blocks, &cp)
	return nil
}

func (s *BlockStore) FindActive(_ context.Context, tenant, ip string, now time.Time) (*models.IPBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.blocks {
		if b.TenantCode == tenant && b.IPAddress == ip && b.EnforcedAt(now) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *BlockStore) ExpireStale(_ context.Context, tenant, ip string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, b := range s.blocks {
		if b.TenantCode == tenant && b.IPAddress == ip && pastExpiry(b, now) {
			b.Status = models.BlockStatusExpired
			b.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *BlockStore) MarkUnblocked(_ context.Context, tenant string, ips []string, by string, at time.Time) ([]string, error) {
	want := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		want[ip] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for _, b := range s.blocks {
		if _, ok := want[b.IPAddress]; !ok || b.TenantCode != tenant || b.Status != models.BlockStatusActive {
			continue
		}
		t := at
		b.Status = models.BlockStatusUnblocked
		b.UnblockedBy = by
		b.UnblockedAt = &t
		b.UpdatedAt = at
		changed = append(changed, b.IPAddress)
	}
	return changed, nil
}

func (s *BlockStore) ExpireBefore(_ context.Context, tenant string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for _, b := range s.blocks {
		if b.TenantCode == tenant && pastExpiry(b, now) {
			b.Status = models.BlockStatusExpired
			b.UpdatedAt = now
			changed = append(changed, b.IPAddress)
		}
	}
	return changed, nil
}

func (s *BlockStore) ListActive(_ context.Context, tenant string, limit, offset int) ([]models.IPBlock, error) {
	return s.collect(tenant, limit, offset, func(b *models.IPBlock) bool {
		return b.Status == models.BlockStatusActive
	}), nil
}

func (s *BlockStore) Search(_ context.Context, tenant, pattern string, limit int) ([]models.IPBlock, error) {
	needle := strings.ToLower(pattern)
	return s.collect(tenant, limit, 0, func(b *models.IPBlock) bool {
		return strings.Contains(strings.ToLower(b.IPAddress), needle) ||
			strings.Contains(strings.ToLower(b.Reason), needle)
	}), nil
}

func (s *BlockStore) Statistics(_ context.Context, tenant string, now, dayStart time.Time) (*models.BlockStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.BlockStatistics{TenantCode: tenant, GeneratedAt: now}
	horizon := now.Add(24 * time.Hour)
	for _, b := range s.blocks {
		if b.TenantCode != tenant {
			continue
		}
		stats.Total++
		if !b.BlockedAt.Before(dayStart) {
			stats.BlockedToday++
		}
		switch b.Status {
		case models.BlockStatusActive:
			stats.Active++
			if b.IsPermanent {
				stats.Permanent++
			} else {
				stats.Temporary++
				if b.ExpiresAt != nil && !b.ExpiresAt.Before(now) && b.ExpiresAt.Before(horizon) {
					stats.ExpiringIn24h++
				}
			}
		case models.BlockStatusExpired:
			stats.Expired++
		case models.BlockStatusUnblocked:
			stats.Unblocked++
		}
	}
	return stats, nil
}

func (s *BlockStore) DeleteInactiveBefore(_ context.Context, tenant string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.blocks[:0]
	var n int64
	for _, b := range s.blocks {
		if b.TenantCode == tenant && b.Status != models.BlockStatusActive && b.UpdatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, b)
	}
	s.blocks = kept
	return n, nil
}

func (s *BlockStore) HealthCheck(context.Context) error { return nil }

func (s *BlockStore) collect(tenant string, limit, offset int, keep func(*models.IPBlock) bool) []models.IPBlock {
	s.mu.RLock()
	var out []models.IPBlock
	for _, b := range s.blocks {
		if b.TenantCode == tenant && keep(b) {
			out = append(out, *b)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].BlockedAt.After(out[j].BlockedAt) })

	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func pastExpiry(b *models.IPBlock, now time.Time) bool {
	return b.Status == models.BlockStatusActive && !b.IsPermanent && b.ExpiresAt != nil && b.ExpiresAt.Before(now)
}
