package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"admission-service/internal/config"
)

// BucketingManager derives fixed-window boundaries and stable partition
// buckets from identifiers.
type BucketingManager struct {
	ledgerBuckets int
	hasherPool    sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	n := cfg.Bucketing.LedgerBuckets
	if n <= 0 {
		n = 1
	}

	bm := &BucketingManager{ledgerBuckets: n}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// WindowStart truncates now to the start of its fixed window.
func WindowStart(now time.Time, window time.Duration) time.Time {
	return now.UTC().Truncate(window)
}

// WindowEnd is the instant the window containing now rolls over.
func WindowEnd(now time.Time, window time.Duration) time.Time {
	return WindowStart(now, window).Add(window)
}

// LedgerBucket places an address of a tenant into one of the ledger partitions.
func (bm *BucketingManager) LedgerBucket(tenant, ip string) int {
	return int(bm.getHash(tenant+"|"+ip) % uint64(bm.ledgerBuckets))
}

func (bm *BucketingManager) LedgerBuckets() int {
	return bm.ledgerBuckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
