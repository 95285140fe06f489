package bucketing

import (
	"testing"
	"time"

	"admission-service/internal/config"
)

func TestWindowStart(t *testing.T) {
	now := time.Date(2026, 7, 9, 14, 37, 12, 0, time.UTC)

	if got := WindowStart(now, time.Hour); !got.Equal(time.Date(2026, 7, 9, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected hour window start %s", got)
	}
	if got := WindowStart(now, time.Minute); !got.Equal(time.Date(2026, 7, 9, 14, 37, 0, 0, time.UTC)) {
		t.Fatalf("unexpected minute window start %s", got)
	}
	if got := WindowEnd(now, time.Hour); !got.Equal(time.Date(2026, 7, 9, 15, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected window end %s", got)
	}
}

func TestLedgerBucketIsStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(&config.Config{Bucketing: config.BucketingConfig{LedgerBuckets: 8}})

	first := bm.LedgerBucket("acme", "203.0.113.7")
	for i := 0; i < 10; i++ {
		if got := bm.LedgerBucket("acme", "203.0.113.7"); got != first {
			t.Fatalf("bucket not stable: %d vs %d", got, first)
		}
	}

	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		b := bm.LedgerBucket("acme", "10.0.0."+string(rune('a'+i%26))+string(rune('a'+i/26)))
		if b < 0 || b >= 8 {
			t.Fatalf("bucket %d out of range", b)
		}
		seen[b] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected keys to spread over buckets")
	}
}

func TestZeroBucketsFallsBackToOne(t *testing.T) {
	bm := NewBucketingManager(&config.Config{})
	if bm.LedgerBuckets() != 1 || bm.LedgerBucket("t", "1.1.1.1") != 0 {
		t.Fatalf("expected a single bucket")
	}
}
