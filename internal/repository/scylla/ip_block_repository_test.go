package scylla

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"admission-service/internal/bucketing"
	"admission-service/internal/config"
	"admission-service/internal/models"
	"admission-service/internal/repository"
	"admission-service/internal/repository/blockstoretest"
)

func TestUUIDStringUnmarshal(t *testing.T) {
	id := gocql.TimeUUID()

	var s uuidString
	if err := s.UnmarshalCQL(gocql.NewNativeType(4, gocql.TypeUUID, ""), id.Bytes()); err != nil {
		t.Fatalf("UnmarshalCQL: %v", err)
	}
	if string(s) != id.String() {
		t.Fatalf("expected %s, got %s", id, s)
	}
}

func TestPageOrdersNewestFirst(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	blocks := []models.IPBlock{
		{IPAddress: "a", BlockedAt: base},
		{IPAddress: "b", BlockedAt: base.Add(2 * time.Hour)},
		{IPAddress: "c", BlockedAt: base.Add(time.Hour)},
	}

	got := page(blocks, 2, 0)
	if len(got) != 2 || got[0].IPAddress != "b" || got[1].IPAddress != "c" {
		t.Fatalf("unexpected page %v", got)
	}
	if rest := page(blocks, 2, 2); len(rest) != 1 || rest[0].IPAddress != "a" {
		t.Fatalf("unexpected second page %v", rest)
	}
	if none := page(blocks, 2, 5); none != nil {
		t.Fatalf("offset past end should be empty")
	}
}

func TestFilterActive(t *testing.T) {
	blocks := []models.IPBlock{
		{IPAddress: "a", Status: models.BlockStatusActive},
		{IPAddress: "b", Status: models.BlockStatusExpired},
		{IPAddress: "c", Status: models.BlockStatusActive},
	}
	got := filter(blocks, func(b *models.IPBlock) bool { return b.Status == models.BlockStatusActive })
	if len(got) != 2 || got[1].IPAddress != "c" {
		t.Fatalf("unexpected filter result %v", got)
	}
}

func TestOrphanAbandoned(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		claimedAt time.Time
		want      bool
	}{
		{time.Time{}, true},
		{now, false},
		{now.Add(-orphanGrace + time.Second), false},
		{now.Add(-orphanGrace), true},
		{now.Add(-time.Hour), true},
	}
	for _, tc := range cases {
		if got := orphanAbandoned(tc.claimedAt, now); got != tc.want {
			t.Errorf("orphanAbandoned(%v) = %v, want %v", tc.claimedAt, got, tc.want)
		}
	}
}

// TestIPBlockRepositoryConformance needs a reachable cluster whose keyspace
// already exists, named by ADMISSION_TEST_SCYLLA_HOSTS and
// ADMISSION_TEST_SCYLLA_KEYSPACE.
func TestIPBlockRepositoryConformance(t *testing.T) {
	hosts := os.Getenv("ADMISSION_TEST_SCYLLA_HOSTS")
	if hosts == "" {
		t.Skip("ADMISSION_TEST_SCYLLA_HOSTS not set")
	}

	cfg := &config.Config{
		Environment: "development",
		Scylla: config.ScyllaConfig{
			Hosts:    strings.Split(hosts, ","),
			Keyspace: getEnv("ADMISSION_TEST_SCYLLA_KEYSPACE", "admission_test"),
			Timeout:  10 * time.Second,
			NumConns: 1,
		},
		Bucketing: config.BucketingConfig{LedgerBuckets: 4},
	}
	client, err := NewScyllaClient(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	repo := NewIPBlockRepository(client, bucketing.NewBucketingManager(cfg))
	blockstoretest.Run(t, func(*testing.T) repository.BlockStore { return repo })
}
