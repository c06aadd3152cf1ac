//go:build integration

package pagination_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/tcg-catalog-fetcher/internal/testutil"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/catalog"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/checkpoint"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/pagination"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// TestIntegration_RedisCheckpointResume interrupts a run, then resumes it
// from the Redis checkpoint.
func TestIntegration_RedisCheckpointResume(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockCatalog(120)
	defer mock.Close()

	c := newClient(t, mock.URL(), 20)
	store := checkpoint.NewRedisStore(redisClient, "it:catalog:checkpoint", 20, time.Hour)
	snapshotPath := filepath.Join(t.TempDir(), "cards.json")
	writer := catalog.NewSnapshotWriter(snapshotPath)
	cfg := pagination.Config{PageSize: 20, MaxConcurrency: 3, ProgressInterval: 1}

	// First run: pages 4..6 hang until the context expires.
	for page := 4; page <= 6; page++ {
		mock.SetDelay(page, time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := pagination.NewOrchestrator(c, c, store, writer, cfg).Run(ctx); err == nil {
		t.Fatal("Expected interrupted run to return an error")
	}

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := state.PageNumbers(); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("Expected pages [1 2 3] checkpointed, got %v", got)
	}

	// Second run: everything answers.
	for page := 4; page <= 6; page++ {
		mock.SetDelay(page, 0)
	}
	mock.QueuePageStatuses(5, http.StatusServiceUnavailable)

	result, err := pagination.NewOrchestrator(c, c, store, writer, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}
	if result.ResumePage != 4 {
		t.Errorf("Expected resume page 4, got %d", result.ResumePage)
	}
	if mock.GetPageRequests(1) != 1 {
		t.Errorf("Expected page 1 fetched once across both runs, got %d", mock.GetPageRequests(1))
	}

	records, err := catalog.ReadSnapshot(snapshotPath)
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}
	want := testutil.GenerateRecords(120)
	if len(records) != len(want) {
		t.Fatalf("Expected %d records, got %d", len(want), len(records))
	}
	for i := range want {
		var got bytes.Buffer
		if err := json.Compact(&got, records[i]); err != nil {
			t.Fatalf("Record %d is not valid JSON: %v", i, err)
		}
		if got.String() != string(want[i]) {
			t.Fatalf("Record %d: expected %s, got %s", i, want[i], got.String())
		}
	}

	exists, err := redisClient.Exists(context.Background(), store.Key()).Result()
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists != 0 {
		t.Error("Expected checkpoint key removed after successful run")
	}
}
