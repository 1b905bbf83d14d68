package persistence_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/finbridge/paygate/internal/infra/persistence/migrations"
	pgstore "github.com/finbridge/paygate/internal/infra/persistence/postgres"
	"github.com/finbridge/paygate/internal/pipeline"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "paygate"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise database: %v\n", setupErr)
		exitCode = 1
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	_ = container.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/paygate?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}
	testPool = pool
	return nil
}

func TestRecordRunPersistsRunAndFailures(t *testing.T) {
	ctx := context.Background()
	store := pgstore.NewAuditStore(testPool)

	run := pipeline.RunRecord{
		AccountID: "acme",
		Total:     10,
		Failed:    2,
		Summary:   "2 of 10 updates failed",
		Duration:  1250 * time.Millisecond,
		Failures: []pipeline.ItemResult{
			{PaymentID: "pi_3", Success: false, Error: "No such payment_intent: pi_3"},
			{PaymentID: "", Success: false, Error: "PaymentID and InvoiceUID are required"},
		},
	}
	if err := store.RecordRun(ctx, run); err != nil {
		t.Fatalf("record run: %v", err)
	}

	runs, err := store.RecentRuns(ctx, "acme", 5)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) == 0 {
		t.Fatal("expected at least one persisted run")
	}
	latest := runs[0]
	if latest.Total != 10 || latest.Failed != 2 {
		t.Fatalf("unexpected totals: total=%d failed=%d", latest.Total, latest.Failed)
	}
	if latest.Summary != "2 of 10 updates failed" {
		t.Fatalf("unexpected summary %q", latest.Summary)
	}
	if latest.Duration != 1250*time.Millisecond {
		t.Fatalf("unexpected duration %v", latest.Duration)
	}

	var failureCount int
	if err := testPool.QueryRow(ctx,
		"SELECT COUNT(*) FROM bulk_update_failures WHERE run_id = $1", latest.ID).Scan(&failureCount); err != nil {
		t.Fatalf("count failures: %v", err)
	}
	if failureCount != 2 {
		t.Fatalf("expected 2 failure rows, got %d", failureCount)
	}
}

func TestRecentRunsOrderedNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := pgstore.NewAuditStore(testPool)

	for i := 0; i < 3; i++ {
		run := pipeline.RunRecord{
			AccountID: "globex",
			Total:     i + 1,
			Failed:    0,
			Summary:   "",
			Duration:  time.Duration(i) * time.Millisecond,
			Failures:  nil,
		}
		if err := store.RecordRun(ctx, run); err != nil {
			t.Fatalf("record run %d: %v", i, err)
		}
	}

	runs, err := store.RecentRuns(ctx, "globex", 2)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected limit to apply, got %d runs", len(runs))
	}
	if !runs[0].CreatedAt.After(runs[1].CreatedAt) && !runs[0].CreatedAt.Equal(runs[1].CreatedAt) {
		t.Fatalf("runs must be ordered newest first: %v then %v", runs[0].CreatedAt, runs[1].CreatedAt)
	}
}
