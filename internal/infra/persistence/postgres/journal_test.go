package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/stablebot/internal/domain/schema"
	"github.com/coachpo/stablebot/internal/infra/config"
	"github.com/coachpo/stablebot/internal/infra/persistence/migrations"
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
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "stablebot"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		setupErr = fmt.Errorf("start postgres container: %w", err)
	} else {
		pgContainer = container
		setupErr = initialiseDatabase(ctx)
	}
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres journal tests will be skipped: %v\n", setupErr)
	}

	exitCode := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
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
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/stablebot?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, "", nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := Open(ctx, config.DatabaseConfig{DSN: dsn, MaxConns: 2, MinConns: 1})
	if err != nil {
		return err
	}
	testPool = pool
	return nil
}

func requirePool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if setupErr != nil || testPool == nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}
	return testPool
}

func TestJournalNilPool(t *testing.T) {
	ctx := context.Background()
	journal := NewJournal(nil)
	if err := journal.RecordOrder(ctx, "place", schema.Order{Symbol: "USDCUSDT"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := journal.RecordExecution(ctx, schema.ExecutionReport{Symbol: "USDCUSDT"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := journal.RecentOrders(ctx, "USDCUSDT", 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := journal.RecentExecutions(ctx, "USDCUSDT", 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestClampLimit(t *testing.T) {
	for in, want := range map[int]int{0: defaultListLimit, -1: defaultListLimit, 7: 7, 501: defaultListLimit} {
		if got := clampLimit(in); got != want {
			t.Fatalf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestJournalRecordsOrderEvents(t *testing.T) {
	pool := requirePool(t)
	ctx := context.Background()
	journal := NewJournal(pool)
	symbol := fmt.Sprintf("ORD%d", time.Now().UnixNano())

	order := schema.Order{
		OrderID:       41,
		ClientOrderID: "c-41",
		Symbol:        symbol,
		Side:          schema.TradeSideBuy,
		Type:          schema.OrderTypeLimit,
		Status:        schema.OrderStatusNew,
		Price:         decimal.RequireFromString("0.9999"),
		OrigQty:       decimal.RequireFromString("100.01"),
		ExecutedQty:   decimal.Zero,
	}
	if err := journal.RecordOrder(ctx, "place", order); err != nil {
		t.Fatalf("record place: %v", err)
	}
	order.Status = schema.OrderStatusCanceled
	order.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	if err := journal.RecordOrder(ctx, "cancel", order); err != nil {
		t.Fatalf("record cancel: %v", err)
	}
	if err := journal.RecordOrder(ctx, "", order); err == nil {
		t.Fatalf("expected error for blank event")
	}

	events, err := journal.RecentOrders(ctx, symbol, 10)
	if err != nil {
		t.Fatalf("recent orders: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Event != "cancel" || events[1].Event != "place" {
		t.Fatalf("expected newest first, got %s then %s", events[0].Event, events[1].Event)
	}
	got := events[1].Order
	if got.OrderID != 41 || got.Side != schema.TradeSideBuy || got.Status != schema.OrderStatusNew {
		t.Fatalf("unexpected order %+v", got)
	}
	if !got.Price.Equal(order.Price) || !got.OrigQty.Equal(order.OrigQty) {
		t.Fatalf("numeric round trip mismatch: %+v", got)
	}
	if !got.UpdatedAt.IsZero() {
		t.Fatalf("expected null venue time on place, got %v", got.UpdatedAt)
	}
	if !events[0].Order.UpdatedAt.Equal(order.UpdatedAt) {
		t.Fatalf("expected venue time %v, got %v", order.UpdatedAt, events[0].Order.UpdatedAt)
	}
}

func TestJournalIgnoresReplayedExecution(t *testing.T) {
	pool := requirePool(t)
	ctx := context.Background()
	journal := NewJournal(pool)
	symbol := fmt.Sprintf("EXE%d", time.Now().UnixNano())

	report := schema.ExecutionReport{
		EventTime:       time.UnixMilli(1700000000100).UTC(),
		Symbol:          symbol,
		ClientOrderID:   "c-9",
		Side:            schema.TradeSideSell,
		Type:            schema.OrderTypeLimit,
		ExecutionType:   "TRADE",
		Status:          schema.OrderStatusPartiallyFilled,
		OrderID:         9,
		Price:           decimal.RequireFromString("1.0001"),
		Quantity:        decimal.RequireFromString("50"),
		LastFilledQty:   decimal.RequireFromString("20"),
		LastFilledPrice: decimal.RequireFromString("1.0001"),
		CumulativeQty:   decimal.RequireFromString("20"),
		TransactionTime: time.UnixMilli(1700000000099).UTC(),
	}
	for i := 0; i < 2; i++ {
		if err := journal.RecordExecution(ctx, report); err != nil {
			t.Fatalf("record execution: %v", err)
		}
	}
	report.Status = schema.OrderStatusFilled
	report.LastFilledQty = decimal.RequireFromString("30")
	report.CumulativeQty = decimal.RequireFromString("50")
	if err := journal.RecordExecution(ctx, report); err != nil {
		t.Fatalf("record fill: %v", err)
	}

	execs, err := journal.RecentExecutions(ctx, symbol, 10)
	if err != nil {
		t.Fatalf("recent executions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected replay to be ignored, got %d rows", len(execs))
	}
	latest := execs[0].Report
	if latest.Status != schema.OrderStatusFilled || !latest.CumulativeQty.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected latest execution %+v", latest)
	}
	if !latest.TransactionTime.Equal(report.TransactionTime) {
		t.Fatalf("expected transaction time %v, got %v", report.TransactionTime, latest.TransactionTime)
	}
}
