// Command pgresilient-demo is a runnable walkthrough of Client, Pool, and
// NotificationClient, adapted from examples/postgres/main.go: basic
// connection, production-tuned pool configuration, and periodic health
// checks, wired through the resilient core and the observability facade
// instead of the teacher's plain database/sql wrapper.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/riverstonedata/pgresilient/pkg/observability"
	"github.com/riverstonedata/pgresilient/pkg/observability/noop"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/config"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/executor"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/notify"
)

func main() {
	ctx := context.Background()
	o11y := noop.NewProvider()

	basicClientExample(ctx, o11y)
	productionPoolExample(ctx, o11y)
	notificationExample(ctx, o11y)
	healthCheckExample(ctx, o11y)
}

// basicClientExample demonstrates a single-connection Client.
func basicClientExample(ctx context.Context, o11y observability.Observability) {
	fmt.Println("=== Basic Client Example ===")

	cfg := config.Client{Required: config.Required{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "testdb",
	}}
	dsn := "host=localhost port=5432 user=postgres password=postgres dbname=testdb sslmode=disable"

	client, err := pgresilient.NewClient(cfg, config.Executor{MaxAttempts: 3}, dsn, o11y)
	if err != nil {
		log.Printf("failed to connect: %v", err)
		return
	}
	defer func() {
		if err := client.Shutdown(ctx, 5*time.Second); err != nil {
			log.Printf("failed to shut down client: %v", err)
		}
	}()

	fmt.Println("✓ connected to PostgreSQL")

	rows, err := client.Query(ctx, "SELECT version()")
	if err != nil {
		log.Printf("failed to query version: %v", err)
		return
	}
	if len(rows) > 0 {
		fmt.Printf("✓ PostgreSQL version: %v\n\n", rows[0])
	}
}

// productionPoolExample demonstrates a production-tuned pooled Supervisor,
// a retried transaction, and the Prometheus collector exposing live pool
// statistics.
func productionPoolExample(ctx context.Context, o11y observability.Observability) {
	fmt.Println("=== Production Pool Example ===")

	cfg := config.Pool{
		Required: config.Required{
			Host:     "localhost",
			Port:     5432,
			User:     "app_user",
			Password: "secure_password",
			Database: "production_db",
		},
		Min:              2,
		Max:              20,
		ConnectTimeoutMS: 15000,
		IdleTimeoutMS:    5 * 60 * 1000,
		MaxLifetimeSec:   30 * 60,
	}
	dsn := "host=localhost port=5432 user=app_user password=secure_password dbname=production_db sslmode=prefer"

	pool, err := pgresilient.NewPool(ctx, cfg, config.Executor{MaxAttempts: 5}, dsn, o11y)
	if err != nil {
		log.Printf("failed to connect: %v", err)
		return
	}
	defer func() {
		if err := pool.Shutdown(ctx, 5*time.Second); err != nil {
			log.Printf("failed to shut down pool: %v", err)
		}
	}()

	fmt.Println("✓ connected with production settings")

	stats := pool.Metrics()
	fmt.Printf("✓ pool stats - total: %d, idle: %d, active: %d\n",
		stats.Total, stats.Idle, stats.Active)

	_, err = pool.Transaction(ctx, []executor.Statement{
		{SQL: "INSERT INTO audit_log(event) VALUES ($1)", Args: []any{"demo_started"}},
	})
	if err != nil {
		log.Printf("transaction failed: %v", err)
		return
	}
	fmt.Println("✓ transaction committed")

	// A host already running a prometheus/client_golang registry would
	// register pool.Collector() with it; here we just confirm it's wired.
	_ = pool.Collector()
	fmt.Println()
}

// notificationExample demonstrates LISTEN/NOTIFY via NotificationClient,
// composed with a QueryExecutor so the same connection can also run plain
// queries.
func notificationExample(ctx context.Context, o11y observability.Observability) {
	fmt.Println("=== Notification Example ===")

	cfg := config.Client{Required: config.Required{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "testdb",
	}}
	dsn := "host=localhost port=5432 user=postgres password=postgres dbname=testdb sslmode=disable"

	nc, err := pgresilient.NewNotificationClient(cfg, dsn, o11y,
		pgresilient.WithQueryExecutor(config.Executor{MaxAttempts: 3}))
	if err != nil {
		log.Printf("failed to connect: %v", err)
		return
	}
	defer func() {
		if err := nc.Shutdown(ctx, 5*time.Second); err != nil {
			log.Printf("failed to shut down notification client: %v", err)
		}
	}()

	err = nc.Listen(ctx, "orders", notify.Callbacks{
		OnConnect: func() { fmt.Println("✓ listening on \"orders\"") },
		OnData:    func(payload any) { fmt.Printf("✓ notification received: %v\n", payload) },
		OnError:   func(err error) { log.Printf("notification error: %v", err) },
	})
	if err != nil {
		log.Printf("failed to listen: %v", err)
		return
	}

	if err := nc.Unlisten(ctx, "orders"); err != nil {
		log.Printf("failed to unlisten: %v", err)
	}
	fmt.Println()
}

// healthCheckExample demonstrates periodic health checks by polling the
// Supervisor's reported State.
func healthCheckExample(ctx context.Context, o11y observability.Observability) {
	fmt.Println("=== Health Check Example ===")

	cfg := config.Client{Required: config.Required{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "testdb",
	}}
	dsn := "host=localhost port=5432 user=postgres password=postgres dbname=testdb sslmode=disable"

	client, err := pgresilient.NewClient(cfg, config.Executor{MaxAttempts: 3}, dsn, o11y)
	if err != nil {
		log.Printf("failed to connect: %v", err)
		return
	}
	defer func() {
		if err := client.Shutdown(ctx, 5*time.Second); err != nil {
			log.Printf("failed to shut down client: %v", err)
		}
	}()

	fmt.Printf("✓ state: %s\n", client.State())

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	timeout := time.After(15 * time.Second)
	checkCount := 0

	fmt.Println("✓ starting periodic health checks (15s)...")

	for {
		select {
		case <-ticker.C:
			checkCount++
			fmt.Printf("✓ health check #%d: state=%s\n", checkCount, client.State())
		case <-timeout:
			fmt.Printf("✓ completed %d health checks\n\n", checkCount)
			return
		}
	}
}
