// Package testhelpers provides shared integration-test infrastructure.
package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/database"
)

// PostgresImage is the container image used for integration tests.
const PostgresImage = "postgres:16-alpine"

// TestDB holds a shared test database container with migrations applied.
type TestDB struct {
	Container testcontainers.Container
	DB        *database.DB
	ConnStr   string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared PostgreSQL container for integration tests.
// The container is created once, migrated, and reused across all tests in
// the run.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "pharma_test",
			"POSTGRES_USER":     "pharma",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://pharma:test_password@%s:%s/pharma_test?sslmode=disable",
		host, port.Port())

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Run migrations using database/sql (required by golang-migrate)
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, migrationsDir(), zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{
		Container: container,
		DB:        db,
		ConnStr:   connStr,
	}, nil
}

// migrationsDir resolves the migrations directory relative to this file so
// tests work regardless of the package they run from.
func migrationsDir() string {
	_, thisFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "migrations")
}

// SeedStarSchema loads a small, deterministic analytic dataset. Safe to
// call repeatedly; it truncates the star schema first.
func SeedStarSchema(t *testing.T, db *database.DB) {
	t.Helper()
	ctx := context.Background()

	statements := []string{
		`TRUNCATE fact_sales, dim_time, dim_territory, dim_product CASCADE`,
		`INSERT INTO dim_product (product_id, brand_name, generic_name, company_name, therapeutic_area, dosage_form, launch_date, is_active) VALUES
			(1, 'Cardivex', 'cardivexol', 'Rx Labs', 'Cardiovascular', 'tablet', '2021-03-01', TRUE),
			(2, 'Respivent', 'respiventol', 'Rx Labs', 'Respiratory', 'inhaler', '2022-06-15', TRUE)`,
		`INSERT INTO dim_territory (territory_id, region, district, state) VALUES
			(1, 'Northeast', 'NE-1', 'NY'),
			(2, 'West', 'W-1', 'CA')`,
		`INSERT INTO dim_time (date, year, quarter, month, week, day_of_week, year_quarter, year_month, is_month_end) VALUES
			('2024-01-15', 2024, 1, 1, 3, 1, '2024-Q1', '2024-01', FALSE),
			('2024-04-15', 2024, 2, 4, 16, 1, '2024-Q2', '2024-04', FALSE)`,
		`INSERT INTO fact_sales (date, product_id, territory_id, net_sales_usd, units, trx, nrx) VALUES
			('2024-01-15', 1, 1, 12500.00, 250, 180, 60),
			('2024-01-15', 2, 2, 8300.50, 120, 95, 40),
			('2024-04-15', 1, 2, 15750.25, 310, 210, 75),
			('2024-04-15', 2, 1, 9100.00, 140, 105, 45)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			t.Fatalf("failed to seed star schema: %v", err)
		}
	}
}
