// Package integration runs dbop against a real MariaDB server.
package integration

import (
	"context"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mariadb"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/MacLaurinGroup/dbop/dialect"
	"github.com/MacLaurinGroup/dbop/dialect/sql"
)

// MariaDBContainer wraps a testcontainers MariaDB instance and the driver
// connected to it.
type MariaDBContainer struct {
	container *mariadb.MariaDBContainer
	drv       *sql.Driver
	dsn       string
}

var (
	sharedMariaDB *MariaDBContainer
	mariadbOnce   sync.Once
)

// TestMain terminates the shared container after all tests ran.
func TestMain(m *testing.M) {
	// testing.Short() is not usable before flag.Parse; tests check it
	// themselves.
	code := m.Run()

	if sharedMariaDB != nil {
		_ = sharedMariaDB.drv.Close()
		_ = sharedMariaDB.container.Terminate(context.Background())
	}
	os.Exit(code)
}

// getMariaDB returns the shared MariaDB container, starting it if needed.
func getMariaDB(t *testing.T) *MariaDBContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	mariadbOnce.Do(func() {
		ctx := context.Background()

		container, err := mariadb.Run(ctx,
			"docker.io/mariadb:11",
			mariadb.WithDatabase("dbop_test"),
			mariadb.WithUsername("test"),
			mariadb.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("mariadbd: ready for connections").
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			log.Fatalf("Failed to start mariadb container: %v", err)
		}

		dsn, err := container.ConnectionString(ctx)
		if err != nil {
			log.Fatalf("Failed to get connection string: %v", err)
		}

		drv, err := sql.Open(dialect.MySQL, dsn)
		if err != nil {
			log.Fatalf("Failed to connect to mariadb: %v", err)
		}
		for range 30 {
			if err := drv.DB().PingContext(ctx); err == nil {
				break
			}
			time.Sleep(time.Second)
		}

		sharedMariaDB = &MariaDBContainer{container: container, drv: drv, dsn: dsn}
	})

	if sharedMariaDB == nil {
		t.Fatal("mariadb container is not available")
	}
	return sharedMariaDB
}

// Exec executes a statement and fails the test on error.
func (mc *MariaDBContainer) Exec(ctx context.Context, t *testing.T, query string, args ...any) {
	t.Helper()
	if _, err := mc.drv.Exec(ctx, query, args); err != nil {
		t.Fatalf("Failed to execute SQL: %v\nSQL: %s", err, query)
	}
}
