package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/medflow/rx-verification/pkg/database"
	"github.com/medflow/rx-verification/pkg/logger"
)

var (
	globalContainer *PostgresContainer
	globalDB        *sqlx.DB
	containerOnce   sync.Once
	containerErr    error
)

// IntegrationSuite provides a base for integration tests with real PostgreSQL.
// The container is shared by every suite in the test binary.
type IntegrationSuite struct {
	Container *PostgresContainer
	RawDB     *sqlx.DB
	DB        *database.DB
	Logger    *logger.Logger
	tables    []string
}

// NewIntegrationSuite starts (or reuses) the shared container and applies
// the given schema DDL. tables lists the tables Reset truncates.
func NewIntegrationSuite(ctx context.Context, schema string, tables ...string) (*IntegrationSuite, error) {
	containerOnce.Do(func() {
		globalContainer, containerErr = NewPostgresContainer(ctx, DefaultPostgresConfig())
		if containerErr != nil {
			return
		}
		globalDB, containerErr = globalContainer.Connect(ctx)
	})
	if containerErr != nil {
		return nil, containerErr
	}

	if _, err := globalDB.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log := logger.Nop()
	return &IntegrationSuite{
		Container: globalContainer,
		RawDB:     globalDB,
		DB:        database.Wrap(globalDB, log),
		Logger:    log,
		tables:    tables,
	}, nil
}

// Reset truncates the suite's tables; call it at the start of each test.
func (s *IntegrationSuite) Reset(t *testing.T, ctx context.Context) {
	t.Helper()
	if len(s.tables) == 0 {
		return
	}
	if _, err := s.RawDB.ExecContext(ctx, "TRUNCATE "+strings.Join(s.tables, ", ")+" CASCADE"); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}

// TerminateContainer terminates the shared container.
// Only call this in TestMain after all tests have completed.
func TerminateContainer(ctx context.Context) {
	if globalContainer != nil {
		_ = globalContainer.Terminate(ctx)
	}
}
