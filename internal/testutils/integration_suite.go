package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"docuralis/apps/migrator/internal/config"
)

// IntegrationSuite runs a throwaway Postgres with the Document and
// DocumentChunk tables, and optionally an nsqd.
type IntegrationSuite struct {
	T   *testing.T
	DB  *sql.DB
	NSQ *nsq.Producer

	nsqAddr      string
	pgHost       string
	pgPort       int
	pgContainer  *postgres.PostgresContainer
	nsqContainer testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("migrator_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.DB, err = sql.Open("postgres", connStr)
	require.NoError(s.T, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(s.T, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(s.T, err)
	s.pgHost = host
	s.pgPort, _ = strconv.Atoi(port.Port())

	_, b, _, _ := runtime.Caller(0)
	migrationPath := fmt.Sprintf("file://%s/migrations", filepath.Dir(b))

	m, err := migrate.New(migrationPath, connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())
}

// SetupNSQ starts an nsqd container and connects a producer to it.
func (s *IntegrationSuite) SetupNSQ() {
	ctx := context.Background()

	nsqReq := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: nsqReq,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.nsqContainer = nsqC

	nsqHost, err := nsqC.Host(ctx)
	require.NoError(s.T, err)
	nsqPort, err := nsqC.MappedPort(ctx, "4150")
	require.NoError(s.T, err)

	s.nsqAddr = fmt.Sprintf("%s:%s", nsqHost, nsqPort.Port())
	s.NSQ, err = nsq.NewProducer(s.nsqAddr, nsq.NewConfig())
	require.NoError(s.T, err)
}

// SeedDocument inserts a parent row.
func (s *IntegrationSuite) SeedDocument(id, originalName, collectionID string) {
	_, err := s.DB.Exec(`INSERT INTO "Document" (id, "originalName", "collectionId") VALUES ($1, $2, $3)`, id, originalName, collectionID)
	require.NoError(s.T, err)
}

// CountChunks returns the number of DocumentChunk rows.
func (s *IntegrationSuite) CountChunks() int {
	var n int
	require.NoError(s.T, s.DB.QueryRow(`SELECT COUNT(*) FROM "DocumentChunk"`).Scan(&n))
	return n
}

// GetAppConfig returns a configuration pointing at the suite's containers.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	return &config.Config{
		DBHost:                     s.pgHost,
		DBPort:                     s.pgPort,
		DBUser:                     "test",
		DBPass:                     "test",
		DBName:                     "migrator_test",
		DBSSLMode:                  "disable",
		SourceKind:                 config.SourceKindQdrant,
		CollectionID:               "col-1",
		PageSize:                   100,
		WorkerCount:                2,
		QueueSize:                  4,
		MaxRetries:                 2,
		RetryDelay:                 10 * time.Millisecond,
		HTTPTimeout:                5 * time.Second,
		ProgressInterval:           20 * time.Millisecond,
		ProgressEveryBatches:       1,
		NSQDHost:                   s.nsqAddr,
		BootstrapRetryAttempts:     3,
		BootstrapRetryDelaySeconds: 1,
	}
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.pgContainer != nil {
		s.pgContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		s.nsqContainer.Terminate(ctx)
	}
}
