package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// writeOp is a deferred insert executed by the background writer.
type writeOp func(ctx context.Context) error

// Store persists orchestration history in PostgreSQL. Audit-style writes
// (task transitions, match outcomes) go through a buffered background
// writer: they are best-effort and never block or fail the caller.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger

	writes  chan writeOp
	done    chan struct{}
	once    sync.Once
	dropped int64
	mu      sync.Mutex
}

// New creates a Store with a pgx connection pool and starts the
// background writer.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")

	s := &Store{
		db:     pool,
		logger: logger,
		writes: make(chan writeOp, 256),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// writeLoop drains queued inserts until Close.
func (s *Store) writeLoop() {
	defer close(s.done)
	for op := range s.writes {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := op(ctx); err != nil {
			s.logger.Warn("history write failed", zap.Error(err))
		}
		cancel()
	}
}

// enqueue hands an insert to the background writer, dropping it when the
// buffer is full. Losing audit rows is preferable to stalling dispatch.
func (s *Store) enqueue(op writeOp) {
	select {
	case s.writes <- op:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		s.logger.Warn("history write dropped", zap.Int64("total_dropped", n))
	}
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close flushes pending writes and shuts down the connection pool.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.writes)
		<-s.done
		s.db.Close()
	})
}
