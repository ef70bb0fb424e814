package knowledge

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/flowpbx/callbridge/internal/knowledge")

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultTopK = 4

// PGStore implements Retriever over PostgreSQL with the pgvector extension.
type PGStore struct {
	db       *sql.DB
	embedder Embedder
	topK     int
	logger   *slog.Logger
}

// PGConfig configures a PGStore.
type PGConfig struct {
	DSN      string
	Embedder Embedder
	TopK     int
}

// OpenPG opens a PostgreSQL connection and runs pending migrations.
func OpenPG(cfg PGConfig, logger *slog.Logger) (*PGStore, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("knowledge: embedder is required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PGStore{
		db:       db,
		embedder: cfg.Embedder,
		topK:     cfg.TopK,
		logger:   logger.With("subsystem", "knowledge"),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("knowledge store opened", "top_k", s.topK)
	return s, nil
}

// Close closes the underlying database connection.
func (s *PGStore) Close() error {
	return s.db.Close()
}

// Query embeds text and returns the top-k nearest chunks in collection,
// most similar first. Score is cosine similarity.
func (s *PGStore) Query(ctx context.Context, collection, text string) ([]Passage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}
	ctx, span := tracer.Start(ctx, "knowledge.query")
	span.SetAttributes(attribute.String("knowledge.collection", collection), attribute.Int("knowledge.top_k", s.topK))
	defer span.End()

	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	vec, err := formatVector(embedding)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT content, metadata::text, 1 - (embedding <=> $1::vector) AS score
		 FROM knowledge_chunks
		 WHERE collection = $2
		 ORDER BY embedding <=> $1::vector ASC
		 LIMIT $3`,
		vec, collection, s.topK,
	)
	if err != nil {
		return nil, fmt.Errorf("querying knowledge chunks: %w", err)
	}
	defer rows.Close()

	var passages []Passage
	for rows.Next() {
		var (
			content  string
			metadata sql.NullString
			score    float64
		)
		if err := rows.Scan(&content, &metadata, &score); err != nil {
			return nil, fmt.Errorf("scanning knowledge chunk: %w", err)
		}
		passages = append(passages, Passage{
			Content: passageContent(content, []byte(metadata.String)),
			Score:   score,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating knowledge chunks: %w", err)
	}

	s.logger.Debug("knowledge query",
		"collection", collection,
		"results", len(passages),
	)
	return passages, nil
}

// formatVector renders an embedding in pgvector's text input format.
func formatVector(embedding []float32) (string, error) {
	if len(embedding) == 0 {
		return "", fmt.Errorf("knowledge: empty embedding")
	}

	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return "", fmt.Errorf("knowledge: embedding contains invalid values")
		}
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String(), nil
}

// migrate runs all pending SQL migration files in order.
func (s *PGStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS knowledge_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating knowledge_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM knowledge_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO knowledge_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		s.logger.Info("applied migration", "version", version)
	}

	return nil
}
