// Package usage persists per-call usage records for attribution and
// billing, and tracks daily per-principal totals for the /v1/usage
// endpoint. Recording is strictly best-effort: failures are logged and
// the record dropped, never surfaced to the request path.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // Postgres driver
)

// Record is one per-call usage row.
type Record struct {
	RequestID    string
	WorkspaceID  string
	UserID       string
	TemplateName string
	Provider     string
	Model        string
	TokensIn     int
	TokensOut    int
	LatencyMs    int
	StatusCode   int
	Endpoint     string
}

// NewRequestID returns the short request id used for attribution.
func NewRequestID() string {
	return uuid.NewString()[:8]
}

// Recorder writes usage rows to the relational store through a bounded
// connection pool (min 1, max 5). A Recorder with no database drops every
// record with a warning, so a misconfigured store never takes down the
// gateway.
type Recorder struct {
	db     *sql.DB
	logger *log.Logger
}

// DBConfig locates the usage database.
type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// NewRecorder opens the usage database. Connection failures degrade to a
// dropping recorder rather than an error.
func NewRecorder(cfg DBConfig) *Recorder {
	logger := log.New(log.Writer(), "[USAGE] ", log.LstdFlags)

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Printf("⚠️ Failed to open usage database: %v", err)
		return &Recorder{logger: logger}
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	logger.Printf("Usage database pool created: %s:%s/%s", cfg.Host, cfg.Port, cfg.Name)
	return &Recorder{db: db, logger: logger}
}

// NewDroppingRecorder returns a recorder with no backing store, used in
// tests and degraded deployments.
func NewDroppingRecorder() *Recorder {
	return &Recorder{logger: log.New(log.Writer(), "[USAGE] ", log.LstdFlags)}
}

// Record inserts one usage row. Never returns an error: on any connection
// or SQL failure it logs at warn level and drops the record. An
// "anonymous" workspace id is normalized to NULL.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if r.db == nil {
		r.logger.Printf("⚠️ Usage database not available, dropping record %s", rec.RequestID)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ai_usage
		(workspace_id, user_id, template_name, provider, model,
		 tokens_in, tokens_out, latency_ms, status_code, endpoint, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		nullable(normalizeWorkspace(rec.WorkspaceID)), nullable(rec.UserID), nullable(rec.TemplateName),
		rec.Provider, rec.Model, rec.TokensIn, rec.TokensOut,
		rec.LatencyMs, rec.StatusCode, nullable(rec.Endpoint), rec.RequestID,
	)
	if err != nil {
		r.logger.Printf("⚠️ Failed to persist usage %s: %v", rec.RequestID, err)
		return
	}
}

// Close releases the pool.
func (r *Recorder) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func normalizeWorkspace(id string) string {
	if id == "anonymous" {
		return ""
	}
	return id
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
