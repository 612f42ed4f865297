package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Investigation lifecycle. UpdateInvestigation performs a version-checked
	// write: it succeeds only when the stored version matches inv.Version and
	// increments the version on commit, returning ErrVersionConflict otherwise.
	SaveInvestigation(ctx context.Context, inv *Investigation) error
	GetInvestigation(ctx context.Context, id string) (*Investigation, error)
	UpdateInvestigation(ctx context.Context, inv *Investigation) error

	// Domain findings, immutable once saved.
	SaveFindings(ctx context.Context, investigationID string, findings []DomainFinding) error
	GetFindings(ctx context.Context, investigationID string) ([]DomainFinding, error)

	// Risk verdicts, computed exactly once per investigation.
	SaveVerdict(ctx context.Context, verdict *RiskVerdict) error
	GetVerdict(ctx context.Context, investigationID string) (*RiskVerdict, error)

	// Remediation audit log. SaveRemediationAction is idempotent per
	// investigation id: a second insert for the same investigation is a no-op.
	SaveRemediationAction(ctx context.Context, action *RemediationAction) error
	GetRemediationAction(ctx context.Context, investigationID string) (*RemediationAction, error)
	GetCurrentLabel(ctx context.Context, entityType EntityType, entityValue string) (*RemediationAction, error)

	// Activity history for pattern detection and the built-in analyzers.
	SaveActivity(ctx context.Context, event *ActivityEvent) error
	GetActivityBySubject(ctx context.Context, subject Subject, window TimeRange) ([]*ActivityEvent, error)

	// Ground truth: authoritative confirmed-fraud determinations.
	MarkConfirmedFraud(ctx context.Context, subject Subject, source string) error
	HasConfirmedFraud(ctx context.Context, subject Subject) (bool, error)

	// Operator-defined pattern configurations.
	SavePatternConfig(ctx context.Context, cfg *PatternConfig) error
	GetPatternConfig(ctx context.Context, id string) (*PatternConfig, error)
	ListPatternConfigs(ctx context.Context) ([]*PatternConfig, error)
	DeletePatternConfig(ctx context.Context, id string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
