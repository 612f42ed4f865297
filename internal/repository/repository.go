// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveInvestigation stores a new investigation record.
func (r *SQLRepository) SaveInvestigation(ctx context.Context, inv *domain.Investigation) error {
	if inv.ID == "" {
		return fmt.Errorf("%w: investigation id is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO investigations (
			id, entity_type, entity_value, window_start, window_end,
			phase, fail_cause, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		inv.ID, string(inv.Subject.EntityType), inv.Subject.EntityValue,
		inv.Window.Start, inv.Window.End,
		string(inv.Phase), inv.FailCause,
		inv.CreatedAt, inv.UpdatedAt, inv.Version,
	)
	return err
}

// GetInvestigation retrieves an investigation by ID.
func (r *SQLRepository) GetInvestigation(ctx context.Context, id string) (*domain.Investigation, error) {
	query := `
		SELECT id, entity_type, entity_value, window_start, window_end,
		       phase, fail_cause, created_at, updated_at, version
		FROM investigations
		WHERE id = ?
	`

	var inv domain.Investigation
	var entityType, phase string
	var failCause sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&inv.ID, &entityType, &inv.Subject.EntityValue,
		&inv.Window.Start, &inv.Window.End,
		&phase, &failCause,
		&inv.CreatedAt, &inv.UpdatedAt, &inv.Version,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	inv.Subject.EntityType = domain.EntityType(entityType)
	inv.Phase = domain.Phase(phase)
	inv.FailCause = failCause.String

	return &inv, nil
}

// UpdateInvestigation commits a state mutation under optimistic concurrency.
// The write succeeds only when the stored version matches inv.Version; on
// success the stored version is incremented and inv.Version is updated to
// match. A lost race returns domain.ErrVersionConflict.
func (r *SQLRepository) UpdateInvestigation(ctx context.Context, inv *domain.Investigation) error {
	now := time.Now().UTC()

	query := `
		UPDATE investigations
		SET phase = ?, fail_cause = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(inv.Phase), inv.FailCause, now,
		inv.ID, inv.Version,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing record from a lost version race.
		if _, getErr := r.GetInvestigation(ctx, inv.ID); errors.Is(getErr, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return domain.ErrVersionConflict
	}

	inv.Version++
	inv.UpdatedAt = now
	return nil
}

// SaveFindings stores the domain findings for an investigation.
// Findings are immutable: a duplicate save for the same domain is ignored.
func (r *SQLRepository) SaveFindings(ctx context.Context, investigationID string, findings []domain.DomainFinding) error {
	if investigationID == "" {
		return fmt.Errorf("%w: investigation id is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO domain_findings (
			investigation_id, domain, risk_score, confidence,
			evidence, risk_indicators, signals_count
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(investigation_id, domain) DO NOTHING
	`

	for _, f := range findings {
		evidence, _ := json.Marshal(f.Evidence)
		indicators, _ := json.Marshal(f.RiskIndicators)

		var score sql.NullFloat64
		if f.RiskScore != nil {
			score = sql.NullFloat64{Float64: *f.RiskScore, Valid: true}
		}

		_, err := r.db.ExecContext(ctx, r.rebind(query),
			investigationID, string(f.Domain), score, f.Confidence,
			string(evidence), string(indicators), f.SignalsCount,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// GetFindings retrieves all domain findings for an investigation.
func (r *SQLRepository) GetFindings(ctx context.Context, investigationID string) ([]domain.DomainFinding, error) {
	query := `
		SELECT domain, risk_score, confidence, evidence, risk_indicators, signals_count
		FROM domain_findings
		WHERE investigation_id = ?
		ORDER BY domain
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), investigationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []domain.DomainFinding
	for rows.Next() {
		var f domain.DomainFinding
		var d string
		var score sql.NullFloat64
		var evidence, indicators sql.NullString

		if err := rows.Scan(&d, &score, &f.Confidence, &evidence, &indicators, &f.SignalsCount); err != nil {
			return nil, err
		}

		f.Domain = domain.AnalysisDomain(d)
		if score.Valid {
			f.RiskScore = domain.Float(score.Float64)
		}
		if evidence.String != "" {
			json.Unmarshal([]byte(evidence.String), &f.Evidence)
		}
		if indicators.String != "" {
			json.Unmarshal([]byte(indicators.String), &f.RiskIndicators)
		}

		findings = append(findings, f)
	}

	return findings, rows.Err()
}

// SaveVerdict stores the risk verdict for an investigation.
func (r *SQLRepository) SaveVerdict(ctx context.Context, verdict *domain.RiskVerdict) error {
	if verdict.InvestigationID == "" {
		return fmt.Errorf("%w: investigation id is required", domain.ErrInvalidInput)
	}

	patterns, _ := json.Marshal(verdict.AppliedPatterns)

	var score sql.NullFloat64
	if verdict.FinalScore != nil {
		score = sql.NullFloat64{Float64: *verdict.FinalScore, Valid: true}
	}

	query := `
		INSERT INTO risk_verdicts (
			investigation_id, final_score, fraud_floor_applied,
			evidence_gate_passed, applied_patterns, narrative, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(investigation_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		verdict.InvestigationID, score,
		boolToInt(verdict.FraudFloorApplied), boolToInt(verdict.EvidenceGatePassed),
		string(patterns), verdict.Narrative, verdict.ComputedAt,
	)
	return err
}

// GetVerdict retrieves the verdict for an investigation.
func (r *SQLRepository) GetVerdict(ctx context.Context, investigationID string) (*domain.RiskVerdict, error) {
	query := `
		SELECT investigation_id, final_score, fraud_floor_applied,
		       evidence_gate_passed, applied_patterns, narrative, computed_at
		FROM risk_verdicts
		WHERE investigation_id = ?
	`

	var v domain.RiskVerdict
	var score sql.NullFloat64
	var floorApplied, gatePassed int
	var patterns sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), investigationID).Scan(
		&v.InvestigationID, &score, &floorApplied, &gatePassed,
		&patterns, &v.Narrative, &v.ComputedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if score.Valid {
		v.FinalScore = domain.Float(score.Float64)
	}
	v.FraudFloorApplied = floorApplied == 1
	v.EvidenceGatePassed = gatePassed == 1
	if patterns.String != "" {
		json.Unmarshal([]byte(patterns.String), &v.AppliedPatterns)
	}

	return &v, nil
}

// SaveRemediationAction appends a labeling action to the audit log.
// Idempotent per investigation id: the unique constraint absorbs duplicate
// writes, so re-running remediation never produces a second record.
func (r *SQLRepository) SaveRemediationAction(ctx context.Context, action *domain.RemediationAction) error {
	if action.InvestigationID == "" {
		return fmt.Errorf("%w: investigation id is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO remediation_actions (
			id, entity_type, entity_value, label,
			risk_score_at_labeling, threshold_used, investigation_id, assigned_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(investigation_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		action.ID, string(action.EntityType), action.EntityValue, string(action.Label),
		action.RiskScoreAtLabeling, action.ThresholdUsed,
		action.InvestigationID, action.AssignedAt,
	)
	return err
}

// GetRemediationAction retrieves the action for an investigation.
func (r *SQLRepository) GetRemediationAction(ctx context.Context, investigationID string) (*domain.RemediationAction, error) {
	query := `
		SELECT id, entity_type, entity_value, label,
		       risk_score_at_labeling, threshold_used, investigation_id, assigned_at
		FROM remediation_actions
		WHERE investigation_id = ?
	`

	return r.scanAction(r.db.QueryRowContext(ctx, r.rebind(query), investigationID))
}

// GetCurrentLabel returns the most recent action for an entity, which is the
// entity's current label.
func (r *SQLRepository) GetCurrentLabel(ctx context.Context, entityType domain.EntityType, entityValue string) (*domain.RemediationAction, error) {
	query := `
		SELECT id, entity_type, entity_value, label,
		       risk_score_at_labeling, threshold_used, investigation_id, assigned_at
		FROM remediation_actions
		WHERE entity_type = ? AND entity_value = ?
		ORDER BY assigned_at DESC
		LIMIT 1
	`

	return r.scanAction(r.db.QueryRowContext(ctx, r.rebind(query), string(entityType), entityValue))
}

func (r *SQLRepository) scanAction(row *sql.Row) (*domain.RemediationAction, error) {
	var a domain.RemediationAction
	var entityType, label string

	err := row.Scan(
		&a.ID, &entityType, &a.EntityValue, &label,
		&a.RiskScoreAtLabeling, &a.ThresholdUsed,
		&a.InvestigationID, &a.AssignedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.EntityType = domain.EntityType(entityType)
	a.Label = domain.EntityLabel(label)
	return &a, nil
}

// SaveActivity stores a raw activity event.
func (r *SQLRepository) SaveActivity(ctx context.Context, event *domain.ActivityEvent) error {
	if event.ID == "" {
		return fmt.Errorf("%w: event id is required", domain.ErrInvalidInput)
	}

	metadata, _ := json.Marshal(event.Metadata)

	query := `
		INSERT INTO activity_events (
			id, type, account_id, email, device_id, ip, card_bin, card_id,
			merchant_id, amount, currency, country, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, event.Type, event.AccountID, event.Email,
		event.DeviceID, event.IP, event.CardBIN, event.CardID,
		event.MerchantID, event.Amount, event.Currency, event.Country,
		event.Timestamp, string(metadata),
	)
	return err
}

// subjectColumn maps an entity type to the activity column that carries it.
func subjectColumn(t domain.EntityType) (string, error) {
	switch t {
	case domain.EntityUserID:
		return "account_id", nil
	case domain.EntityEmail:
		return "email", nil
	case domain.EntityIP:
		return "ip", nil
	case domain.EntityDeviceID:
		return "device_id", nil
	case domain.EntityMerchantID:
		return "merchant_id", nil
	}
	return "", fmt.Errorf("%w: unknown entity type %q", domain.ErrInvalidInput, t)
}

// GetActivityBySubject retrieves the activity history for a subject within a
// window, ordered oldest first (the order detectors expect).
func (r *SQLRepository) GetActivityBySubject(ctx context.Context, subject domain.Subject, window domain.TimeRange) ([]*domain.ActivityEvent, error) {
	column, err := subjectColumn(subject.EntityType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, type, account_id, email, device_id, ip, card_bin, card_id,
		       merchant_id, amount, currency, country, timestamp, metadata
		FROM activity_events
		WHERE %s = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`, column)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), subject.EntityValue, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.ActivityEvent
	for rows.Next() {
		var ev domain.ActivityEvent
		var accountID, email, deviceID, ip, cardBIN, cardID, merchantID, currency, country, metadata sql.NullString

		if err := rows.Scan(
			&ev.ID, &ev.Type, &accountID, &email, &deviceID, &ip, &cardBIN, &cardID,
			&merchantID, &ev.Amount, &currency, &country, &ev.Timestamp, &metadata,
		); err != nil {
			return nil, err
		}

		ev.AccountID = accountID.String
		ev.Email = email.String
		ev.DeviceID = deviceID.String
		ev.IP = ip.String
		ev.CardBIN = cardBIN.String
		ev.CardID = cardID.String
		ev.MerchantID = merchantID.String
		ev.Currency = currency.String
		ev.Country = country.String
		if metadata.String != "" {
			json.Unmarshal([]byte(metadata.String), &ev.Metadata)
		}

		events = append(events, &ev)
	}

	return events, rows.Err()
}

// MarkConfirmedFraud records an authoritative fraud determination.
func (r *SQLRepository) MarkConfirmedFraud(ctx context.Context, subject domain.Subject, source string) error {
	if err := subject.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO confirmed_fraud (entity_type, entity_value, source, confirmed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_value) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		string(subject.EntityType), subject.EntityValue, source, time.Now().UTC(),
	)
	return err
}

// HasConfirmedFraud reports whether ground truth confirms fraud for a subject.
func (r *SQLRepository) HasConfirmedFraud(ctx context.Context, subject domain.Subject) (bool, error) {
	query := `
		SELECT COUNT(*) FROM confirmed_fraud
		WHERE entity_type = ? AND entity_value = ?
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query), string(subject.EntityType), subject.EntityValue).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SavePatternConfig stores an operator-defined pattern configuration.
func (r *SQLRepository) SavePatternConfig(ctx context.Context, cfg *domain.PatternConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("%w: pattern id is required", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO pattern_configs (
			id, name, description, expression, adjustment, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			adjustment = excluded.adjustment,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		cfg.ID, cfg.Name, cfg.Description, cfg.Expression, cfg.Adjustment,
		boolToInt(cfg.Enabled), now, now,
	)
	return err
}

// GetPatternConfig retrieves a pattern configuration.
func (r *SQLRepository) GetPatternConfig(ctx context.Context, id string) (*domain.PatternConfig, error) {
	query := `
		SELECT id, name, description, expression, adjustment, enabled, created_at, updated_at
		FROM pattern_configs
		WHERE id = ?
	`

	var cfg domain.PatternConfig
	var description sql.NullString
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&cfg.ID, &cfg.Name, &description, &cfg.Expression, &cfg.Adjustment,
		&enabled, &cfg.CreatedAt, &cfg.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// ListPatternConfigs retrieves all enabled pattern configurations.
func (r *SQLRepository) ListPatternConfigs(ctx context.Context) ([]*domain.PatternConfig, error) {
	query := `
		SELECT id, name, description, expression, adjustment, enabled, created_at, updated_at
		FROM pattern_configs
		WHERE enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.PatternConfig
	for rows.Next() {
		var cfg domain.PatternConfig
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &description, &cfg.Expression, &cfg.Adjustment,
			&enabled, &cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, err
		}

		cfg.Description = description.String
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// DeletePatternConfig soft-deletes a pattern config by setting enabled = 0.
func (r *SQLRepository) DeletePatternConfig(ctx context.Context, id string) error {
	query := `
		UPDATE pattern_configs
		SET enabled = 0, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
