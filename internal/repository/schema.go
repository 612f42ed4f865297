package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaInvestigations = `
CREATE TABLE IF NOT EXISTS investigations (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_value TEXT NOT NULL,
    window_start TIMESTAMP NOT NULL,
    window_end TIMESTAMP NOT NULL,
    phase TEXT NOT NULL,
    fail_cause TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_investigations_entity ON investigations(entity_type, entity_value);
CREATE INDEX IF NOT EXISTS idx_investigations_phase ON investigations(phase);
`

const schemaFindings = `
CREATE TABLE IF NOT EXISTS domain_findings (
    investigation_id TEXT NOT NULL,
    domain TEXT NOT NULL,
    risk_score REAL,
    confidence REAL NOT NULL,
    evidence TEXT,
    risk_indicators TEXT,
    signals_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (investigation_id, domain)
);

CREATE INDEX IF NOT EXISTS idx_findings_investigation ON domain_findings(investigation_id);
`

const schemaVerdicts = `
CREATE TABLE IF NOT EXISTS risk_verdicts (
    investigation_id TEXT PRIMARY KEY,
    final_score REAL,
    fraud_floor_applied INTEGER NOT NULL DEFAULT 0,
    evidence_gate_passed INTEGER NOT NULL DEFAULT 0,
    applied_patterns TEXT,
    narrative TEXT NOT NULL,
    computed_at TIMESTAMP NOT NULL
);
`

// schemaRemediationActions is the append-only labeling audit log. The unique
// key on investigation_id deduplicates concurrent remediation attempts.
const schemaRemediationActions = `
CREATE TABLE IF NOT EXISTS remediation_actions (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_value TEXT NOT NULL,
    label TEXT NOT NULL,
    risk_score_at_labeling REAL NOT NULL,
    threshold_used REAL NOT NULL,
    investigation_id TEXT NOT NULL UNIQUE,
    assigned_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_remediation_entity ON remediation_actions(entity_type, entity_value, assigned_at);
`

const schemaActivity = `
CREATE TABLE IF NOT EXISTS activity_events (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    account_id TEXT,
    email TEXT,
    device_id TEXT,
    ip TEXT,
    card_bin TEXT,
    card_id TEXT,
    merchant_id TEXT,
    amount REAL NOT NULL DEFAULT 0,
    currency TEXT,
    country TEXT,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_activity_account ON activity_events(account_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_activity_device ON activity_events(device_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_activity_ip ON activity_events(ip, timestamp);
CREATE INDEX IF NOT EXISTS idx_activity_merchant ON activity_events(merchant_id, timestamp);
`

const schemaConfirmedFraud = `
CREATE TABLE IF NOT EXISTS confirmed_fraud (
    entity_type TEXT NOT NULL,
    entity_value TEXT NOT NULL,
    source TEXT,
    confirmed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (entity_type, entity_value)
);
`

const schemaPatternConfigs = `
CREATE TABLE IF NOT EXISTS pattern_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    adjustment REAL NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaInvestigations,
		schemaFindings,
		schemaVerdicts,
		schemaRemediationActions,
		schemaActivity,
		schemaConfirmedFraud,
		schemaPatternConfigs,
	}
}
