package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaEntities = `
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    name TEXT,
    type TEXT,
    description TEXT,
    profile TEXT
);

CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name);
`

const schemaOwnerships = `
CREATE TABLE IF NOT EXISTS ownerships (
    id TEXT PRIMARY KEY,
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    stake DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_ownerships_from ON ownerships(from_id);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    amount DOUBLE PRECISION,
    currency TEXT,
    time TEXT,
    channel TEXT,
    to_region TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(from_id);
CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions(to_id);
`

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    bank_name TEXT,
    account_number TEXT,
    balance DOUBLE PRECISION,
    currency TEXT
);

CREATE INDEX IF NOT EXISTS idx_accounts_entity ON accounts(entity_id);
`

const schemaGuarantees = `
CREATE TABLE IF NOT EXISTS guarantees (
    id TEXT PRIMARY KEY,
    guarantor_id TEXT NOT NULL,
    guaranteed_id TEXT NOT NULL,
    amount DOUBLE PRECISION,
    time TEXT
);

CREATE INDEX IF NOT EXISTS idx_guarantees_guarantor ON guarantees(guarantor_id);
CREATE INDEX IF NOT EXISTS idx_guarantees_guaranteed ON guarantees(guaranteed_id);
`

const schemaSupplyLinks = `
CREATE TABLE IF NOT EXISTS supply_links (
    id TEXT PRIMARY KEY,
    supplier_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    frequency DOUBLE PRECISION,
    amount DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_supply_links_supplier ON supply_links(supplier_id);
CREATE INDEX IF NOT EXISTS idx_supply_links_customer ON supply_links(customer_id);
`

const schemaNews = `
CREATE TABLE IF NOT EXISTS news (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    title TEXT,
    url TEXT,
    summary TEXT,
    source TEXT,
    published_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_news_entity ON news(entity_id);
`

const schemaKBDocuments = `
CREATE TABLE IF NOT EXISTS kb_documents (
    name TEXT PRIMARY KEY,
    body TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS risk_evaluations (
    id TEXT PRIMARY KEY,
    entity_id TEXT,
    source TEXT NOT NULL,
    status TEXT NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    labels TEXT NOT NULL,
    explanation TEXT,
    kb_version TEXT,
    timestamp TIMESTAMP NOT NULL,
    result TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_evaluations_entity ON risk_evaluations(entity_id);
CREATE INDEX IF NOT EXISTS idx_risk_evaluations_timestamp ON risk_evaluations(timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEntities,
		schemaOwnerships,
		schemaTransactions,
		schemaAccounts,
		schemaGuarantees,
		schemaSupplyLinks,
		schemaNews,
		schemaKBDocuments,
		schemaEvaluations,
	}
}
