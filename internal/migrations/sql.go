package migrations

// syncSchemaMigration creates the shared, multi-writer-safe "sync" schema
// described in spec §3: blocks, transactions, transactionReceipts, logs,
// traces, rpcRequestResults, and intervals, namespaced per chain.
const syncSchemaMigration = `
-- +migrate Up
CREATE SCHEMA IF NOT EXISTS sync;

CREATE TABLE IF NOT EXISTS sync.blocks (
	chain_id     BIGINT NOT NULL,
	block_number BIGINT NOT NULL,
	block_hash   TEXT NOT NULL,
	parent_hash  TEXT NOT NULL,
	timestamp    BIGINT NOT NULL,
	data         JSONB NOT NULL,
	PRIMARY KEY (chain_id, block_hash)
);
CREATE INDEX IF NOT EXISTS blocks_chain_number_idx ON sync.blocks (chain_id, block_number);

CREATE TABLE IF NOT EXISTS sync.transactions (
	chain_id     BIGINT NOT NULL,
	block_hash   TEXT NOT NULL,
	tx_hash      TEXT NOT NULL,
	tx_index     INTEGER NOT NULL,
	data         JSONB NOT NULL,
	PRIMARY KEY (chain_id, tx_hash)
);
CREATE INDEX IF NOT EXISTS transactions_block_idx ON sync.transactions (chain_id, block_hash);

CREATE TABLE IF NOT EXISTS sync.transaction_receipts (
	chain_id BIGINT NOT NULL,
	tx_hash  TEXT NOT NULL,
	data     JSONB NOT NULL,
	PRIMARY KEY (chain_id, tx_hash)
);

CREATE TABLE IF NOT EXISTS sync.logs (
	chain_id     BIGINT NOT NULL,
	block_hash   TEXT NOT NULL,
	log_index    INTEGER NOT NULL,
	block_number BIGINT NOT NULL,
	tx_hash      TEXT NOT NULL,
	tx_index     INTEGER NOT NULL,
	address      TEXT NOT NULL,
	topic0       TEXT,
	topic1       TEXT,
	topic2       TEXT,
	topic3       TEXT,
	data         JSONB NOT NULL,
	removed      BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (chain_id, block_hash, log_index)
);
CREATE INDEX IF NOT EXISTS logs_address_block_idx ON sync.logs (chain_id, address, block_number);
CREATE INDEX IF NOT EXISTS logs_topic0_idx ON sync.logs (chain_id, topic0);

CREATE TABLE IF NOT EXISTS sync.traces (
	chain_id     BIGINT NOT NULL,
	tx_hash      TEXT NOT NULL,
	trace_address TEXT NOT NULL,
	block_number BIGINT NOT NULL,
	data         JSONB NOT NULL,
	PRIMARY KEY (chain_id, tx_hash, trace_address)
);

CREATE TABLE IF NOT EXISTS sync.rpc_request_results (
	chain_id   BIGINT NOT NULL,
	request_hash TEXT NOT NULL,
	result     JSONB NOT NULL,
	PRIMARY KEY (chain_id, request_hash)
);

CREATE TABLE IF NOT EXISTS sync.intervals (
	chain_id    BIGINT NOT NULL,
	fingerprint TEXT NOT NULL,
	from_block  BIGINT NOT NULL,
	to_block    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS intervals_lookup_idx ON sync.intervals (chain_id, fingerprint, from_block, to_block);

-- +migrate Down
DROP TABLE IF EXISTS sync.intervals;
DROP TABLE IF EXISTS sync.rpc_request_results;
DROP TABLE IF EXISTS sync.traces;
DROP TABLE IF EXISTS sync.logs;
DROP TABLE IF EXISTS sync.transaction_receipts;
DROP TABLE IF EXISTS sync.transactions;
DROP TABLE IF EXISTS sync.blocks;
DROP SCHEMA IF EXISTS sync;
`

// ponderMetaMigration creates the instance registry's metadata table under
// the user schema, per spec §3/§4.G.
const ponderMetaMigration = `
-- +migrate Up
CREATE SCHEMA IF NOT EXISTS /*schema*/;

CREATE TABLE IF NOT EXISTS /*schema*/._ponder_meta (
	instance_id    TEXT PRIMARY KEY,
	build_id       TEXT NOT NULL,
	schema_json    JSONB NOT NULL,
	status         TEXT NOT NULL CHECK (status IN ('historical', 'live', 'stopped')),
	heartbeat_at   TIMESTAMPTZ NOT NULL,
	chain_id       BIGINT NOT NULL,
	block_timestamp BIGINT NOT NULL,
	block_number   BIGINT NOT NULL,
	tx_index       INTEGER NOT NULL,
	event_index    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ponder_meta_build_idx ON /*schema*/._ponder_meta (build_id);

CREATE TABLE IF NOT EXISTS /*schema*/._ponder_advisory_lock (
	name TEXT PRIMARY KEY
);
INSERT INTO /*schema*/._ponder_advisory_lock (name) VALUES ('live_view_cutover')
ON CONFLICT DO NOTHING;

-- +migrate Down
DROP TABLE IF EXISTS /*schema*/._ponder_advisory_lock;
DROP TABLE IF EXISTS /*schema*/._ponder_meta;
`
