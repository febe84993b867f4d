package postgres

// Amounts and counters that may exceed int64 are NUMERIC(20,0).
const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id           TEXT PRIMARY KEY,
	source_chain BIGINT NOT NULL,
	nonce        NUMERIC(20,0) NOT NULL,
	status       TEXT NOT NULL,
	data         JSONB NOT NULL,
	powers       JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (source_chain, nonce)
);

CREATE INDEX IF NOT EXISTS transfers_status_idx ON transfers (status);

CREATE TABLE IF NOT EXISTS transfer_signatures (
	transfer_id TEXT NOT NULL REFERENCES transfers (id),
	identity    TEXT NOT NULL,
	signature   BYTEA NOT NULL,
	counted     BOOLEAN NOT NULL,
	added_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (transfer_id, identity)
);

CREATE TABLE IF NOT EXISTS reward_periods (
	id             BIGINT PRIMARY KEY,
	start_at       TIMESTAMPTZ NOT NULL,
	end_at         TIMESTAMPTZ NOT NULL,
	total_shares   NUMERIC(20,0) NOT NULL DEFAULT 0,
	reward_pool    NUMERIC(20,0) NOT NULL DEFAULT 0,
	closed         BOOLEAN NOT NULL DEFAULT false,
	distributed    BOOLEAN NOT NULL DEFAULT false,
	distributed_at TIMESTAMPTZ,
	fee            NUMERIC(20,0)
);

CREATE TABLE IF NOT EXISTS period_miner_stats (
	period_id           BIGINT NOT NULL REFERENCES reward_periods (id),
	miner_id            TEXT NOT NULL,
	shares              NUMERIC(20,0) NOT NULL,
	work                NUMERIC(20,0) NOT NULL,
	active_slots        NUMERIC(20,0) NOT NULL,
	last_share          TIMESTAMPTZ NOT NULL,
	participation_start TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (period_id, miner_id)
);

CREATE TABLE IF NOT EXISTS miner_accounts (
	miner_id         TEXT PRIMARY KEY,
	carried          NUMERIC(20,0) NOT NULL DEFAULT 0,
	lifetime         NUMERIC(20,0) NOT NULL DEFAULT 0,
	last_paid_period BIGINT NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS payouts (
	period_id  BIGINT NOT NULL REFERENCES reward_periods (id),
	miner_id   TEXT NOT NULL,
	amount     NUMERIC(20,0) NOT NULL,
	status     TEXT NOT NULL,
	txid       TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	paid_at    TIMESTAMPTZ,
	PRIMARY KEY (period_id, miner_id)
);

CREATE INDEX IF NOT EXISTS payouts_pending_idx ON payouts (period_id) WHERE status = 'pending';
`
