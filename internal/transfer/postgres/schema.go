package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS cctp_transfers (
	burn_tx_hash TEXT PRIMARY KEY,
	seq BIGSERIAL,

	origin_chain TEXT NOT NULL DEFAULT '',
	origin_family SMALLINT NOT NULL DEFAULT 0,
	target_chain TEXT NOT NULL DEFAULT '',
	target_address TEXT NOT NULL DEFAULT '',
	sender TEXT NOT NULL DEFAULT '',

	amount BIGINT NOT NULL DEFAULT 0,
	protocol_version SMALLINT NOT NULL DEFAULT 0,
	transfer_speed SMALLINT NOT NULL DEFAULT 0,
	max_fee BIGINT NOT NULL DEFAULT 0,
	source_domain BIGINT NOT NULL DEFAULT 0,
	destination_domain BIGINT NOT NULL DEFAULT 0,

	status SMALLINT NOT NULL,
	steps JSONB NOT NULL DEFAULT '[]'::jsonb,

	nonce TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	attestation TEXT NOT NULL DEFAULT '',
	attestation_expired BOOLEAN NOT NULL DEFAULT false,
	failure_reason TEXT NOT NULL DEFAULT '',

	claim_hash TEXT NOT NULL DEFAULT '',
	completed_at TIMESTAMPTZ,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT amount_nonneg CHECK (amount >= 0),
	CONSTRAINT max_fee_nonneg CHECK (max_fee >= 0),
	CONSTRAINT status_range CHECK (status >= 1 AND status <= 3),
	CONSTRAINT claim_hash_iff_claimed CHECK ((status = 2) = (claim_hash <> ''))
);

CREATE INDEX IF NOT EXISTS cctp_transfers_status_idx ON cctp_transfers (status);
`
