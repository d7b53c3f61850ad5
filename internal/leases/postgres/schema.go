package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS cctp_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS cctp_leases_expires_at_idx ON cctp_leases (expires_at);
`
