package store

import (
	"context"
	"fmt"
	"strings"
)

// schema is the portable subset of the FreeRADIUS SQL schema the tools read
// and write. {{serial}} and {{timestamp}} are expanded per dialect.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS radcheck (
		id {{serial}},
		username VARCHAR(64) NOT NULL DEFAULT '',
		attribute VARCHAR(64) NOT NULL DEFAULT '',
		op VARCHAR(2) NOT NULL DEFAULT '==',
		value VARCHAR(253) NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS radcheck_username ON radcheck (username, attribute)`,

	`CREATE TABLE IF NOT EXISTS radreply (
		id {{serial}},
		username VARCHAR(64) NOT NULL DEFAULT '',
		attribute VARCHAR(64) NOT NULL DEFAULT '',
		op VARCHAR(2) NOT NULL DEFAULT '=',
		value VARCHAR(253) NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS radreply_username ON radreply (username, attribute)`,

	`CREATE TABLE IF NOT EXISTS radusergroup (
		id {{serial}},
		username VARCHAR(64) NOT NULL DEFAULT '',
		groupname VARCHAR(64) NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS radusergroup_username ON radusergroup (username)`,

	`CREATE TABLE IF NOT EXISTS radpostauth (
		id {{serial}},
		username VARCHAR(253) NOT NULL,
		pass VARCHAR(128),
		reply VARCHAR(32),
		authdate {{timestamp}} NOT NULL,
		class VARCHAR(64),
		nasidentifier VARCHAR(128),
		nasipaddress VARCHAR(45),
		calledstationid VARCHAR(50),
		callingstationid VARCHAR(50)
	)`,
	`CREATE INDEX IF NOT EXISTS radpostauth_authdate ON radpostauth (authdate)`,
	`CREATE INDEX IF NOT EXISTS radpostauth_username ON radpostauth (username)`,

	`CREATE TABLE IF NOT EXISTS radacct (
		radacctid {{serial}},
		acctsessionid VARCHAR(64) NOT NULL DEFAULT '',
		acctuniqueid VARCHAR(32) NOT NULL DEFAULT '',
		username VARCHAR(253),
		nasipaddress VARCHAR(45) NOT NULL DEFAULT '',
		nasidentifier VARCHAR(128),
		acctstarttime {{timestamp}},
		acctstoptime {{timestamp}},
		acctsessiontime BIGINT,
		acctinputoctets BIGINT,
		acctoutputoctets BIGINT,
		calledstationid VARCHAR(50),
		callingstationid VARCHAR(50),
		acctterminatecause VARCHAR(32),
		framedipaddress VARCHAR(45)
	)`,
	`CREATE INDEX IF NOT EXISTS radacct_start ON radacct (acctstarttime)`,
	`CREATE INDEX IF NOT EXISTS radacct_username ON radacct (username)`,
	`CREATE INDEX IF NOT EXISTS radacct_active ON radacct (acctstoptime)`,
}

func (d Dialect) ddl() []string {
	serial, timestamp := "SERIAL PRIMARY KEY", "TIMESTAMP WITH TIME ZONE"
	if d == SQLite {
		serial, timestamp = "INTEGER PRIMARY KEY AUTOINCREMENT", "DATETIME"
	}
	r := strings.NewReplacer("{{serial}}", serial, "{{timestamp}}", timestamp)
	out := make([]string, len(schema))
	for i, stmt := range schema {
		out[i] = r.Replace(stmt)
	}
	return out
}

// EnsureSchema creates any missing tables and indexes. Existing tables are
// left as they are, so it is safe against a live FreeRADIUS database.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for i, stmt := range s.dialect.ddl() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrap("ensure_schema", fmt.Errorf("statement %d: %w", i, err))
		}
	}
	s.log.Info("store.schema.ok", "statements", len(schema))
	return nil
}
