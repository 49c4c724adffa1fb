// Package store is the relational layer over the FreeRADIUS control-plane
// tables (radcheck, radreply, radusergroup, radpostauth and radacct).
//
// Reads are plain queries against the pool. Writes that touch more than one
// table go through a single coordinator: each unit of work runs on a
// dedicated connection inside one transaction, serialized per username, and
// either commits every statement or none of them.
//
// Two dialects are supported. Postgres (through pgx's database/sql driver) is
// the production target; SQLite (modernc.org/sqlite, pure Go) serves local
// development and the test suites.
package store
