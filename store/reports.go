package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// AuthRecord is one radpostauth row.
type AuthRecord struct {
	AuthDate         time.Time `json:"authdate"`
	Username         string    `json:"username"`
	Reply            string    `json:"reply"`
	NASIdentifier    string    `json:"nasidentifier"`
	NASIPAddress     string    `json:"nasipaddress"`
	CalledStationID  string    `json:"calledstationid"`
	CallingStationID string    `json:"callingstationid"`
}

// AcctRecord is one radacct row. AcctStopTime is nil for an open session.
type AcctRecord struct {
	AcctStartTime      *time.Time `json:"acctstarttime"`
	AcctStopTime       *time.Time `json:"acctstoptime"`
	Username           string     `json:"username"`
	NASIdentifier      string     `json:"nasidentifier"`
	CallingStationID   string     `json:"callingstationid"`
	CalledStationID    string     `json:"calledstationid"`
	AcctTerminateCause string     `json:"acctterminatecause"`
	AcctInputOctets    int64      `json:"acctinputoctets"`
	AcctOutputOctets   int64      `json:"acctoutputoctets"`
}

// Activity pairs the authentication and accounting history of one subject.
type Activity struct {
	Auth []AuthRecord `json:"auth"`
	Acct []AcctRecord `json:"acct"`
}

// BandwidthUsage is one user's traffic total over a window.
type BandwidthUsage struct {
	Username     string `json:"username"`
	TotalInput   int64  `json:"total_input"`
	TotalOutput  int64  `json:"total_output"`
	TotalBytes   int64  `json:"total_bytes"`
	SessionCount int64  `json:"session_count"`
	Total        string `json:"total_human"`
	Input        string `json:"input_human"`
	Output       string `json:"output_human"`
}

const (
	authColumns = `authdate, username, reply, nasidentifier, nasipaddress, calledstationid, callingstationid`
	acctColumns = `acctstarttime, acctstoptime, username, nasidentifier, callingstationid, calledstationid,
		acctterminatecause, acctinputoctets, acctoutputoctets`

	// macMatch strips both separator styles so either form matches.
	macMatch = `REPLACE(REPLACE(LOWER(callingstationid), '-', ''), ':', '') LIKE ?`
)

// RecentAuth returns the newest authentication attempts.
func (s *Store) RecentAuth(ctx context.Context, limit int) ([]AuthRecord, error) {
	return s.authRecords(ctx, "recent_auth",
		`SELECT `+authColumns+` FROM radpostauth ORDER BY authdate DESC LIMIT ?`, limit)
}

// FailedAuth returns attempts whose reply was not Access-Accept within the
// last window.
func (s *Store) FailedAuth(ctx context.Context, window time.Duration, limit int) ([]AuthRecord, error) {
	return s.authRecords(ctx, "failed_auth",
		`SELECT `+authColumns+` FROM radpostauth
		 WHERE reply <> 'Access-Accept' AND authdate > ?
		 ORDER BY authdate DESC LIMIT ?`,
		since(window), limit)
}

// RecentAcct returns the newest accounting sessions.
func (s *Store) RecentAcct(ctx context.Context, limit int) ([]AcctRecord, error) {
	return s.acctRecords(ctx, "recent_acct",
		`SELECT `+acctColumns+` FROM radacct ORDER BY acctstarttime DESC LIMIT ?`, limit)
}

// ActiveSessions returns accounting sessions without a stop time.
func (s *Store) ActiveSessions(ctx context.Context) ([]AcctRecord, error) {
	return s.acctRecords(ctx, "active_sessions",
		`SELECT `+acctColumns+` FROM radacct WHERE acctstoptime IS NULL ORDER BY acctstarttime DESC`)
}

// ByMAC returns the ten newest auth and acct rows whose calling station
// matches mac regardless of separator style or case.
func (s *Store) ByMAC(ctx context.Context, mac string) (*Activity, error) {
	pattern := "%" + strings.NewReplacer(":", "", "-", "").Replace(strings.ToLower(mac)) + "%"
	return s.activity(ctx, "by_mac",
		`SELECT `+authColumns+` FROM radpostauth WHERE `+macMatch+` ORDER BY authdate DESC LIMIT 10`,
		`SELECT `+acctColumns+` FROM radacct WHERE `+macMatch+` ORDER BY acctstarttime DESC LIMIT 10`,
		pattern)
}

// ByUser returns the ten newest auth and acct rows for username.
func (s *Store) ByUser(ctx context.Context, username string) (*Activity, error) {
	return s.activity(ctx, "by_user",
		`SELECT `+authColumns+` FROM radpostauth WHERE username = ? ORDER BY authdate DESC LIMIT 10`,
		`SELECT `+acctColumns+` FROM radacct WHERE username = ? ORDER BY acctstarttime DESC LIMIT 10`,
		username)
}

// ByNAS returns the twenty newest auth and acct rows for a NAS identifier.
func (s *Store) ByNAS(ctx context.Context, nasIdentifier string) (*Activity, error) {
	return s.activity(ctx, "by_nas",
		`SELECT `+authColumns+` FROM radpostauth WHERE nasidentifier = ? ORDER BY authdate DESC LIMIT 20`,
		`SELECT `+acctColumns+` FROM radacct WHERE nasidentifier = ? ORDER BY acctstarttime DESC LIMIT 20`,
		nasIdentifier)
}

// BandwidthTop ranks users by total octets over sessions started within the
// window.
func (s *Store) BandwidthTop(ctx context.Context, window time.Duration, limit int) ([]BandwidthUsage, error) {
	rows, err := s.query(ctx,
		`SELECT username,
			CAST(COALESCE(SUM(acctinputoctets), 0) AS BIGINT),
			CAST(COALESCE(SUM(acctoutputoctets), 0) AS BIGINT),
			CAST(COALESCE(SUM(COALESCE(acctinputoctets, 0) + COALESCE(acctoutputoctets, 0)), 0) AS BIGINT) AS total_bytes,
			COUNT(*)
		 FROM radacct
		 WHERE acctstarttime > ?
		 GROUP BY username
		 ORDER BY total_bytes DESC
		 LIMIT ?`,
		since(window), limit)
	if err != nil {
		return nil, wrap("bandwidth_top", err)
	}
	defer rows.Close()

	out := []BandwidthUsage{}
	for rows.Next() {
		var (
			u    BandwidthUsage
			name sql.NullString
		)
		if err := rows.Scan(&name, &u.TotalInput, &u.TotalOutput, &u.TotalBytes, &u.SessionCount); err != nil {
			return nil, wrap("bandwidth_top", err)
		}
		u.Username = nullString(name)
		u.Total = humanize.Bytes(uint64(max(u.TotalBytes, 0)))
		u.Input = humanize.Bytes(uint64(max(u.TotalInput, 0)))
		u.Output = humanize.Bytes(uint64(max(u.TotalOutput, 0)))
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("bandwidth_top", err)
	}
	return out, nil
}

func since(window time.Duration) time.Time {
	return time.Now().UTC().Add(-window)
}

func (s *Store) activity(ctx context.Context, op, authQuery, acctQuery string, arg any) (*Activity, error) {
	var a Activity
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		a.Auth, err = s.authRecords(gctx, op, authQuery, arg)
		return err
	})
	g.Go(func() (err error) {
		a.Acct, err = s.acctRecords(gctx, op, acctQuery, arg)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) authRecords(ctx context.Context, op, q string, args ...any) ([]AuthRecord, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	out := []AuthRecord{}
	for rows.Next() {
		var (
			r                               AuthRecord
			at                              dbTime
			reply, nasID, nasIP, called, cs sql.NullString
		)
		if err := rows.Scan(&at, &r.Username, &reply, &nasID, &nasIP, &called, &cs); err != nil {
			return nil, wrap(op, err)
		}
		r.AuthDate = at.Time
		r.Reply = nullString(reply)
		r.NASIdentifier = nullString(nasID)
		r.NASIPAddress = nullString(nasIP)
		r.CalledStationID = nullString(called)
		r.CallingStationID = nullString(cs)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}

func (s *Store) acctRecords(ctx context.Context, op, q string, args ...any) ([]AcctRecord, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	out := []AcctRecord{}
	for rows.Next() {
		var (
			r                              AcctRecord
			start, stop                    dbTime
			user, nasID, cs, called, cause sql.NullString
			in, outOctets                  sql.NullInt64
		)
		if err := rows.Scan(&start, &stop, &user, &nasID, &cs, &called, &cause, &in, &outOctets); err != nil {
			return nil, wrap(op, err)
		}
		r.AcctStartTime = start.ptr()
		r.AcctStopTime = stop.ptr()
		r.Username = nullString(user)
		r.NASIdentifier = nullString(nasID)
		r.CallingStationID = nullString(cs)
		r.CalledStationID = nullString(called)
		r.AcctTerminateCause = nullString(cause)
		r.AcctInputOctets = nullInt(in)
		r.AcctOutputOctets = nullInt(outOctets)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}
