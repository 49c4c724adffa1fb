package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Attribute is one attribute/op/value row of radcheck or radreply.
type Attribute struct {
	Attribute string `json:"attribute"`
	Op        string `json:"op"`
	Value     string `json:"value"`
}

// NewUser describes an identity to provision.
type NewUser struct {
	Username string
	Password string
	// Groups are stored with priority equal to their 1-based position.
	Groups []string
	// SessionTimeout in seconds; zero means no Session-Timeout reply row.
	SessionTimeout  int
	ReplyAttributes []Attribute
}

// UserPatch is a sparse update. A nil field is left untouched; a non-nil
// field replaces the stored value entirely.
type UserPatch struct {
	Username        string
	Password        *string
	Groups          *[]string
	SessionTimeout  *int
	Enabled         *bool
	ReplyAttributes *[]Attribute
}

// User is the provisioned view of an identity. The password is never
// included.
type User struct {
	Username        string      `json:"username"`
	Enabled         bool        `json:"enabled"`
	CheckAttributes []Attribute `json:"check_attributes"`
	ReplyAttributes []Attribute `json:"reply_attributes"`
	Groups          []string    `json:"groups"`
}

// UserSummary is one row of a user listing.
type UserSummary struct {
	Username string   `json:"username"`
	Enabled  bool     `json:"enabled"`
	Groups   []string `json:"groups"`
}

// ListUsersQuery selects a page of users. Search is a case-insensitive
// substring match on the username.
type ListUsersQuery struct {
	Limit  int
	Offset int
	Search string
}

// UserPage is one page of a user listing plus the total match count.
type UserPage struct {
	Users  []UserSummary `json:"users"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

const (
	attrPassword       = "Cleartext-Password"
	attrSessionTimeout = "Session-Timeout"
	attrAuthType       = "Auth-Type"
)

// CreateUser provisions a new identity: its password check row, optional
// Session-Timeout and reply attributes, and its group memberships. It
// returns ErrConflict when the username already has radcheck rows.
func (s *Store) CreateUser(ctx context.Context, u NewUser) error {
	return s.withUserTx(ctx, "create_user", u.Username, func(ctx context.Context, t *txn) error {
		found, err := t.exists(ctx, u.Username)
		if err != nil {
			return fmt.Errorf("existence check: %w", err)
		}
		if found {
			return ErrConflict
		}

		if err := t.exec(ctx,
			`INSERT INTO radcheck (username, attribute, op, value) VALUES (?, ?, ':=', ?)`,
			u.Username, attrPassword, u.Password,
		); err != nil {
			return fmt.Errorf("insert password: %w", err)
		}
		if u.SessionTimeout > 0 {
			if err := t.insertSessionTimeout(ctx, u.Username, u.SessionTimeout); err != nil {
				return err
			}
		}
		if err := t.insertReplyAttributes(ctx, u.Username, u.ReplyAttributes); err != nil {
			return err
		}
		return t.insertGroups(ctx, u.Username, u.Groups)
	})
}

// UpdateUser applies a sparse patch. It returns ErrNotFound when the
// username has no radcheck rows.
func (s *Store) UpdateUser(ctx context.Context, p UserPatch) error {
	return s.withUserTx(ctx, "update_user", p.Username, func(ctx context.Context, t *txn) error {
		found, err := t.exists(ctx, p.Username)
		if err != nil {
			return fmt.Errorf("existence check: %w", err)
		}
		if !found {
			return ErrNotFound
		}

		if p.Password != nil {
			if err := t.exec(ctx,
				`UPDATE radcheck SET value = ? WHERE username = ? AND attribute = ?`,
				*p.Password, p.Username, attrPassword,
			); err != nil {
				return fmt.Errorf("update password: %w", err)
			}
		}

		if p.SessionTimeout != nil {
			if err := t.exec(ctx,
				`DELETE FROM radreply WHERE username = ? AND attribute = ?`,
				p.Username, attrSessionTimeout,
			); err != nil {
				return fmt.Errorf("clear session timeout: %w", err)
			}
			if err := t.insertSessionTimeout(ctx, p.Username, *p.SessionTimeout); err != nil {
				return err
			}
		}

		if p.ReplyAttributes != nil {
			// Session-Timeout is owned by the session timeout field.
			if err := t.exec(ctx,
				`DELETE FROM radreply WHERE username = ? AND attribute <> ?`,
				p.Username, attrSessionTimeout,
			); err != nil {
				return fmt.Errorf("clear reply attributes: %w", err)
			}
			if err := t.insertReplyAttributes(ctx, p.Username, *p.ReplyAttributes); err != nil {
				return err
			}
		}

		if p.Groups != nil {
			if err := t.exec(ctx, `DELETE FROM radusergroup WHERE username = ?`, p.Username); err != nil {
				return fmt.Errorf("clear groups: %w", err)
			}
			if err := t.insertGroups(ctx, p.Username, *p.Groups); err != nil {
				return err
			}
		}

		if p.Enabled != nil {
			if err := t.exec(ctx,
				`DELETE FROM radcheck WHERE username = ? AND attribute = ?`,
				p.Username, attrAuthType,
			); err != nil {
				return fmt.Errorf("clear auth type: %w", err)
			}
			if !*p.Enabled {
				if err := t.exec(ctx,
					`INSERT INTO radcheck (username, attribute, op, value) VALUES (?, ?, ':=', 'Reject')`,
					p.Username, attrAuthType,
				); err != nil {
					return fmt.Errorf("insert auth type: %w", err)
				}
			}
		}
		return nil
	})
}

// DeleteUser removes every radcheck, radreply and radusergroup row for the
// username. It returns ErrNotFound, having written nothing, when the
// username has no radcheck rows.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	return s.withUserTx(ctx, "delete_user", username, func(ctx context.Context, t *txn) error {
		found, err := t.exists(ctx, username)
		if err != nil {
			return fmt.Errorf("existence check: %w", err)
		}
		if !found {
			return ErrNotFound
		}

		// All three statements share the transaction's connection;
		// database/sql runs them one at a time.
		g, gctx := errgroup.WithContext(ctx)
		for _, table := range []string{"radcheck", "radreply", "radusergroup"} {
			g.Go(func() error {
				if err := t.exec(gctx, `DELETE FROM `+table+` WHERE username = ?`, username); err != nil {
					return fmt.Errorf("delete %s: %w", table, err)
				}
				return nil
			})
		}
		return g.Wait()
	})
}

func (t *txn) insertSessionTimeout(ctx context.Context, username string, seconds int) error {
	if err := t.exec(ctx,
		`INSERT INTO radreply (username, attribute, op, value) VALUES (?, ?, '=', ?)`,
		username, attrSessionTimeout, strconv.Itoa(seconds),
	); err != nil {
		return fmt.Errorf("insert session timeout: %w", err)
	}
	return nil
}

func (t *txn) insertReplyAttributes(ctx context.Context, username string, attrs []Attribute) error {
	for i, a := range attrs {
		if err := t.exec(ctx,
			`INSERT INTO radreply (username, attribute, op, value) VALUES (?, ?, ?, ?)`,
			username, a.Attribute, a.Op, a.Value,
		); err != nil {
			return fmt.Errorf("insert reply attribute %d: %w", i, err)
		}
	}
	return nil
}

func (t *txn) insertGroups(ctx context.Context, username string, groups []string) error {
	for i, g := range groups {
		if err := t.exec(ctx,
			`INSERT INTO radusergroup (username, groupname, priority) VALUES (?, ?, ?)`,
			username, g, i+1,
		); err != nil {
			return fmt.Errorf("insert group %q: %w", g, err)
		}
	}
	return nil
}

// GetUser returns the provisioned view of username, or ErrNotFound. All
// three tables are read from one snapshot.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	u := &User{Username: username}
	err := s.withSnapshot(ctx, "get_user", func(ctx context.Context, r *snapshot) error {
		var one int
		if err := r.queryRow(ctx, existsQuery, username).Scan(&one); err != nil {
			if isNoRows(err) {
				return ErrNotFound
			}
			return err
		}

		var err error
		u.CheckAttributes, err = r.attributes(ctx,
			`SELECT attribute, op, value FROM radcheck WHERE username = ? AND attribute <> ? ORDER BY id`,
			username, attrPassword)
		if err != nil {
			return fmt.Errorf("check attributes: %w", err)
		}
		u.ReplyAttributes, err = r.attributes(ctx,
			`SELECT attribute, op, value FROM radreply WHERE username = ? ORDER BY id`,
			username)
		if err != nil {
			return fmt.Errorf("reply attributes: %w", err)
		}
		u.Groups, err = r.groups(ctx, username)
		if err != nil {
			return fmt.Errorf("groups: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	u.Enabled = true
	for _, a := range u.CheckAttributes {
		if a.Attribute == attrAuthType && a.Value == "Reject" {
			u.Enabled = false
		}
	}
	return u, nil
}

func (r *snapshot) attributes(ctx context.Context, q string, args ...any) ([]Attribute, error) {
	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Attribute{}
	for rows.Next() {
		var a Attribute
		if err := rows.Scan(&a.Attribute, &a.Op, &a.Value); err != nil {
			return nil, err
		}
		a.Op = strings.TrimSpace(a.Op)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *snapshot) groups(ctx context.Context, username string) ([]string, error) {
	rows, err := r.query(ctx,
		`SELECT groupname FROM radusergroup WHERE username = ? ORDER BY priority, id`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListUsers returns one page of users that have a password row, ordered by
// username. The count and the page come from one snapshot.
func (s *Store) ListUsers(ctx context.Context, q ListUsersQuery) (*UserPage, error) {
	where := `attribute = 'Cleartext-Password'`
	var args []any
	if q.Search != "" {
		where += ` AND LOWER(username) LIKE ?`
		args = append(args, "%"+strings.ToLower(q.Search)+"%")
	}

	page := &UserPage{Users: []UserSummary{}, Limit: q.Limit, Offset: q.Offset}
	err := s.withSnapshot(ctx, "list_users", func(ctx context.Context, r *snapshot) error {
		if err := r.queryRow(ctx, `SELECT COUNT(DISTINCT username) FROM radcheck WHERE `+where, args...).Scan(&page.Total); err != nil {
			return fmt.Errorf("count: %w", err)
		}

		rows, err := r.query(ctx,
			`SELECT DISTINCT username FROM radcheck WHERE `+where+` ORDER BY username LIMIT ? OFFSET ?`,
			append(args, q.Limit, q.Offset)...)
		if err != nil {
			return fmt.Errorf("page: %w", err)
		}
		var names []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			names = append(names, name)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}

		disabled, groups, err := r.pageDetails(ctx, names)
		if err != nil {
			return err
		}
		for _, name := range names {
			gs := groups[name]
			if gs == nil {
				gs = []string{}
			}
			page.Users = append(page.Users, UserSummary{Username: name, Enabled: !disabled[name], Groups: gs})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// pageDetails fetches the disabled flag and ordered groups for a page of
// usernames.
func (r *snapshot) pageDetails(ctx context.Context, names []string) (map[string]bool, map[string][]string, error) {
	in := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}

	disabled := make(map[string]bool, len(names))
	rows, err := r.query(ctx,
		`SELECT DISTINCT username FROM radcheck WHERE attribute = 'Auth-Type' AND value = 'Reject' AND username IN (`+in+`)`,
		args...)
	if err != nil {
		return nil, nil, fmt.Errorf("disabled flags: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, nil, err
		}
		disabled[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	groups := make(map[string][]string, len(names))
	rows, err = r.query(ctx,
		`SELECT username, groupname FROM radusergroup WHERE username IN (`+in+`) ORDER BY username, priority, id`,
		args...)
	if err != nil {
		return nil, nil, fmt.Errorf("groups: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, group string
		if err := rows.Scan(&name, &group); err != nil {
			return nil, nil, err
		}
		groups[name] = append(groups[name], group)
	}
	return disabled, groups, rows.Err()
}
