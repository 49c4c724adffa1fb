package radiustools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ggoodman/mcp-radius-sql/store"
)

// number is an integer argument that also accepts a numeric string such as
// "25". Fractional values are rejected.
type number int

func (n *number) UnmarshalJSON(b []byte) error {
	s := string(bytes.TrimSpace(b))
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("expected a number, got %s", string(b))
	}
	if f != math.Trunc(f) {
		return fmt.Errorf("expected an integer, got %s", string(b))
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return fmt.Errorf("number %s out of range", string(b))
	}
	*n = number(f)
	return nil
}

func bounded(name string, v *number, lo, hi, def int) (int, error) {
	if v == nil {
		return def, nil
	}
	n := int(*v)
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
	}
	return n, nil
}

func checkLength(name, v string, lo, hi int) error {
	n := utf8.RuneCountInString(v)
	if n < lo {
		if lo == 1 {
			return fmt.Errorf("%s is required", name)
		}
		return fmt.Errorf("%s must be at least %d characters", name, lo)
	}
	if n > hi {
		return fmt.Errorf("%s must be at most %d characters", name, hi)
	}
	return nil
}

const (
	defaultLimit     = 20
	maxLimit         = 100
	defaultHours     = 24
	maxHours         = 720
	defaultPageSize  = 50
	maxSessionSecs   = 86400
	maxReplyAttrs    = 20
	maxNameLength    = 64
	maxNASLength     = 128
	maxValueLength   = 253
	minPasswordChars = 4
	maxPasswordChars = 128
)

var (
	macPattern      = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

type limitArgs struct {
	Limit *number `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100,default=20,description=Number of records to return"`

	limit int
}

func (a *limitArgs) Normalize() (err error) {
	a.limit, err = bounded("limit", a.Limit, 1, maxLimit, defaultLimit)
	return err
}

type windowArgs struct {
	Hours *number `json:"hours,omitempty" jsonschema:"minimum=1,maximum=720,default=24,description=Hours to look back"`
	Limit *number `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100,default=20,description=Number of records to return"`

	window time.Duration
	limit  int
}

func (a *windowArgs) Normalize() error {
	hours, err := bounded("hours", a.Hours, 1, maxHours, defaultHours)
	if err != nil {
		return err
	}
	a.window = time.Duration(hours) * time.Hour
	a.limit, err = bounded("limit", a.Limit, 1, maxLimit, defaultLimit)
	return err
}

type macArgs struct {
	MAC string `json:"mac" jsonschema:"pattern=^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$,description=MAC address (format: XX:XX:XX:XX:XX:XX or XX-XX-XX-XX-XX-XX)"`
}

func (a *macArgs) Normalize() error {
	if !macPattern.MatchString(a.MAC) {
		return errors.New("Invalid MAC address format (use XX:XX:XX:XX:XX:XX or XX-XX-XX-XX-XX-XX)")
	}
	return nil
}

type usernameArgs struct {
	Username string `json:"username" jsonschema:"minLength=1,maxLength=64,description=Username"`
}

func (a *usernameArgs) Normalize() error {
	return checkLength("username", a.Username, 1, maxNameLength)
}

type nasArgs struct {
	NASIdentifier string `json:"nas_identifier" jsonschema:"minLength=1,maxLength=128,description=NAS identifier"`
}

func (a *nasArgs) Normalize() error {
	return checkLength("nas_identifier", a.NASIdentifier, 1, maxNASLength)
}

type noArgs struct{}

type replyAttribute struct {
	Attribute string `json:"attribute" jsonschema:"minLength=1,maxLength=64,description=RADIUS attribute name"`
	Op        string `json:"op,omitempty" jsonschema:"enum=:=,enum==,enum=+=,enum=-=,enum===,default=="`
	Value     string `json:"value" jsonschema:"maxLength=253"`
}

var replyOps = map[string]bool{":=": true, "=": true, "+=": true, "-=": true, "==": true}

func normalizeReplyAttributes(in []replyAttribute) ([]store.Attribute, error) {
	if len(in) > maxReplyAttrs {
		return nil, fmt.Errorf("reply_attributes must contain at most %d items", maxReplyAttrs)
	}
	out := make([]store.Attribute, 0, len(in))
	for i, ra := range in {
		if err := checkLength(fmt.Sprintf("reply_attributes[%d].attribute", i), ra.Attribute, 1, maxNameLength); err != nil {
			return nil, err
		}
		if strings.EqualFold(ra.Attribute, "Session-Timeout") {
			return nil, errors.New("Use session_timeout parameter instead of Session-Timeout attribute")
		}
		if ra.Op == "" {
			ra.Op = "="
		}
		if !replyOps[ra.Op] {
			return nil, fmt.Errorf("reply_attributes[%d].op must be one of :=, =, +=, -=, ==", i)
		}
		if err := checkLength(fmt.Sprintf("reply_attributes[%d].value", i), ra.Value, 0, maxValueLength); err != nil {
			return nil, err
		}
		out = append(out, store.Attribute{Attribute: ra.Attribute, Op: ra.Op, Value: ra.Value})
	}
	return out, nil
}

func checkGroups(groups []string) error {
	for i, g := range groups {
		if err := checkLength(fmt.Sprintf("groups[%d]", i), g, 0, maxNameLength); err != nil {
			return err
		}
	}
	return nil
}

type createUserArgs struct {
	Username        string           `json:"username" jsonschema:"minLength=1,maxLength=64,pattern=^[a-zA-Z0-9._-]+$" jsonschema_description:"Username (alphanumeric, dots, underscores, hyphens)"`
	Password        string           `json:"password" jsonschema:"minLength=4,maxLength=128,description=User password (min 4 chars)"`
	Groups          []string         `json:"groups,omitempty" jsonschema:"description=Optional list of groups"`
	SessionTimeout  *number          `json:"session_timeout,omitempty" jsonschema:"minimum=1,maximum=86400,description=Optional session timeout in seconds"`
	ReplyAttributes []replyAttribute `json:"reply_attributes,omitempty" jsonschema:"maxItems=20" jsonschema_description:"Optional array of reply attributes [{attribute, op, value}]. Use for Tunnel-Password, Reply-Message, etc."`

	user store.NewUser
}

func (a *createUserArgs) Normalize() error {
	if err := checkLength("username", a.Username, 1, maxNameLength); err != nil {
		return err
	}
	if !usernamePattern.MatchString(a.Username) {
		return errors.New("username may only contain letters, digits, dots, underscores and hyphens")
	}
	if err := checkLength("password", a.Password, minPasswordChars, maxPasswordChars); err != nil {
		return err
	}
	if err := checkGroups(a.Groups); err != nil {
		return err
	}
	timeout, err := bounded("session_timeout", a.SessionTimeout, 1, maxSessionSecs, 0)
	if err != nil {
		return err
	}
	attrs, err := normalizeReplyAttributes(a.ReplyAttributes)
	if err != nil {
		return err
	}
	a.user = store.NewUser{
		Username:        a.Username,
		Password:        a.Password,
		Groups:          a.Groups,
		SessionTimeout:  timeout,
		ReplyAttributes: attrs,
	}
	return nil
}

type updateUserArgs struct {
	Username        string            `json:"username" jsonschema:"minLength=1,maxLength=64,description=Username to update"`
	Password        *string           `json:"password,omitempty" jsonschema:"minLength=4,maxLength=128,description=New password"`
	Groups          *[]string         `json:"groups,omitempty" jsonschema:"description=Replace the user's groups"`
	SessionTimeout  *number           `json:"session_timeout,omitempty" jsonschema:"minimum=1,maximum=86400,description=Session timeout in seconds"`
	Enabled         *bool             `json:"enabled,omitempty" jsonschema:"description=Enable or disable the user"`
	ReplyAttributes *[]replyAttribute `json:"reply_attributes,omitempty" jsonschema:"maxItems=20,description=Replace the user's reply attributes"`

	patch store.UserPatch
}

func (a *updateUserArgs) Normalize() error {
	if err := checkLength("username", a.Username, 1, maxNameLength); err != nil {
		return err
	}
	p := store.UserPatch{Username: a.Username, Password: a.Password, Groups: a.Groups, Enabled: a.Enabled}
	if a.Password != nil {
		if err := checkLength("password", *a.Password, minPasswordChars, maxPasswordChars); err != nil {
			return err
		}
	}
	if a.Groups != nil {
		if err := checkGroups(*a.Groups); err != nil {
			return err
		}
	}
	if a.SessionTimeout != nil {
		n, err := bounded("session_timeout", a.SessionTimeout, 1, maxSessionSecs, 0)
		if err != nil {
			return err
		}
		p.SessionTimeout = &n
	}
	if a.ReplyAttributes != nil {
		attrs, err := normalizeReplyAttributes(*a.ReplyAttributes)
		if err != nil {
			return err
		}
		p.ReplyAttributes = &attrs
	}
	a.patch = p
	return nil
}

type listUsersArgs struct {
	Limit  *number `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100,default=50,description=Maximum number of users to return (default 50)"`
	Offset *number `json:"offset,omitempty" jsonschema:"minimum=0,default=0,description=Number of users to skip (default 0)"`
	Search string  `json:"search,omitempty" jsonschema:"maxLength=64,description=Optional username search pattern"`

	query store.ListUsersQuery
}

func (a *listUsersArgs) Normalize() error {
	limit, err := bounded("limit", a.Limit, 1, maxLimit, defaultPageSize)
	if err != nil {
		return err
	}
	offset, err := bounded("offset", a.Offset, 0, math.MaxInt32, 0)
	if err != nil {
		return err
	}
	if err := checkLength("search", a.Search, 0, maxNameLength); err != nil {
		return err
	}
	a.query = store.ListUsersQuery{Limit: limit, Offset: offset, Search: a.Search}
	return nil
}
