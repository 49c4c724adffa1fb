package radiustools

// Operation identifies one tool in the RADIUS catalogue. The set is closed:
// New builds exactly one tool per value, in declaration order.
type Operation int

const (
	OpAuthRecent Operation = iota
	OpFailedAuth
	OpByMAC
	OpByUser
	OpAcctRecent
	OpActiveSessions
	OpByNAS
	OpBandwidthTop
	OpHealth
	OpUserCreate
	OpUserGet
	OpUserUpdate
	OpUserDelete
	OpUserList

	numOperations
)

// Kind says whether an operation only reads or goes through the store's
// transactional write path.
type Kind int

const (
	ReadOnly Kind = iota
	TransactionalWrite
)

func (k Kind) String() string {
	if k == TransactionalWrite {
		return "transactional_write"
	}
	return "read_only"
}

type opInfo struct {
	name        string
	title       string
	kind        Kind
	description string
}

var catalogue = [numOperations]opInfo{
	OpAuthRecent:     {"radius_auth_recent", "Recent authentications", ReadOnly, "Get recent RADIUS authentication attempts"},
	OpFailedAuth:     {"radius_failed_auth", "Failed authentications", ReadOnly, "Get recent failed authentication attempts"},
	OpByMAC:          {"radius_by_mac", "Lookup by MAC address", ReadOnly, "Get authentication and accounting records by MAC address"},
	OpByUser:         {"radius_by_user", "Lookup by username", ReadOnly, "Get authentication and accounting records by username"},
	OpAcctRecent:     {"radius_acct_recent", "Recent accounting sessions", ReadOnly, "Get recent RADIUS accounting sessions"},
	OpActiveSessions: {"radius_active_sessions", "Active sessions", ReadOnly, "Get currently active RADIUS sessions"},
	OpByNAS:          {"radius_by_nas", "Lookup by NAS", ReadOnly, "Get authentication and accounting records by NAS identifier"},
	OpBandwidthTop:   {"radius_bandwidth_top", "Top bandwidth consumers", ReadOnly, "Get top bandwidth consumers"},
	OpHealth:         {"radius_health", "Database health", ReadOnly, "Check database connectivity"},
	OpUserCreate:     {"radius_user_create", "Create user", TransactionalWrite, "Create a new RADIUS user with password and optional groups"},
	OpUserGet:        {"radius_user_get", "Get user", ReadOnly, "Get details of a RADIUS user (excludes password)"},
	OpUserUpdate:     {"radius_user_update", "Update user", TransactionalWrite, "Update an existing RADIUS user (password, groups, enabled state)"},
	OpUserDelete:     {"radius_user_delete", "Delete user", TransactionalWrite, "Delete a RADIUS user"},
	OpUserList:       {"radius_user_list", "List users", ReadOnly, "List RADIUS users with pagination and optional search"},
}

func (op Operation) valid() bool { return op >= 0 && op < numOperations }

// Name is the wire name clients use in tools/call.
func (op Operation) Name() string {
	if !op.valid() {
		return ""
	}
	return catalogue[op].name
}

// Title is the short human-readable label shown in tool listings.
func (op Operation) Title() string {
	if !op.valid() {
		return ""
	}
	return catalogue[op].title
}

func (op Operation) Kind() Kind {
	if !op.valid() {
		return ReadOnly
	}
	return catalogue[op].kind
}

func (op Operation) Description() string {
	if !op.valid() {
		return ""
	}
	return catalogue[op].description
}

func (op Operation) String() string { return op.Name() }

// Operations returns every operation in catalogue order.
func Operations() []Operation {
	ops := make([]Operation, 0, numOperations)
	for op := Operation(0); op < numOperations; op++ {
		ops = append(ops, op)
	}
	return ops
}

// ParseOperation resolves a wire name.
func ParseOperation(name string) (Operation, bool) {
	for op := Operation(0); op < numOperations; op++ {
		if catalogue[op].name == name {
			return op, true
		}
	}
	return 0, false
}
