// Package acl implements the per-user identity and access-grant model: each
// configured user has a symmetric key (used by the external framing layer
// to authenticate-decrypt their datagrams) and a set of per-database
// read/read-write grants.
package acl

import "errors"

// ErrAccessDenied is returned by ValidateAccess when a user has no grant
// for a database, or only a read grant but the request is a write.
var ErrAccessDenied = errors.New("access denied")

// Grant is the permission a user holds on one database.
type Grant int

const (
	// GrantRead allows GET, GET_LAST and GET_FILE_VERSION.
	GrantRead Grant = iota
	// GrantReadWrite allows all read operations plus SET.
	GrantReadWrite
)

// ParseGrant converts the configuration strings "r"/"rw" into a Grant.
func ParseGrant(s string) (Grant, error) {
	switch s {
	case "r":
		return GrantRead, nil
	case "rw":
		return GrantReadWrite, nil
	default:
		return 0, errors.New(`grant must be "r" or "rw"`)
	}
}

// User is one configured identity: a stable id, a display name, the
// symmetric key the framing layer uses to authenticate-decrypt this user's
// datagrams, and the set of databases this user may touch. Once built at
// startup, a User is never mutated and may be shared across goroutines
// without synchronization.
type User struct {
	ID     uint32
	Name   string
	Key    [32]byte
	Grants map[string]Grant
}

// ValidateAccess reports whether u may perform the requested operation
// against database name. A missing grant denies access even if the
// database exists; a read-only grant denies write requests.
func (u *User) ValidateAccess(name string, isRead bool) error {
	grant, ok := u.Grants[name]
	if !ok {
		return ErrAccessDenied
	}
	if !isRead && grant != GrantReadWrite {
		return ErrAccessDenied
	}
	return nil
}

// Table is the immutable, shared-after-startup set of configured users,
// indexed by id for the wire bridge's prefix lookup.
type Table struct {
	byID map[uint32]*User
}

// NewTable builds a lookup table from a slice of users.
func NewTable(users []*User) *Table {
	t := &Table{byID: make(map[uint32]*User, len(users))}
	for _, u := range users {
		t.byID[u.ID] = u
	}
	return t
}

// Lookup returns the user with the given id, or (nil, false) if unknown.
func (t *Table) Lookup(id uint32) (*User, bool) {
	u, ok := t.byID[id]
	return u, ok
}
