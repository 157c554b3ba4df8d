package model

import "fmt"

// Role is the position of a replica in a file's chain
type Role byte

const (
	RolePrimary   Role = 'A'
	RoleSecondary Role = 'B'
	RoleTertiary  Role = 'C'
)

// ChainLength is the number of replicas kept for every file
const ChainLength = 3

// RoleAt returns the role for position i (0-based) of a chain
func RoleAt(i int) Role {
	return RolePrimary + Role(i)
}

// Index is the 0-based chain position of the role
func (r Role) Index() int {
	return int(r - RolePrimary)
}

// Valid reports whether r is one of the three chain roles
func (r Role) Valid() bool {
	return r >= RolePrimary && r <= RoleTertiary
}

// Next returns the role one step further down the chain. The tertiary has
// no next role.
func (r Role) Next() (Role, bool) {
	if r >= RoleTertiary {
		return r, false
	}
	return r + 1, true
}

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	case RoleTertiary:
		return "tertiary"
	default:
		return fmt.Sprintf("role(%q)", byte(r))
	}
}

// ParseRole is the inverse of Role.String
func ParseRole(s string) (Role, bool) {
	for r := RolePrimary; r <= RoleTertiary; r++ {
		if r.String() == s {
			return r, true
		}
	}
	return 0, false
}

// FileRecord describes a file held on the local disk
type FileRecord struct {
	Name     string
	Role     Role
	Size     int64
	Checksum uint32 // CRC32 of the stored bytes
}

// Replica is one chain member's answer to a location query
type Replica struct {
	Slot int
	Role Role
}
