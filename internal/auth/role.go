// Package auth issues and checks the gateway's bearer credentials. A Gate
// mints HS256 tokens for principals found in a PrincipalStore, validates
// presented tokens, and decides per-operation admission from the caller's
// role.
package auth

import (
	"fmt"
	"slices"
)

// Role is the authorization level carried by a credential.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// ParseRole returns the Role named by s.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleViewer:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Operation names an externally exposed gateway operation.
type Operation string

const (
	OpIssueCredential Operation = "issue-credential"
	OpInventoryWrite  Operation = "inventory-write"
	OpInventoryRead   Operation = "inventory-read"
	OpForecastRequest Operation = "forecast-request"
)

// Policy lists the roles admitted to each operation. An operation mapped to
// nil requires no credential at all.
var Policy = map[Operation][]Role{
	OpIssueCredential: nil,
	OpInventoryWrite:  {RoleAdmin},
	OpInventoryRead:   {RoleAdmin, RoleViewer},
	OpForecastRequest: {RoleAdmin},
}

// Admits reports whether role may perform op. Unknown operations admit
// nobody.
func Admits(op Operation, role Role) bool {
	roles, ok := Policy[op]
	if !ok {
		return false
	}
	if roles == nil {
		return true
	}
	return slices.Contains(roles, role)
}
