package permission

import (
	"fmt"

	"gateline/internal/domain"
	"gateline/internal/policy"
)

// Reason is the structured cause of a denial.
type Reason string

const (
	ReasonNotOwner    Reason = "not_owner"
	ReasonNotReadable Reason = "not_readable"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	return fmt.Sprintf("deny(%s)", d.Reason)
}

// Check decides whether role may execute the command. Pure: it consults only
// the ownership policy and the command's declared domain and permission level.
// Ownership and readability are independent relations; neither implies the
// other, except that owners always read the domains they own.
func Check(role string, def domain.CommandDefinition, pol *policy.Policy) Decision {
	switch def.Permission {
	case domain.PermissionWrite:
		if pol.IsOwner(role, def.Domain) {
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, Reason: ReasonNotOwner}
	default:
		if pol.CanRead(role, def.Domain) {
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, Reason: ReasonNotReadable}
	}
}
