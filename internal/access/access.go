// Package access implements role-based authorization for pool operations.
//
// Every gated operation asks one question, HasCapability(role, caller), so the
// full permission matrix can be enumerated in one place and in tests.
package access

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnauthorized is returned when the caller lacks the required role.
	ErrUnauthorized = errors.New("access: unauthorized")

	// ErrUnknownRole is returned when granting a role that does not exist.
	ErrUnknownRole = errors.New("access: unknown role")
)

// Role is a named capability.
type Role string

const (
	// Governor owns configuration, role grants and ledger migration.
	Governor Role = "governor"
	// Keeper runs operational calls: snapshots, pruning, epoch rolls.
	Keeper Role = "keeper"
	// Handler is an approved writer of exposure (the trade path).
	Handler Role = "handler"
)

// Roles lists every role.
var Roles = []Role{Governor, Keeper, Handler}

// Registry holds role membership. Not safe for concurrent use; the pool
// serializes access.
type Registry struct {
	governor string
	members  map[Role]map[string]bool
}

// NewRegistry creates a registry with the given governor.
func NewRegistry(governor string) *Registry {
	return &Registry{
		governor: governor,
		members: map[Role]map[string]bool{
			Keeper:  {},
			Handler: {},
		},
	}
}

// HasCapability reports whether caller may act in role. The governor also
// passes keeper checks; handler is granted explicitly only.
func (r *Registry) HasCapability(role Role, caller string) bool {
	if caller == "" {
		return false
	}
	switch role {
	case Governor:
		return caller == r.governor
	case Keeper:
		return caller == r.governor || r.members[Keeper][caller]
	case Handler:
		return r.members[Handler][caller]
	default:
		return false
	}
}

// Require returns ErrUnauthorized unless caller holds role.
func (r *Registry) Require(role Role, caller string) error {
	if !r.HasCapability(role, caller) {
		return fmt.Errorf("%w: %q is not %s", ErrUnauthorized, caller, role)
	}
	return nil
}

// Grant adds account to role. Only the governor may grant.
func (r *Registry) Grant(caller string, role Role, account string) error {
	if err := r.Require(Governor, caller); err != nil {
		return err
	}
	set, ok := r.members[role]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	set[account] = true
	return nil
}

// Revoke removes account from role. Only the governor may revoke.
func (r *Registry) Revoke(caller string, role Role, account string) error {
	if err := r.Require(Governor, caller); err != nil {
		return err
	}
	set, ok := r.members[role]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	delete(set, account)
	return nil
}

// TransferGovernance hands the governor role to next.
func (r *Registry) TransferGovernance(caller, next string) error {
	if err := r.Require(Governor, caller); err != nil {
		return err
	}
	r.governor = next
	return nil
}

// Members returns the sorted accounts holding role.
func (r *Registry) Members(role Role) []string {
	if role == Governor {
		return []string{r.governor}
	}
	out := make([]string, 0, len(r.members[role]))
	for a := range r.members[role] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
