// Package workflow holds the permit approval rules as pure functions:
// which role acts on which status, where an approval leads, and who may edit.
package workflow

import (
	"fmt"

	"permitflow/internal/domain"
)

// Transition describes one approval step.
type Transition struct {
	From         domain.Status
	To           domain.Status
	Stage        domain.Stage
	NextApprover *domain.Role
}

var chain = map[domain.Status]struct {
	role  domain.Role
	stage domain.Stage
	next  domain.Status
}{
	domain.StatusPendingBay:         {domain.RoleBayManager, domain.StageBayManager, domain.StatusPendingMaintenance},
	domain.StatusPendingMaintenance: {domain.RoleMaintenanceIncharge, domain.StageMaintenanceIncharge, domain.StatusPendingSafety},
	domain.StatusPendingSafety:      {domain.RoleSafetyIncharge, domain.StageSafetyIncharge, domain.StatusApproved},
}

var editors = []domain.Role{
	domain.RoleAdmin,
	domain.RoleBayManager,
	domain.RoleMaintenanceIncharge,
	domain.RoleSafetyIncharge,
}

// RequiredRole returns the role that approves a permit in status s.
// Only the three pending statuses have one.
func RequiredRole(s domain.Status) (domain.Role, bool) {
	step, ok := chain[s]
	return step.role, ok
}

// ExpectedApprover prefers the stored current_approver_role and falls back to
// RequiredRole for rows written before the workflow columns existed. Any other
// open status falls to the safety incharge, the last stage of the chain.
func ExpectedApprover(s domain.Status, current *domain.Role) (domain.Role, bool) {
	if current != nil && *current != "" {
		return *current, true
	}
	if role, ok := RequiredRole(s); ok {
		return role, true
	}
	if IsFinal(s) {
		return "", false
	}
	return domain.RoleSafetyIncharge, true
}

// MayApprove reports whether a caller holding role may act when expected is
// the approver on record. Admin may act at every stage.
func MayApprove(role, expected domain.Role) bool {
	if role == domain.RoleAdmin {
		return true
	}
	return expected != "" && role == expected
}

// IsFinal reports whether s is absorbing.
func IsFinal(s domain.Status) bool {
	return s == domain.StatusApproved || s == domain.StatusRejected
}

// Advance returns the approval transition out of s.
func Advance(s domain.Status) (Transition, error) {
	step, ok := chain[s]
	if !ok {
		return Transition{}, fmt.Errorf("no approval step from status %q", s)
	}
	t := Transition{From: s, To: step.next, Stage: step.stage}
	if next, ok := chain[step.next]; ok {
		role := next.role
		t.NextApprover = &role
	}
	return t, nil
}

// Editors returns the roles allowed to edit a non-final permit.
func Editors() []domain.Role {
	out := make([]domain.Role, len(editors))
	copy(out, editors)
	return out
}

// MayEdit reports whether role may edit permit fields. Any approver role may
// edit regardless of whose turn it is.
func MayEdit(role domain.Role) bool {
	for _, r := range editors {
		if r == role {
			return true
		}
	}
	return false
}

// AwaitingStatuses returns the statuses whose next action belongs to role.
// Admin is awaited on every pending status.
func AwaitingStatuses(role domain.Role) []domain.Status {
	var out []domain.Status
	for _, s := range domain.Statuses {
		step, ok := chain[s]
		if !ok {
			continue
		}
		if role == domain.RoleAdmin || step.role == role {
			out = append(out, s)
		}
	}
	return out
}
