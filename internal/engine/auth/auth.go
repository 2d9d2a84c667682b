package auth

import (
	"fmt"
	"strings"

	"permitflow/internal/domain"
)

// ForbiddenError indicates the caller's role may not perform the action.
type ForbiddenError struct {
	Role    domain.Role
	Allowed []domain.Role
}

func (e ForbiddenError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("role %s is not permitted", roleOrNone(e.Role))
	}
	allowed := make([]string, len(e.Allowed))
	for i, r := range e.Allowed {
		allowed[i] = string(r)
	}
	return fmt.Sprintf("role %s is not permitted, requires %s", roleOrNone(e.Role), strings.Join(allowed, " or "))
}

func roleOrNone(r domain.Role) string {
	if r == "" {
		return "<none>"
	}
	return string(r)
}

// FormGate decides whether a caller may submit a given form.
type FormGate struct {
	FormName string
	// Open lets every caller submit.
	Open bool
}

// Allow returns nil when id may submit the gate's form, else a ForbiddenError.
func (g FormGate) Allow(id Identity) error {
	if g.Open || id.Role == domain.RoleAdmin {
		return nil
	}
	for _, f := range id.Forms {
		if strings.EqualFold(strings.TrimSpace(f), g.FormName) {
			return nil
		}
	}
	return ForbiddenError{Role: id.Role, Allowed: []domain.Role{domain.RoleAdmin}}
}
