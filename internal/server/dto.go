package server

import (
	"permitflow/internal/domain"
	"permitflow/internal/engine/auth"
)

// Request payloads

// PermitRequest carries static form fields. Unknown keys, including any
// workflow column a client sends, are accepted and ignored.
type PermitRequest struct {
	_ struct{} `json:"-" additionalProperties:"true"`
	domain.Details
}

type RejectRequest struct {
	_      struct{} `json:"-" additionalProperties:"true"`
	Reason *string  `json:"reason,omitempty" nullable:"true"`
}

type DevLoginRequest struct {
	Username string   `json:"username" minLength:"1"`
	Role     string   `json:"role,omitempty" enum:"user,admin,bay_manager,maintenance_incharge,safety_incharge"`
	Forms    []string `json:"forms,omitempty"`
}

// Response payloads

// PermitMessage is returned by every mutation.
type PermitMessage struct {
	Message string        `json:"message" example:"Approved"`
	Record  domain.Permit `json:"record"`
}

type MeResponse struct {
	Username      string   `json:"username"`
	Role          string   `json:"role"`
	Forms         []string `json:"forms"`
	Authenticated bool     `json:"authenticated"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func meResponse(id auth.Identity) MeResponse {
	return MeResponse{
		Username:      id.Name,
		Role:          string(id.Role),
		Forms:         nonNilSlice(id.Forms),
		Authenticated: id.Name != auth.UnknownIdentity,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
