package domain

import "time"

// Status is the workflow state of a permit.
type Status string

const (
	StatusPendingBay         Status = "PENDING_BAY"
	StatusPendingMaintenance Status = "PENDING_MAINTENANCE"
	StatusPendingSafety      Status = "PENDING_SAFETY"
	StatusApproved           Status = "APPROVED"
	StatusRejected           Status = "REJECTED"
)

// Statuses lists every status in workflow order.
var Statuses = []Status{
	StatusPendingBay,
	StatusPendingMaintenance,
	StatusPendingSafety,
	StatusApproved,
	StatusRejected,
}

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Role is the role tag carried by a caller's credential.
type Role string

const (
	RoleUser                Role = "user"
	RoleAdmin               Role = "admin"
	RoleBayManager          Role = "bay_manager"
	RoleMaintenanceIncharge Role = "maintenance_incharge"
	RoleSafetyIncharge      Role = "safety_incharge"
)

// Stage names one approval step. Its value is the column prefix of the
// stage's audit pair.
type Stage string

const (
	StageBayManager          Stage = "bay_manager"
	StageMaintenanceIncharge Stage = "maintenance_incharge"
	StageSafetyIncharge      Stage = "safety_incharge"
)

// Permit is one LOTO work permit row.
type Permit struct {
	ID int64 `json:"id"`
	Details
	Status              Status `json:"status" enum:"PENDING_BAY,PENDING_MAINTENANCE,PENDING_SAFETY,APPROVED,REJECTED"`
	CurrentApproverRole *Role  `json:"current_approver_role"`

	BayManagerApprovedBy          *string    `json:"bay_manager_approved_by"`
	BayManagerApprovedAt          *time.Time `json:"bay_manager_approved_at"`
	MaintenanceInchargeApprovedBy *string    `json:"maintenance_incharge_approved_by"`
	MaintenanceInchargeApprovedAt *time.Time `json:"maintenance_incharge_approved_at"`
	SafetyInchargeApprovedBy      *string    `json:"safety_incharge_approved_by"`
	SafetyInchargeApprovedAt      *time.Time `json:"safety_incharge_approved_at"`

	RejectedBy      *string    `json:"rejected_by"`
	RejectedAt      *time.Time `json:"rejected_at"`
	RejectionReason *string    `json:"rejection_reason"`
}

func (p *Permit) approvalPair(s Stage) (**string, **time.Time) {
	switch s {
	case StageBayManager:
		return &p.BayManagerApprovedBy, &p.BayManagerApprovedAt
	case StageMaintenanceIncharge:
		return &p.MaintenanceInchargeApprovedBy, &p.MaintenanceInchargeApprovedAt
	case StageSafetyIncharge:
		return &p.SafetyInchargeApprovedBy, &p.SafetyInchargeApprovedAt
	}
	return nil, nil
}

// Approval returns the audit pair for stage s.
func (p *Permit) Approval(s Stage) (*string, *time.Time) {
	byRef, atRef := p.approvalPair(s)
	if byRef == nil {
		return nil, nil
	}
	return *byRef, *atRef
}

// Event is one audit trail entry for a permit.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	PermitID int64  `json:"permit_id"`
	Actor    string `json:"actor"`
	Role     string `json:"role"`
	Payload  string `json:"payload_json"`
}

// Summary counts permits per status.
type Summary struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}
