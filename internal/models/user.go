package models

// Role represents a caller role carried in service tokens
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleDevice   Role = "device"
	RoleViewer   Role = "viewer"
)

// Claims represents JWT claims
type Claims struct {
	Subject string `json:"sub"`
	Role    Role   `json:"role"`
	Exp     int64  `json:"exp"`
}

// IsValidRole checks if a role is valid
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleDevice, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if a role has permission for a specific action
func (r Role) HasPermission(action string) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleOperator:
		return action != "ingest_reading"
	case RoleDevice:
		return action == "ingest_reading"
	case RoleViewer:
		return action == "view_trust" || action == "view_alerts" ||
			action == "view_batches" || action == "view_mileage" ||
			action == "verify_proof"
	default:
		return false
	}
}
