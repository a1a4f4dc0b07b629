package rbac

type Role string
type Action string

const (
	RoleRepresentative Role = "representative"
	RoleOperator       Role = "operator"
	RoleAdmin          Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionSubmit  Action = "submit"
	ActionEndorse Action = "endorse"
	// ActionReview covers suggestion status transitions.
	ActionReview Action = "review"
	ActionMerge  Action = "merge"
	ActionCancel Action = "cancel_merge"
	// ActionManage covers manual formal proposals and their lifecycle.
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOperator:
		return action == ActionRead || action == ActionReview || action == ActionMerge || action == ActionCancel || action == ActionManage
	case RoleRepresentative:
		return action == ActionRead || action == ActionSubmit || action == ActionEndorse
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleRepresentative, RoleOperator, RoleAdmin:
		return Role(role)
	default:
		return RoleRepresentative
	}
}
