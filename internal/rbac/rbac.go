package rbac

// Role is a project member's role.
type Role string
type Action string

const (
	RoleLeader     Role = "leader"
	RoleDeveloper  Role = "developer"
	RoleDesigner   Role = "designer"
	RoleDocManager Role = "doc_manager"
	RoleViewer     Role = "viewer"
)

const (
	ActionRead   Action = "read"
	ActionChat   Action = "chat"
	ActionEdit   Action = "edit"
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleLeader:
		return true
	case RoleDeveloper, RoleDesigner, RoleDocManager:
		return action == ActionRead || action == ActionChat || action == ActionEdit
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Valid(role string) bool {
	switch Role(role) {
	case RoleLeader, RoleDeveloper, RoleDesigner, RoleDocManager, RoleViewer:
		return true
	default:
		return false
	}
}

func Normalize(role string) Role {
	if Valid(role) {
		return Role(role)
	}
	return RoleViewer
}

// CanAccess resolves an action for a caller who may not be a member. Public
// projects grant read to everyone.
func CanAccess(role string, member, public bool, action Action) bool {
	if member {
		return Can(Normalize(role), action)
	}
	return public && action == ActionRead
}
