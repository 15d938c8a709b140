package rbac

import "fmt"

// 权限常量
const (
	PermissionRunRead      = "run:read"
	PermissionRunTrigger   = "run:trigger"
	PermissionOutboxReplay = "outbox:replay"
)

// 角色常量
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleViewer: {
		PermissionRunRead,
	},
	RoleOperator: {
		PermissionRunRead,
		PermissionRunTrigger,
	},
	RoleAdmin: {
		PermissionRunRead,
		PermissionRunTrigger,
		PermissionOutboxReplay,
	},
}

// ValidRole 是否是已知角色
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role, permission string) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查权限（返回错误而不是布尔值，便于处理）
func CheckPermission(subject, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Subject:    subject,
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Subject    string
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s (role %q) lacks %s", e.Subject, e.Role, e.Permission)
}
