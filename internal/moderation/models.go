package moderation

import "tangled.org/arabica.social/murmur/internal/models"

// Permission represents a moderation action that can be performed
type Permission string

const (
	PermissionApproveComment Permission = "approve_comment"
	PermissionRejectComment  Permission = "reject_comment"
	PermissionHideComment    Permission = "hide_comment"
	PermissionRestoreComment Permission = "restore_comment"
	PermissionMarkSpam       Permission = "mark_spam"
	PermissionDeleteComment  Permission = "delete_comment"
	PermissionViewQueue      Permission = "view_queue"
	PermissionViewHistory    Permission = "view_history"
	PermissionManageRules    Permission = "manage_rules"
)

// AllPermissions returns all available permissions
func AllPermissions() []Permission {
	return []Permission{
		PermissionApproveComment,
		PermissionRejectComment,
		PermissionHideComment,
		PermissionRestoreComment,
		PermissionMarkSpam,
		PermissionDeleteComment,
		PermissionViewQueue,
		PermissionViewHistory,
		PermissionManageRules,
	}
}

// RoleName represents the name of a moderation role
type RoleName string

const (
	RoleAdmin     RoleName = "admin"
	RoleModerator RoleName = "moderator"
)

// Role defines a set of permissions for moderators
type Role struct {
	Name        RoleName     `json:"-"` // Set from map key during loading
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
}

// HasPermission checks if this role has the given permission
func (r *Role) HasPermission(perm Permission) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// ModeratorUser represents a user with moderation privileges
type ModeratorUser struct {
	ID     string   `json:"id"`
	Handle string   `json:"handle,omitempty"`
	Email  string   `json:"email,omitempty"`
	Role   RoleName `json:"role"`
	Note   string   `json:"note,omitempty"`
}

// Config represents the moderation configuration loaded from JSON
type Config struct {
	Roles map[RoleName]*Role `json:"roles"`
	Users []ModeratorUser    `json:"users"`
}

// Validate checks that the config is valid
func (c *Config) Validate() error {
	if c.Roles == nil {
		c.Roles = make(map[RoleName]*Role)
	}

	known := make(map[Permission]bool)
	for _, p := range AllPermissions() {
		known[p] = true
	}

	for name, role := range c.Roles {
		for _, p := range role.Permissions {
			if !known[p] {
				return &models.ConfigError{
					Field:   "roles",
					Message: "role " + string(name) + " has unknown permission: " + string(p),
				}
			}
		}
	}

	// Validate that all users reference valid roles
	for _, user := range c.Users {
		if _, ok := c.Roles[user.Role]; !ok {
			return &models.ConfigError{
				Field:   "users",
				Message: "user " + user.ID + " references unknown role: " + string(user.Role),
			}
		}
	}

	// Set role names from map keys
	for name, role := range c.Roles {
		role.Name = name
	}

	return nil
}

// PermissionFor returns the permission a moderator needs to move a comment
// from one state to another
func PermissionFor(from, to models.CommentState) Permission {
	switch to {
	case models.StateApproved:
		if from == models.StatePending {
			return PermissionApproveComment
		}
		return PermissionRestoreComment
	case models.StateRejected:
		return PermissionRejectComment
	case models.StateHidden:
		return PermissionHideComment
	case models.StateSpam:
		return PermissionMarkSpam
	}
	return PermissionManageRules
}
