package ratelimit

import "strings"

// Classifier infers the ActorClass of a request whose class was not supplied
// by the auth collaborator.
type Classifier interface {
	Classify(req Request) ActorClass
}

// Default administrative principals.
var (
	DefaultAdminUsers = []string{"Administrator"}
	DefaultAdminRoles = []string{"System Manager", "Administrator"}
)

// RoleClassifier maps "ip:" identifiers to anonymous, configured admin users
// or holders of an admin role to admin, and everyone else to authenticated.
type RoleClassifier struct {
	adminUsers map[string]struct{}
	adminRoles map[string]struct{}
}

// NewRoleClassifier creates a classifier. Empty lists disable the
// corresponding admin rule.
func NewRoleClassifier(adminUsers, adminRoles []string) *RoleClassifier {
	return &RoleClassifier{
		adminUsers: toSet(adminUsers),
		adminRoles: toSet(adminRoles),
	}
}

// Classify implements Classifier.
func (c *RoleClassifier) Classify(req Request) ActorClass {
	id := strings.TrimSpace(req.Identifier)
	user, ok := strings.CutPrefix(id, "user:")
	if !ok {
		return ClassAnonymous
	}
	if _, admin := c.adminUsers[user]; admin {
		return ClassAdmin
	}
	for _, role := range req.Roles {
		if _, admin := c.adminRoles[strings.TrimSpace(role)]; admin {
			return ClassAdmin
		}
	}
	return ClassAuthenticated
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

var _ Classifier = (*RoleClassifier)(nil)
