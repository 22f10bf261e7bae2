// Package authz stores relationship tuples and answers permission checks
// against them. The model mirrors relationship based access control: a tuple
// (subject, relation, object) grants the subject a relation on the object,
// and computed relations expand role tuples into concrete permissions.
package authz

import "fmt"

// Organization roles a user can hold.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Relations answered by Check.
const (
	RelationCanAddMember    = "can_add_member"
	RelationCanAddResource  = "can_add_resource"
	RelationCanViewResource = "can_view_resource"
	// RelationOrganization links a resource to its owning organization.
	RelationOrganization = "organization"
)

// Tuple is one stored relationship.
type Tuple struct {
	Subject  string `json:"subject"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

// UserRef renders a user reference for tuple storage.
func UserRef(userID string) string {
	return "user:" + userID
}

// OrgRef renders an organization reference for tuple storage.
func OrgRef(orgID string) string {
	return "organization:" + orgID
}

// ResourceRef renders a resource reference for tuple storage.
func ResourceRef(resourceID string) string {
	return "resource:" + resourceID
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s#%s@%s", t.Object, t.Relation, t.Subject)
}
