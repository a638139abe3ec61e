package types

type UserRole string

const (
	UserRoleMember UserRole = "MEMBER"
	UserRoleSeller UserRole = "SELLER"
	UserRoleAdmin  UserRole = "ADMIN"
)

func (r UserRole) Valid() bool {
	return r == UserRoleMember || r == UserRoleSeller || r == UserRoleAdmin
}
