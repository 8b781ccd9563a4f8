package model

import "time"

// Operator is a door or admin account allowed to use the operator API.
// Passwords are stored as bcrypt hashes only.
//
// Fields:
//
//	ID           – primary key identifier of the operator.
//	Email        – unique login email.
//	PasswordHash – bcrypt hashed password.
//	Role         – ADMIN (sync, merge, overrides) or DOOR (check-in only).
//	IsActive     – whether the account may log in.
//	CreatedAt    – timestamp of creation.
type Operator struct {
	ID           uint64    // operators.id
	Email        string    // operators.email
	PasswordHash string    // operators.password_hash
	Role         string    // operators.role
	IsActive     bool      // operators.is_active
	CreatedAt    time.Time // operators.created_at
}

// Operator roles.
const (
	RoleAdmin = "ADMIN"
	RoleDoor  = "DOOR"
)
