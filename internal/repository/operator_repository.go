package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/checkin-reconciler/internal/model"
)

// OperatorRepo mirrors the operators table.
type OperatorRepo struct{ db *sql.DB }

// NewOperatorRepo returns an OperatorRepo backed by db.
func NewOperatorRepo(db *sql.DB) *OperatorRepo { return &OperatorRepo{db: db} }

// Create inserts an operator with an already hashed password and returns
// its id.
func (r *OperatorRepo) Create(ctx context.Context, email, passwordHash, role string) (uint64, error) {
	res, err := conn(ctx, r.db).ExecContext(ctx,
		"INSERT INTO operators (email, password_hash, role) VALUES (?,?,?)",
		normEmail(email), passwordHash, role)
	if err != nil {
		if isDuplicateKey(err) {
			return 0, ErrEmailExists
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// GetByEmail fetches an operator by normalized email.
func (r *OperatorRepo) GetByEmail(ctx context.Context, email string) (model.Operator, error) {
	var o model.Operator
	err := conn(ctx, r.db).QueryRowContext(ctx,
		"SELECT id,email,password_hash,role,is_active,created_at FROM operators WHERE email=? LIMIT 1",
		normEmail(email)).Scan(&o.ID, &o.Email, &o.PasswordHash, &o.Role, &o.IsActive, &o.CreatedAt)
	return o, notFound(err)
}
