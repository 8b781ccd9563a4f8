// Package repository defines error types that are reused across multiple
// repositories.  These sentinel values allow higher layers such as the
// sync orchestrator and the HTTP handlers to tell failure scenarios apart
// without inspecting driver errors.
package repository

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when a lookup matches no row.  Handlers
// translate it into an HTTP 404 response.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write cannot be performed because of
// conflicting state, such as a product already linked to another event.
// Handlers translate it into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrDuplicateTicket is returned when a (ticket id, event) pair already
// exists.  Sync treats it as a no-op; the unique key is the safety net
// behind the application-level lookup.
var ErrDuplicateTicket = errors.New("duplicate ticket")

// ErrEmailExists is returned when an operator email is already taken.
var ErrEmailExists = errors.New("email already exists")

const mysqlDuplicateEntry = 1062

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
