package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/boternity/boternity/internal/errs"
)

func errConflict(msg string) error {
	return errs.New(errs.Conflict, msg)
}

// translate maps a database/sql or driver error onto the internal/errs
// taxonomy, satisfying spec §4.4's "errors from the SQL layer are
// translated... before crossing the boundary".
func translate(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.New(errs.NotFound, notFoundMsg)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return errs.Wrap(errs.Conflict, "unique constraint violated", err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return errs.Wrap(errs.InvalidArgument, "referenced row does not exist", err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return errs.Wrap(errs.ResourceExhausted, "database busy", err)
	default:
		return errs.Wrap(errs.Internal, "storage error", err)
	}
}
