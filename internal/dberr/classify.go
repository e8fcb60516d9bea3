// Package dberr classifies failed database writes into the small set of
// outcomes the service layer cares about: a duplicate-email conflict, a
// transient timeout worth retrying, or an unclassified failure.
package dberr

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

// Category is the classification of a failed store write.
type Category int

const (
	Unclassified Category = iota
	DuplicateEmail
	TransientTimeout
)

func (c Category) String() string {
	switch c {
	case DuplicateEmail:
		return "duplicate_email"
	case TransientTimeout:
		return "transient_timeout"
	default:
		return "unclassified"
	}
}

// Details carries the raw diagnostic of a classified failure. It is meant
// for server-side logs only and must never be echoed to a client verbatim.
type Details struct {
	Code            string
	Constraint      string
	Table           string
	Detail          string
	UniqueViolation bool
}

// pgUniqueViolation is SQLSTATE 23505 (unique_violation).
const pgUniqueViolation = "23505"

// Constraint names known to guard users.email across the schema tooling
// that has touched this table. Anything else containing "email" is treated
// as a rename of the same constraint.
var emailConstraints = map[string]struct{}{
	"idx_users_email": {},
	"uni_users_email": {},
	"users_email_key": {},
	"users_email_idx": {},
}

// maxCauseDepth bounds the unwrap walk. Real cause chains are short; the
// cap guards against a self-referential Unwrap.
const maxCauseDepth = 32

// Classify inspects a failed write and reports its category together with
// whatever diagnostic the driver exposed. It walks the wrapped cause chain
// itself, node by node, so a malformed chain cannot loop it: the walk stops
// at maxCauseDepth or as soon as an error unwraps to itself.
//
// Classify is a pure function of err; classifying the same value twice
// yields the same result.
func Classify(err error) (Category, Details) {
	if err == nil {
		return Unclassified, Details{}
	}

	var det Details
	var prev error
	cause := err
	for depth := 0; cause != nil && depth < maxCauseDepth; depth++ {
		if cause == prev {
			break
		}

		if pgErr, ok := cause.(*pgconn.PgError); ok {
			det = Details{
				Code:            pgErr.Code,
				Constraint:      pgErr.ConstraintName,
				Table:           pgErr.TableName,
				Detail:          pgErr.Detail,
				UniqueViolation: pgErr.Code == pgUniqueViolation,
			}
			if det.UniqueViolation && isEmailConstraint(pgErr.ConstraintName) {
				return DuplicateEmail, det
			}
		}

		if sqliteErr, ok := cause.(sqlite3.Error); ok {
			unique := sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
			det = Details{
				Code:            strconv.Itoa(int(sqliteErr.ExtendedCode)),
				Detail:          sqliteErr.Error(),
				UniqueViolation: unique,
			}
			// SQLite reports no constraint name, only message text such
			// as "UNIQUE constraint failed: users.email".
			if unique && mentionsEmail(err) {
				return DuplicateEmail, det
			}
		}

		if cause == gorm.ErrDuplicatedKey {
			det.UniqueViolation = true
			if mentionsEmail(err) {
				return DuplicateEmail, det
			}
		}

		if cause == context.DeadlineExceeded {
			return TransientTimeout, det
		}
		if t, ok := cause.(interface{ Timeout() bool }); ok && t.Timeout() {
			return TransientTimeout, det
		}

		prev = cause
		cause = errors.Unwrap(cause)
	}

	if det == (Details{}) {
		det.Detail = err.Error()
	}
	return Unclassified, det
}

func isEmailConstraint(name string) bool {
	if _, ok := emailConstraints[name]; ok {
		return true
	}
	return strings.Contains(strings.ToLower(name), "email")
}

func mentionsEmail(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "email")
}
