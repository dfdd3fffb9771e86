package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

type constraintKind int

const (
	constraintUnique constraintKind = iota + 1
	constraintExclusion
)

// constraintViolation is a driver-independent view of a rejected write:
// which kind of constraint fired and its name. Callers match on this instead
// of sniffing wrapped driver errors or message text.
type constraintViolation struct {
	Kind       constraintKind
	Constraint string
}

const (
	pgUniqueViolation    = "23505"
	pgExclusionViolation = "23P01"
)

// classifyConstraint walks err's cause chain for a postgres constraint
// violation, regardless of whether the pgx or the pq driver produced it.
func classifyConstraint(err error) (constraintViolation, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return constraintViolation{Kind: constraintUnique, Constraint: pgErr.ConstraintName}, true
		case pgExclusionViolation:
			return constraintViolation{Kind: constraintExclusion, Constraint: pgErr.ConstraintName}, true
		}
		return constraintViolation{}, false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation:
			return constraintViolation{Kind: constraintUnique, Constraint: pqErr.Constraint}, true
		case pgExclusionViolation:
			return constraintViolation{Kind: constraintExclusion, Constraint: pqErr.Constraint}, true
		}
	}

	return constraintViolation{}, false
}
