package db

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	pgDup := &pgconn.PgError{
		Code:           "23505",
		Message:        `duplicate key value violates unique constraint "tickets_ticket_number_key"`,
		ConstraintName: "tickets_ticket_number_key",
	}

	if !IsUniqueViolation(pgDup, "") {
		t.Fatalf("expected pg 23505 to match")
	}
	if !IsUniqueViolation(pgDup, "tickets_ticket_number_key") {
		t.Fatalf("expected constraint-qualified match")
	}
	if IsUniqueViolation(pgDup, "other_constraint") {
		t.Fatalf("unexpected match for unrelated constraint")
	}

	pgOther := &pgconn.PgError{Code: "53300"}
	if IsUniqueViolation(pgOther, "") {
		t.Fatalf("non-23505 pg errors must not match")
	}

	sqliteDup := errors.New("UNIQUE constraint failed: tickets.ticket_number")
	if !IsUniqueViolation(sqliteDup, "") {
		t.Fatalf("expected sqlite message fallback to match")
	}

	if IsUniqueViolation(nil, "") {
		t.Fatalf("nil must not match")
	}
	if IsUniqueViolation(errors.New("connection refused"), "") {
		t.Fatalf("unrelated errors must not match")
	}
}
