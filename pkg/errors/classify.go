package errors

import (
	"context"
	stdErrors "errors"
	"net"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

// Classify maps an opaque error onto the taxonomy. Typed errors keep their
// code; everything else is resolved by error kind first, then by message
// substring hints, defaulting to CodeUnknownError.
func Classify(err error) Code {
	if err == nil {
		return CodeUnknownError
	}
	if typed := As(err); typed != nil {
		return typed.Code()
	}

	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, os.ErrDeadlineExceeded) {
		return CodeTimeoutError
	}

	var pgxErr *pgconn.PgError
	if stdErrors.As(err, &pgxErr) {
		if pgxErr.Code == pgUniqueViolation {
			return CodeDuplicateTicket
		}
		return CodeDatabaseError
	}
	var pqErr *pq.Error
	if stdErrors.As(err, &pqErr) {
		if string(pqErr.Code) == pgUniqueViolation {
			return CodeDuplicateTicket
		}
		return CodeDatabaseError
	}

	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeoutError
		}
		return CodeKafkaBrokerUnavailable
	}

	return classifyByMessage(err.Error())
}

func classifyByMessage(message string) Code {
	lowered := strings.ToLower(message)
	switch {
	case strings.Contains(lowered, "duplicate"):
		return CodeDuplicateTicket
	case strings.Contains(lowered, "broker"):
		return CodeKafkaBrokerUnavailable
	case strings.Contains(lowered, "redis"):
		return CodeRedisError
	case strings.Contains(lowered, "timeout"), strings.Contains(lowered, "deadline"):
		return CodeTimeoutError
	case strings.Contains(lowered, "invalid"):
		return CodeInvalidRowData
	default:
		return CodeUnknownError
	}
}
