package parser

import (
	"io"

	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
)

// Submission is the raw client input handed to the parser.
type Submission struct {
	Filename string
	Size     int64
	Reader   io.Reader
}

// RowError describes one problem found on a data row. Row numbers are
// 1-based and count data rows only, excluding the header.
type RowError struct {
	Row     int            `json:"row"`
	Column  string         `json:"column,omitempty"`
	Code    pkgerrors.Code `json:"errorCode"`
	Message string         `json:"message"`
}

// Report summarises one parse run. RowErrors covers both rejected rows and
// rows accepted with defaulted values.
type Report struct {
	RowsSeen  int        `json:"rowsSeen"`
	Accepted  int        `json:"accepted"`
	RowErrors []RowError `json:"rowErrors,omitempty"`
}

func newRowError(row int, column string, code pkgerrors.Code, message string) RowError {
	return RowError{Row: row, Column: column, Code: code, Message: message}
}
