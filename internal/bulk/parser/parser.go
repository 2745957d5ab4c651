// Package parser validates bulk ticket submissions and turns delimited
// files into ordered record lists ready for chunking.
package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/opsdesk/opsdesk-backend/internal/bulk"
	"github.com/opsdesk/opsdesk-backend/pkg/config"
	"github.com/opsdesk/opsdesk-backend/pkg/enums"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
)

// Column names after header normalization.
const (
	columnTicketNumber = "ticketnumber"
	columnTitle        = "title"
	columnCustomerID   = "customerid"
	columnDescription  = "description"
	columnStatus       = "status"
	columnPriority     = "priority"
	columnAssignedTo   = "assignedto"
)

const (
	maxBusinessKeyBytes = 50
	maxTitleBytes       = 255
	maxDescriptionBytes = 5000

	// Below this many row errors a submission is never bulk-rejected,
	// no matter how small the file is.
	minRowErrorsForReject = 10
)

var requiredColumns = []string{columnTicketNumber, columnTitle, columnCustomerID}

var allowedExtensions = map[string]bool{
	".csv": true,
	".txt": true,
}

// Parser turns delimited submissions into validated records.
type Parser struct {
	maxFileSize int64
	maxRecords  int
}

// New builds a parser bound to the bulk limits in cfg.
func New(cfg config.BulkConfig) *Parser {
	return &Parser{
		maxFileSize: cfg.MaxFileSizeBytes(),
		maxRecords:  cfg.MaxRecords,
	}
}

// Parse validates the submission and returns accepted records in input order
// together with a report of per-row problems. A returned error means the
// whole submission was rejected; per-row problems alone do not fail the parse
// unless they cross the bulk-reject threshold.
func (p *Parser) Parse(sub Submission) ([]bulk.Record, *Report, error) {
	if err := p.preflight(sub); err != nil {
		return nil, nil, err
	}

	counted := &countingReader{reader: io.LimitReader(sub.Reader, p.maxFileSize+1)}
	reader := csv.NewReader(counted)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	columns, err := readHeader(reader)
	if err != nil {
		return nil, nil, err
	}

	report := &Report{}
	records := make([]bulk.Record, 0, 64)
	seen := make(map[string]int)

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInvalidFileFormat, err, "malformed delimited input")
		}
		report.RowsSeen++
		record, rowErrors, accepted := parseRow(report.RowsSeen, row, columns, seen)
		report.RowErrors = append(report.RowErrors, rowErrors...)
		if accepted {
			seen[record.BusinessKey] = report.RowsSeen
			records = append(records, record)
		}
	}

	if counted.read > p.maxFileSize {
		return nil, nil, pkgerrors.New(pkgerrors.CodeInvalidFileFormat, "file exceeds the configured size limit")
	}
	threshold := math.Max(minRowErrorsForReject, 0.5*float64(report.RowsSeen))
	if float64(len(report.RowErrors)) > threshold {
		return nil, nil, pkgerrors.New(pkgerrors.CodeInvalidFileFormat,
			fmt.Sprintf("%d of %d rows are invalid", len(report.RowErrors), report.RowsSeen)).WithDetails(report)
	}
	if len(records) > p.maxRecords {
		return nil, nil, pkgerrors.New(pkgerrors.CodeBatchSizeExceeded,
			fmt.Sprintf("submission has %d records, limit is %d", len(records), p.maxRecords))
	}

	report.Accepted = len(records)
	return records, report, nil
}

func (p *Parser) preflight(sub Submission) error {
	if sub.Reader == nil {
		return pkgerrors.New(pkgerrors.CodeNullRequest, "submission stream is required")
	}
	if sub.Size == 0 {
		return pkgerrors.New(pkgerrors.CodeEmptyFile, "submitted file is empty")
	}
	if sub.Size > p.maxFileSize {
		return pkgerrors.New(pkgerrors.CodeInvalidFileFormat,
			fmt.Sprintf("file exceeds the %d byte limit", p.maxFileSize))
	}
	if ext := strings.ToLower(filepath.Ext(sub.Filename)); !allowedExtensions[ext] {
		return pkgerrors.New(pkgerrors.CodeInvalidFileFormat,
			fmt.Sprintf("unsupported file extension %q", ext))
	}
	return nil
}

func readHeader(reader *csv.Reader) (map[string]int, error) {
	header, err := reader.Read()
	if err == io.EOF {
		return nil, pkgerrors.New(pkgerrors.CodeEmptyFile, "submitted file has no header row")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidFileFormat, err, "unreadable header row")
	}

	columns := make(map[string]int, len(header))
	for idx, name := range header {
		if idx == 0 {
			name = strings.TrimPrefix(name, "\uFEFF")
		}
		normalized := normalizeHeader(name)
		if normalized == "" {
			continue
		}
		if _, exists := columns[normalized]; !exists {
			columns[normalized] = idx
		}
	}

	var missing []string
	for _, required := range requiredColumns {
		if _, ok := columns[required]; !ok {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeMissingRequiredColumns,
			fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", "))).WithDetails(missing)
	}
	return columns, nil
}

// parseRow applies the per-column rules to one data row. Errors on optional
// enum columns leave the row accepted with the default value; errors on
// required columns reject the row. Both kinds land in the returned list.
func parseRow(rowNum int, row []string, columns map[string]int, seen map[string]int) (bulk.Record, []RowError, bool) {
	cell := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	var rowErrors []RowError
	reject := false

	businessKey := cell(columnTicketNumber)
	switch {
	case businessKey == "":
		rowErrors = append(rowErrors, newRowError(rowNum, columnTicketNumber, pkgerrors.CodeMissingTicketNumber, "ticket number is required"))
		reject = true
	case len(businessKey) > maxBusinessKeyBytes:
		rowErrors = append(rowErrors, newRowError(rowNum, columnTicketNumber, pkgerrors.CodeInvalidRowData,
			fmt.Sprintf("ticket number exceeds %d bytes", maxBusinessKeyBytes)))
		reject = true
	default:
		if firstRow, duplicate := seen[businessKey]; duplicate {
			rowErrors = append(rowErrors, newRowError(rowNum, columnTicketNumber, pkgerrors.CodeDuplicateTicket,
				fmt.Sprintf("ticket number already used on row %d", firstRow)))
			reject = true
		}
	}

	title := cell(columnTitle)
	switch {
	case title == "":
		rowErrors = append(rowErrors, newRowError(rowNum, columnTitle, pkgerrors.CodeMissingTitle, "title is required"))
		reject = true
	case len(title) > maxTitleBytes:
		rowErrors = append(rowErrors, newRowError(rowNum, columnTitle, pkgerrors.CodeInvalidRowData,
			fmt.Sprintf("title exceeds %d bytes", maxTitleBytes)))
		reject = true
	}

	customerID, err := parsePositiveInt(cell(columnCustomerID))
	if err != nil {
		rowErrors = append(rowErrors, newRowError(rowNum, columnCustomerID, pkgerrors.CodeInvalidCustomerID, "customer id must be a positive integer"))
		reject = true
	}

	if reject {
		return bulk.Record{}, rowErrors, false
	}

	record := bulk.Record{
		BusinessKey: businessKey,
		Title:       title,
		CustomerID:  customerID,
		Status:      enums.TicketStatusOpen,
		Priority:    enums.TicketPriorityMedium,
	}

	if description := cell(columnDescription); description != "" {
		truncated := truncateBytes(description, maxDescriptionBytes)
		record.Description = &truncated
	}
	if raw := cell(columnStatus); raw != "" {
		status, err := enums.ParseTicketStatus(raw)
		if err != nil {
			rowErrors = append(rowErrors, newRowError(rowNum, columnStatus, pkgerrors.CodeInvalidRowData,
				fmt.Sprintf("unknown status %q, using %s", raw, enums.TicketStatusOpen)))
		} else {
			record.Status = status
		}
	}
	if raw := cell(columnPriority); raw != "" {
		priority, err := enums.ParseTicketPriority(raw)
		if err != nil {
			rowErrors = append(rowErrors, newRowError(rowNum, columnPriority, pkgerrors.CodeInvalidRowData,
				fmt.Sprintf("unknown priority %q, using %s", raw, enums.TicketPriorityMedium)))
		} else {
			record.Priority = priority
		}
	}
	if raw := cell(columnAssignedTo); raw != "" {
		if assignee, err := parsePositiveInt(raw); err == nil {
			record.AssigneeID = &assignee
		}
	}

	return record, rowErrors, true
}

func normalizeHeader(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, " ", "")
	return strings.ReplaceAll(normalized, "_", "")
}

func parsePositiveInt(raw string) (int64, error) {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, fmt.Errorf("value %d is not positive", value)
	}
	return value, nil
}

// truncateBytes cuts s to at most limit bytes without splitting a rune.
func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// countingReader tracks how many bytes were consumed so the parser can tell
// a truncated-by-limit stream apart from one that fit.
type countingReader struct {
	reader io.Reader
	read   int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	c.read += int64(n)
	return n, err
}
