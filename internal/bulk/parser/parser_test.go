package parser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/opsdesk/opsdesk-backend/pkg/config"
	"github.com/opsdesk/opsdesk-backend/pkg/enums"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
)

func testParser(t *testing.T, maxRecords int) *Parser {
	t.Helper()
	return New(config.BulkConfig{
		ChunkSize:      100,
		MaxRecords:     maxRecords,
		MaxFileSizeMiB: 1,
	})
}

func submit(name, body string) Submission {
	return Submission{Filename: name, Size: int64(len(body)), Reader: strings.NewReader(body)}
}

func TestParseHappyPath(t *testing.T) {
	body := "ticketnumber,title,customerid\n" +
		"TKT-001,Login broken,1001\n" +
		"TKT-002,Password reset,1002\n" +
		"TKT-003,Dashboard blank,1003\n"

	records, report, err := testParser(t, 10000).Parse(submit("tickets.csv", body))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if report.RowsSeen != 3 || report.Accepted != 3 || len(report.RowErrors) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if records[0].BusinessKey != "TKT-001" || records[2].BusinessKey != "TKT-003" {
		t.Fatal("records out of input order")
	}
	if records[0].Status != enums.TicketStatusOpen || records[0].Priority != enums.TicketPriorityMedium {
		t.Fatalf("defaults not applied: %+v", records[0])
	}
	if records[0].CustomerID != 1001 {
		t.Fatalf("customer id not parsed: %d", records[0].CustomerID)
	}
}

func TestParseHeaderNormalization(t *testing.T) {
	body := "\uFEFFTicket_Number, TITLE ,Customer ID,Assigned_To\n" +
		"TKT-001,Login broken,1001,42\n"

	records, _, err := testParser(t, 10000).Parse(submit("tickets.csv", body))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].AssigneeID == nil || *records[0].AssigneeID != 42 {
		t.Fatalf("assignee not parsed: %+v", records[0])
	}
}

func TestParsePreflightFailures(t *testing.T) {
	parser := testParser(t, 10000)
	cases := []struct {
		name string
		sub  Submission
		code pkgerrors.Code
	}{
		{name: "empty file", sub: Submission{Filename: "t.csv", Size: 0, Reader: strings.NewReader("")}, code: pkgerrors.CodeEmptyFile},
		{name: "nil stream", sub: Submission{Filename: "t.csv", Size: 10}, code: pkgerrors.CodeNullRequest},
		{name: "bad extension", sub: submit("tickets.xlsx", "ticketnumber,title,customerid\n"), code: pkgerrors.CodeInvalidFileFormat},
		{name: "oversize", sub: Submission{Filename: "t.csv", Size: 2 << 20, Reader: strings.NewReader("x")}, code: pkgerrors.CodeInvalidFileFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := parser.Parse(tc.sub)
			if err == nil {
				t.Fatal("expected parse failure")
			}
			if got := pkgerrors.CodeOf(err); got != tc.code {
				t.Fatalf("expected %s, got %s (%v)", tc.code, got, err)
			}
		})
	}
}

func TestParseMissingRequiredColumns(t *testing.T) {
	body := "ticketnumber,description\nTKT-001,hello\n"

	_, _, err := testParser(t, 10000).Parse(submit("tickets.csv", body))
	if err == nil {
		t.Fatal("expected missing column failure")
	}
	typed := pkgerrors.As(err)
	if typed.Code() != pkgerrors.CodeMissingRequiredColumns {
		t.Fatalf("expected %s, got %s", pkgerrors.CodeMissingRequiredColumns, typed.Code())
	}
	for _, column := range []string{"title", "customerid"} {
		if !strings.Contains(typed.Message(), column) {
			t.Fatalf("composite message should list %q: %s", column, typed.Message())
		}
	}
}

func TestParseDropsInvalidRowsBelowThreshold(t *testing.T) {
	body := "ticketnumber,title,customerid\n" +
		"TKT-001,Login broken,1001\n" +
		"TKT-002,Password reset,abc\n" +
		"TKT-003,Dashboard blank,1003\n"

	records, report, err := testParser(t, 10000).Parse(submit("tickets.csv", body))
	if err != nil {
		t.Fatalf("expected parse to succeed with dropped row, got %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 accepted records, got %d", len(records))
	}
	if report.RowsSeen != 3 || report.Accepted != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.RowErrors) != 1 {
		t.Fatalf("expected 1 row error, got %d", len(report.RowErrors))
	}
	rowErr := report.RowErrors[0]
	if rowErr.Row != 2 || rowErr.Code != pkgerrors.CodeInvalidCustomerID || rowErr.Column != columnCustomerID {
		t.Fatalf("unexpected row error %+v", rowErr)
	}
}

func TestParseRowRules(t *testing.T) {
	longTitle := strings.Repeat("t", maxTitleBytes+1)
	longKey := strings.Repeat("k", maxBusinessKeyBytes+1)
	body := "ticketnumber,title,customerid\n" +
		",No ticket,1001\n" +
		"TKT-002,,1002\n" +
		fmt.Sprintf("TKT-003,%s,1003\n", longTitle) +
		fmt.Sprintf("%s,Long key,1004\n", longKey) +
		"TKT-005,Negative customer,-6\n" +
		"TKT-006,Valid row,1006\n" +
		"TKT-006,Duplicate key,1007\n"

	records, report, err := testParser(t, 10000).Parse(submit("tickets.csv", body))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(records) != 1 || records[0].BusinessKey != "TKT-006" {
		t.Fatalf("expected only TKT-006 to survive, got %+v", records)
	}

	wantCodes := map[int]pkgerrors.Code{
		1: pkgerrors.CodeMissingTicketNumber,
		2: pkgerrors.CodeMissingTitle,
		3: pkgerrors.CodeInvalidRowData,
		4: pkgerrors.CodeInvalidRowData,
		5: pkgerrors.CodeInvalidCustomerID,
		7: pkgerrors.CodeDuplicateTicket,
	}
	if len(report.RowErrors) != len(wantCodes) {
		t.Fatalf("expected %d row errors, got %+v", len(wantCodes), report.RowErrors)
	}
	for _, rowErr := range report.RowErrors {
		want, ok := wantCodes[rowErr.Row]
		if !ok {
			t.Fatalf("unexpected error on row %d: %+v", rowErr.Row, rowErr)
		}
		if rowErr.Code != want {
			t.Fatalf("row %d expected %s, got %s", rowErr.Row, want, rowErr.Code)
		}
	}
}

func TestParseEnumDefaultsWithRowError(t *testing.T) {
	body := "ticketnumber,title,customerid,status,priority\n" +
		"TKT-001,Valid explicit,1001,in_progress,high\n" +
		"TKT-002,Unknown enums,1002,FROZEN,EXTREME\n"

	records, report, err := testParser(t, 10000).Parse(submit("tickets.csv", body))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Status != enums.TicketStatusInProgress || records[0].Priority != enums.TicketPriorityHigh {
		t.Fatalf("explicit enums not parsed: %+v", records[0])
	}
	if records[1].Status != enums.TicketStatusOpen || records[1].Priority != enums.TicketPriorityMedium {
		t.Fatalf("unknown enums should fall back to defaults: %+v", records[1])
	}
	if len(report.RowErrors) != 2 {
		t.Fatalf("expected 2 logged row errors for defaulted enums, got %+v", report.RowErrors)
	}
	for _, rowErr := range report.RowErrors {
		if rowErr.Row != 2 || rowErr.Code != pkgerrors.CodeInvalidRowData {
			t.Fatalf("unexpected row error %+v", rowErr)
		}
	}
}

func TestParseDescriptionTruncation(t *testing.T) {
	longDescription := strings.Repeat("d", maxDescriptionBytes+100)
	body := "ticketnumber,title,customerid,description\n" +
		fmt.Sprintf("TKT-001,Long description,1001,%s\n", longDescription)

	records, report, err := testParser(t, 10000).Parse(submit("tickets.csv", body))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(report.RowErrors) != 0 {
		t.Fatalf("truncation must be silent, got %+v", report.RowErrors)
	}
	if records[0].Description == nil || len(*records[0].Description) != maxDescriptionBytes {
		t.Fatalf("description not truncated to %d bytes", maxDescriptionBytes)
	}
}

func TestParseInvalidAssigneeDropped(t *testing.T) {
	body := "ticketnumber,title,customerid,assignedto\n" +
		"TKT-001,Bad assignee,1001,not-a-number\n" +
		"TKT-002,Zero assignee,1002,0\n"

	records, report, err := testParser(t, 10000).Parse(submit("tickets.csv", body))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(report.RowErrors) != 0 {
		t.Fatalf("invalid assignee should be dropped silently, got %+v", report.RowErrors)
	}
	for _, record := range records {
		if record.AssigneeID != nil {
			t.Fatalf("expected assignee dropped on %s", record.BusinessKey)
		}
	}
}

func TestParseBulkReject(t *testing.T) {
	var builder strings.Builder
	builder.WriteString("ticketnumber,title,customerid\n")
	for i := 0; i < 11; i++ {
		builder.WriteString(fmt.Sprintf(",missing key %d,%d\n", i, 1000+i))
	}
	builder.WriteString("TKT-OK,Valid row,2000\n")

	_, _, err := testParser(t, 10000).Parse(submit("tickets.csv", builder.String()))
	if err == nil {
		t.Fatal("expected bulk reject")
	}
	if got := pkgerrors.CodeOf(err); got != pkgerrors.CodeInvalidFileFormat {
		t.Fatalf("expected %s, got %s", pkgerrors.CodeInvalidFileFormat, got)
	}
}

func TestParseBulkRejectThresholdNotCrossed(t *testing.T) {
	// 10 errors in 20 rows sits exactly at max(10, 0.5*20) and must pass.
	var builder strings.Builder
	builder.WriteString("ticketnumber,title,customerid\n")
	for i := 0; i < 10; i++ {
		builder.WriteString(fmt.Sprintf(",missing key %d,%d\n", i, 1000+i))
	}
	for i := 0; i < 10; i++ {
		builder.WriteString(fmt.Sprintf("TKT-%03d,Valid row,%d\n", i, 2000+i))
	}

	records, report, err := testParser(t, 10000).Parse(submit("tickets.csv", builder.String()))
	if err != nil {
		t.Fatalf("threshold boundary must not reject: %v", err)
	}
	if len(records) != 10 || report.RowsSeen != 20 {
		t.Fatalf("unexpected outcome records=%d report=%+v", len(records), report)
	}
}

func TestParseBatchSizeExceeded(t *testing.T) {
	build := func(rows int) string {
		var builder strings.Builder
		builder.WriteString("ticketnumber,title,customerid\n")
		for i := 0; i < rows; i++ {
			builder.WriteString(fmt.Sprintf("TKT-%04d,Row %d,%d\n", i, i, 1000+i))
		}
		return builder.String()
	}

	parser := testParser(t, 5)
	if _, _, err := parser.Parse(submit("tickets.csv", build(5))); err != nil {
		t.Fatalf("exactly the limit must pass: %v", err)
	}
	_, _, err := parser.Parse(submit("tickets.csv", build(6)))
	if err == nil {
		t.Fatal("expected batch size failure")
	}
	if got := pkgerrors.CodeOf(err); got != pkgerrors.CodeBatchSizeExceeded {
		t.Fatalf("expected %s, got %s", pkgerrors.CodeBatchSizeExceeded, got)
	}
}

func TestParseHeaderOnlyFile(t *testing.T) {
	records, report, err := testParser(t, 10000).Parse(submit("tickets.csv", "ticketnumber,title,customerid\n"))
	if err != nil {
		t.Fatalf("header-only file parses to zero records, got %v", err)
	}
	if len(records) != 0 || report.RowsSeen != 0 {
		t.Fatalf("unexpected outcome records=%d report=%+v", len(records), report)
	}
}

func TestParseTxtExtensionAccepted(t *testing.T) {
	body := "ticketnumber,title,customerid\nTKT-001,Login broken,1001\n"
	records, _, err := testParser(t, 10000).Parse(submit("tickets.TXT", body))
	if err != nil {
		t.Fatalf("txt files are accepted: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestTruncateBytesRespectsRuneBoundary(t *testing.T) {
	value := "héllo"
	truncated := truncateBytes(value, 2)
	if truncated != "h" {
		t.Fatalf("expected rune-safe cut, got %q", truncated)
	}
	if truncateBytes("plain", 10) != "plain" {
		t.Fatal("short strings must pass through unchanged")
	}
}
