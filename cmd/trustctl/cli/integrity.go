package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/odyssey-erp/trustcore/internal/audit"
)

// ExitViolations is returned when a scan finds invalid signatures.
const ExitViolations = 10

// IntegrityChecker runs a signature scan.
type IntegrityChecker interface {
	PerformIntegrityCheck(ctx context.Context, opts audit.CheckOptions) (audit.IntegrityReport, error)
}

// IntegrityCLI runs integrity checks in-process, bypassing the queue.
type IntegrityCLI struct {
	checker IntegrityChecker
}

// NewIntegrityCLI constructs the helper.
func NewIntegrityCLI(checker IntegrityChecker) (*IntegrityCLI, error) {
	if checker == nil {
		return nil, errors.New("integrity cli: checker required")
	}
	return &IntegrityCLI{checker: checker}, nil
}

// CheckCommand scans the audit log and prints the report. It exits with
// ExitViolations when any record fails verification and 2 when the scan was
// incomplete.
func (c *IntegrityCLI) CheckCommand(ctx context.Context, opts audit.CheckOptions, out Output) int {
	out = out.withDefaults()
	report, err := c.checker.PerformIntegrityCheck(ctx, opts)
	if err != nil {
		_, _ = fmt.Fprintln(out.Stderr, "integrity:", err)
		return 1
	}
	code := 0
	switch {
	case report.InvalidRecords > 0:
		code = ExitViolations
	case report.Status != audit.ReportCompleted:
		code = 2
	}
	if out.JSON {
		if rc := out.writeJSON(report); rc != 0 {
			return rc
		}
		return code
	}
	_, _ = fmt.Fprintf(out.Stdout, "report %s: %s\n", report.ID, report.Status)
	_, _ = fmt.Fprintf(out.Stdout, "checked=%d valid=%d invalid=%d missing=%d (%.2fs)\n",
		report.TotalChecked, report.ValidRecords, report.InvalidRecords, report.MissingSignatures, report.ExecutionTime)
	for _, id := range report.CorruptedRecords {
		_, _ = fmt.Fprintf(out.Stdout, "corrupted: %d\n", id)
	}
	return code
}
