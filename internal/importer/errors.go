package importer

import "fmt"

// PrevalidationError reports a zip, filename or schema violation found before
// any data touched the database. Fatal to the single import.
type PrevalidationError struct {
	File   string
	Reason string
	Line   int // 0 when not row-scoped
}

func (e *PrevalidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("pre-validation failed for %s at line %d: %s", e.File, e.Line, e.Reason)
	}
	return fmt.Sprintf("pre-validation failed for %s: %s", e.File, e.Reason)
}

func prevalErr(file, format string, args ...any) *PrevalidationError {
	return &PrevalidationError{File: file, Reason: fmt.Sprintf(format, args...)}
}

// ThresholdError reports a row-invariant, historic-size or delta-sanity
// breach. Fatal to the single import; nothing has been written to the
// historic table when it is raised.
type ThresholdError struct {
	ListType string
	Check    string
	Reason   string
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("threshold check %s failed for %s import: %s", e.Check, e.ListType, e.Reason)
}

func thresholdErr(listType, check, format string, args ...any) *ThresholdError {
	return &ThresholdError{ListType: listType, Check: check, Reason: fmt.Sprintf(format, args...)}
}
