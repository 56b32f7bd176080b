package importer

import (
	"fmt"
	"regexp"
	"strings"
)

// Column describes one CSV column of an import schema. A nil Pattern accepts
// anything; Nullable permits the empty string, otherwise an empty cell is a
// violation.
type Column struct {
	Name     string
	Pattern  *regexp.Regexp
	Nullable bool
}

// Schema describes the expected shape of an importer's CSV: the ordered
// column set, the field delimiter (GSMA uses '|') and whether extra columns
// beyond the declared set are tolerated (collected by the importer, GSMA
// optional fields).
type Schema struct {
	Columns      []Column
	Delimiter    rune
	ExtraColumns bool
}

// Shared column patterns. IMEIs must not contain whitespace; change_type
// values are lowercase only.
var (
	imeiPattern       = regexp.MustCompile(`^[0-9A-Fa-f*#]{1,16}$`)
	imsiPattern       = regexp.MustCompile(`^[0-9]{1,15}$`)
	msisdnPattern     = regexp.MustCompile(`^[0-9]{1,15}$`)
	tacPattern        = regexp.MustCompile(`^[0-9]{8}$`)
	uidPattern        = regexp.MustCompile(`^[0-9A-Za-z_\-]{1,20}$`)
	compactDate       = regexp.MustCompile(`^[0-9]{8}$`)
	ratPattern        = regexp.MustCompile(`^[0-9]{3}(\|[0-9]{3})*$`)
	changeTypePattern = regexp.MustCompile(`^(add|remove|update)$`)
)

// WithChangeType returns the delta form of the schema: the same columns plus
// a trailing change_type column restricted to add|remove|update.
func (s Schema) WithChangeType() Schema {
	cols := make([]Column, 0, len(s.Columns)+1)
	cols = append(cols, s.Columns...)
	cols = append(cols, Column{Name: "change_type", Pattern: changeTypePattern})
	return Schema{Columns: cols, Delimiter: s.Delimiter, ExtraColumns: s.ExtraColumns}
}

// ColumnNames returns the declared column names in order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

func (s Schema) delimiter() rune {
	if s.Delimiter == 0 {
		return ','
	}
	return s.Delimiter
}

// CheckHeader validates the header row against the schema. Matching is
// case-insensitive; declared columns must appear in order. When ExtraColumns
// is set, unknown trailing columns are returned so the importer can collect
// them; otherwise they are a violation.
func (s Schema) CheckHeader(header []string) (extra []string, err error) {
	if len(header) < len(s.Columns) {
		return nil, fmt.Errorf("expected at least %d columns %v, got %d",
			len(s.Columns), s.ColumnNames(), len(header))
	}
	for i, col := range s.Columns {
		if !strings.EqualFold(strings.TrimSpace(header[i]), col.Name) {
			return nil, fmt.Errorf("column %d: expected %q, got %q", i+1, col.Name, header[i])
		}
	}
	if len(header) > len(s.Columns) {
		if !s.ExtraColumns {
			return nil, fmt.Errorf("unexpected extra columns %v", header[len(s.Columns):])
		}
		for _, h := range header[len(s.Columns):] {
			extra = append(extra, strings.TrimSpace(h))
		}
	}
	return extra, nil
}

// CheckRecord validates one data row against the per-column patterns. line is
// used for error reporting only.
func (s Schema) CheckRecord(record []string, line int) error {
	if len(record) < len(s.Columns) {
		return fmt.Errorf("line %d: expected %d fields, got %d", line, len(s.Columns), len(record))
	}
	for i, col := range s.Columns {
		v := record[i]
		if v == "" {
			if col.Nullable {
				continue
			}
			return fmt.Errorf("line %d: column %s must not be empty", line, col.Name)
		}
		if col.Pattern != nil && !col.Pattern.MatchString(v) {
			return fmt.Errorf("line %d: column %s value %q does not match %s", line, col.Name, v, col.Pattern)
		}
	}
	return nil
}
