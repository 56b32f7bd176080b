package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Date is a civil date carried in config files and CLI flags. YAML accepts
// the compact 20170101 form (quoted or bare) or 2017-01-01.
type Date struct {
	time.Time
}

// ParseDate parses a YYYYMMDD date as used by --curr-date style flags.
func ParseDate(s string) (Date, error) {
	t, err := time.ParseInLocation("20060102", s, time.UTC)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, want YYYYMMDD: %w", s, err)
	}
	return Date{t}, nil
}

func (d *Date) UnmarshalYAML(value *yaml.Node) error {
	s := value.Value
	if s == "" {
		return nil
	}
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("invalid date %q, want YYYYMMDD or YYYY-MM-DD", s)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format("20060102")
}
