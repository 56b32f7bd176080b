package importer

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Spec declares everything the pipeline needs to know about one list type:
// its CSV schema, the staging shape, the primary key and payload of the
// historic table, and the hooks that run around the delta apply. Specs are
// static; the set of importable lists is closed at build time.
type Spec struct {
	// ListType names the list in CLI arguments, metrics and advisory locks,
	// e.g. "stolen_list".
	ListType string
	// HistoricTable is the authoritative SCD-2 table written by the applier.
	HistoricTable string
	// PKColumns identify a logical row; they exist in both staging and
	// historic. For IMEI-keyed lists the key is the normalized form.
	PKColumns []string
	// PayloadColumns are the non-key columns versioned by the applier. May be
	// empty (pairing, golden).
	PayloadColumns []string
	// Sharded reports whether the historic table carries virt_imei_shard.
	Sharded bool
	// Schema is the full-snapshot CSV schema; the delta schema is derived by
	// appending change_type.
	Schema Schema
	// StagingDDL lists the staging column definitions, excluding change_type
	// which the loader appends for delta imports.
	StagingDDL []string
	// CopyColumns are the staging columns populated from the CSV, in the
	// order MapRow produces values.
	CopyColumns []string
	// MapRow converts one validated CSV record into staging values. extra
	// carries the header names of any trailing columns beyond the schema
	// (GSMA optional fields). The default maps the schema columns verbatim
	// with empty strings as NULL.
	MapRow func(record, extra []string) ([]any, error)
	// PostCopySQL runs once after all batches are loaded; %s is replaced by
	// the staging table name. Used to fill imei_norm and virt_imei_shard from
	// the authoritative SQL functions.
	PostCopySQL []string
	// RefreshSQL runs after a successful apply, outside the apply
	// transaction (materialized view refreshes).
	RefreshSQL []string
}

// DeltaSchema returns the schema of the delta form of this list.
func (s *Spec) DeltaSchema() Schema { return s.Schema.WithChangeType() }

func (s *Spec) mapRow(record, extra []string) ([]any, error) {
	if s.MapRow != nil {
		return s.MapRow(record, extra)
	}
	vals := make([]any, len(s.Schema.Columns))
	for i := range s.Schema.Columns {
		vals[i] = nullable(record[i])
	}
	return vals, nil
}

// normalizeIMEISQL fills the derived IMEI columns of a staging table from the
// database-side functions, keeping the SQL definitions authoritative.
const normalizeIMEISQL = `UPDATE %s SET imei_norm = normalize_imei(imei),
	virt_imei_shard = calc_virt_imei_shard(normalize_imei(imei))`

func identityIMEISpec(listType, table string) *Spec {
	return &Spec{
		ListType:      listType,
		HistoricTable: table,
		PKColumns:     []string{"imei_norm"},
		Sharded:       true,
		Schema: Schema{Columns: []Column{
			{Name: "imei", Pattern: imeiPattern},
		}},
		StagingDDL:  []string{"imei TEXT NOT NULL", "imei_norm TEXT", "virt_imei_shard SMALLINT"},
		CopyColumns: []string{"imei"},
		PostCopySQL: []string{normalizeIMEISQL},
	}
}

// Specs returns the registry of SCD-2 list importers keyed by list type.
// Operator data is not here; it has its own non-versioned pipeline.
func Specs() map[string]*Spec {
	specs := []*Spec{
		stolenSpec(),
		registrationSpec(),
		pairingSpec(),
		identityIMEISpec("golden_list", "historic_golden_list"),
		identityIMEISpec("barred_list", "historic_barred_list"),
		identityIMEISpec("whitelist", "historic_whitelist"),
		barredTacSpec(),
		subscribersSpec(),
		deviceAssociationSpec(),
		gsmaSpec(),
	}
	m := make(map[string]*Spec, len(specs))
	for _, s := range specs {
		m[s.ListType] = s
	}
	return m
}

// ListTypes returns the importable list types in sorted order.
func ListTypes() []string {
	var names []string
	for name := range Specs() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stolenSpec() *Spec {
	return &Spec{
		ListType:       "stolen_list",
		HistoricTable:  "historic_stolen_list",
		PKColumns:      []string{"imei_norm"},
		PayloadColumns: []string{"reporting_date", "status"},
		Sharded:        true,
		Schema: Schema{Columns: []Column{
			{Name: "imei", Pattern: imeiPattern},
			{Name: "reporting_date", Pattern: compactDate, Nullable: true},
			{Name: "status", Nullable: true},
		}},
		StagingDDL: []string{
			"imei TEXT NOT NULL", "reporting_date DATE", "status TEXT",
			"imei_norm TEXT", "virt_imei_shard SMALLINT",
		},
		CopyColumns: []string{"imei", "reporting_date", "status"},
		MapRow: func(record, _ []string) ([]any, error) {
			date, err := parseDate(record[1])
			if err != nil {
				return nil, err
			}
			return []any{record[0], date, nullable(record[2])}, nil
		},
		PostCopySQL: []string{normalizeIMEISQL},
	}
}

func registrationSpec() *Spec {
	return &Spec{
		ListType:      "registration_list",
		HistoricTable: "historic_registration_list",
		PKColumns:     []string{"imei_norm"},
		PayloadColumns: []string{
			"make", "model", "model_number", "brand_name", "device_type",
			"radio_interface", "status",
		},
		Sharded: true,
		Schema: Schema{Columns: []Column{
			{Name: "approved_imei", Pattern: imeiPattern},
			{Name: "make", Nullable: true},
			{Name: "model", Nullable: true},
			{Name: "model_number", Nullable: true},
			{Name: "brand_name", Nullable: true},
			{Name: "device_type", Nullable: true},
			{Name: "radio_interface", Nullable: true},
			{Name: "status", Nullable: true},
		}},
		StagingDDL: []string{
			"imei TEXT NOT NULL", "make TEXT", "model TEXT", "model_number TEXT",
			"brand_name TEXT", "device_type TEXT", "radio_interface TEXT",
			"status TEXT", "imei_norm TEXT", "virt_imei_shard SMALLINT",
		},
		CopyColumns: []string{
			"imei", "make", "model", "model_number", "brand_name",
			"device_type", "radio_interface", "status",
		},
		PostCopySQL: []string{normalizeIMEISQL},
	}
}

func pairingSpec() *Spec {
	return &Spec{
		ListType:      "pairing_list",
		HistoricTable: "historic_pairing_list",
		PKColumns:     []string{"imei_norm", "imsi"},
		Sharded:       true,
		Schema: Schema{Columns: []Column{
			{Name: "imei", Pattern: imeiPattern},
			{Name: "imsi", Pattern: imsiPattern},
		}},
		StagingDDL: []string{
			"imei TEXT NOT NULL", "imsi TEXT NOT NULL",
			"imei_norm TEXT", "virt_imei_shard SMALLINT",
		},
		CopyColumns: []string{"imei", "imsi"},
		PostCopySQL: []string{normalizeIMEISQL},
	}
}

func barredTacSpec() *Spec {
	return &Spec{
		ListType:      "barred_tac_list",
		HistoricTable: "historic_barred_tac_list",
		PKColumns:     []string{"tac"},
		Schema: Schema{Columns: []Column{
			{Name: "tac", Pattern: tacPattern},
		}},
		StagingDDL:  []string{"tac TEXT NOT NULL"},
		CopyColumns: []string{"tac"},
	}
}

func subscribersSpec() *Spec {
	return &Spec{
		ListType:      "subscribers_registration_list",
		HistoricTable: "historic_subscribers_registration_list",
		PKColumns:     []string{"uid", "imsi"},
		Schema: Schema{Columns: []Column{
			{Name: "uid", Pattern: uidPattern},
			{Name: "imsi", Pattern: imsiPattern},
		}},
		StagingDDL:  []string{"uid TEXT NOT NULL", "imsi TEXT NOT NULL"},
		CopyColumns: []string{"uid", "imsi"},
	}
}

func deviceAssociationSpec() *Spec {
	return &Spec{
		ListType:      "device_association_list",
		HistoricTable: "historic_device_association_list",
		PKColumns:     []string{"uid", "imei_norm"},
		Sharded:       true,
		Schema: Schema{Columns: []Column{
			{Name: "uid", Pattern: uidPattern},
			{Name: "imei", Pattern: imeiPattern},
		}},
		StagingDDL: []string{
			"uid TEXT NOT NULL", "imei TEXT NOT NULL",
			"imei_norm TEXT", "virt_imei_shard SMALLINT",
		},
		CopyColumns: []string{"uid", "imei"},
		PostCopySQL: []string{normalizeIMEISQL},
	}
}

func gsmaSpec() *Spec {
	return &Spec{
		ListType:      "gsma_tac",
		HistoricTable: "historic_gsma_data",
		PKColumns:     []string{"tac"},
		PayloadColumns: []string{
			"manufacturer", "model_name", "bands", "allocation_date",
			"device_type", "rat_bitmask", "optional_fields",
		},
		Schema: Schema{
			Delimiter:    '|',
			ExtraColumns: true,
			Columns: []Column{
				{Name: "tac", Pattern: tacPattern},
				{Name: "manufacturer", Nullable: true},
				{Name: "model_name", Nullable: true},
				{Name: "bands", Nullable: true},
				{Name: "allocation_date", Nullable: true},
				{Name: "device_type", Nullable: true},
			},
		},
		StagingDDL: []string{
			"tac TEXT NOT NULL", "manufacturer TEXT", "model_name TEXT",
			"bands TEXT", "allocation_date DATE", "device_type TEXT",
			"rat_bitmask INTEGER", "optional_fields JSONB",
		},
		CopyColumns: []string{
			"tac", "manufacturer", "model_name", "bands", "allocation_date",
			"device_type", "rat_bitmask", "optional_fields",
		},
		MapRow: func(record, extra []string) ([]any, error) {
			allocated, err := parseDate(record[4])
			if err != nil {
				return nil, err
			}
			var optional any
			if len(extra) > 0 {
				fields := make(map[string]string, len(extra))
				for i, name := range extra {
					if v := record[6+i]; v != "" {
						fields[name] = v
					}
				}
				b, err := json.Marshal(fields)
				if err != nil {
					return nil, fmt.Errorf("failed to encode optional fields: %w", err)
				}
				optional = string(b)
			}
			return []any{
				record[0], nullable(record[1]), nullable(record[2]), nullable(record[3]),
				allocated, nullable(record[5]), RatBitmaskFromBands(record[3]), optional,
			}, nil
		},
		RefreshSQL: []string{`REFRESH MATERIALIZED VIEW CONCURRENTLY gsma_data`},
	}
}
