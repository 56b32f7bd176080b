// Package report produces per-operator monthly statistics: quantities of
// observed subscribers and devices plus a compliance breakdown against the
// configured classification conditions.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/olekukonko/tablewriter"

	"github.com/dirbs/dirbs-core/internal/config"
	"github.com/dirbs/dirbs-core/internal/metadata"
)

type Reporter struct {
	Pool       *pgxpool.Pool
	Metadata   *metadata.Store
	Log        *slog.Logger
	Operators  []config.Operator
	Conditions []config.Condition
}

type ConditionCount struct {
	Condition string `json:"condition"`
	Blocking  bool   `json:"blocking"`
	NumIMEIs  int64  `json:"num_imeis"`
}

type OperatorReport struct {
	OperatorID     string           `json:"operator_id"`
	OperatorName   string           `json:"operator_name"`
	Year           int              `json:"year"`
	Month          int              `json:"month"`
	NumTriplets    int64            `json:"num_triplets"`
	NumIMEIs       int64            `json:"num_imeis"`
	NumIMSIs       int64            `json:"num_imsis"`
	NumMSISDNs     int64            `json:"num_msisdns"`
	NumGrossAdds   int64            `json:"num_gross_adds"`
	ConditionStats []ConditionCount `json:"condition_stats"`
}

type Report struct {
	Year        int              `json:"year"`
	Month       int              `json:"month"`
	GeneratedAt time.Time        `json:"generated_at"`
	Operators   []OperatorReport `json:"operators"`
}

// Run gathers statistics for the given month and writes one JSON file per
// operator plus a combined report under outDir.
func (r *Reporter) Run(ctx context.Context, runID int64, year, month int, outDir string) (*Report, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}

	rep := &Report{Year: year, Month: month, GeneratedAt: time.Now().UTC()}
	for _, op := range r.Operators {
		or, err := r.operatorReport(ctx, op, year, month)
		if err != nil {
			return nil, fmt.Errorf("failed to build report for %s: %w", op.ID, err)
		}
		rep.Operators = append(rep.Operators, *or)

		name := fmt.Sprintf("report_%s_%d_%02d.json", op.ID, year, month)
		if err := writeJSON(filepath.Join(outDir, name), or); err != nil {
			return nil, err
		}
	}

	combined := fmt.Sprintf("report_country_%d_%02d.json", year, month)
	if err := writeJSON(filepath.Join(outDir, combined), rep); err != nil {
		return nil, err
	}

	err := r.Metadata.Annotate(ctx, runID, map[string]any{
		"year": year, "month": month,
		"output_dir": outDir,
		"operators":  len(rep.Operators),
	})
	return rep, err
}

func (r *Reporter) operatorReport(ctx context.Context, op config.Operator, year, month int) (*OperatorReport, error) {
	or := &OperatorReport{OperatorID: op.ID, OperatorName: op.Name, Year: year, Month: month}

	err := r.Pool.QueryRow(ctx, `
		SELECT count(*),
		       count(DISTINCT imei_norm),
		       count(DISTINCT imsi),
		       count(DISTINCT msisdn)
		FROM monthly_network_triplets_per_mno
		WHERE operator_id = $1 AND triplet_year = $2 AND triplet_month = $3`,
		op.ID, year, month).Scan(&or.NumTriplets, &or.NumIMEIs, &or.NumIMSIs, &or.NumMSISDNs)
	if err != nil {
		return nil, err
	}

	// Gross adds are IMEIs whose very first sighting on this operator falls
	// inside the report month.
	monthStart := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	err = r.Pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT imei_norm
			FROM monthly_network_triplets_per_mno
			WHERE operator_id = $1
			GROUP BY imei_norm
			HAVING min(first_seen) >= $2 AND min(first_seen) < $3
		) t`, op.ID, monthStart, monthEnd).Scan(&or.NumGrossAdds)
	if err != nil {
		return nil, err
	}

	for _, cond := range r.Conditions {
		var n int64
		err := r.Pool.QueryRow(ctx, `
			SELECT count(DISTINCT t.imei_norm)
			FROM monthly_network_triplets_per_mno t
			JOIN classification_state cs
			  ON cs.virt_imei_shard = t.virt_imei_shard
			 AND cs.imei_norm = t.imei_norm
			WHERE t.operator_id = $1 AND t.triplet_year = $2 AND t.triplet_month = $3
			  AND cs.cond_name = $4 AND cs.end_date IS NULL`,
			op.ID, year, month, cond.Label).Scan(&n)
		if err != nil {
			return nil, err
		}
		or.ConditionStats = append(or.ConditionStats, ConditionCount{
			Condition: cond.Label,
			Blocking:  cond.Blocking,
			NumIMEIs:  n,
		})
	}
	return or, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// PrintSummary renders a one-row-per-operator summary table.
func (r *Report) PrintSummary(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{"Operator", "Triplets", "IMEIs", "IMSIs", "MSISDNs", "Gross Adds", "Blocking Matches"})
	for _, op := range r.Operators {
		var blocking int64
		for _, cs := range op.ConditionStats {
			if cs.Blocking {
				blocking += cs.NumIMEIs
			}
		}
		table.Append([]string{
			op.OperatorID,
			strconv.FormatInt(op.NumTriplets, 10),
			strconv.FormatInt(op.NumIMEIs, 10),
			strconv.FormatInt(op.NumIMSIs, 10),
			strconv.FormatInt(op.NumMSISDNs, 10),
			strconv.FormatInt(op.NumGrossAdds, 10),
			strconv.FormatInt(blocking, 10),
		})
	}
	table.Render()
}
