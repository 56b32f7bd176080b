package listgen

import (
	"context"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// reasonsDelimiter joins condition reasons in CSV output. Config validation
// forbids it inside any reason string.
const reasonsDelimiter = "|"

type manifestFile struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
	MD5  string `json:"md5"`
}

type manifest struct {
	RunID     int64          `json:"run_id"`
	BaseRunID int64          `json:"base_run_id"`
	CurrDate  string         `json:"curr_date"`
	Files     []manifestFile `json:"files"`
}

// writeOutputs renders the committed list state into the per-run output
// directory: full CSVs, delta CSVs against the base run and the manifest.
func (g *Generator) writeOutputs(ctx context.Context, result *Result) error {
	dir := filepath.Join(g.OutputDir,
		fmt.Sprintf("listgen_%d_%s", result.RunID, g.CurrDate.Format("20060102")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	result.OutputDir = dir

	m := manifest{RunID: result.RunID, BaseRunID: result.BaseRunID, CurrDate: g.CurrDate.Format("20060102")}
	record := func(f manifestFile, err error) error {
		if err != nil {
			return err
		}
		m.Files = append(m.Files, f)
		return nil
	}

	deltaSuffix := fmt.Sprintf("delta_%d_%d", result.BaseRunID, result.RunID)
	if !g.NoFullLists {
		if err := record(g.writeBlacklist(ctx, dir, "blacklist.csv", false, result.BaseRunID)); err != nil {
			return err
		}
	}
	if err := record(g.writeBlacklist(ctx, dir, "blacklist_"+deltaSuffix+".csv", true, result.BaseRunID)); err != nil {
		return err
	}

	for _, op := range g.Operators {
		if !g.NoFullLists {
			if err := record(g.writeNotifications(ctx, dir,
				fmt.Sprintf("notifications_%s.csv", op.ID), op.ID, false, result.BaseRunID)); err != nil {
				return err
			}
			if err := record(g.writeExceptions(ctx, dir,
				fmt.Sprintf("exceptions_%s.csv", op.ID), op.ID, false, result.BaseRunID)); err != nil {
				return err
			}
		}
		if err := record(g.writeNotifications(ctx, dir,
			fmt.Sprintf("notifications_%s_%s.csv", op.ID, deltaSuffix), op.ID, true, result.BaseRunID)); err != nil {
			return err
		}
		if err := record(g.writeExceptions(ctx, dir,
			fmt.Sprintf("exceptions_%s_%s.csv", op.ID, deltaSuffix), op.ID, true, result.BaseRunID)); err != nil {
			return err
		}
	}

	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// csvFile writes rows to path while hashing the bytes on the way through.
type csvFile struct {
	file   *os.File
	hash   io.Writer
	writer *csv.Writer
	rows   int64
	sum    func() string
}

func newCSVFile(path string, header []string) (*csvFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	h := md5.New()
	w := csv.NewWriter(io.MultiWriter(f, h))
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	return &csvFile{
		file: f, hash: h, writer: w,
		sum: func() string { return hex.EncodeToString(h.Sum(nil)) },
	}, nil
}

func (c *csvFile) write(record []string) error {
	c.rows++
	return c.writer.Write(record)
}

func (c *csvFile) close() (manifestFile, error) {
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		c.file.Close()
		return manifestFile{}, err
	}
	if err := c.file.Close(); err != nil {
		return manifestFile{}, err
	}
	return manifestFile{Name: filepath.Base(c.file.Name()), Rows: c.rows, MD5: c.sum()}, nil
}

func formatDate(t time.Time) string { return t.Format("20060102") }

func joinReasons(reasons []string) string { return strings.Join(reasons, reasonsDelimiter) }

func (g *Generator) writeBlacklist(ctx context.Context, dir, name string, delta bool, baseRunID int64) (manifestFile, error) {
	header := []string{"imei", "block_date", "reasons"}
	sql := `
		SELECT imei_norm, block_date, reasons, delta_reason
		FROM blacklist
		WHERE end_run_id IS NULL
		ORDER BY imei_norm`
	args := []any{}
	if delta {
		header = append(header, "delta_reason")
		sql = `
		SELECT imei_norm, block_date, reasons, delta_reason
		FROM blacklist b
		WHERE (b.start_run_id > $1 AND b.end_run_id IS NULL)
		   OR (b.end_run_id > $1 AND b.start_run_id <= $1
		       AND NOT EXISTS (
		           SELECT 1 FROM blacklist live
		           WHERE live.imei_norm = b.imei_norm AND live.end_run_id IS NULL))
		ORDER BY imei_norm`
		args = append(args, baseRunID)
	}

	out, err := newCSVFile(filepath.Join(dir, name), header)
	if err != nil {
		return manifestFile{}, err
	}
	rows, err := g.Pool.Query(ctx, sql, args...)
	if err != nil {
		out.file.Close()
		return manifestFile{}, fmt.Errorf("failed to query blacklist: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			imei, deltaReason string
			blockDate         time.Time
			reasons           []string
		)
		if err := rows.Scan(&imei, &blockDate, &reasons, &deltaReason); err != nil {
			out.file.Close()
			return manifestFile{}, err
		}
		record := []string{imei, formatDate(blockDate), joinReasons(reasons)}
		if delta {
			record = append(record, deltaReason)
		}
		if err := out.write(record); err != nil {
			out.file.Close()
			return manifestFile{}, err
		}
	}
	if err := rows.Err(); err != nil {
		out.file.Close()
		return manifestFile{}, err
	}
	return out.close()
}

func (g *Generator) writeNotifications(ctx context.Context, dir, name, operatorID string, delta bool, baseRunID int64) (manifestFile, error) {
	header := []string{"imei", "imsi", "msisdn", "block_date", "reasons", "amnesty_granted"}
	sql := `
		SELECT imei_norm, imsi, msisdn, block_date, reasons, amnesty_granted, delta_reason
		FROM notifications_lists
		WHERE operator_id = $1 AND end_run_id IS NULL
		ORDER BY imei_norm, imsi, msisdn`
	args := []any{operatorID}
	if delta {
		header = append(header, "delta_reason")
		sql = `
		SELECT imei_norm, imsi, msisdn, block_date, reasons, amnesty_granted, delta_reason
		FROM notifications_lists nl
		WHERE nl.operator_id = $1
		  AND ((nl.start_run_id > $2 AND nl.end_run_id IS NULL)
		    OR (nl.end_run_id > $2 AND nl.start_run_id <= $2
		        AND NOT EXISTS (
		            SELECT 1 FROM notifications_lists live
		            WHERE live.operator_id = nl.operator_id AND live.imei_norm = nl.imei_norm
		              AND live.imsi = nl.imsi AND live.msisdn = nl.msisdn
		              AND live.end_run_id IS NULL)))
		ORDER BY imei_norm, imsi, msisdn`
		args = append(args, baseRunID)
	}

	out, err := newCSVFile(filepath.Join(dir, name), header)
	if err != nil {
		return manifestFile{}, err
	}
	rows, err := g.Pool.Query(ctx, sql, args...)
	if err != nil {
		out.file.Close()
		return manifestFile{}, fmt.Errorf("failed to query notifications for %s: %w", operatorID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			imei, imsi, msisdn, deltaReason string
			blockDate                       time.Time
			reasons                         []string
			amnesty                         bool
		)
		if err := rows.Scan(&imei, &imsi, &msisdn, &blockDate, &reasons, &amnesty, &deltaReason); err != nil {
			out.file.Close()
			return manifestFile{}, err
		}
		record := []string{imei, imsi, msisdn, formatDate(blockDate), joinReasons(reasons), fmt.Sprintf("%t", amnesty)}
		if delta {
			record = append(record, deltaReason)
		}
		if err := out.write(record); err != nil {
			out.file.Close()
			return manifestFile{}, err
		}
	}
	if err := rows.Err(); err != nil {
		out.file.Close()
		return manifestFile{}, err
	}
	return out.close()
}

func (g *Generator) writeExceptions(ctx context.Context, dir, name, operatorID string, delta bool, baseRunID int64) (manifestFile, error) {
	header := []string{"imei", "imsi"}
	sql := `
		SELECT imei_norm, imsi, delta_reason
		FROM exceptions_lists
		WHERE operator_id = $1 AND end_run_id IS NULL
		ORDER BY imei_norm, imsi`
	args := []any{operatorID}
	if delta {
		header = append(header, "delta_reason")
		sql = `
		SELECT imei_norm, imsi, delta_reason
		FROM exceptions_lists el
		WHERE el.operator_id = $1
		  AND ((el.start_run_id > $2 AND el.end_run_id IS NULL)
		    OR (el.end_run_id > $2 AND el.start_run_id <= $2
		        AND NOT EXISTS (
		            SELECT 1 FROM exceptions_lists live
		            WHERE live.operator_id = el.operator_id AND live.imei_norm = el.imei_norm
		              AND live.imsi = el.imsi AND live.end_run_id IS NULL)))
		ORDER BY imei_norm, imsi`
		args = append(args, baseRunID)
	}

	out, err := newCSVFile(filepath.Join(dir, name), header)
	if err != nil {
		return manifestFile{}, err
	}
	rows, err := g.Pool.Query(ctx, sql, args...)
	if err != nil {
		out.file.Close()
		return manifestFile{}, fmt.Errorf("failed to query exceptions for %s: %w", operatorID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var imei, imsi, deltaReason string
		if err := rows.Scan(&imei, &imsi, &deltaReason); err != nil {
			out.file.Close()
			return manifestFile{}, err
		}
		record := []string{imei, imsi}
		if delta {
			record = append(record, deltaReason)
		}
		if err := out.write(record); err != nil {
			out.file.Close()
			return manifestFile{}, err
		}
	}
	if err := rows.Err(); err != nil {
		out.file.Close()
		return manifestFile{}, err
	}
	return out.close()
}
