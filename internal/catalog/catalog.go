// Package catalog discovers input files under configured prospector paths
// and records them in the data_catalog table so every file an importer may
// consume has a durable fingerprint before and after ingestion.
package catalog

import (
	"archive/zip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dirbs/dirbs-core/internal/config"
	"github.com/dirbs/dirbs-core/internal/metadata"
)

type Harvester struct {
	Pool     *pgxpool.Pool
	Metadata *metadata.Store
	Log      *slog.Logger
	Config   config.Catalog
}

// Run walks every prospector path and upserts one catalog row per file.
// Returns the number of files cataloged.
func (h *Harvester) Run(ctx context.Context, runID int64) (int, error) {
	cataloged := 0
	for _, p := range h.Config.Prospectors {
		for _, root := range p.Paths {
			n, err := h.harvestPath(ctx, root, p.FileType)
			cataloged += n
			if err != nil {
				return cataloged, err
			}
		}
	}
	if err := h.Metadata.Annotate(ctx, runID, map[string]any{"files_cataloged": cataloged}); err != nil {
		return cataloged, err
	}
	return cataloged, nil
}

func (h *Harvester) harvestPath(ctx context.Context, root, fileType string) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if err := h.catalogFile(ctx, path, fileType); err != nil {
			return fmt.Errorf("failed to catalog %s: %w", path, err)
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to harvest %s: %w", root, err)
	}
	return count, nil
}

func (h *Harvester) catalogFile(ctx context.Context, path, fileType string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return err
	}

	sum, err := checksum(abs)
	if err != nil {
		return err
	}

	var validZip *bool
	if strings.EqualFold(filepath.Ext(abs), ".zip") {
		valid := isValidZip(abs)
		validZip = &valid
	}

	tag, err := h.Pool.Exec(ctx, `
		INSERT INTO data_catalog
			(filename, file_type, compressed_size_bytes, modified_time, is_valid_zip, md5)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (filename) DO UPDATE SET
			file_type             = EXCLUDED.file_type,
			compressed_size_bytes = EXCLUDED.compressed_size_bytes,
			modified_time         = EXCLUDED.modified_time,
			is_valid_zip          = EXCLUDED.is_valid_zip,
			md5                   = EXCLUDED.md5,
			last_seen             = now()`,
		abs, fileType, st.Size(), st.ModTime(), validZip, sum)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		h.Log.Debug("cataloged file", "file", abs, "type", fileType, "md5", sum)
	}
	return nil
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isValidZip(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	r.Close()
	return true
}
