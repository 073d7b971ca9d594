// Package export renders a finished job's pages into report files and keeps
// them in a blob store until they are downloaded or the job is deleted.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

// ErrInvalidName is returned for report names that could escape the store.
var ErrInvalidName = errors.New("invalid report name")

var contentTypes = map[string]string{
	"csv":  "text/csv; charset=utf-8",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// Exporter writes reports through a BlobStore.
type Exporter struct {
	blobs  crawler.BlobStore
	logger *zap.Logger
}

// New builds an Exporter.
func New(blobs crawler.BlobStore, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{blobs: blobs, logger: logger}
}

// Export renders pages in every extension of format and returns the report
// names in render order. Nothing is left behind when any file fails.
func (e *Exporter) Export(
	ctx context.Context,
	snap crawler.Snapshot,
	pages []crawler.PageRecord,
	format crawler.OutputFormat,
) ([]string, error) {
	if e.blobs == nil {
		return nil, errors.New("export store is not configured")
	}
	base := BaseName(snap.URL, snap.JobID)
	var written []string
	for _, ext := range format.Extensions() {
		var (
			data []byte
			err  error
		)
		switch ext {
		case "csv":
			data, err = renderCSV(pages)
		case "xlsx":
			data, err = renderXLSX(snap, pages)
		default:
			err = fmt.Errorf("unsupported extension %q", ext)
		}
		if err == nil {
			name := base + "." + ext
			if _, err = e.blobs.PutObject(ctx, name, contentTypes[ext], bytes.NewReader(data)); err == nil {
				written = append(written, name)
				e.logger.Debug("report written", zap.String("job_id", snap.JobID), zap.String("name", name))
				continue
			}
		}
		if rmErr := e.Remove(context.WithoutCancel(ctx), written); rmErr != nil {
			e.logger.Warn("cleanup of partial reports failed", zap.String("job_id", snap.JobID), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("export %s: %w", ext, err)
	}
	return written, nil
}

// Open streams a report for download.
func (e *Exporter) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	rc, err := e.blobs.OpenObject(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open report: %w", err)
	}
	return rc, nil
}

// Remove deletes reports, ignoring ones that are already gone.
func (e *Exporter) Remove(ctx context.Context, names []string) error {
	var errs []error
	for _, name := range names {
		if !ValidName(name) {
			errs = append(errs, fmt.Errorf("%q: %w", name, ErrInvalidName))
			continue
		}
		if err := e.blobs.DeleteObject(ctx, name); err != nil && !errors.Is(err, crawler.ErrObjectNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ContentType returns the MIME type for a report name.
func ContentType(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if ct, ok := contentTypes[name[i+1:]]; ok {
			return ct
		}
	}
	return "application/octet-stream"
}

// ValidName reports whether name is a plain file name.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

// BaseName derives "<host>_<jobID>" with dots in the host replaced.
func BaseName(seedURL, jobID string) string {
	host := "site"
	if u, err := url.Parse(seedURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	host = strings.NewReplacer(".", "_", ":", "_").Replace(strings.ToLower(host))
	return host + "_" + jobID
}
