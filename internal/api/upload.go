package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/datapulse/datapulse/internal/catalog"
	"github.com/datapulse/datapulse/internal/config"
	"github.com/datapulse/datapulse/internal/ingest"
	"github.com/datapulse/datapulse/internal/query"
	"github.com/datapulse/datapulse/internal/query/sqlite"
	"github.com/datapulse/datapulse/internal/session"
	"github.com/datapulse/datapulse/internal/storage"
)

type uploadResponse struct {
	SessionID string   `json:"session_id"`
	Kind      string   `json:"kind"`
	Tables    []string `json:"tables"`
}

type uploadedFile struct {
	name    string
	content []byte
}

// handleUploadCSV loads one or more CSV files into the session's own
// database and switches the session to it.
func handleUploadCSV(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	id, files, ok := beginUpload(cfg, deps, w, r)
	if !ok {
		return
	}

	dir := filepath.Join(cfg.Sessions.UploadsDir, id, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "UPLOAD_FAILED", "could not prepare session storage", true, nil)
		return
	}

	sources := make([]ingest.File, 0, len(files))
	for _, file := range files {
		sources = append(sources, ingest.File{Name: file.name, Content: bytes.NewReader(file.content)})
	}
	dbPath, tables, err := ingest.FromCSV(r.Context(), dir, sources)
	if err != nil {
		_ = os.RemoveAll(dir)
		writeError(r.Context(), w, http.StatusBadRequest, "UPLOAD_INVALID", "uploaded files could not be loaded as CSV", false, map[string]any{"details": err.Error()})
		return
	}

	finishUpload(deps, w, r, id, dir, dbPath, tables, files)
}

// handleUploadSQLite accepts a complete SQLite database file for the session.
func handleUploadSQLite(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	id, files, ok := beginUpload(cfg, deps, w, r)
	if !ok {
		return
	}
	if len(files) != 1 {
		writeError(r.Context(), w, http.StatusBadRequest, "UPLOAD_INVALID", "exactly one database file is required", false, nil)
		return
	}

	dir := filepath.Join(cfg.Sessions.UploadsDir, id, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "UPLOAD_FAILED", "could not prepare session storage", true, nil)
		return
	}

	dbPath, tables, err := ingest.FromSQLite(r.Context(), dir, bytes.NewReader(files[0].content))
	if err != nil {
		_ = os.RemoveAll(dir)
		writeError(r.Context(), w, http.StatusBadRequest, "UPLOAD_INVALID", "uploaded file is not a usable SQLite database", false, map[string]any{"details": err.Error()})
		return
	}

	finishUpload(deps, w, r, id, dir, dbPath, tables, files)
}

// beginUpload validates the session, enforces the size cap, and drains the
// multipart body into memory.
func beginUpload(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) (string, []uploadedFile, bool) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session registry is not configured", false, nil)
		return "", nil, false
	}
	id, err := sessionFromPath(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", err.Error(), false, nil)
		return "", nil, false
	}
	if _, err := deps.Sessions.Lookup(id); err != nil {
		writeSessionError(w, r, err)
		return "", nil, false
	}

	maxBytes := cfg.Sessions.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	files, err := readMultipartFiles(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "upload exceeds the size limit", false, map[string]any{"limit_bytes": maxBytes})
			return "", nil, false
		}
		writeError(r.Context(), w, http.StatusBadRequest, "UPLOAD_INVALID", "invalid multipart upload", false, map[string]any{"details": err.Error()})
		return "", nil, false
	}
	if len(files) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "UPLOAD_INVALID", "at least one file is required", false, nil)
		return "", nil, false
	}
	return id, files, true
}

func readMultipartFiles(r *http.Request) ([]uploadedFile, error) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return nil, err
	}
	var files []uploadedFile
	for _, headers := range r.MultipartForm.File {
		for _, header := range headers {
			content, err := readFilePart(header)
			if err != nil {
				return nil, err
			}
			files = append(files, uploadedFile{
				name:    session.SanitizeFileName(header.Filename),
				content: content,
			})
		}
	}
	return files, nil
}

func readFilePart(header *multipart.FileHeader) ([]byte, error) {
	part, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", header.Filename, err)
	}
	defer part.Close()
	content, err := io.ReadAll(part)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", header.Filename, err)
	}
	return content, nil
}

// finishUpload opens the freshly built database, extracts its catalog,
// attaches it to the session, and archives the raw upload when an object
// store is wired.
func finishUpload(deps Dependencies, w http.ResponseWriter, r *http.Request, id, dir, dbPath string, tables []string, files []uploadedFile) {
	handle, cat, err := openSessionDatabase(r.Context(), dbPath)
	if err != nil {
		_ = os.RemoveAll(dir)
		writeError(r.Context(), w, http.StatusInternalServerError, "UPLOAD_FAILED", "could not open the session database", true, nil)
		return
	}

	s, err := deps.Sessions.Attach(id, cat, handle, dir)
	if err != nil {
		_ = handle.Close()
		_ = os.RemoveAll(dir)
		writeSessionError(w, r, err)
		return
	}

	if deps.Uploads != nil {
		archiveUploads(r.Context(), deps, id, files)
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		SessionID: s.ID,
		Kind:      string(s.Kind),
		Tables:    tables,
	})
}

func openSessionDatabase(ctx context.Context, dbPath string) (*query.Handle, catalog.Catalog, error) {
	handle, err := sqlite.Open(dbPath, "")
	if err != nil {
		return nil, catalog.Catalog{}, err
	}
	cat, err := ingest.ExtractCatalog(ctx, handle.DB)
	if err != nil {
		_ = handle.Close()
		return nil, catalog.Catalog{}, err
	}
	handle.Fingerprint = cat.Fingerprint()
	return handle, cat, nil
}

// archiveUploads stores the raw uploaded bytes. Failures are logged and do
// not affect the upload.
func archiveUploads(ctx context.Context, deps Dependencies, id string, files []uploadedFile) {
	for _, file := range files {
		key, err := storage.BuildUploadPath(id, file.name)
		if err != nil {
			if deps.Logger != nil {
				deps.Logger.WarnContext(ctx, "skip upload archive", "session_id", id, "file", file.name, "error", err)
			}
			continue
		}
		reader := bytes.NewReader(file.content)
		if _, err := deps.Uploads.Put(ctx, key, reader, int64(len(file.content)), storage.PutOptions{ContentType: "application/octet-stream"}); err != nil {
			if deps.Logger != nil {
				deps.Logger.WarnContext(ctx, "archive upload", "session_id", id, "key", key, "error", err)
			}
		}
	}
}
