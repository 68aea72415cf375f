package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/snapdiff/internal/api"
	"github.com/throw-if-null/snapdiff/internal/paths"
	"github.com/throw-if-null/snapdiff/internal/snapshot"
	"github.com/throw-if-null/snapdiff/internal/store"
)

// DefaultMaxUploadBytes is the accepted request size for a folder upload.
const DefaultMaxUploadBytes = 512 << 20 // 512 MiB

type Store interface {
	SaveSnapshot(id, source string, entries []snapshot.Entry) error
	GetSnapshot(id string) (map[string]string, error)
	ListSnapshots(limit int) ([]*api.SnapshotInfo, error)
}

type Server struct {
	store  Store
	logger *log.Logger
	tracer trace.Tracer

	// MaxUploadBytes bounds a folder upload request body.
	MaxUploadBytes int64
}

func NewServer(store Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		store:          store,
		logger:         logger,
		tracer:         otel.Tracer("snapdiff/server"),
		MaxUploadBytes: DefaultMaxUploadBytes,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /snapshot", s.handleCreateSnapshot)
	mux.HandleFunc("POST /snapshot/upload-folder", s.handleUploadFolder)
	mux.HandleFunc("POST /diff", s.handleDiff)
	mux.HandleFunc("GET /snapshots", s.handleListSnapshots)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	_, span := s.tracer.Start(r.Context(), "server.snapshot")
	defer span.End()

	var req api.CreateSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Path == "" || req.ID == "" {
		writeError(w, http.StatusBadRequest, "path and id are required")
		return
	}
	if err := paths.ValidateSnapshotID(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid snapshot id")
		return
	}
	span.SetAttributes(attribute.String("snapshot.id", req.ID), attribute.String("snapshot.path", req.Path))

	entries, err := snapshot.Scan(req.Path, s.logger)
	if errors.Is(err, snapshot.ErrNotDirectory) {
		writeError(w, http.StatusBadRequest, snapshot.ErrNotDirectory.Error())
		return
	}
	if err != nil {
		s.fail(span, err)
		writeError(w, http.StatusInternalServerError, "failed to scan path")
		return
	}

	if err := s.store.SaveSnapshot(req.ID, req.Path, entries); err != nil {
		s.fail(span, err)
		writeError(w, http.StatusInternalServerError, "failed to save snapshot")
		return
	}
	span.SetAttributes(attribute.Int("snapshot.file_count", len(entries)))
	s.logger.Printf("snapshot %s captured from %s (%d files)", req.ID, req.Path, len(entries))
	writeJSON(w, http.StatusOK, api.SnapshotResponse{ID: req.ID, FileCount: len(entries)})
}

// handleUploadFolder streams the multipart body so each file is hashed
// without being kept in memory. File names carry the relative path.
func (s *Server) handleUploadFolder(w http.ResponseWriter, r *http.Request) {
	_, span := s.tracer.Start(r.Context(), "server.upload_folder")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form")
		return
	}

	var id string
	var entries []snapshot.Entry
	seen := make(map[string]int)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeReadError(w, err, "malformed multipart body")
			return
		}

		switch part.FormName() {
		case api.UploadIDField:
			b, err := io.ReadAll(io.LimitReader(part, 256))
			if err != nil {
				writeError(w, http.StatusBadRequest, "malformed id field")
				return
			}
			id = strings.TrimSpace(string(b))
		case api.UploadFileField:
			name, err := rawFilename(part.Header.Get("Content-Disposition"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "missing file name")
				return
			}
			rel, err := paths.CleanRelPath(name)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid file path %q", name))
				return
			}
			sum, err := snapshot.HashReader(part)
			if err != nil {
				writeReadError(w, err, "failed to read uploaded file")
				return
			}
			if i, dup := seen[rel]; dup {
				entries[i].Hash = sum
				continue
			}
			seen[rel] = len(entries)
			entries = append(entries, snapshot.Entry{Path: rel, Hash: sum})
		}
		_ = part.Close()
	}

	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := paths.ValidateSnapshotID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid snapshot id")
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}
	span.SetAttributes(attribute.String("snapshot.id", id), attribute.Int("snapshot.file_count", len(entries)))

	if err := s.store.SaveSnapshot(id, "upload", entries); err != nil {
		s.fail(span, err)
		writeError(w, http.StatusInternalServerError, "failed to save snapshot")
		return
	}
	s.logger.Printf("snapshot %s captured from upload (%d files)", id, len(entries))
	writeJSON(w, http.StatusOK, api.UploadResponse{ID: id, FileCount: len(entries)})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	_, span := s.tracer.Start(r.Context(), "server.diff")
	defer span.End()

	var req api.DiffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.IDA == "" || req.IDB == "" {
		writeError(w, http.StatusBadRequest, "id_a and id_b are required")
		return
	}
	span.SetAttributes(attribute.String("snapshot.id_a", req.IDA), attribute.String("snapshot.id_b", req.IDB))

	a, ok := s.loadSnapshot(w, span, req.IDA)
	if !ok {
		return
	}
	b, ok := s.loadSnapshot(w, span, req.IDB)
	if !ok {
		return
	}

	res := snapshot.Compare(a, b)
	writeJSON(w, http.StatusOK, api.DiffResponse{
		Summary: api.DiffSummary{
			Added:    len(res.Added),
			Deleted:  len(res.Deleted),
			Modified: len(res.Modified),
		},
		DiffDetails: api.DiffDetails{
			Added:    res.Added,
			Deleted:  res.Deleted,
			Modified: res.Modified,
		},
	})
}

func (s *Server) loadSnapshot(w http.ResponseWriter, span trace.Span, id string) (map[string]string, bool) {
	snap, err := s.store.GetSnapshot(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("snapshot %s not found", id))
		return nil, false
	}
	if err != nil {
		s.fail(span, err)
		writeError(w, http.StatusInternalServerError, "failed to read snapshot")
		return nil, false
	}
	return snap, true
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	list, err := s.store.ListSnapshots(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Printf("error: %v", err)
}

// rawFilename returns the filename parameter without the base-name
// stripping applied by multipart.Part.FileName.
func rawFilename(disposition string) (string, error) {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return "", err
	}
	name := params["filename"]
	if name == "" {
		return "", errors.New("empty filename")
	}
	return name, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}

// writeReadError answers 413 when the body hit the upload limit and 400
// with msg otherwise.
func writeReadError(w http.ResponseWriter, err error, msg string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, http.StatusBadRequest, msg)
}
