package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"outliner/api/internal/apperr"
	"outliner/api/internal/history"
	"outliner/api/internal/store"
	"outliner/api/internal/tree"
)

const defaultMaxBodyBytes = 25 << 20

type HTTPServer struct {
	service      *Service
	logger       *zap.Logger
	corsOrigin   string
	maxBodyBytes int64
}

type HTTPOptions struct {
	CORSOrigin   string
	MaxBodyBytes int64
}

func NewHTTPServer(service *Service, logger *zap.Logger, opts HTTPOptions) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &HTTPServer{
		service:      service,
		logger:       logger,
		corsOrigin:   opts.CORSOrigin,
		maxBodyBytes: opts.MaxBodyBytes,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(s.accessLog)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", "X-Project"},
		ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
		MaxAge:         300,
	}))

	router.Get("/api/health", s.handleHealth)
	router.Head("/api/health", s.handleHealth)
	router.Get("/api/ready", s.handleReady)
	router.Method(http.MethodGet, "/metrics", s.service.metrics.Handler())

	router.Route("/api/files", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Get("/{fileID}", s.handleServeFile)
		r.Head("/{fileID}", s.handleServeFile)
	})

	router.Group(func(r chi.Router) {
		r.Use(s.withProject)

		r.Get("/api/outline", s.handleGetOutline)
		r.Put("/api/outline", s.handleSaveOutline)
		r.Post("/api/outline", s.handleSaveOutline)

		r.Route("/api/history", func(r chi.Router) {
			r.Get("/", s.handleListHistory)
			r.Post("/checkpoint", s.handleCheckpoint)
			r.Get("/diff", s.handleDiff)
			r.Get("/{versionID}", s.handleGetVersion)
			r.Get("/{versionID}/diff", s.handleDiffAgainst)
			r.Post("/{versionID}/restore", s.handleRestore)
		})

		r.Get("/api/export", s.handleExport)
		r.Post("/api/import", s.handleImport)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return router
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleGetOutline(w http.ResponseWriter, r *http.Request) {
	forest, err := s.service.Outline(r.Context(), projectFrom(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if forest == nil {
		forest = []*tree.Node{}
	}
	writeJSON(w, http.StatusOK, forest)
}

func (s *HTTPServer) handleSaveOutline(w http.ResponseWriter, r *http.Request) {
	payload, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.SaveOutline(r.Context(), projectFrom(r).ID, payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", history.DefaultListLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.service.History(r.Context(), projectFrom(r).ID, limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Note string `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Checkpoint(r.Context(), projectFrom(r).ID, body.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "versionId": result.ID})
}

func (s *HTTPServer) handleDiff(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result, err := s.service.Diff(r.Context(), projectFrom(r).ID, query.Get("from"), query.Get("to"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.service.Version(r.Context(), projectFrom(r).ID, chi.URLParam(r, "versionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *HTTPServer) handleDiffAgainst(w http.ResponseWriter, r *http.Request) {
	against := r.URL.Query().Get("against")
	if against == "" {
		against = history.CurrentRef
	}
	result, err := s.service.Diff(r.Context(), projectFrom(r).ID, chi.URLParam(r, "versionID"), against)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Restore(r.Context(), projectFrom(r).ID, chi.URLParam(r, "versionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	project := projectFrom(r)
	manifest, err := s.service.Export(r.Context(), project)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	filename := fmt.Sprintf("outline-%s-%s.json", fileSafe(project.Name), manifest.ExportedAt.Format("20060102-150405"))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	writeJSON(w, http.StatusOK, manifest)
}

func (s *HTTPServer) handleImport(w http.ResponseWriter, r *http.Request) {
	var (
		payload []byte
		err     error
	)
	if isMultipart(r) {
		payload, _, _, err = s.readFormFile(w, r)
	} else {
		payload, err = s.readBody(w, r)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.Import(r.Context(), projectFrom(r).ID, payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !isMultipart(r) {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "Expected a multipart form with a file field", nil)
		return
	}
	data, mimeType, filename, err := s.readFormFile(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	asset, err := s.service.Upload(r.Context(), data, mimeType, filename)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "file": asset, "url": asset.URL()})
}

func (s *HTTPServer) handleServeFile(w http.ResponseWriter, r *http.Request) {
	asset, reader, err := s.service.OpenFile(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer reader.Close()

	header := w.Header()
	header.Set("Content-Type", asset.MimeType)
	header.Set("Content-Length", strconv.FormatInt(asset.SizeBytes, 10))
	header.Set("Cache-Control", "public, max-age=31536000, immutable")
	header.Set("X-Content-Type-Options", "nosniff")
	if download := r.URL.Query().Get("download"); download == "1" || download == "true" {
		name := asset.OriginalName
		if name == "" {
			name = asset.StoredName
		}
		header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Warn("serve file interrupted", zap.String("file_id", asset.ID), zap.Error(err))
	}
}

type projectKey struct{}

// withProject resolves the request's project from the X-Project header, the
// project query parameter or the configured default.
func (s *HTTPServer) withProject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get("X-Project")
		if name == "" {
			name = r.URL.Query().Get("project")
		}
		project, err := s.service.ResolveProject(r.Context(), name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), projectKey{}, project)))
	})
}

func projectFrom(r *http.Request) store.Project {
	project, _ := r.Context().Value(projectKey{}).(store.Project)
	return project
}

func (s *HTTPServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Header().Set("X-Request-ID", middleware.GetReqID(r.Context()))

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		s.service.metrics.ObserveRequest(r.Method, route, status, elapsed)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, apperr.Validation("INVALID_BODY", "request body is required", nil)
	}
	defer r.Body.Close()
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		return nil, bodyError(err)
	}
	return payload, nil
}

// readFormFile returns the bytes, declared MIME type and filename of the
// multipart "file" field.
func (s *HTTPServer) readFormFile(w http.ResponseWriter, r *http.Request) ([]byte, string, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", "", bodyError(err)
		}
		return nil, "", "", apperr.Validation("INVALID_UPLOAD", "multipart field \"file\" is required", nil)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", "", bodyError(err)
	}
	return data, header.Header.Get("Content-Type"), header.Filename, nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.Validation("PAYLOAD_TOO_LARGE", "request body is too large", map[string]any{"limit": tooLarge.Limit})
	}
	return apperr.Validation("INVALID_BODY", "request body could not be read", nil)
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("INVALID_QUERY", fmt.Sprintf("%s must be an integer", key), map[string]any{key: raw})
	}
	return value, nil
}

func fileSafe(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "project"
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	header := w.Header()
	header.Set("Content-Type", "application/json")
	if header.Get("Cache-Control") == "" {
		header.Set("Cache-Control", "no-store")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody decodes an optional JSON body; an empty body leaves target as is.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
