// Package api exposes the studio over HTTP.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genmedia-studio/internal/asset"
	"genmedia-studio/internal/errs"
	"genmedia-studio/internal/history"
	"genmedia-studio/internal/studio"
)

const maxBodyBytes = 64 << 20

type Studio interface {
	Generate(ctx context.Context, projectID string, snap studio.InputSnapshot) (studio.GeneratedAsset, error)
	Refine(ctx context.Context, projectID string, prior studio.GeneratedAsset, feedback string) (studio.GeneratedAsset, error)
}

type History interface {
	List(ctx context.Context, projectID string) ([]studio.GeneratedAsset, error)
	Get(ctx context.Context, projectID, assetID string) (studio.GeneratedAsset, error)
	Remove(ctx context.Context, projectID, assetID string) error
	Promote(ctx context.Context, projectID, assetID string, lib history.Library) error
}

type Normalizer interface {
	Normalize(ctx context.Context, sources []asset.Source) asset.Result
}

// Check is one dependency probed by /healthz.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Options struct {
	Studio     Studio
	History    History
	Normalizer Normalizer
	// Library receives promoted entries. Promotion is disabled when nil.
	Library history.Library
	Checks  []Check
	// RequestTimeout bounds one generation or refinement.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type Server struct {
	studio     Studio
	history    History
	normalizer Normalizer
	library    history.Library
	checks     []Check
	timeout    time.Duration
	logger     *slog.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Server{
		studio:     opts.Studio,
		history:    opts.History,
		normalizer: opts.Normalizer,
		library:    opts.Library,
		checks:     opts.Checks,
		timeout:    timeout,
		logger:     logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, s.logRequests)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/projects/{projectID}", func(r chi.Router) {
		r.Post("/generations", s.generate)
		r.Post("/refinements", s.refine)
		r.Get("/history", s.listHistory)
		r.Get("/history/{assetID}", s.getHistory)
		r.Delete("/history/{assetID}", s.deleteHistory)
		r.Post("/history/{assetID}/promote", s.promote)
	})
	return r
}

type referenceInput struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	URI           string `json:"uri"`
	ContentBase64 string `json:"contentBase64"`
	MimeType      string `json:"mimeType"`
	Selected      *bool  `json:"selected"`
}

type generationRequest struct {
	Scene         string           `json:"scene"`
	Characters    string           `json:"characters"`
	Style         string           `json:"style"`
	Locations     []referenceInput `json:"locations"`
	CharacterRefs []referenceInput `json:"characterRefs"`
	StyleRefs     []referenceInput `json:"styleRefs"`
	Mode          studio.Mode      `json:"mode"`
	AspectRatio   string           `json:"aspectRatio"`
	Model         string           `json:"model"`
	Kind          studio.MediaKind `json:"mediaKind"`
}

type refinementRequest struct {
	AssetID  string `json:"assetId"`
	Feedback string `json:"feedback"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Model   string `json:"model,omitempty"`
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req generationRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	snap, err := s.snapshot(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	out, err := s.studio.Generate(ctx, projectID, snap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) refine(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req refinementRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.AssetID) == "" {
		s.writeError(w, r, errs.New(errs.KindValidation, "refine", "assetId is required"))
		return
	}

	prior, err := s.history.Get(r.Context(), projectID, req.AssetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	out, err := s.studio.Refine(ctx, projectID, prior, req.Feedback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history.List(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	entry, err := s.history.Get(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "assetID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) deleteHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Remove(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "assetID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) promote(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		s.writeError(w, r, errs.New(errs.KindValidation, "history_promote", "no asset library is configured"))
		return
	}
	err := s.history.Promote(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "assetID"), s.library)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	result := map[string]string{}
	for _, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			result[c.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		result[c.Name] = "ok"
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": result})
}

// snapshot resolves every reference of req. Any reference that cannot be
// resolved fails the whole request.
func (s *Server) snapshot(ctx context.Context, req generationRequest) (studio.InputSnapshot, error) {
	groups := [][]referenceInput{req.Locations, req.CharacterRefs, req.StyleRefs}

	var sources []asset.Source
	for _, refs := range groups {
		for i, ref := range refs {
			src, err := toSource(ref)
			if err != nil {
				return studio.InputSnapshot{}, errs.Wrap(errs.KindValidation, "decode", "", fmt.Errorf("reference %d: %w", i+1, err))
			}
			sources = append(sources, src)
		}
	}

	res := s.normalizer.Normalize(ctx, sources)
	if err := res.Err(); err != nil {
		return studio.InputSnapshot{}, err
	}

	resolved := make([][]studio.ReferenceAsset, len(groups))
	next := 0
	for g, refs := range groups {
		if len(refs) == 0 {
			continue
		}
		resolved[g] = res.Assets[next : next+len(refs)]
		next += len(refs)
	}

	kind := req.Kind
	if kind == "" {
		kind = studio.KindImage
	}
	mode := req.Mode
	if mode == "" {
		mode = studio.ModePrompt
	}

	return studio.InputSnapshot{
		Scene:         req.Scene,
		Characters:    req.Characters,
		Style:         req.Style,
		Locations:     resolved[0],
		CharacterRefs: resolved[1],
		StyleRefs:     resolved[2],
		Mode:          mode,
		AspectRatio:   req.AspectRatio,
		ModelLabel:    req.Model,
		Kind:          kind,
	}, nil
}

func toSource(ref referenceInput) (asset.Source, error) {
	src := asset.Source{
		ID:       ref.ID,
		Name:     ref.Name,
		URI:      strings.TrimSpace(ref.URI),
		MimeHint: ref.MimeType,
		Selected: ref.Selected == nil || *ref.Selected,
	}
	if ref.ContentBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(ref.ContentBase64)
		if err != nil {
			return asset.Source{}, fmt.Errorf("invalid contentBase64: %w", err)
		}
		src.Data = data
	}
	if len(src.Data) == 0 && src.URI == "" {
		return asset.Source{}, errors.New("either contentBase64 or uri is required")
	}
	return src, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.KindValidation, "decode", "", fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	body := errorBody{Code: string(errs.KindInternal), Message: "internal error"}

	var e *errs.Error
	if errors.As(err, &e) {
		body = errorBody{Code: string(e.Kind), Message: e.Message, Stage: e.Stage, Model: e.Model}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "err", err,
			"request_id", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"dur_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
