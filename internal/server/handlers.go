package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/alcove-sh/alcove/internal/errs"
	"github.com/alcove-sh/alcove/internal/orchestrator"
	"github.com/alcove-sh/alcove/internal/prompt"
	"github.com/alcove-sh/alcove/internal/repository"

	"github.com/alcove-sh/alcove/internal/auth"
)

type modeDefault int

const (
	modeDefaultCorpus modeDefault = iota
	modeDefaultWeb
	modeDefaultCombined
	modeDefaultNotes
)

func (d modeDefault) mode() prompt.Mode {
	switch d {
	case modeDefaultWeb:
		return prompt.ModeWeb
	case modeDefaultCombined:
		return prompt.ModeCombined
	case modeDefaultNotes:
		return prompt.ModeNotes
	default:
		return prompt.ModeCorpus
	}
}

type askRequest struct {
	Query    string                       `json:"query"`
	Mode     string                       `json:"mode,omitempty"`
	Settings *orchestrator.SettingsPatch  `json:"settings,omitempty"`
	History  []prompt.Turn                `json:"history,omitempty"`
}

type errorResponse struct {
	Error struct {
		Kind      string `json:"kind"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func (s *Server) handleAsk(def modeDefault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errs.Wrap(errs.KindInvalidRequest, "malformed request body", err))
			return
		}

		mode := def.mode()
		if req.Mode != "" {
			parsed, err := prompt.ParseMode(req.Mode)
			if err != nil {
				s.writeError(w, r, errs.Wrap(errs.KindInvalidRequest, "invalid mode", err))
				return
			}
			mode = parsed
		}

		resp, err := s.orch.Ask(r.Context(), orchestrator.Request{
			Query:   req.Query,
			Mode:    mode,
			UserID:  auth.UserID(r.Context()),
			History: req.History,
			Patch:   req.Settings,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handlePlanQueries(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errs.Wrap(errs.KindInvalidRequest, "malformed request body", err))
		return
	}
	mode, err := prompt.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, r, errs.Wrap(errs.KindInvalidRequest, "invalid mode", err))
		return
	}

	queries, err := s.orch.Plan(r.Context(), req.Query, mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var entities []string
	seen := map[string]struct{}{}
	for _, q := range queries {
		for _, e := range q.Entities {
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			entities = append(entities, e)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"generated_queries": queries,
		"entities":          entities,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingestor == nil {
		s.writeError(w, r, errs.New(errs.KindSourceUnavailable, "ingestion is not configured"))
		return
	}

	indexed, err := s.ingestor.Reindex(r.Context())
	if err != nil {
		s.writeError(w, r, errs.Wrap(errs.KindInternal, "reindex failed", err))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"processed": indexed,
		"chunks":    indexed,
		"failed":    0,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	if s.documents == nil {
		s.writeError(w, r, errs.New(errs.KindSourceUnavailable, "document registry is not configured"))
		return
	}

	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	status := r.URL.Query().Get("status")

	docs, total, err := s.documents.List(r.Context(), status, limit, offset)
	if err != nil {
		s.writeError(w, r, errs.Wrap(errs.KindInternal, "listing documents failed", err))
		return
	}

	type docOut struct {
		ID          string    `json:"id"`
		Source      string    `json:"source"`
		Title       string    `json:"title"`
		ContentType string    `json:"content_type"`
		ChunkCount  int       `json:"chunk_count"`
		Status      string    `json:"status"`
		CreatedAt   time.Time `json:"created_at"`
	}
	out := make([]docOut, 0, len(docs))
	for _, d := range docs {
		out = append(out, docOut{
			ID:          d.ID.String(),
			Source:      d.Source,
			Title:       d.Title,
			ContentType: d.ContentType,
			ChunkCount:  d.ChunkCount,
			Status:      d.Status,
			CreatedAt:   d.CreatedAt,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"documents": out,
		"total":     total,
	})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if s.ingestor == nil {
		s.writeError(w, r, errs.New(errs.KindSourceUnavailable, "ingestion is not configured"))
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, errs.Wrap(errs.KindInvalidRequest, "invalid document id", err))
		return
	}

	removed, err := s.ingestor.DeleteDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.writeError(w, r, errs.New(errs.KindInvalidRequest, "document not found"))
			return
		}
		s.writeError(w, r, errs.Wrap(errs.KindInternal, "delete failed", err))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"removed_chunks": removed})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.ingestor == nil {
		s.writeError(w, r, errs.New(errs.KindSourceUnavailable, "ingestion is not configured"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.uploadMaxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, r, errs.Wrap(errs.KindInvalidRequest, "upload too large or malformed", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, errs.Wrap(errs.KindInvalidRequest, "missing file field", err))
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == "/" || name == "" {
		s.writeError(w, r, errs.New(errs.KindInvalidRequest, "invalid filename"))
		return
	}

	dst := filepath.Join(s.uploadDir, name)
	out, err := os.Create(dst)
	if err != nil {
		s.writeError(w, r, errs.Wrap(errs.KindInternal, "storing upload failed", err))
		return
	}
	size, err := io.Copy(out, file)
	closeErr := out.Close()
	if err != nil || closeErr != nil {
		os.Remove(dst)
		s.writeError(w, r, errs.New(errs.KindInternal, "storing upload failed"))
		return
	}

	// Plain-text formats are ingested inline; anything else waits for the
	// ingestion collaborator to pick it up from the upload directory.
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".markdown":
		content, err := os.ReadFile(dst)
		if err == nil {
			if _, err := s.ingestor.IngestText(r.Context(), "upload", name, "text", string(content)); err != nil {
				s.logger.Warn("inline ingest of upload failed", "file", name, "error", err)
			}
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"filename": name,
		"size":     size,
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.models.ListModels(r.Context())
	if err != nil {
		s.writeError(w, r, errs.Wrap(errs.KindSourceUnavailable, "model list unavailable", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	ready := true

	run := func(name string, probe func(ctx context.Context) error) {
		if probe == nil {
			return
		}
		if err := probe(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
		} else {
			checks[name] = "ok"
		}
	}
	run("generator", s.readiness.Generator)
	run("reranker", s.readiness.Reranker)
	run("chunk_store", s.readiness.Store)

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps error kinds onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case errs.KindInvalidRequest:
		status = http.StatusBadRequest
	case errs.KindAuthRequired:
		status = http.StatusUnauthorized
	case errs.KindSourceUnavailable:
		status = http.StatusServiceUnavailable
	case errs.KindGeneratorBusy:
		status = http.StatusTooManyRequests
	case errs.KindGeneratorFailed:
		status = http.StatusBadGateway
	case errs.KindDeadlineExceeded:
		status = http.StatusGatewayTimeout
	}

	requestID := middleware.GetReqID(r.Context())
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "kind", kind, "error", err,
			"request_id", requestID)
	}

	var resp errorResponse
	resp.Error.Kind = string(kind)
	resp.Error.Message = err.Error()
	resp.Error.RequestID = requestID
	s.writeJSON(w, status, resp)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
