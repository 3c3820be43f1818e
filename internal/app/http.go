package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loom/api/internal/history"
	"loom/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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
		return
	}

	if r.URL.Path == "/api/projects" {
		if r.Method == http.MethodGet {
			items, err := s.service.ListProjects(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list projects", nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"projects": items})
			return
		}
		if r.Method == http.MethodPost {
			var body struct {
				Name         string `json:"name"`
				SystemPrompt string `json:"systemPrompt"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			project, trunk, err := s.service.CreateProject(r.Context(), body.Name)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			if prompt := strings.TrimSpace(body.SystemPrompt); prompt != "" {
				if _, err := s.service.AppendMessage(r.Context(), project.ID, trunk.Name, AppendMessageInput{
					Role:    history.RoleSystem,
					Content: prompt,
				}); err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"project": project,
				"trunk":   map[string]any{"id": trunk.ID, "name": trunk.Name},
			})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
			return
		}
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		offset := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			offset = parsed
		}
		payload := s.service.Search(r.Context(), search.Query{
			Text:      q,
			ProjectID: strings.TrimSpace(r.URL.Query().Get("projectId")),
			Limit:     limit,
			Offset:    offset,
		})
		writeJSON(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "projects" {
		s.handleProject(w, r, parts[2], parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProject(w http.ResponseWriter, r *http.Request, projectID string, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		project, err := s.service.GetProject(r.Context(), projectID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": project})
		return
	}

	if len(parts) == 4 && parts[3] == "branches" {
		if r.Method == http.MethodGet {
			items, err := s.service.ListBranches(r.Context(), projectID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"branches": items})
			return
		}
		if r.Method == http.MethodPost {
			var body CreateBranchInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			view, err := s.service.CreateBranch(r.Context(), projectID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"branch": view})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[3] == "merge" && r.Method == http.MethodPost {
		var body MergeInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Source) == "" || strings.TrimSpace(body.Target) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "source and target are required", nil)
			return
		}
		if body.Actor == "" {
			body.Actor = actorFrom(r)
		}
		node, err := s.service.Merge(r.Context(), projectID, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"node": node})
		return
	}

	if len(parts) >= 5 && parts[3] == "branches" {
		s.handleBranch(w, r, projectID, parts[4], parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleBranch(w http.ResponseWriter, r *http.Request, projectID, branchName string, parts []string) {
	if len(parts) == 5 {
		if r.Method == http.MethodPatch {
			var body struct {
				Name   *string `json:"name"`
				Pinned *bool   `json:"pinned"`
				Hidden *bool   `json:"hidden"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			var (
				view BranchView
				err  error
			)
			switch {
			case body.Name != nil:
				view, err = s.service.RenameBranch(r.Context(), projectID, branchName, *body.Name)
			case body.Pinned != nil:
				view, err = s.service.SetBranchPinned(r.Context(), projectID, branchName, *body.Pinned)
			case body.Hidden != nil:
				view, err = s.service.SetBranchHidden(r.Context(), projectID, branchName, *body.Hidden)
			default:
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name, pinned or hidden is required", nil)
				return
			}
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"branch": view})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 6 && parts[5] == "nodes" {
		if r.Method == http.MethodGet {
			limit := 0
			if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil {
					writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
					return
				}
				limit = parsed
			}
			before := -1
			if raw := strings.TrimSpace(r.URL.Query().Get("before")); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil {
					writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "before must be an integer", nil)
					return
				}
				before = parsed
			}
			nodes, err := s.service.ReadNodes(r.Context(), projectID, branchName, limit, before)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
			return
		}
		if r.Method == http.MethodPost {
			var body AppendMessageInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			node, err := s.service.AppendMessage(r.Context(), projectID, branchName, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"node": node})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 7 && parts[5] == "nodes" && r.Method == http.MethodGet {
		node, err := s.service.GetNode(r.Context(), projectID, branchName, parts[6])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"node": node})
		return
	}

	if len(parts) == 6 && parts[5] == "repair" && r.Method == http.MethodPost {
		length, err := s.service.RepairBranch(r.Context(), projectID, branchName)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "nodeCount": length})
		return
	}

	if len(parts) == 6 && parts[5] == "lease" {
		if r.Method == http.MethodPost {
			var body struct {
				Holder     string `json:"holder"`
				TTLSeconds int    `json:"ttlSeconds"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if body.Holder == "" {
				body.Holder = actorFrom(r)
			}
			lease, err := s.service.AcquireLease(r.Context(), projectID, branchName, body.Holder, time.Duration(body.TTLSeconds)*time.Second)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"holder":    lease.Holder,
				"expiresAt": lease.ExpiresAt,
			})
			return
		}
		if r.Method == http.MethodDelete {
			holder := actorFrom(r)
			if raw := strings.TrimSpace(r.URL.Query().Get("holder")); raw != "" {
				holder = raw
			}
			if err := s.service.ReleaseLease(r.Context(), projectID, branchName, holder); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 6 && parts[5] == "draft" {
		if r.Method == http.MethodPut {
			var body struct {
				UserID  string `json:"userId"`
				Content string `json:"content"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if body.UserID == "" {
				body.UserID = actorFrom(r)
			}
			if body.UserID == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
				return
			}
			draft, err := s.service.SaveDraft(r.Context(), projectID, branchName, body.UserID, body.Content)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"contentHash": draft.ContentHash,
				"updatedAt":   draft.UpdatedAt,
			})
			return
		}
		if r.Method == http.MethodGet {
			userID := actorFrom(r)
			if raw := strings.TrimSpace(r.URL.Query().Get("userId")); raw != "" {
				userID = raw
			}
			if userID == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
				return
			}
			status, err := s.service.DraftStatus(r.Context(), projectID, branchName, userID)
			if err != nil {
				httpStatus, code, message, details := mapError(err)
				writeError(w, httpStatus, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"draftHash":     status.DraftHash,
				"committedHash": status.CommittedHash,
				"pending":       status.Pending,
			})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 7 && parts[5] == "canvas" && parts[6] == "commit" && r.Method == http.MethodPost {
		var body struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.UserID == "" {
			body.UserID = actorFrom(r)
		}
		if body.UserID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
			return
		}
		node, err := s.service.CommitCanvas(r.Context(), projectID, branchName, body.UserID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"node": node})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Loom-Actor")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// actorFrom identifies the caller for lease and draft operations. There
// is no authentication layer; callers self-identify per request.
func actorFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Loom-Actor"))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	domain := toDomainError(err)
	return domain.Status, domain.Code, domain.Message, domain.Details
}
