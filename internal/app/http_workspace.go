package app

import (
	"fmt"
	"net/http"
	"strconv"
)

// routeWorkspace serves the per-project collaboration resources; rest is
// the path after /api/projects/{id}.
func (s *HTTPServer) routeWorkspace(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) bool {
	switch rest[0] {
	case "chat":
		return s.routeChat(w, r, session, projectID, rest[1:])
	case "files":
		return s.routeFiles(w, r, session, projectID, rest[1:])
	case "tasks":
		return s.routeTasks(w, r, session, projectID, rest[1:])
	case "snapshots":
		return s.routeSnapshots(w, r, session, projectID, rest[1:])
	case "presence":
		if len(rest) != 1 || r.Method != http.MethodGet {
			return false
		}
		payload, err := s.service.Presence(r.Context(), session, projectID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	case "analytics", "timeline", "report":
		if len(rest) != 1 || r.Method != http.MethodGet {
			return false
		}
		s.handleReport(w, r, session, projectID, rest[0])
		return true
	}
	return false
}

func (s *HTTPServer) handleReport(w http.ResponseWriter, r *http.Request, session Session, projectID, kind string) {
	switch kind {
	case "analytics":
		progress, err := s.service.Progress(r.Context(), session, projectID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, progress)

	case "timeline":
		limit, ok := queryInt(w, r.URL.Query().Get("limit"), "limit", defaultTimelineLimit)
		if !ok {
			return
		}
		items, err := s.service.Timeline(r.Context(), session, projectID, limit)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"timeline": items})

	case "report":
		result, err := s.service.ExportReport(r.Context(), session, projectID, r.URL.Query().Get("format"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(result.Data); err != nil {
			s.log.WithError(err).WithField("project_id", projectID).Warn("write report")
		}
	}
}

func (s *HTTPServer) routeChat(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) bool {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		limit, ok := queryInt(w, r.URL.Query().Get("limit"), "limit", defaultChatLimit)
		if !ok {
			return true
		}
		items, err := s.service.ListChat(r.Context(), session, projectID, limit)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
		return true

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.PostChat(r.Context(), session, projectID, body.Message)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusCreated, payload)
		return true

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteChat(r.Context(), session, projectID, rest[0]); err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return true
	}
	return false
}

func (s *HTTPServer) routeFiles(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) bool {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListFiles(r.Context(), session, projectID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": items})
		return true

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body CreateFileInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.CreateFile(r.Context(), session, projectID, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusCreated, payload)
		return true

	case len(rest) == 1 && r.Method == http.MethodGet:
		payload, err := s.service.GetFile(r.Context(), session, projectID, rest[0], r.URL.Query().Get("version"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true

	case len(rest) == 1 && r.Method == http.MethodPut:
		var body UpdateFileInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.UpdateFile(r.Context(), session, projectID, rest[0], body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteFile(r.Context(), session, projectID, rest[0]); err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return true

	case len(rest) == 2 && rest[1] == "versions" && r.Method == http.MethodGet:
		limit, ok := queryInt(w, r.URL.Query().Get("limit"), "limit", 50)
		if !ok {
			return true
		}
		items, err := s.service.FileVersions(r.Context(), session, projectID, rest[0], limit)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": items})
		return true

	case len(rest) == 4 && rest[1] == "versions" && rest[3] == "restore" && r.Method == http.MethodPost:
		payload, err := s.service.RestoreVersion(r.Context(), session, projectID, rest[0], rest[2])
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}
	return false
}

func (s *HTTPServer) routeTasks(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) bool {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListTasks(r.Context(), session, projectID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": items})
		return true

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body TaskInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.CreateTask(r.Context(), session, projectID, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusCreated, payload)
		return true

	case len(rest) == 1 && r.Method == http.MethodPut:
		var body TaskInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.UpdateTask(r.Context(), session, projectID, rest[0], body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteTask(r.Context(), session, projectID, rest[0]); err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return true
	}
	return false
}

func (s *HTTPServer) routeSnapshots(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) bool {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListSnapshots(r.Context(), session, projectID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": items})
		return true

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body CreateSnapshotInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.CreateSnapshot(r.Context(), session, projectID, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusCreated, payload)
		return true

	case len(rest) == 2 && rest[1] == "restore" && r.Method == http.MethodPost:
		payload, err := s.service.RestoreSnapshot(r.Context(), session, projectID, rest[0])
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}
	return false
}
