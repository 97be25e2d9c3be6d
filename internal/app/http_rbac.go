package app

import "net/http"

// routeProjects serves /api/projects/... ; rest is the path after
// "projects". It reports whether the request was handled.
func (s *HTTPServer) routeProjects(w http.ResponseWriter, r *http.Request, session Session, rest []string) bool {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListProjects(r.Context(), session)
			if err != nil {
				s.writeServiceError(w, r, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"projects": items})
		case http.MethodPost:
			var body CreateProjectInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			payload, err := s.service.CreateProject(r.Context(), session, body)
			if err != nil {
				s.writeServiceError(w, r, err)
				return true
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return true
	}

	projectID := rest[0]
	if len(rest) == 1 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetProject(r.Context(), session, projectID)
			if err != nil {
				s.writeServiceError(w, r, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteProject(r.Context(), session, projectID); err != nil {
				s.writeServiceError(w, r, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return true
	}

	switch rest[1] {
	case "members":
		return s.routeMembers(w, r, session, projectID, rest[2:])
	case "invites":
		return s.routeInvites(w, r, session, projectID, rest[2:])
	}
	return s.routeWorkspace(w, r, session, projectID, rest[1:])
}

func (s *HTTPServer) routeMembers(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) bool {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListMembers(r.Context(), session, projectID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": items})
		return true

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body AddMemberInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.AddMember(r.Context(), session, projectID, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true

	case len(rest) == 1 && r.Method == http.MethodPut:
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.UpdateMemberRole(r.Context(), session, projectID, rest[0], body.Role)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.RemoveMember(r.Context(), session, projectID, rest[0]); err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return true
	}
	return false
}

func (s *HTTPServer) routeInvites(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) bool {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListInvites(r.Context(), session, projectID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"invites": items})
		return true

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body CreateInviteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.CreateInvite(r.Context(), session, projectID, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusCreated, payload)
		return true

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.RevokeInvite(r.Context(), session, projectID, rest[0]); err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return true
	}
	return false
}

// routeInviteTokens serves /api/invites/{token}/accept.
func (s *HTTPServer) routeInviteTokens(w http.ResponseWriter, r *http.Request, session Session, rest []string) bool {
	if len(rest) != 2 || rest[1] != "accept" || r.Method != http.MethodPost {
		return false
	}
	payload, err := s.service.AcceptInvite(r.Context(), session, rest[0])
	if err != nil {
		s.writeServiceError(w, r, err)
		return true
	}
	writeJSON(w, http.StatusOK, payload)
	return true
}
