package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"eduspace/api/internal/email"
	"eduspace/api/internal/rbac"
	"eduspace/api/internal/search"
	"eduspace/api/internal/store"
	"eduspace/api/internal/util"
)

type CreateProjectInput struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	RepositoryURL string `json:"repositoryUrl"`
	IsPublic      bool   `json:"isPublic"`
}

type AddMemberInput struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

func projectPayload(p store.Project, role string) map[string]any {
	return map[string]any{
		"id":            p.ID,
		"title":         p.Title,
		"description":   p.Description,
		"repositoryUrl": nilIfEmpty(p.RepositoryURL),
		"isPublic":      p.IsPublic,
		"ownerId":       p.OwnerID,
		"role":          nilIfEmpty(role),
		"createdAt":     p.CreatedAt,
		"updatedAt":     p.UpdatedAt,
	}
}

func memberPayload(m store.ProjectMember) map[string]any {
	return map[string]any{
		"userId":      m.UserID,
		"displayName": m.DisplayName,
		"email":       m.Email,
		"role":        m.Role,
		"joinedAt":    m.JoinedAt,
	}
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]map[string]any, error) {
	projects, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		role, _, err := s.store.MemberRole(ctx, p.ID, session.UserID)
		if err != nil {
			return nil, err
		}
		items = append(items, projectPayload(p, role))
	}
	return items, nil
}

// CreateProject stores the project with the caller as leader and prepares
// its file repository.
func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, validationError("title is required")
	}
	if len(title) > 200 {
		return nil, validationError("title must be at most 200 characters")
	}

	project := store.Project{
		ID:            util.NewID("prj"),
		Title:         title,
		Description:   strings.TrimSpace(input.Description),
		RepositoryURL: strings.TrimSpace(input.RepositoryURL),
		IsPublic:      input.IsPublic,
		OwnerID:       session.UserID,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	if s.files != nil {
		if err := s.files.EnsureProjectRepo(project.ID); err != nil {
			return nil, fmt.Errorf("init project repository: %w", err)
		}
	}
	if s.search != nil {
		s.search.IndexProject(search.ProjectRecord{
			ID:          project.ID,
			Title:       project.Title,
			Description: project.Description,
			IsPublic:    project.IsPublic,
		})
	}

	created, err := s.store.GetProject(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	s.log.WithField("project_id", project.ID).WithField("user_id", session.UserID).Info("project created")
	return projectPayload(created, string(rbac.RoleLeader)), nil
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	access, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	return projectPayload(access.project, access.role), nil
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionManage); err != nil {
		return err
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	s.disconnect(projectID, "", "project deleted")
	if s.files != nil {
		if err := s.files.RemoveProjectRepo(projectID); err != nil {
			s.log.WithError(err).WithField("project_id", projectID).Warn("remove project repository")
		}
	}
	if s.search != nil {
		s.search.Delete(search.ResultProject, projectID)
		for _, task := range tasks {
			s.search.Delete(search.ResultTask, task.ID)
		}
	}
	s.log.WithField("project_id", projectID).WithField("user_id", session.UserID).Info("project deleted")
	return nil
}

func (s *Service) ListMembers(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, m := range members {
		items = append(items, memberPayload(m))
	}
	return items, nil
}

// AddMember adds a user, found by id or email, with the given role. Adding
// an existing member changes their role.
func (s *Service) AddMember(ctx context.Context, session Session, projectID string, input AddMemberInput) (map[string]any, error) {
	access, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionManage)
	if err != nil {
		return nil, err
	}
	role := strings.TrimSpace(input.Role)
	if role == "" {
		role = string(rbac.RoleViewer)
	}
	if !rbac.Valid(role) {
		return nil, validationError("role must be one of leader, developer, designer, doc_manager, viewer")
	}

	var user store.User
	switch {
	case strings.TrimSpace(input.UserID) != "":
		user, err = s.store.GetUserByID(ctx, strings.TrimSpace(input.UserID))
	case strings.TrimSpace(input.Email) != "":
		user, err = s.store.GetUserByEmail(ctx, strings.TrimSpace(input.Email))
	default:
		return nil, validationError("userId or email is required")
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("USER_NOT_FOUND", "User not found")
	}
	if err != nil {
		return nil, err
	}
	if user.ID == access.project.OwnerID && role != string(rbac.RoleLeader) {
		return nil, domainError(http.StatusConflict, "OWNER_ROLE_LOCKED", "The project owner must stay leader", nil)
	}

	previous, wasMember, err := s.store.MemberRole(ctx, projectID, user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertMember(ctx, projectID, user.ID, role); err != nil {
		return nil, err
	}
	if wasMember && previous != role {
		s.disconnect(projectID, user.ID, "project role changed")
	}
	if (!wasMember || previous != role) && user.ID != session.UserID {
		s.notifyMemberAdded(access.project, user, role, session.UserName)
	}
	return map[string]any{
		"userId":      user.ID,
		"displayName": user.DisplayName,
		"email":       user.Email,
		"role":        role,
	}, nil
}

// notifyMemberAdded mails the user in the background. Failures are logged
// and never fail the membership change.
func (s *Service) notifyMemberAdded(project store.Project, user store.User, role, addedBy string) {
	if s.notifier == nil {
		return
	}
	msg := email.MemberAdded{
		To:          user.Email,
		UserName:    user.DisplayName,
		ProjectName: project.Title,
		Role:        role,
		AddedBy:     firstNonBlank(addedBy, "A project leader"),
		ProjectURL:  s.cfg.AppURL + "/projects/" + project.ID,
	}
	go func() {
		if err := s.notifier.SendMemberAdded(msg); err != nil {
			s.log.WithError(err).WithField("project_id", project.ID).WithField("user_id", user.ID).Warn("member notification failed")
		}
	}()
}

func (s *Service) UpdateMemberRole(ctx context.Context, session Session, projectID, userID, role string) (map[string]any, error) {
	return s.AddMember(ctx, session, projectID, AddMemberInput{UserID: userID, Role: role})
}

// RemoveMember removes userID from the project. Members may remove
// themselves; removing anyone else needs manage rights.
func (s *Service) RemoveMember(ctx context.Context, session Session, projectID, userID string) error {
	action := rbac.ActionManage
	if userID == session.UserID {
		action = rbac.ActionRead
	}
	access, err := s.authorize(ctx, projectID, session.UserID, action)
	if err != nil {
		return err
	}
	if userID == access.project.OwnerID {
		return domainError(http.StatusConflict, "OWNER_ROLE_LOCKED", "The project owner cannot be removed", nil)
	}
	removed, err := s.store.RemoveMember(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return notFound("MEMBER_NOT_FOUND", "Member not found")
	}
	s.disconnect(projectID, userID, "removed from project")
	return nil
}
