package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"eduspace/api/internal/collab"
	"eduspace/api/internal/filerepo"
	"eduspace/api/internal/rbac"
	"eduspace/api/internal/search"
	"eduspace/api/internal/store"
	"eduspace/api/internal/util"
)

const (
	maxChatMessageLen = 4000
	defaultChatLimit  = 50
	maxChatLimit      = 200
)

var allowedTaskStatus = map[string]struct{}{
	"todo":        {},
	"in_progress": {},
	"done":        {},
}

var allowedTaskPriority = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
}

func chatPayload(m store.ChatMessage) map[string]any {
	return map[string]any{
		"id":        m.ID,
		"projectId": m.ProjectID,
		"userId":    m.UserID,
		"userName":  m.UserName,
		"message":   m.Message,
		"createdAt": m.CreatedAt,
	}
}

func (s *Service) ListChat(ctx context.Context, session Session, projectID string, limit int) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultChatLimit
	}
	if limit > maxChatLimit {
		limit = maxChatLimit
	}
	messages, err := s.store.ListChatMessages(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		items = append(items, chatPayload(m))
	}
	return items, nil
}

// PostChat stores a message and relays it to everyone in the project room
// except the poster's own connections.
func (s *Service) PostChat(ctx context.Context, session Session, projectID, message string) (map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionChat); err != nil {
		return nil, err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, validationError("message is required")
	}
	if len(message) > maxChatMessageLen {
		return nil, validationError(fmt.Sprintf("message must be at most %d characters", maxChatMessageLen))
	}

	msg := store.ChatMessage{
		ID:        util.NewID("msg"),
		ProjectID: projectID,
		UserID:    session.UserID,
		UserName:  session.UserName,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertChatMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.broadcast(ctx, projectID, collab.ChatMessage(projectID, session.UserID, message), collab.ExcludeUser(session.UserID))
	return chatPayload(msg), nil
}

// DeleteChat removes a message. Authors may delete their own; leaders any.
func (s *Service) DeleteChat(ctx context.Context, session Session, projectID, messageID string) error {
	access, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead)
	if err != nil {
		return err
	}
	msg, err := s.store.GetChatMessage(ctx, projectID, messageID)
	if err != nil {
		return err
	}
	if msg.UserID != session.UserID && !access.can(rbac.ActionManage) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the author or a leader can delete this message", nil)
	}
	return s.store.DeleteChatMessage(ctx, messageID)
}

type CreateFileInput struct {
	FilePath string `json:"filePath"`
	FileType string `json:"fileType"`
	Content  string `json:"content"`
	Message  string `json:"message"`
}

type UpdateFileInput struct {
	Content string `json:"content"`
	Message string `json:"message"`
}

func filePayload(f store.ProjectFile) map[string]any {
	return map[string]any{
		"id":        f.ID,
		"projectId": f.ProjectID,
		"filePath":  f.FilePath,
		"fileType":  f.FileType,
		"createdBy": f.CreatedBy,
		"createdAt": f.CreatedAt,
		"updatedAt": f.UpdatedAt,
	}
}

func versionPayload(v filerepo.Version) map[string]any {
	return map[string]any{
		"hash":      v.Hash,
		"shortHash": v.ShortHash,
		"message":   v.Message,
		"author":    v.Author,
		"createdAt": v.CreatedAt,
	}
}

func fileTypeFor(filePath, declared string) string {
	if declared = strings.TrimSpace(declared); declared != "" {
		return declared
	}
	idx := strings.LastIndex(filePath, ".")
	if idx < 0 || idx == len(filePath)-1 {
		return "text"
	}
	return strings.ToLower(filePath[idx+1:])
}

func mapFileError(err error) error {
	switch {
	case errors.Is(err, filerepo.ErrInvalidPath):
		return validationError("filePath must be a relative path inside the project")
	case errors.Is(err, filerepo.ErrNotFound):
		return notFound("FILE_NOT_FOUND", "File not found")
	}
	return err
}

func (s *Service) ListFiles(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(files))
	for _, f := range files {
		items = append(items, filePayload(f))
	}
	return items, nil
}

func (s *Service) CreateFile(ctx context.Context, session Session, projectID string, input CreateFileInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	cleaned, err := filerepo.CleanPath(input.FilePath)
	if err != nil {
		return nil, mapFileError(err)
	}

	file := store.ProjectFile{
		ID:        util.NewID("fil"),
		ProjectID: projectID,
		FilePath:  cleaned,
		FileType:  fileTypeFor(cleaned, input.FileType),
		CreatedBy: session.UserID,
	}
	if err := s.store.InsertFile(ctx, file); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "FILE_EXISTS", "A file with this path already exists", map[string]any{"filePath": cleaned})
		}
		return nil, err
	}

	version, err := s.files.SaveFile(projectID, cleaned, []byte(input.Content), session.UserName, firstNonBlank(input.Message, "Create "+cleaned))
	if err != nil && !errors.Is(err, filerepo.ErrUnchanged) {
		if delErr := s.store.DeleteFile(ctx, file.ID); delErr != nil {
			s.log.WithError(delErr).WithField("file_id", file.ID).Warn("rollback file row")
		}
		return nil, mapFileError(err)
	}

	created, err := s.store.GetFile(ctx, projectID, file.ID)
	if err != nil {
		return nil, err
	}
	payload := filePayload(created)
	payload["content"] = input.Content
	if version.Hash != "" {
		payload["version"] = versionPayload(version)
	}
	return payload, nil
}

// GetFile returns metadata and content, at head or at revision when given.
func (s *Service) GetFile(ctx context.Context, session Session, projectID, fileID, revision string) (map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	file, err := s.store.GetFile(ctx, projectID, fileID)
	if err != nil {
		return nil, err
	}
	content, err := s.files.ReadFileAt(projectID, file.FilePath, strings.TrimSpace(revision))
	if err != nil {
		return nil, mapFileError(err)
	}
	payload := filePayload(file)
	payload["content"] = string(content)
	payload["revision"] = nilIfEmpty(strings.TrimSpace(revision))
	return payload, nil
}

// UpdateFile commits new content and relays it to the other connections
// in the project room. Unchanged content commits nothing and relays nothing.
func (s *Service) UpdateFile(ctx context.Context, session Session, projectID, fileID string, input UpdateFileInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	file, err := s.store.GetFile(ctx, projectID, fileID)
	if err != nil {
		return nil, err
	}
	return s.commitFile(ctx, session, file, input.Content, firstNonBlank(input.Message, "Update "+file.FilePath))
}

func (s *Service) commitFile(ctx context.Context, session Session, file store.ProjectFile, content, message string) (map[string]any, error) {
	payload := filePayload(file)
	payload["content"] = content

	version, err := s.files.SaveFile(file.ProjectID, file.FilePath, []byte(content), session.UserName, message)
	if errors.Is(err, filerepo.ErrUnchanged) {
		payload["changed"] = false
		return payload, nil
	}
	if err != nil {
		return nil, mapFileError(err)
	}
	if err := s.store.TouchFile(ctx, file.ID); err != nil {
		return nil, err
	}

	s.broadcast(ctx, file.ProjectID, collab.FileEdit(file.ProjectID, session.UserID, file.ID, file.FilePath, content), collab.ExcludeUser(session.UserID))
	payload["changed"] = true
	payload["version"] = versionPayload(version)
	return payload, nil
}

func (s *Service) DeleteFile(ctx context.Context, session Session, projectID, fileID string) error {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionEdit); err != nil {
		return err
	}
	file, err := s.store.GetFile(ctx, projectID, fileID)
	if err != nil {
		return err
	}
	if _, err := s.files.RemoveFile(projectID, file.FilePath, session.UserName); err != nil && !errors.Is(err, filerepo.ErrNotFound) {
		return mapFileError(err)
	}
	return s.store.DeleteFile(ctx, file.ID)
}

func (s *Service) FileVersions(ctx context.Context, session Session, projectID, fileID string, limit int) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	file, err := s.store.GetFile(ctx, projectID, fileID)
	if err != nil {
		return nil, err
	}
	versions, err := s.files.History(projectID, file.FilePath, limit)
	if err != nil {
		return nil, mapFileError(err)
	}
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionPayload(v))
	}
	return items, nil
}

// RestoreVersion commits the content the file had at hash as a new version.
func (s *Service) RestoreVersion(ctx context.Context, session Session, projectID, fileID, hash string) (map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	file, err := s.store.GetFile(ctx, projectID, fileID)
	if err != nil {
		return nil, err
	}
	content, err := s.files.ReadFileAt(projectID, file.FilePath, hash)
	if err != nil {
		if errors.Is(err, filerepo.ErrNotFound) {
			return nil, mapFileError(err)
		}
		return nil, domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", map[string]any{"hash": hash})
	}
	short := hash
	if len(short) > 7 {
		short = short[:7]
	}
	return s.commitFile(ctx, session, file, string(content), fmt.Sprintf("Restore %s to %s", file.FilePath, short))
}

type TaskInput struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Priority    *string `json:"priority"`
	AssigneeID  *string `json:"assigneeId"`
	DueDate     *string `json:"dueDate"`
}

func taskPayload(t store.Task) map[string]any {
	var due any
	if t.DueDate != nil {
		due = t.DueDate.Format("2006-01-02")
	}
	var assignee any
	if t.AssigneeID != nil {
		assignee = *t.AssigneeID
	}
	return map[string]any{
		"id":          t.ID,
		"projectId":   t.ProjectID,
		"title":       t.Title,
		"description": t.Description,
		"status":      t.Status,
		"priority":    t.Priority,
		"assigneeId":  assignee,
		"dueDate":     due,
		"ownerId":     t.OwnerID,
		"createdAt":   t.CreatedAt,
		"updatedAt":   t.UpdatedAt,
	}
}

// applyTaskInput copies the fields present in input onto task and
// validates the result.
func (s *Service) applyTaskInput(ctx context.Context, task *store.Task, input TaskInput) error {
	if input.Title != nil {
		task.Title = strings.TrimSpace(*input.Title)
	}
	if input.Description != nil {
		task.Description = strings.TrimSpace(*input.Description)
	}
	if input.Status != nil {
		task.Status = strings.TrimSpace(*input.Status)
	}
	if input.Priority != nil {
		task.Priority = strings.TrimSpace(*input.Priority)
	}
	if input.AssigneeID != nil {
		assignee := strings.TrimSpace(*input.AssigneeID)
		if assignee == "" {
			task.AssigneeID = nil
		} else {
			if _, member, err := s.store.MemberRole(ctx, task.ProjectID, assignee); err != nil {
				return err
			} else if !member {
				return validationError("assignee must be a project member")
			}
			task.AssigneeID = &assignee
		}
	}
	if input.DueDate != nil {
		raw := strings.TrimSpace(*input.DueDate)
		if raw == "" {
			task.DueDate = nil
		} else {
			due, err := time.Parse("2006-01-02", raw)
			if err != nil {
				return validationError("dueDate must be YYYY-MM-DD")
			}
			task.DueDate = &due
		}
	}

	if task.Title == "" {
		return validationError("title is required")
	}
	if _, ok := allowedTaskStatus[task.Status]; !ok {
		return validationError("status must be one of todo, in_progress, done")
	}
	if _, ok := allowedTaskPriority[task.Priority]; !ok {
		return validationError("priority must be one of low, medium, high")
	}
	return nil
}

func (s *Service) indexTask(task store.Task) {
	if s.search == nil {
		return
	}
	s.search.IndexTask(search.TaskRecord{
		ID:          task.ID,
		ProjectID:   task.ProjectID,
		Title:       task.Title,
		Description: task.Description,
		Status:      task.Status,
	})
}

func (s *Service) ListTasks(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, taskPayload(t))
	}
	return items, nil
}

func (s *Service) CreateTask(ctx context.Context, session Session, projectID string, input TaskInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	task := store.Task{
		ID:        util.NewID("tsk"),
		ProjectID: projectID,
		Status:    "todo",
		Priority:  "medium",
		OwnerID:   session.UserID,
	}
	if err := s.applyTaskInput(ctx, &task, input); err != nil {
		return nil, err
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	created, err := s.store.GetTask(ctx, projectID, task.ID)
	if err != nil {
		return nil, err
	}
	s.indexTask(created)
	return taskPayload(created), nil
}

func (s *Service) UpdateTask(ctx context.Context, session Session, projectID, taskID string, input TaskInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.applyTaskInput(ctx, &task, input); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	updated, err := s.store.GetTask(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	s.indexTask(updated)
	return taskPayload(updated), nil
}

func (s *Service) DeleteTask(ctx context.Context, session Session, projectID, taskID string) error {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionEdit); err != nil {
		return err
	}
	deleted, err := s.store.DeleteTask(ctx, projectID, taskID)
	if err != nil {
		return err
	}
	if !deleted {
		return sql.ErrNoRows
	}
	if s.search != nil {
		s.search.Delete(search.ResultTask, taskID)
	}
	return nil
}

// Presence lists the users connected to the project room. With a shared
// presence store it covers every API instance; otherwise only this one.
func (s *Service) Presence(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	source := "local"
	var users []string
	if s.presence != nil {
		online, err := s.presence.Online(ctx, projectID)
		if err == nil {
			users, source = online, "shared"
		} else {
			s.log.WithError(err).WithField("project_id", projectID).Warn("presence lookup failed, using local registry")
		}
	}
	if source == "local" && s.hub != nil {
		users = s.hub.Registry().UsersIn(projectID)
	}
	if users == nil {
		users = []string{}
	}
	sort.Strings(users)
	return map[string]any{
		"projectId": projectID,
		"users":     users,
		"source":    source,
	}, nil
}
