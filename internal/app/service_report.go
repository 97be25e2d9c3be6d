package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"eduspace/api/internal/rbac"
	"eduspace/api/internal/report"
	"eduspace/api/internal/store"
)

const (
	defaultTimelineLimit = 50
	maxTimelineLimit     = 200
	// Commits beyond this are left out of progress counts.
	reportCommitScan = 5000
)

// reportInput gathers the project's members, tasks, commits and chat
// activity. Recent chat is only loaded when a timeline is needed.
func (s *Service) reportInput(ctx context.Context, project store.Project, recentChat int) (report.Input, error) {
	in := report.Input{
		ProjectID:   project.ID,
		Title:       project.Title,
		Description: project.Description,
		Now:         time.Now().UTC(),
	}

	members, err := s.store.ListMembers(ctx, project.ID)
	if err != nil {
		return report.Input{}, err
	}
	for _, m := range members {
		in.Members = append(in.Members, report.Member{UserID: m.UserID, Name: m.DisplayName, Email: m.Email, Role: m.Role})
	}

	tasks, err := s.store.ListTasks(ctx, project.ID)
	if err != nil {
		return report.Input{}, err
	}
	for _, t := range tasks {
		item := report.Task{ID: t.ID, Title: t.Title, Status: t.Status, OwnerID: t.OwnerID, UpdatedAt: t.UpdatedAt}
		if t.AssigneeID != nil {
			item.AssigneeID = *t.AssigneeID
		}
		in.Tasks = append(in.Tasks, item)
	}

	if s.files != nil {
		versions, err := s.files.Log(project.ID, reportCommitScan)
		if err != nil {
			return report.Input{}, err
		}
		for _, v := range versions {
			in.Commits = append(in.Commits, report.Commit{Hash: v.Hash, Author: v.Author, Message: v.Message, At: v.CreatedAt})
		}
	}

	if in.ChatCounts, err = s.store.ChatCountsByUser(ctx, project.ID); err != nil {
		return report.Input{}, err
	}
	if recentChat > 0 {
		messages, err := s.store.ListChatMessages(ctx, project.ID, recentChat)
		if err != nil {
			return report.Input{}, err
		}
		for _, m := range messages {
			in.Messages = append(in.Messages, report.Message{UserID: m.UserID, UserName: m.UserName, Text: m.Message, At: m.CreatedAt})
		}
	}
	return in, nil
}

// Progress reports task completion and per-member contributions.
func (s *Service) Progress(ctx context.Context, session Session, projectID string) (report.Progress, error) {
	access, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead)
	if err != nil {
		return report.Progress{}, err
	}
	in, err := s.reportInput(ctx, access.project, 0)
	if err != nil {
		return report.Progress{}, err
	}
	return report.BuildProgress(in), nil
}

func (s *Service) Timeline(ctx context.Context, session Session, projectID string, limit int) ([]report.Activity, error) {
	if limit <= 0 || limit > maxTimelineLimit {
		return nil, validationError("limit must be between 1 and 200")
	}
	access, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	in, err := s.reportInput(ctx, access.project, limit)
	if err != nil {
		return nil, err
	}
	return report.Timeline(in, limit), nil
}

// ExportReport renders the progress report with the latest activity as a
// downloadable document.
func (s *Service) ExportReport(ctx context.Context, session Session, projectID, format string) (*report.Result, error) {
	parsed, err := report.ParseFormat(format)
	if err != nil {
		return nil, validationError("format must be one of pdf, docx, html")
	}
	access, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	in, err := s.reportInput(ctx, access.project, defaultTimelineLimit)
	if err != nil {
		return nil, err
	}
	doc := report.Document{Progress: report.BuildProgress(in), Activity: report.Timeline(in, defaultTimelineLimit)}
	result, err := s.reports.Render(ctx, doc, parsed)
	switch {
	case errors.Is(err, report.ErrPDFDependencyMissing), errors.Is(err, report.ErrDOCXDependencyMissing):
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not available for this format", map[string]any{"format": string(parsed)})
	case err != nil:
		return nil, err
	}
	s.log.WithField("project_id", projectID).WithField("format", parsed).Info("report exported")
	return result, nil
}
