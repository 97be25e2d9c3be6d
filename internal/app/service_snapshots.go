package app

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"eduspace/api/internal/collab"
	"eduspace/api/internal/filerepo"
	"eduspace/api/internal/rbac"
	"eduspace/api/internal/store"
	"eduspace/api/internal/util"
)

const maxSnapshotNameLen = 120

type CreateSnapshotInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func snapshotPayload(snap filerepo.Snapshot) map[string]any {
	return map[string]any{
		"id":          snap.ID,
		"name":        snap.Name,
		"description": nilIfEmpty(snap.Description),
		"hash":        snap.Hash,
		"author":      snap.Author,
		"files":       snap.Files,
		"createdAt":   snap.CreatedAt,
	}
}

func mapSnapshotError(err error) error {
	if errors.Is(err, filerepo.ErrSnapshotNotFound) {
		return notFound("SNAPSHOT_NOT_FOUND", "Snapshot not found")
	}
	return err
}

func (s *Service) ListSnapshots(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	snaps, err := s.files.Snapshots(projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		items = append(items, snapshotPayload(snap))
	}
	return items, nil
}

// CreateSnapshot records the current state of every project file under a
// name.
func (s *Service) CreateSnapshot(ctx context.Context, session Session, projectID string, input CreateSnapshotInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validationError("name is required")
	}
	if utf8.RuneCountInString(name) > maxSnapshotNameLen {
		return nil, validationError("name must be at most 120 characters")
	}
	snap, err := s.files.CreateSnapshot(projectID, util.NewID("snp"), name, strings.TrimSpace(input.Description), session.UserName)
	if err != nil {
		return nil, err
	}
	s.log.WithField("project_id", projectID).WithField("snapshot_id", snap.ID).Info("snapshot created")
	return snapshotPayload(snap), nil
}

// RestoreSnapshot rewinds every project file to the snapshot in one new
// version. File rows follow the restored tree, and each rewritten file is
// relayed to the other connections as a file edit.
func (s *Service) RestoreSnapshot(ctx context.Context, session Session, projectID, snapshotID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	result, err := s.files.RestoreSnapshot(projectID, snapshotID, session.UserName)
	if errors.Is(err, filerepo.ErrUnchanged) {
		return map[string]any{"changed": false, "written": []string{}, "removed": []string{}}, nil
	}
	if err != nil {
		return nil, mapSnapshotError(err)
	}

	rows, err := s.store.ListFiles(ctx, projectID)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]store.ProjectFile, len(rows))
	for _, row := range rows {
		byPath[row.FilePath] = row
	}

	for _, p := range result.Removed {
		if row, ok := byPath[p]; ok {
			if err := s.store.DeleteFile(ctx, row.ID); err != nil {
				return nil, err
			}
		}
	}
	for _, p := range result.Written {
		row, ok := byPath[p]
		if ok {
			if err := s.store.TouchFile(ctx, row.ID); err != nil {
				return nil, err
			}
		} else {
			row = store.ProjectFile{
				ID:        util.NewID("fil"),
				ProjectID: projectID,
				FilePath:  p,
				FileType:  fileTypeFor(p, ""),
				CreatedBy: session.UserID,
			}
			if err := s.store.InsertFile(ctx, row); err != nil {
				return nil, err
			}
		}
		content, err := s.files.ReadFile(projectID, p)
		if err != nil {
			s.log.WithError(err).WithField("project_id", projectID).WithField("file_path", p).Warn("read restored file")
			continue
		}
		s.broadcast(ctx, projectID, collab.FileEdit(projectID, session.UserID, row.ID, p, string(content)), collab.ExcludeUser(session.UserID))
	}

	s.log.WithField("project_id", projectID).WithField("snapshot_id", snapshotID).Info("snapshot restored")
	return map[string]any{
		"changed": true,
		"version": versionPayload(result.Version),
		"written": nonNil(result.Written),
		"removed": nonNil(result.Removed),
	}, nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
