package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"eduspace/api/internal/blob"
	"eduspace/api/internal/search"
	"eduspace/api/internal/store"
	"eduspace/api/internal/util"
)

type CreateNoteInput struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// UploadNoteInput is a file received over multipart upload.
type UploadNoteInput struct {
	Title       string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

func notePayload(n store.Note) map[string]any {
	return map[string]any{
		"id":          n.ID,
		"title":       n.Title,
		"contentType": nilIfEmpty(n.ContentType),
		"size":        n.Size,
		"hasFile":     n.ObjectKey != "",
		"content":     n.ExtractedContent,
		"createdAt":   n.CreatedAt,
	}
}

func (s *Service) indexNote(n store.Note) {
	if s.search == nil {
		return
	}
	s.search.IndexNote(search.NoteRecord{ID: n.ID, OwnerID: n.OwnerID, Title: n.Title, Content: n.ExtractedContent})
}

func (s *Service) ListNotes(ctx context.Context, session Session) ([]map[string]any, error) {
	notes, err := s.store.ListNotes(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(notes))
	for _, n := range notes {
		items = append(items, notePayload(n))
	}
	return items, nil
}

// CreateNote stores a text note typed directly by the user.
func (s *Service) CreateNote(ctx context.Context, session Session, input CreateNoteInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, validationError("title is required")
	}
	note := store.Note{
		ID:               util.NewID("not"),
		OwnerID:          session.UserID,
		Title:            title,
		ContentType:      "text/plain",
		Size:             int64(len(input.Content)),
		ExtractedContent: input.Content,
	}
	if err := s.store.InsertNote(ctx, note); err != nil {
		return nil, err
	}
	created, err := s.store.GetNote(ctx, session.UserID, note.ID)
	if err != nil {
		return nil, err
	}
	s.indexNote(created)
	return notePayload(created), nil
}

// UploadNote stores the uploaded file in the blob store and records a note
// for it. Text uploads are also kept as searchable content; other formats
// are stored without extracted text.
func (s *Service) UploadNote(ctx context.Context, session Session, input UploadNoteInput) (map[string]any, error) {
	if s.blobs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "UPLOADS_UNAVAILABLE", "File storage is not configured", nil)
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_UPLOAD", "Could not read upload", nil)
	}
	if len(data) == 0 {
		return nil, validationError("file is empty")
	}

	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	note := store.Note{
		ID:          util.NewID("not"),
		OwnerID:     session.UserID,
		Title:       firstNonBlank(strings.TrimSpace(input.Title), input.Filename, "Untitled upload"),
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	note.ObjectKey = blob.ObjectKey(session.UserID, note.ID, input.Filename)
	if blob.IsText(contentType, input.Filename) && utf8.Valid(data) {
		note.ExtractedContent = string(data)
	}

	if err := s.blobs.Put(ctx, note.ObjectKey, bytes.NewReader(data), note.Size, contentType); err != nil {
		return nil, err
	}
	if err := s.store.InsertNote(ctx, note); err != nil {
		if rmErr := s.blobs.Remove(ctx, note.ObjectKey); rmErr != nil {
			s.log.WithError(rmErr).WithField("object_key", note.ObjectKey).Warn("remove orphaned upload")
		}
		return nil, err
	}
	created, err := s.store.GetNote(ctx, session.UserID, note.ID)
	if err != nil {
		return nil, err
	}
	s.indexNote(created)
	s.log.WithField("note_id", note.ID).WithField("size", note.Size).Info("note uploaded")
	return notePayload(created), nil
}

// OpenNoteFile returns the stored upload of one of the caller's notes.
func (s *Service) OpenNoteFile(ctx context.Context, session Session, noteID string) (store.Note, io.ReadCloser, error) {
	note, err := s.store.GetNote(ctx, session.UserID, noteID)
	if err != nil {
		return store.Note{}, nil, err
	}
	if note.ObjectKey == "" || s.blobs == nil {
		return store.Note{}, nil, notFound("NOTE_FILE_NOT_FOUND", "This note has no file")
	}
	body, err := s.blobs.Get(ctx, note.ObjectKey)
	if errors.Is(err, blob.ErrNotFound) {
		return store.Note{}, nil, notFound("NOTE_FILE_NOT_FOUND", "This note has no file")
	}
	if err != nil {
		return store.Note{}, nil, err
	}
	return note, body, nil
}

func (s *Service) DeleteNote(ctx context.Context, session Session, noteID string) error {
	note, err := s.store.GetNote(ctx, session.UserID, noteID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteNote(ctx, note.ID); err != nil {
		return err
	}
	if note.ObjectKey != "" && s.blobs != nil {
		if err := s.blobs.Remove(ctx, note.ObjectKey); err != nil {
			s.log.WithError(err).WithField("object_key", note.ObjectKey).Warn("remove note upload")
		}
	}
	if s.search != nil {
		s.search.Delete(search.ResultNote, note.ID)
	}
	return nil
}

type SearchInput struct {
	Query     string
	Type      string
	ProjectID string
	Limit     int
	Offset    int
}

// Search runs a full-text query over the projects the caller can read and
// the caller's own notes.
func (s *Service) Search(ctx context.Context, session Session, input SearchInput) (search.Response, error) {
	text := strings.TrimSpace(input.Query)
	if text == "" {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	filterType := search.ResultType(strings.TrimSpace(input.Type))
	switch filterType {
	case "", search.ResultProject, search.ResultTask, search.ResultNote:
	default:
		return search.Response{}, validationError("type must be one of project, task, note")
	}
	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := input.Offset
	if offset < 0 {
		offset = 0
	}

	projects, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}

	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(ctx, search.Query{
		Text:            text,
		FilterType:      filterType,
		FilterProjectID: strings.TrimSpace(input.ProjectID),
		ProjectIDs:      ids,
		OwnerID:         session.UserID,
		Limit:           limit,
		Offset:          offset,
	}), nil
}
