package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"eduspace/api/internal/auth"
	"eduspace/api/internal/authpw"
	"eduspace/api/internal/blob"
	"eduspace/api/internal/collab"
	"eduspace/api/internal/config"
	"eduspace/api/internal/email"
	"eduspace/api/internal/filerepo"
	"eduspace/api/internal/rbac"
	"eduspace/api/internal/report"
	"eduspace/api/internal/search"
	"eduspace/api/internal/store"
	"eduspace/api/internal/util"
	"github.com/sirupsen/logrus"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	CreateProject(context.Context, store.Project) error
	ListProjectsForUser(context.Context, string) ([]store.Project, error)
	GetProject(context.Context, string) (store.Project, error)
	DeleteProject(context.Context, string) error
	MemberRole(context.Context, string, string) (string, bool, error)
	ListMembers(context.Context, string) ([]store.ProjectMember, error)
	UpsertMember(context.Context, string, string, string) error
	RemoveMember(context.Context, string, string) (bool, error)
	ListFiles(context.Context, string) ([]store.ProjectFile, error)
	GetFile(context.Context, string, string) (store.ProjectFile, error)
	InsertFile(context.Context, store.ProjectFile) error
	TouchFile(context.Context, string) error
	DeleteFile(context.Context, string) error
	ListTasks(context.Context, string) ([]store.Task, error)
	GetTask(context.Context, string, string) (store.Task, error)
	InsertTask(context.Context, store.Task) error
	UpdateTask(context.Context, store.Task) error
	DeleteTask(context.Context, string, string) (bool, error)
	InsertChatMessage(context.Context, store.ChatMessage) error
	ListChatMessages(context.Context, string, int) ([]store.ChatMessage, error)
	GetChatMessage(context.Context, string, string) (store.ChatMessage, error)
	DeleteChatMessage(context.Context, string) error
	ChatCountsByUser(context.Context, string) (map[string]int, error)
	InsertNote(context.Context, store.Note) error
	ListNotes(context.Context, string) ([]store.Note, error)
	GetNote(context.Context, string, string) (store.Note, error)
	DeleteNote(context.Context, string) error
	InsertInvite(context.Context, store.ProjectInvite) error
	ListInvites(context.Context, string) ([]store.ProjectInvite, error)
	GetInviteByTokenHash(context.Context, string) (store.ProjectInvite, error)
	RevokeInvite(context.Context, string, string) (bool, error)
	AcceptInvite(context.Context, string, string) (bool, error)
	Ping(ctx context.Context) error
}

// refreshStore holds refresh tokens. Redis when configured, otherwise the
// relational store.
type refreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type fileRepo interface {
	EnsureProjectRepo(string) error
	SaveFile(string, string, []byte, string, string) (filerepo.Version, error)
	RemoveFile(string, string, string) (filerepo.Version, error)
	ReadFile(string, string) ([]byte, error)
	ReadFileAt(string, string, string) ([]byte, error)
	History(string, string, int) ([]filerepo.Version, error)
	Log(string, int) ([]filerepo.Version, error)
	CreateSnapshot(string, string, string, string, string) (filerepo.Snapshot, error)
	Snapshots(string) ([]filerepo.Snapshot, error)
	RestoreSnapshot(string, string, string) (filerepo.RestoreResult, error)
	RemoveProjectRepo(string) error
}

type blobStore interface {
	Put(context.Context, string, io.Reader, int64, string) error
	Get(context.Context, string) (io.ReadCloser, error)
	Remove(context.Context, string) error
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexProject(search.ProjectRecord)
	IndexTask(search.TaskRecord)
	IndexNote(search.NoteRecord)
	Delete(search.ResultType, string)
}

type presenceReader interface {
	Online(ctx context.Context, projectID string) ([]string, error)
}

type reportRenderer interface {
	Render(context.Context, report.Document, report.Format) (*report.Result, error)
}

type notifier interface {
	IsConfigured() bool
	SendMemberAdded(email.MemberAdded) error
	SendProjectInvite(email.ProjectInvite) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  refreshStore
	files     fileRepo
	blobs     blobStore
	search    searchIndex
	presence  presenceReader
	reports   reportRenderer
	notifier  notifier
	hub       *collab.Hub
	passwords *authpw.Service
	log       logrus.FieldLogger
}

func New(cfg config.Config, dataStore *store.PostgresStore, files *filerepo.Service, hub *collab.Hub, log logrus.FieldLogger) *Service {
	return newService(cfg, dataStore, dataStore, files, hub, log)
}

// NewWithSessionStore keeps refresh tokens in sessions instead of PostgreSQL.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions refreshStore, files *filerepo.Service, hub *collab.Hub, log logrus.FieldLogger) *Service {
	return newService(cfg, dataStore, sessions, files, hub, log)
}

func newService(cfg config.Config, ds dataStore, sessions refreshStore, files fileRepo, hub *collab.Hub, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		cfg:       cfg,
		store:     ds,
		sessions:  sessions,
		files:     files,
		reports:   report.NewRenderer(cfg.ReportTimeout),
		hub:       hub,
		passwords: authpw.NewService(ds),
		log:       log.WithField("component", "app"),
	}
}

func (s *Service) SetSearch(svc *search.Service) {
	if svc != nil {
		s.search = svc
	}
}

func (s *Service) SetBlobs(b *blob.Store) {
	if b != nil {
		s.blobs = b
	}
}

// SetNotifier enables membership emails. Unconfigured mailers are ignored.
func (s *Service) SetNotifier(n *email.Service) {
	if n != nil && n.IsConfigured() {
		s.notifier = n
	}
}

// SetPresence makes the presence endpoint read from a shared store instead
// of this instance's registry.
func (s *Service) SetPresence(p presenceReader) {
	s.presence = p
}

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{Email: email, Password: password, DisplayName: displayName})
	if err != nil {
		return Session{}, mapAuthError(err)
	}
	s.log.WithField("user_id", user.ID).Info("user signed up")
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, mapAuthError(err)
	}
	return s.issueSession(ctx, user)
}

func mapAuthError(err error) error {
	switch {
	case errors.Is(err, authpw.ErrInvalidInput):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", strings.TrimPrefix(err.Error(), authpw.ErrInvalidInput.Error()+": "), nil)
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return err
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	full, err := s.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, full)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("jti")
	token, claims, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, jti, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// projectAccess is the caller's standing in one project.
type projectAccess struct {
	project store.Project
	role    string
	member  bool
}

func (a projectAccess) can(action rbac.Action) bool {
	return rbac.CanAccess(a.role, a.member, a.project.IsPublic, action)
}

// authorize loads the project and checks that userID may perform action on
// it. Unknown projects are 404; known projects the caller may not touch
// are 403.
func (s *Service) authorize(ctx context.Context, projectID, userID string, action rbac.Action) (projectAccess, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return projectAccess{}, notFound("PROJECT_NOT_FOUND", "Project not found")
		}
		return projectAccess{}, fmt.Errorf("load project: %w", err)
	}
	role, member, err := s.store.MemberRole(ctx, projectID, userID)
	if err != nil {
		return projectAccess{}, err
	}
	access := projectAccess{project: project, role: role, member: member}
	if !access.can(action) {
		return projectAccess{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": string(action)})
	}
	return access, nil
}

// AuthorizeRoom resolves the caller of a websocket upgrade and checks that
// they may read the project. It runs before the upgrade so a rejected
// caller never gets a session. The returned policy reports which frame kinds
// the caller's role may relay once connected.
func (s *Service) AuthorizeRoom(ctx context.Context, token, projectID string) (Session, func(collab.Kind) bool, error) {
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return Session{}, nil, err
	}
	access, err := s.authorize(ctx, projectID, session.UserID, rbac.ActionRead)
	if err != nil {
		return Session{}, nil, err
	}
	return session, access.relayPolicy(), nil
}

// relayActions maps relayable frame kinds to the action they need.
var relayActions = map[collab.Kind]rbac.Action{
	collab.KindChatMessage: rbac.ActionChat,
	collab.KindFileEdit:    rbac.ActionEdit,
	collab.KindCursorMove:  rbac.ActionRead,
}

// relayPolicy snapshots the role at connect time. A role change disconnects
// the user's sessions so they reconnect under the new policy.
func (a projectAccess) relayPolicy() func(collab.Kind) bool {
	allowed := make(map[collab.Kind]bool, len(relayActions))
	for kind, action := range relayActions {
		allowed[kind] = a.can(action)
	}
	return func(k collab.Kind) bool { return allowed[k] }
}

// disconnect closes the project's websocket sessions of userID, or all of
// them when userID is empty.
func (s *Service) disconnect(projectID, userID, reason string) {
	if s.hub == nil {
		return
	}
	s.hub.Disconnect(projectID, userID, reason)
}

func (s *Service) broadcast(ctx context.Context, projectID string, ev collab.Event, opts ...collab.BroadcastOption) {
	if s.hub == nil {
		return
	}
	d := s.hub.Broadcast(ctx, projectID, ev, opts...)
	s.log.WithFields(logrus.Fields{
		"project_id": projectID,
		"kind":       ev.Kind,
		"sent":       d.Sent,
		"failed":     d.Failed,
	}).Debug("broadcast from api")
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions checks the refresh token store when it is separate from the
// database. ok is false when there is nothing to check.
func (s *Service) PingSessions(ctx context.Context) (ok bool, err error) {
	p, isPinger := s.sessions.(pinger)
	if !isPinger || s.sessions == refreshStore(s.store) {
		return false, nil
	}
	return true, p.Ping(ctx)
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
