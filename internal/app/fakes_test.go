package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"eduspace/api/internal/auth"
	"eduspace/api/internal/blob"
	"eduspace/api/internal/collab"
	"eduspace/api/internal/config"
	"eduspace/api/internal/email"
	"eduspace/api/internal/filerepo"
	"eduspace/api/internal/search"
	"eduspace/api/internal/store"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const testSecret = "test-secret"

// fakeStore keeps everything in maps. The fn fields override single
// methods when a test needs a failure.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	projects map[string]store.Project
	members  map[string]map[string]string
	files    map[string]store.ProjectFile
	tasks    map[string]store.Task
	chat     []store.ChatMessage
	notes    map[string]store.Note
	refresh  map[string]string
	invites  map[string]store.ProjectInvite

	pingFn              func(context.Context) error
	insertChatMessageFn func(context.Context, store.ChatMessage) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[string]store.User{},
		projects: map[string]store.Project{},
		members:  map[string]map[string]string{},
		files:    map[string]store.ProjectFile{},
		tasks:    map[string]store.Task{},
		notes:    map[string]store.Note{},
		refresh:  map[string]string{},
		invites:  map[string]store.ProjectInvite{},
	}
}

func (f *fakeStore) addUser(id, name string) store.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := store.User{ID: id, Email: id + "@example.com", DisplayName: name, CreatedAt: time.Now()}
	f.users[id] = user
	return user
}

func (f *fakeStore) addProject(id, ownerID string, public bool) {
	_ = f.CreateProject(context.Background(), store.Project{ID: id, Title: "Project " + id, OwnerID: ownerID, IsPublic: public})
}

func (f *fakeStore) addMember(projectID, userID, role string) {
	_ = f.UpsertMember(context.Background(), projectID, userID, role)
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return store.ErrConflict
		}
	}
	user.CreatedAt = time.Now()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return f.users[userID], nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) CreateProject(_ context.Context, project store.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	project.CreatedAt, project.UpdatedAt = now, now
	f.projects[project.ID] = project
	f.members[project.ID] = map[string]string{project.OwnerID: "leader"}
	return nil
}

func (f *fakeStore) ListProjectsForUser(_ context.Context, userID string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Project
	for id, p := range f.projects {
		if _, member := f.members[id][userID]; member || p.IsPublic {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetProject(_ context.Context, id string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) DeleteProject(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.projects, id)
	delete(f.members, id)
	return nil
}

func (f *fakeStore) MemberRole(_ context.Context, projectID, userID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.members[projectID][userID]
	return role, ok, nil
}

func (f *fakeStore) ListMembers(_ context.Context, projectID string) ([]store.ProjectMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ProjectMember
	for userID, role := range f.members[projectID] {
		user := f.users[userID]
		out = append(out, store.ProjectMember{
			ProjectID:   projectID,
			UserID:      userID,
			Role:        role,
			DisplayName: user.DisplayName,
			Email:       user.Email,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *fakeStore) UpsertMember(_ context.Context, projectID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[projectID] == nil {
		f.members[projectID] = map[string]string{}
	}
	f.members[projectID][userID] = role
	return nil
}

func (f *fakeStore) RemoveMember(_ context.Context, projectID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[projectID][userID]; !ok {
		return false, nil
	}
	delete(f.members[projectID], userID)
	return true, nil
}

func (f *fakeStore) ListFiles(_ context.Context, projectID string) ([]store.ProjectFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ProjectFile
	for _, file := range f.files {
		if file.ProjectID == projectID {
			out = append(out, file)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

func (f *fakeStore) GetFile(_ context.Context, projectID, fileID string) (store.ProjectFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[fileID]
	if !ok || file.ProjectID != projectID {
		return store.ProjectFile{}, sql.ErrNoRows
	}
	return file, nil
}

func (f *fakeStore) InsertFile(_ context.Context, file store.ProjectFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.files {
		if existing.ProjectID == file.ProjectID && existing.FilePath == file.FilePath {
			return store.ErrConflict
		}
	}
	now := time.Now()
	file.CreatedAt, file.UpdatedAt = now, now
	f.files[file.ID] = file
	return nil
}

func (f *fakeStore) TouchFile(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file := f.files[fileID]
	file.UpdatedAt = time.Now()
	f.files[fileID] = file
	return nil
}

func (f *fakeStore) DeleteFile(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, fileID)
	return nil
}

func (f *fakeStore) ListTasks(_ context.Context, projectID string) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Task
	for _, task := range f.tasks {
		if task.ProjectID == projectID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeStore) GetTask(_ context.Context, projectID, taskID string) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok || task.ProjectID != projectID {
		return store.Task{}, sql.ErrNoRows
	}
	return task, nil
}

func (f *fakeStore) InsertTask(_ context.Context, task store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	task.CreatedAt, task.UpdatedAt = now, now
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) UpdateTask(_ context.Context, task store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task.UpdatedAt = time.Now()
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) DeleteTask(_ context.Context, projectID, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok || task.ProjectID != projectID {
		return false, nil
	}
	delete(f.tasks, taskID)
	return true, nil
}

func (f *fakeStore) InsertChatMessage(ctx context.Context, msg store.ChatMessage) error {
	if f.insertChatMessageFn != nil {
		return f.insertChatMessageFn(ctx, msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chat = append(f.chat, msg)
	return nil
}

func (f *fakeStore) ListChatMessages(_ context.Context, projectID string, limit int) ([]store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ChatMessage
	for _, msg := range f.chat {
		if msg.ProjectID == projectID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) GetChatMessage(_ context.Context, projectID, messageID string) (store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range f.chat {
		if msg.ID == messageID && msg.ProjectID == projectID {
			return msg, nil
		}
	}
	return store.ChatMessage{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteChatMessage(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, msg := range f.chat {
		if msg.ID == messageID {
			f.chat = append(f.chat[:i], f.chat[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) ChatCountsByUser(_ context.Context, projectID string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, msg := range f.chat {
		if msg.ProjectID == projectID {
			counts[msg.UserID]++
		}
	}
	return counts, nil
}

func (f *fakeStore) InsertNote(_ context.Context, note store.Note) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	note.CreatedAt = time.Now()
	f.notes[note.ID] = note
	return nil
}

func (f *fakeStore) ListNotes(_ context.Context, ownerID string) ([]store.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Note
	for _, note := range f.notes {
		if note.OwnerID == ownerID {
			out = append(out, note)
		}
	}
	return out, nil
}

func (f *fakeStore) GetNote(_ context.Context, ownerID, noteID string) (store.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	note, ok := f.notes[noteID]
	if !ok || note.OwnerID != ownerID {
		return store.Note{}, sql.ErrNoRows
	}
	return note, nil
}

func (f *fakeStore) DeleteNote(_ context.Context, noteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.notes, noteID)
	return nil
}

func (f *fakeStore) InsertInvite(_ context.Context, invite store.ProjectInvite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.invites {
		if existing.TokenHash == invite.TokenHash {
			return store.ErrConflict
		}
	}
	if invite.Status == "" {
		invite.Status = "pending"
	}
	invite.InviterName = f.users[invite.InviterID].DisplayName
	invite.CreatedAt = time.Now()
	f.invites[invite.ID] = invite
	return nil
}

func (f *fakeStore) ListInvites(_ context.Context, projectID string) ([]store.ProjectInvite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.ProjectInvite, 0)
	for _, invite := range f.invites {
		if invite.ProjectID == projectID {
			out = append(out, invite)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) GetInviteByTokenHash(_ context.Context, tokenHash string) (store.ProjectInvite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, invite := range f.invites {
		if invite.TokenHash == tokenHash {
			return invite, nil
		}
	}
	return store.ProjectInvite{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeInvite(_ context.Context, projectID, inviteID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	invite, ok := f.invites[inviteID]
	if !ok || invite.ProjectID != projectID || invite.Status != "pending" {
		return false, nil
	}
	invite.Status = "revoked"
	f.invites[inviteID] = invite
	return true, nil
}

func (f *fakeStore) AcceptInvite(_ context.Context, inviteID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	invite, ok := f.invites[inviteID]
	if !ok || invite.Status != "pending" || !time.Now().Before(invite.ExpiresAt) {
		return false, nil
	}
	invite.Status = "accepted"
	f.invites[inviteID] = invite
	if f.members[invite.ProjectID] == nil {
		f.members[invite.ProjectID] = map[string]string{}
	}
	if _, member := f.members[invite.ProjectID][userID]; !member {
		f.members[invite.ProjectID][userID] = invite.Role
	}
	return true, nil
}

// expireInvite moves an invite's expiry into the past.
func (f *fakeStore) expireInvite(inviteID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	invite := f.invites[inviteID]
	invite.ExpiresAt = time.Now().Add(-time.Minute)
	f.invites[inviteID] = invite
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *fakeBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[key] = data
	return nil
}

func (b *fakeBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlobs) Remove(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

type fakeIndex struct {
	mu       sync.Mutex
	lastQ    search.Query
	results  []search.Result
	indexed  []string
	deletion []string
}

func (x *fakeIndex) Search(_ context.Context, q search.Query) search.Response {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.lastQ = q
	return search.Response{Results: x.results, Query: q.Text}
}

func (x *fakeIndex) IndexProject(r search.ProjectRecord) { x.record("project:" + r.ID) }
func (x *fakeIndex) IndexTask(r search.TaskRecord)       { x.record("task:" + r.ID) }
func (x *fakeIndex) IndexNote(r search.NoteRecord)       { x.record("note:" + r.ID) }

func (x *fakeIndex) Delete(kind search.ResultType, id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.deletion = append(x.deletion, string(kind)+":"+id)
}

func (x *fakeIndex) record(key string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.indexed = append(x.indexed, key)
}

type fakePresence struct {
	users []string
	err   error
}

func (p fakePresence) Online(context.Context, string) ([]string, error) {
	return p.users, p.err
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  testSecret,
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
}

// newTestService wires a Service over fs, a real file repository in a temp
// directory and a fresh collaboration hub.
func newTestService(t *testing.T, fs *fakeStore) *Service {
	t.Helper()
	hub := collab.NewHub(collab.NewRegistry(), quietLogger(), nil)
	return newService(testConfig(), fs, fs, filerepo.New(t.TempDir()), hub, quietLogger())
}

func tokenFor(t *testing.T, user store.User) string {
	t.Helper()
	token, _, err := auth.IssueToken([]byte(testSecret), user.ID, user.DisplayName, "jti-"+user.ID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func sessionFor(user store.User) Session {
	return Session{UserID: user.ID, UserName: user.DisplayName}
}

// roomConn is an in-memory collab.Transport that decodes every frame the
// server writes.
type roomConn struct {
	in     chan []byte
	out    chan map[string]any
	closed chan struct{}
	once   sync.Once
	ended  chan struct{}
}

func newRoomConn() *roomConn {
	return &roomConn{
		in:     make(chan []byte, 16),
		out:    make(chan map[string]any, 64),
		closed: make(chan struct{}),
		ended:  make(chan struct{}),
	}
}

func (c *roomConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.in:
		return websocket.TextMessage, frame, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *roomConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	c.out <- decoded
	return nil
}

func (c *roomConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *roomConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-c.out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// expectQuiet fails if a frame arrives within a short window.
func (c *roomConn) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case msg := <-c.out:
		t.Fatalf("unexpected frame: %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// send queues a client frame.
func (c *roomConn) send(frame string) {
	c.in <- []byte(frame)
}

// waitEnded fails unless the server side finished the session.
func (c *roomConn) waitEnded(t *testing.T) {
	t.Helper()
	select {
	case <-c.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed by the server")
	}
}

// joinRoom runs a session for userID on the service's hub and drains the
// connected and own user_joined frames.
func joinRoom(t *testing.T, svc *Service, projectID, userID string) *roomConn {
	t.Helper()
	handler := collab.NewHandler(svc.hub, collab.Config{}, quietLogger(), nil)
	conn := newRoomConn()
	go func() {
		defer close(conn.ended)
		handler.Run(conn, projectID, userID)
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		<-conn.ended
	})
	if msg := conn.next(t); msg["type"] != "connected" {
		t.Fatalf("expected connected, got %v", msg)
	}
	if msg := conn.next(t); msg["type"] != "user_joined" || msg["user_id"] != userID {
		t.Fatalf("expected own user_joined, got %v", msg)
	}
	return conn
}

type fakeNotifier struct {
	sent    chan email.MemberAdded
	invites chan email.ProjectInvite
	err     error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		sent:    make(chan email.MemberAdded, 8),
		invites: make(chan email.ProjectInvite, 8),
	}
}

func (n *fakeNotifier) IsConfigured() bool { return true }

func (n *fakeNotifier) SendMemberAdded(msg email.MemberAdded) error {
	err := n.err
	n.sent <- msg
	return err
}

func (n *fakeNotifier) SendProjectInvite(msg email.ProjectInvite) error {
	err := n.err
	n.invites <- msg
	return err
}
