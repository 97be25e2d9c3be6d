package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict is returned when an insert violates a unique constraint.
var ErrConflict = errors.New("already exists")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, LOWER($2), $3, $4)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.display_name
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Email, &user.DisplayName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateProject inserts the project and makes its owner the leader.
func (s *PostgresStore) CreateProject(ctx context.Context, project Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, title, description, repository_url, is_public, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, project.ID, project.Title, project.Description, project.RepositoryURL, project.IsPublic, project.OwnerID); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, 'leader')
	`, project.ID, project.OwnerID); err != nil {
		return fmt.Errorf("insert project leader: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create project: %w", err)
	}
	return nil
}

const projectColumns = `p.id, p.title, p.description, p.repository_url, p.is_public, p.owner_id, p.created_at, p.updated_at`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var item Project
	err := row.Scan(&item.ID, &item.Title, &item.Description, &item.RepositoryURL, &item.IsPublic, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

// ListProjectsForUser returns projects the user belongs to plus public ones.
func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects p
		WHERE p.is_public
			OR EXISTS (SELECT 1 FROM project_members pm WHERE pm.project_id = p.id AND pm.user_id = $1)
		ORDER BY p.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		item, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id = $1`, projectID))
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, projectID); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// MemberRole returns the caller's role in a project; ok is false for
// non-members.
func (s *PostgresStore) MemberRole(ctx context.Context, projectID, userID string) (role string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT role FROM project_members WHERE project_id = $1 AND user_id = $2
	`, projectID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read member role: %w", err)
	}
	return role, true, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, projectID string) ([]ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pm.project_id, pm.user_id, pm.role, u.display_name, u.email, pm.joined_at
		FROM project_members pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id = $1
		ORDER BY pm.joined_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectMember, 0)
	for rows.Next() {
		var item ProjectMember
		if err := rows.Scan(&item.ProjectID, &item.UserID, &item.Role, &item.DisplayName, &item.Email, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertMember(ctx context.Context, projectID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, projectID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, projectID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM project_members WHERE project_id = $1 AND user_id = $2`, projectID, userID)
	if err != nil {
		return false, fmt.Errorf("remove member: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) ListFiles(ctx context.Context, projectID string) ([]ProjectFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, file_path, file_type, created_by, created_at, updated_at
		FROM project_files
		WHERE project_id = $1
		ORDER BY file_path ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectFile, 0)
	for rows.Next() {
		var item ProjectFile
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.FilePath, &item.FileType, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetFile(ctx context.Context, projectID, fileID string) (ProjectFile, error) {
	var item ProjectFile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, file_path, file_type, created_by, created_at, updated_at
		FROM project_files
		WHERE project_id = $1 AND id = $2
	`, projectID, fileID).Scan(&item.ID, &item.ProjectID, &item.FilePath, &item.FileType, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return ProjectFile{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertFile(ctx context.Context, file ProjectFile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_files (id, project_id, file_path, file_type, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, file.ID, file.ProjectID, file.FilePath, file.FileType, file.CreatedBy)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchFile(ctx context.Context, fileID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE project_files SET updated_at = NOW() WHERE id = $1`, fileID); err != nil {
		return fmt.Errorf("touch file: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFile(ctx context.Context, fileID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM project_files WHERE id = $1`, fileID); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

const taskColumns = `id, project_id, title, description, status, priority, assignee_id, due_date, owner_id, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var item Task
	var assignee sql.NullString
	var due sql.NullTime
	if err := row.Scan(&item.ID, &item.ProjectID, &item.Title, &item.Description, &item.Status, &item.Priority, &assignee, &due, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Task{}, err
	}
	if assignee.Valid {
		item.AssigneeID = &assignee.String
	}
	if due.Valid {
		item.DueDate = &due.Time
	}
	return item, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		item, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, projectID, taskID string) (Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 AND id = $2`, projectID, taskID))
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, priority, assignee_id, due_date, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, task.ID, task.ProjectID, task.Title, task.Description, task.Status, task.Priority, task.AssigneeID, task.DueDate, task.OwnerID)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET title=$3, description=$4, status=$5, priority=$6, assignee_id=$7, due_date=$8, updated_at=NOW()
		WHERE project_id=$1 AND id=$2
	`, task.ProjectID, task.ID, task.Title, task.Description, task.Status, task.Priority, task.AssigneeID, task.DueDate)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, projectID, taskID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE project_id = $1 AND id = $2`, projectID, taskID)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, msg ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, project_id, user_id, message)
		VALUES ($1, $2, $3, $4)
	`, msg.ID, msg.ProjectID, msg.UserID, msg.Message)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// ListChatMessages returns the newest limit messages, oldest first.
func (s *PostgresStore) ListChatMessages(ctx context.Context, projectID string, limit int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, user_name, message, created_at FROM (
			SELECT cm.id, cm.project_id, cm.user_id, u.display_name AS user_name, cm.message, cm.created_at
			FROM chat_messages cm
			JOIN users u ON u.id = cm.user_id
			WHERE cm.project_id = $1
			ORDER BY cm.created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.UserID, &item.UserName, &item.Message, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChatMessage(ctx context.Context, projectID, messageID string) (ChatMessage, error) {
	var item ChatMessage
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, user_id, message, created_at
		FROM chat_messages WHERE project_id = $1 AND id = $2
	`, projectID, messageID).Scan(&item.ID, &item.ProjectID, &item.UserID, &item.Message, &item.CreatedAt)
	if err != nil {
		return ChatMessage{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteChatMessage(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE id = $1`, messageID); err != nil {
		return fmt.Errorf("delete chat message: %w", err)
	}
	return nil
}

// ChatCountsByUser returns the number of chat messages each user posted in
// the project.
func (s *PostgresStore) ChatCountsByUser(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, COUNT(*) FROM chat_messages
		WHERE project_id = $1
		GROUP BY user_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("count chat messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var userID string
		var n int
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, fmt.Errorf("scan chat count: %w", err)
		}
		counts[userID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat counts: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) InsertNote(ctx context.Context, note Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, owner_id, title, object_key, content_type, size_bytes, extracted_content)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, note.ID, note.OwnerID, note.Title, note.ObjectKey, note.ContentType, note.Size, note.ExtractedContent)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotes(ctx context.Context, ownerID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, object_key, content_type, size_bytes, extracted_content, created_at
		FROM notes WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	items := make([]Note, 0)
	for rows.Next() {
		var item Note
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Title, &item.ObjectKey, &item.ContentType, &item.Size, &item.ExtractedContent, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetNote(ctx context.Context, ownerID, noteID string) (Note, error) {
	var item Note
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, object_key, content_type, size_bytes, extracted_content, created_at
		FROM notes WHERE owner_id = $1 AND id = $2
	`, ownerID, noteID).Scan(&item.ID, &item.OwnerID, &item.Title, &item.ObjectKey, &item.ContentType, &item.Size, &item.ExtractedContent, &item.CreatedAt)
	if err != nil {
		return Note{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteNote(ctx context.Context, noteID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = $1`, noteID); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
