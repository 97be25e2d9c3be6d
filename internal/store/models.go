package store

import "time"

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

type Project struct {
	ID            string
	Title         string
	Description   string
	RepositoryURL string
	IsPublic      bool
	OwnerID       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProjectMember joins a membership row with the member's user record.
type ProjectMember struct {
	ProjectID   string
	UserID      string
	Role        string
	DisplayName string
	Email       string
	JoinedAt    time.Time
}

// ProjectFile is the metadata row of a project file. Content and version
// history live in the project's git repository.
type ProjectFile struct {
	ID        string
	ProjectID string
	FilePath  string
	FileType  string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Task struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Status      string // todo, in_progress, done
	Priority    string // low, medium, high
	AssigneeID  *string
	DueDate     *time.Time
	OwnerID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ChatMessage struct {
	ID        string
	ProjectID string
	UserID    string
	UserName  string
	Message   string
	CreatedAt time.Time
}

// Note is a personal note; uploaded files keep their bytes in object storage
// under ObjectKey.
type Note struct {
	ID               string
	OwnerID          string
	Title            string
	ObjectKey        string
	ContentType      string
	Size             int64
	ExtractedContent string
	CreatedAt        time.Time
}

// ProjectInvite is an invitation to join a project, redeemable once with a
// token whose hash is stored. Exactly one of InviteeID and InviteeEmail is
// set; InviteeEmail is for people without an account yet.
type ProjectInvite struct {
	ID           string
	ProjectID    string
	InviterID    string
	InviterName  string
	InviteeID    *string
	InviteeEmail *string
	TokenHash    string
	Role         string
	Status       string // pending, accepted, revoked
	ExpiresAt    time.Time
	CreatedAt    time.Time
}
