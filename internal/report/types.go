// Package report builds project progress summaries and renders them as
// HTML, PDF or DOCX documents.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts a format name case-insensitively. Empty means PDF.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatPDF:
		return FormatPDF, nil
	case FormatDOCX:
		return FormatDOCX, nil
	case FormatHTML:
		return FormatHTML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
}

// Input is everything a report is computed from.
type Input struct {
	ProjectID   string
	Title       string
	Description string
	Members     []Member
	Tasks       []Task
	Commits     []Commit
	Messages    []Message
	// ChatCounts maps user id to the number of chat messages in the project.
	ChatCounts map[string]int
	Now        time.Time
}

type Member struct {
	UserID string
	Name   string
	Email  string
	Role   string
}

type Task struct {
	ID         string
	Title      string
	Status     string
	AssigneeID string
	OwnerID    string
	UpdatedAt  time.Time
}

// Commit is a file repository commit. Author is the committer's display name.
type Commit struct {
	Hash    string
	Author  string
	Message string
	At      time.Time
}

type Message struct {
	UserID   string
	UserName string
	Text     string
	At       time.Time
}

type MemberContribution struct {
	UserID         string `json:"userId"`
	Name           string `json:"displayName"`
	Email          string `json:"email"`
	Role           string `json:"role"`
	Commits        int    `json:"commits"`
	TasksCompleted int    `json:"tasksCompleted"`
	Messages       int    `json:"messages"`
}

type Progress struct {
	ProjectID         string               `json:"projectId"`
	Title             string               `json:"title"`
	Description       string               `json:"description"`
	TotalCommits      int                  `json:"totalCommits"`
	TasksTodo         int                  `json:"tasksTodo"`
	TasksInProgress   int                  `json:"tasksInProgress"`
	TasksDone         int                  `json:"tasksCompleted"`
	CompletionPercent int                  `json:"completionPercent"`
	Members           []MemberContribution `json:"memberContributions"`
	GeneratedAt       time.Time            `json:"generatedAt"`
}

type ActivityType string

const (
	ActivityCommit  ActivityType = "file_commit"
	ActivityTask    ActivityType = "task_update"
	ActivityMessage ActivityType = "chat_message"
)

type Activity struct {
	Type    ActivityType `json:"type"`
	Actor   string       `json:"user"`
	Summary string       `json:"summary"`
	At      time.Time    `json:"timestamp"`
}

// Document is a rendered report's content.
type Document struct {
	Progress Progress
	Activity []Activity
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported report format")
	// ErrPDFDependencyMissing means no chromium binary is on PATH.
	ErrPDFDependencyMissing = errors.New("report pdf dependency missing")
	// ErrDOCXDependencyMissing means pandoc is not on PATH.
	ErrDOCXDependencyMissing = errors.New("report docx dependency missing")
)
