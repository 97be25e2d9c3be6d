// Package filerepo stores project file contents in one git repository per
// project, so every save is a version that can be listed and restored.
package filerepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	ErrInvalidPath = errors.New("invalid file path")
	ErrUnchanged   = errors.New("content unchanged")
	ErrNotFound    = errors.New("file not found")
)

// Version is one commit touching a file.
type Version struct {
	Hash      string
	ShortHash string
	Message   string
	Author    string
	CreatedAt time.Time
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CleanPath normalizes a project-relative path and rejects anything that
// would escape the repository or touch git metadata.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(filepath.ToSlash(p))
	if p == "" || strings.HasPrefix(p, "/") {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidPath
	}
	for _, part := range strings.Split(cleaned, "/") {
		if part == ".git" {
			return "", ErrInvalidPath
		}
	}
	return cleaned, nil
}

func (s *Service) EnsureProjectRepo(projectID string) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()
	_, err := s.openOrInit(projectID)
	return err
}

// SaveFile writes content at filePath and commits it. Saving identical
// content returns ErrUnchanged.
func (s *Service) SaveFile(projectID, filePath string, content []byte, author, message string) (Version, error) {
	cleaned, err := CleanPath(filePath)
	if err != nil {
		return Version{}, err
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(projectID)
	if err != nil {
		return Version{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Version{}, fmt.Errorf("open worktree: %w", err)
	}

	target := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Version{}, fmt.Errorf("create file dir: %w", err)
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return Version{}, fmt.Errorf("write %s: %w", cleaned, err)
	}
	if _, err := worktree.Add(cleaned); err != nil {
		return Version{}, fmt.Errorf("git add %s: %w", cleaned, err)
	}
	if message == "" {
		message = "Update " + cleaned
	}
	return commit(repo, worktree, author, message)
}

// RemoveFile deletes filePath from the working tree in a new commit; its
// history stays readable.
func (s *Service) RemoveFile(projectID, filePath, author string) (Version, error) {
	cleaned, err := CleanPath(filePath)
	if err != nil {
		return Version{}, err
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return Version{}, fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Version{}, fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Remove(cleaned); err != nil {
		if errors.Is(err, index.ErrEntryNotFound) || errors.Is(err, os.ErrNotExist) {
			return Version{}, ErrNotFound
		}
		return Version{}, fmt.Errorf("git rm %s: %w", cleaned, err)
	}
	return commit(repo, worktree, author, "Delete "+cleaned)
}

// ReadFile returns the content of filePath at the head of main.
func (s *Service) ReadFile(projectID, filePath string) ([]byte, error) {
	return s.ReadFileAt(projectID, filePath, "")
}

// ReadFileAt returns the content of filePath at revision hash; an empty hash
// means head.
func (s *Service) ReadFileAt(projectID, filePath, hash string) ([]byte, error) {
	cleaned, err := CleanPath(filePath)
	if err != nil {
		return nil, err
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	revision := hash
	if revision == "" {
		revision = "HEAD"
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", revision, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", revision, err)
	}
	file, err := commitObj.File(cleaned)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", cleaned, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cleaned, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// History lists commits touching filePath, newest first.
func (s *Service) History(projectID, filePath string, limit int) ([]Version, error) {
	cleaned, err := CleanPath(filePath)
	if err != nil {
		return nil, err
	}
	return s.log(projectID, &git.LogOptions{FileName: &cleaned}, limit)
}

// Log lists every file commit in the project, newest first. The empty
// commit that created the repository is left out.
func (s *Service) Log(projectID string, limit int) ([]Version, error) {
	return s.log(projectID, &git.LogOptions{}, limit)
}

func (s *Service) log(projectID string, opts *git.LogOptions, limit int) ([]Version, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	opts.From = head.Hash()
	iter, err := repo.Log(opts)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Version, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		if commitObj.NumParents() == 0 {
			return nil
		}
		items = append(items, toVersion(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// RemoveProjectRepo deletes the project's repository from disk.
func (s *Service) RemoveProjectRepo(projectID string) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.repoPath(projectID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) openOrInit(projectID string) (*git.Repository, error) {
	repoPath := s.repoPath(projectID)
	repo, err := git.PlainOpen(repoPath)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(repoPath, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Commit("Initialize project repository", &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature("eduspace"),
	}); err != nil {
		return nil, fmt.Errorf("initial commit: %w", err)
	}
	return repo, nil
}

func commit(repo *git.Repository, worktree *git.Worktree, author, message string) (Version, error) {
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author)})
	if errors.Is(err, git.ErrEmptyCommit) {
		return Version{}, ErrUnchanged
	}
	if err != nil {
		return Version{}, fmt.Errorf("commit: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Version{}, fmt.Errorf("read commit object: %w", err)
	}
	return toVersion(commitObj), nil
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, projectID)
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: sanitizeEmail(author) + "@users.eduspace.local",
		When:  time.Now(),
	}
}

func toVersion(commitObj *object.Commit) Version {
	full := commitObj.Hash.String()
	return Version{
		Hash:      full,
		ShortHash: full[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
