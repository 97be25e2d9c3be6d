package filerepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotTagPrefix = "snapshot-"

var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is a named, project-wide point in history: an annotated tag on
// the commit that was head when it was taken.
type Snapshot struct {
	ID          string
	Name        string
	Description string
	Hash        string
	Author      string
	Files       int
	CreatedAt   time.Time
}

// RestoreResult lists what a restore changed in the working tree.
type RestoreResult struct {
	Version Version
	Written []string
	Removed []string
}

// CreateSnapshot tags the current head of the project as id.
func (s *Service) CreateSnapshot(projectID, id, name, description, author string) (Snapshot, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(projectID)
	if err != nil {
		return Snapshot{}, err
	}
	head, err := repo.Head()
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve head: %w", err)
	}
	message := name
	if description != "" {
		message += "\n\n" + description
	}
	ref, err := repo.CreateTag(snapshotTagPrefix+id, head.Hash(), &git.CreateTagOptions{
		Tagger:  signature(author),
		Message: message,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("create tag: %w", err)
	}
	tag, err := repo.TagObject(ref.Hash())
	if err != nil {
		return Snapshot{}, fmt.Errorf("read tag: %w", err)
	}
	return toSnapshot(tag)
}

// Snapshots lists the project's snapshots, newest first.
func (s *Service) Snapshots(projectID string) ([]Snapshot, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	iter, err := repo.TagObjects()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	items := make([]Snapshot, 0)
	err = iter.ForEach(func(tag *object.Tag) error {
		if !strings.HasPrefix(tag.Name, snapshotTagPrefix) {
			return nil
		}
		snap, err := toSnapshot(tag)
		if err != nil {
			return err
		}
		items = append(items, snap)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

// RestoreSnapshot makes the working tree match snapshot id and commits the
// result: files added since are removed, the others get their snapshot
// content back. A tree already matching returns ErrUnchanged.
func (s *Service) RestoreSnapshot(projectID, id, author string) (RestoreResult, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return RestoreResult{}, ErrSnapshotNotFound
	}
	if err != nil {
		return RestoreResult{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Tag(snapshotTagPrefix + id)
	if errors.Is(err, git.ErrTagNotFound) {
		return RestoreResult{}, ErrSnapshotNotFound
	}
	if err != nil {
		return RestoreResult{}, fmt.Errorf("resolve snapshot: %w", err)
	}
	tag, err := repo.TagObject(ref.Hash())
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read tag: %w", err)
	}
	target, err := tag.Commit()
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read snapshot commit: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return RestoreResult{}, fmt.Errorf("resolve head: %w", err)
	}
	current, err := repo.CommitObject(head.Hash())
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read head commit: %w", err)
	}

	want, err := treeFiles(target)
	if err != nil {
		return RestoreResult{}, err
	}
	have, err := treeFiles(current)
	if err != nil {
		return RestoreResult{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return RestoreResult{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	var result RestoreResult

	for p := range have {
		if _, keep := want[p]; keep {
			continue
		}
		if _, err := worktree.Remove(p); err != nil {
			return RestoreResult{}, fmt.Errorf("git rm %s: %w", p, err)
		}
		result.Removed = append(result.Removed, p)
	}
	for p, f := range want {
		if h, ok := have[p]; ok && h.Hash == f.Hash {
			continue
		}
		content, err := f.Contents()
		if err != nil {
			return RestoreResult{}, fmt.Errorf("read %s: %w", p, err)
		}
		dest := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return RestoreResult{}, fmt.Errorf("create file dir: %w", err)
		}
		if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
			return RestoreResult{}, fmt.Errorf("write %s: %w", p, err)
		}
		if _, err := worktree.Add(p); err != nil {
			return RestoreResult{}, fmt.Errorf("git add %s: %w", p, err)
		}
		result.Written = append(result.Written, p)
	}
	if len(result.Written) == 0 && len(result.Removed) == 0 {
		return RestoreResult{}, ErrUnchanged
	}
	sort.Strings(result.Written)
	sort.Strings(result.Removed)

	name, _, _ := strings.Cut(tag.Message, "\n")
	result.Version, err = commit(repo, worktree, author, "Restore snapshot "+strings.TrimSpace(name))
	if err != nil {
		return RestoreResult{}, err
	}
	return result, nil
}

func treeFiles(c *object.Commit) (map[string]*object.File, error) {
	iter, err := c.Files()
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer iter.Close()
	files := make(map[string]*object.File)
	err = iter.ForEach(func(f *object.File) error {
		files[f.Name] = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return files, nil
}

func toSnapshot(tag *object.Tag) (Snapshot, error) {
	if tag.TargetType != plumbing.CommitObject {
		return Snapshot{}, fmt.Errorf("tag %s does not point at a commit", tag.Name)
	}
	c, err := tag.Commit()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot commit: %w", err)
	}
	files, err := treeFiles(c)
	if err != nil {
		return Snapshot{}, err
	}
	name, description, _ := strings.Cut(strings.TrimSpace(tag.Message), "\n")
	return Snapshot{
		ID:          strings.TrimPrefix(tag.Name, snapshotTagPrefix),
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		Hash:        c.Hash.String(),
		Author:      tag.Tagger.Name,
		Files:       len(files),
		CreatedAt:   tag.Tagger.When,
	}, nil
}
