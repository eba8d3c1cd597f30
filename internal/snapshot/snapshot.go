// Package snapshot tracks working-tree states across agent turns using a
// git repository whose object store lives outside the project, so the
// project's own version control never sees snapshot commits.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"
	gitdiff "github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/dzianisv/opencode/pkg/types"
)

// Patch summarizes what changed between two snapshots.
type Patch struct {
	Hash  string   `json:"hash"`
	Files []string `json:"files"`
}

// Snapshots commits the working tree on demand and answers diff queries
// between commits. Methods are not safe for concurrent use; each session
// turn owns its tracker.
type Snapshots struct {
	repo     *git.Repository
	excludes []gitignore.Pattern
}

// New opens or initializes the snapshot repository at gitDir with its
// worktree rooted at workDir. The project's .gitignore rules and its
// .git directory are excluded from tracking.
func New(gitDir, workDir string) (*Snapshots, error) {
	dot := osfs.New(gitDir)
	tree := osfs.New(workDir)
	store := filesystem.NewStorage(dot, cache.NewObjectLRUDefault())

	repo, err := git.Open(store, tree)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.Init(store, tree)
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot repository: %w", err)
	}

	excludes := []gitignore.Pattern{gitignore.ParsePattern("/.git", nil)}
	if patterns, err := gitignore.ReadPatterns(tree, nil); err == nil {
		excludes = append(excludes, patterns...)
	}

	return &Snapshots{repo: repo, excludes: excludes}, nil
}

// Track commits the current working tree and returns the commit hash.
// A clean tree returns the existing head without creating a commit.
func (s *Snapshots) Track(_ context.Context) (string, error) {
	wt, err := s.worktree()
	if err != nil {
		return "", err
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("snapshot status: %w", err)
	}
	if status.IsClean() {
		if head, err := s.repo.Head(); err == nil {
			return head.Hash().String(), nil
		}
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("snapshot add: %w", err)
	}
	hash, err := wt.Commit("snapshot", &git.CommitOptions{
		Author:            snapshotSignature(),
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("snapshot commit: %w", err)
	}
	return hash.String(), nil
}

// Patch commits the current tree and lists the files that changed since
// the given snapshot.
func (s *Snapshots) Patch(ctx context.Context, since string) (*Patch, error) {
	current, err := s.Track(ctx)
	if err != nil {
		return nil, err
	}
	patch := &Patch{Hash: current}
	if current == since {
		return patch, nil
	}

	changes, err := s.changes(since, current)
	if err != nil {
		return nil, err
	}
	for _, change := range changes {
		patch.Files = append(patch.Files, changeName(change))
	}
	return patch, nil
}

// Diff commits the current tree and returns per-file unified diffs with
// line counts against the given snapshot.
func (s *Snapshots) Diff(ctx context.Context, since string) ([]types.FileDiff, error) {
	current, err := s.Track(ctx)
	if err != nil {
		return nil, err
	}
	if current == since {
		return nil, nil
	}

	changes, err := s.changes(since, current)
	if err != nil {
		return nil, err
	}

	diffs := make([]types.FileDiff, 0, len(changes))
	for _, change := range changes {
		filePatch, err := change.Patch()
		if err != nil {
			return nil, fmt.Errorf("snapshot diff %s: %w", changeName(change), err)
		}
		additions, deletions := countPatch(filePatch)
		diffs = append(diffs, types.FileDiff{
			File:      changeName(change),
			Additions: additions,
			Deletions: deletions,
			Diff:      filePatch.String(),
		})
	}
	return diffs, nil
}

// Restore resets the working tree to a previously tracked snapshot.
func (s *Snapshots) Restore(_ context.Context, hash string) error {
	wt, err := s.worktree()
	if err != nil {
		return err
	}
	err = wt.Reset(&git.ResetOptions{
		Commit: plumbing.NewHash(hash),
		Mode:   git.HardReset,
	})
	if err != nil {
		return fmt.Errorf("snapshot restore %s: %w", hash, err)
	}
	return nil
}

func (s *Snapshots) worktree() (*git.Worktree, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("snapshot worktree: %w", err)
	}
	wt.Excludes = s.excludes
	return wt, nil
}

func (s *Snapshots) changes(from, to string) (object.Changes, error) {
	fromTree, err := s.tree(from)
	if err != nil {
		return nil, err
	}
	toTree, err := s.tree(to)
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, fmt.Errorf("snapshot diff %s..%s: %w", from, to, err)
	}
	return changes, nil
}

func (s *Snapshots) tree(hash string) (*object.Tree, error) {
	commit, err := s.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", hash, err)
	}
	return commit.Tree()
}

func snapshotSignature() *object.Signature {
	return &object.Signature{
		Name:  "opencode",
		Email: "snapshot@opencode.local",
		When:  time.Now(),
	}
}

func changeName(change *object.Change) string {
	if change.To.Name != "" {
		return change.To.Name
	}
	return change.From.Name
}

func countPatch(patch *object.Patch) (additions, deletions int) {
	for _, fp := range patch.FilePatches() {
		for _, chunk := range fp.Chunks() {
			switch chunk.Type() {
			case gitdiff.Add:
				additions += countLines(chunk.Content())
			case gitdiff.Delete:
				deletions += countLines(chunk.Content())
			}
		}
	}
	return additions, deletions
}

func countLines(content string) int {
	if content == "" {
		return 0
	}
	lines := 0
	for _, r := range content {
		if r == '\n' {
			lines++
		}
	}
	if content[len(content)-1] != '\n' {
		lines++
	}
	return lines
}
