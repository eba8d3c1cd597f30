// Package vcs watches the version control state of a workspace and
// broadcasts branch changes on the event bus.
package vcs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dzianisv/opencode/internal/event"
	"github.com/dzianisv/opencode/internal/logging"
)

// Watcher tracks the checked-out git branch of a directory by watching
// .git for HEAD rewrites. Branch switches are published as
// vcs.branch.updated events.
type Watcher struct {
	fs      *fsnotify.Watcher
	workDir string
	gitDir  string
	log     zerolog.Logger

	mu      sync.RWMutex
	branch  string
	started bool

	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a watcher for workDir. A directory that is not a
// git repository yields (nil, nil): callers treat a nil watcher as
// "nothing to watch".
func NewWatcher(workDir string) (*Watcher, error) {
	gitDir := findGitDir(workDir)
	if gitDir == "" {
		return nil, nil
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watching the directory rather than HEAD itself survives the
	// rename-over-HEAD update git performs on checkout.
	if err := fs.Add(gitDir); err != nil {
		fs.Close()
		return nil, err
	}

	return &Watcher{
		fs:      fs,
		workDir: workDir,
		gitDir:  gitDir,
		log:     logging.Logger.With().Str("component", "vcs").Str("dir", workDir).Logger(),
		branch:  headBranch(gitDir),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. Safe to call once; later calls are no-ops.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Base(ev.Name) == "HEAD" {
				w.refresh()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Debug().Err(err).Msg("watch error")
		}
	}
}

// refresh re-reads HEAD and publishes when the branch moved.
func (w *Watcher) refresh() {
	branch := headBranch(w.gitDir)
	if branch == "" {
		return
	}

	w.mu.Lock()
	changed := branch != w.branch
	if changed {
		w.branch = branch
	}
	w.mu.Unlock()

	if !changed {
		return
	}
	w.log.Debug().Str("branch", branch).Msg("branch changed")
	event.Publish(event.Event{
		Type: event.BranchUpdated,
		Data: event.BranchUpdatedData{Directory: w.workDir, Branch: branch},
	})
}

// CurrentBranch returns the branch observed most recently.
func (w *Watcher) CurrentBranch() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.branch
}

// Stop halts watching and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	if started {
		<-w.done
	}
	return w.fs.Close()
}

// findGitDir resolves the .git location for workDir. Both plain
// repositories (.git directory) and worktrees (.git file with a gitdir
// pointer) are handled.
func findGitDir(workDir string) string {
	path := filepath.Join(workDir, ".git")
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	if info.IsDir() {
		return path
	}

	// Worktree: ".git" is a file containing "gitdir: <path>".
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	target := strings.TrimSpace(strings.TrimPrefix(string(data), "gitdir:"))
	if target == "" {
		return ""
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(workDir, target)
	}
	return target
}

// headBranch reads the branch name out of .git/HEAD. A detached HEAD
// reports the raw commit hash.
func headBranch(gitDir string) string {
	data, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return ""
	}
	head := strings.TrimSpace(string(data))
	if ref, ok := strings.CutPrefix(head, "ref: "); ok {
		return strings.TrimPrefix(ref, "refs/heads/")
	}
	return head
}

// Branch reports the current branch of a directory without a watcher.
func Branch(workDir string) string {
	gitDir := findGitDir(workDir)
	if gitDir == "" {
		return ""
	}
	return headBranch(gitDir)
}
