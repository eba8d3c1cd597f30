// Package session owns conversations: their storage, the turn processor
// that streams assistant replies into them, and the prompt loop that ties
// the two together.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/dzianisv/opencode/internal/config"
	"github.com/dzianisv/opencode/internal/event"
	"github.com/dzianisv/opencode/internal/logging"
	"github.com/dzianisv/opencode/internal/permission"
	"github.com/dzianisv/opencode/internal/provider"
	"github.com/dzianisv/opencode/internal/snapshot"
	"github.com/dzianisv/opencode/internal/storage"
	"github.com/dzianisv/opencode/internal/tool"
	"github.com/dzianisv/opencode/pkg/types"
)

// sessionVersion is the storage schema version stamped on new sessions.
const sessionVersion = "1"

// Service manages sessions and drives prompts against them. One Service
// instance serves all sessions; per-turn state lives in the turns it
// spawns.
type Service struct {
	config   *types.Config
	storage  *storage.Storage
	registry *provider.Registry
	tools    *tool.Registry
	checker  *permission.Checker
	log      zerolog.Logger

	// snapshotDir is the parent directory for per-project snapshot
	// repositories. Empty disables snapshotting.
	snapshotDir string

	// TextHook, when set, may rewrite each finalized text part before
	// its last persistence.
	TextHook func(ctx context.Context, sessionID, messageID, partID, text string) string

	mu     sync.Mutex
	active map[string]*activePrompt
}

// activePrompt tracks a session whose prompt loop is running.
type activePrompt struct {
	cancel  context.CancelFunc
	waiters []chan struct{}
}

// NewService creates a session service.
func NewService(cfg *types.Config, store *storage.Storage, registry *provider.Registry, tools *tool.Registry, checker *permission.Checker) *Service {
	return &Service{
		config:      cfg,
		storage:     store,
		registry:    registry,
		tools:       tools,
		checker:     checker,
		log:         logging.Logger.With().Str("component", "session").Logger(),
		snapshotDir: config.GetPaths().SnapshotPath(),
		active:      make(map[string]*activePrompt),
	}
}

// SetSnapshotDir overrides where snapshot repositories live. An empty
// string disables workspace snapshots.
func (s *Service) SetSnapshotDir(dir string) {
	s.snapshotDir = dir
}

// Create creates a new session rooted at directory.
func (s *Service) Create(ctx context.Context, directory, title string, parentID *string) (*types.Session, error) {
	now := time.Now().UnixMilli()
	if title == "" {
		title = "New Session"
	}

	session := &types.Session{
		ID:        generateID(),
		ProjectID: hashDirectory(directory),
		Directory: directory,
		ParentID:  parentID,
		Title:     title,
		Version:   sessionVersion,
		Time: types.SessionTime{
			Created: now,
			Updated: now,
		},
	}

	if err := s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	s.ensureProject(ctx, session.ProjectID, directory)

	event.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{Info: session},
	})
	return session, nil
}

// ensureProject records the project holding a session so project listings
// stay in sync with the sessions on disk.
func (s *Service) ensureProject(ctx context.Context, projectID, directory string) {
	if s.storage.Exists(ctx, []string{"project", projectID}) {
		return
	}
	project := &types.Project{
		ID:       projectID,
		Worktree: directory,
		VCS:      detectVCS(directory),
		Time:     types.ProjectTime{Created: time.Now().UnixMilli()},
	}
	if err := s.storage.Put(ctx, []string{"project", projectID}, project); err != nil {
		s.log.Debug().Err(err).Str("projectID", projectID).Msg("saving project failed")
	}
}

// Get retrieves a session by ID, searching every project.
func (s *Service) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	projects, err := s.storage.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}
	for _, projectID := range projects {
		var session types.Session
		if err := s.storage.Get(ctx, []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}
	return nil, storage.ErrNotFound
}

// Update applies fn to a session and persists the result.
func (s *Service) Update(ctx context.Context, sessionID string, fn func(*types.Session)) (*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	fn(session)
	session.Time.Updated = time.Now().UnixMilli()

	if err := s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session); err != nil {
		return nil, err
	}
	event.Publish(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Info: session},
	})
	return session, nil
}

// Delete removes a session with its messages, parts and todos.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	messages, _ := s.Messages(ctx, sessionID)
	for _, msg := range messages {
		parts, _ := s.Parts(ctx, msg.ID)
		for _, part := range parts {
			_ = s.storage.Delete(ctx, []string{"part", msg.ID, part.PartID()})
		}
		_ = s.storage.Delete(ctx, []string{"message", sessionID, msg.ID})
	}
	_ = s.storage.Delete(ctx, []string{"todo", sessionID})

	if err := s.storage.Delete(ctx, []string{"session", session.ProjectID, sessionID}); err != nil {
		return err
	}
	event.Publish(event.Event{
		Type: event.SessionDeleted,
		Data: event.SessionDeletedData{Info: session},
	})
	return nil
}

// List lists sessions for a directory, or across all projects when
// directory is empty.
func (s *Service) List(ctx context.Context, directory string) ([]*types.Session, error) {
	projectIDs := []string{}
	if directory == "" {
		ids, err := s.storage.List(ctx, []string{"session"})
		if err != nil {
			return nil, err
		}
		projectIDs = ids
	} else {
		projectIDs = append(projectIDs, hashDirectory(directory))
	}

	var sessions []*types.Session
	for _, projectID := range projectIDs {
		err := s.storage.Scan(ctx, []string{"session", projectID}, func(key string, data json.RawMessage) error {
			var session types.Session
			if err := json.Unmarshal(data, &session); err != nil {
				return err
			}
			sessions = append(sessions, &session)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// Children returns the forks of a session.
func (s *Service) Children(ctx context.Context, sessionID string) ([]*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	all, err := s.List(ctx, session.Directory)
	if err != nil {
		return nil, err
	}

	var children []*types.Session
	for _, candidate := range all {
		if candidate.ParentID != nil && *candidate.ParentID == sessionID {
			children = append(children, candidate)
		}
	}
	return children, nil
}

// Fork copies a session's history up to and including messageID into a
// new session. An empty messageID copies everything.
func (s *Service) Fork(ctx context.Context, sessionID, messageID string) (*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	fork, err := s.Create(ctx, session.Directory, session.Title+" (fork)", &sessionID)
	if err != nil {
		return nil, err
	}

	messages, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	for _, msg := range messages {
		copied := *msg
		copied.SessionID = fork.ID
		if err := s.storage.Put(ctx, []string{"message", fork.ID, copied.ID}, &copied); err != nil {
			return nil, err
		}

		parts, err := s.Parts(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		for _, part := range parts {
			if err := s.storage.Put(ctx, []string{"part", copied.ID, part.PartID()}, part); err != nil {
				return nil, err
			}
		}

		if messageID != "" && msg.ID == messageID {
			break
		}
	}
	return fork, nil
}

// Share marks a session shared under a locally generated secret and
// returns the share URL.
func (s *Service) Share(ctx context.Context, sessionID string) (string, error) {
	secret := shareSecret()
	url := fmt.Sprintf("opencode://session/%s?secret=%s", sessionID, secret)

	_, err := s.Update(ctx, sessionID, func(session *types.Session) {
		session.Share = &types.SessionShare{URL: url}
	})
	if err != nil {
		return "", err
	}
	return url, nil
}

// Unshare removes sharing from a session.
func (s *Service) Unshare(ctx context.Context, sessionID string) error {
	_, err := s.Update(ctx, sessionID, func(session *types.Session) {
		session.Share = nil
	})
	return err
}

// Revert marks a session as reverted to the state before messageID. When
// the session has snapshots, the working tree is restored to the snapshot
// recorded closest before that message.
func (s *Service) Revert(ctx context.Context, sessionID, messageID string, partID *string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	revert := &types.SessionRevert{MessageID: messageID, PartID: partID}

	if snaps, err := s.snapshots(session); err == nil && snaps != nil {
		if hash := s.snapshotBefore(ctx, sessionID, messageID); hash != "" {
			if err := snaps.Restore(ctx, hash); err != nil {
				return fmt.Errorf("restore snapshot: %w", err)
			}
			revert.Snapshot = &hash
		}
	}

	_, err = s.Update(ctx, sessionID, func(session *types.Session) {
		session.Revert = revert
	})
	return err
}

// snapshotBefore finds the last patch hash persisted before messageID.
func (s *Service) snapshotBefore(ctx context.Context, sessionID, messageID string) string {
	messages, err := s.Messages(ctx, sessionID)
	if err != nil {
		return ""
	}

	hash := ""
	for _, msg := range messages {
		if msg.ID >= messageID {
			break
		}
		parts, err := s.Parts(ctx, msg.ID)
		if err != nil {
			continue
		}
		for _, part := range parts {
			if patch, ok := part.(*types.PatchPart); ok {
				hash = patch.Hash
			}
		}
	}
	return hash
}

// Unrevert clears the revert state from a session.
func (s *Service) Unrevert(ctx context.Context, sessionID string) error {
	_, err := s.Update(ctx, sessionID, func(session *types.Session) {
		session.Revert = nil
	})
	return err
}

// AddMessage persists a new message and announces it.
func (s *Service) AddMessage(ctx context.Context, msg *types.Message) error {
	if err := s.storage.Put(ctx, []string{"message", msg.SessionID, msg.ID}, msg); err != nil {
		return err
	}
	event.Publish(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Info: msg},
	})
	return nil
}

// Messages returns a session's messages in creation order. ULID keys make
// the storage listing chronological.
func (s *Service) Messages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := s.storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

// GetMessage returns one message from a session.
func (s *Service) GetMessage(ctx context.Context, sessionID, messageID string) (*types.Message, error) {
	var msg types.Message
	if err := s.storage.Get(ctx, []string{"message", sessionID, messageID}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateMessage persists message-level fields and announces the update.
// Part of the turn processor's Store contract.
func (s *Service) UpdateMessage(ctx context.Context, msg *types.Message) error {
	if err := s.storage.Put(ctx, []string{"message", msg.SessionID, msg.ID}, msg); err != nil {
		return err
	}
	event.Publish(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{Info: msg},
	})
	return nil
}

// UpdatePart upserts a part and announces it. A non-empty delta marks a
// streaming flush: subscribers can append the delta instead of
// re-rendering the whole part.
func (s *Service) UpdatePart(ctx context.Context, part types.Part, delta string) error {
	if err := s.storage.Put(ctx, []string{"part", partMessageID(part), part.PartID()}, part); err != nil {
		return err
	}
	event.Publish(event.Event{
		Type: event.PartUpdated,
		Data: event.MessagePartUpdatedData{Part: part, Delta: delta},
	})
	return nil
}

// Parts returns a message's parts in creation order. Part of the turn
// processor's Store contract.
func (s *Service) Parts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := s.storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			// Skip parts written by newer versions.
			return nil
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// snapshots opens the snapshot repository for a session's project, or
// returns nil when snapshotting is disabled.
func (s *Service) snapshots(session *types.Session) (*snapshot.Snapshots, error) {
	if s.snapshotDir == "" || session.Directory == "" {
		return nil, nil
	}
	gitDir := filepath.Join(s.snapshotDir, session.ProjectID)
	return snapshot.New(gitDir, session.Directory)
}

// partMessageID extracts the owning message from any part variant.
func partMessageID(part types.Part) string {
	switch p := part.(type) {
	case *types.TextPart:
		return p.MessageID
	case *types.ReasoningPart:
		return p.MessageID
	case *types.ToolPart:
		return p.MessageID
	case *types.StepStartPart:
		return p.MessageID
	case *types.StepFinishPart:
		return p.MessageID
	case *types.PatchPart:
		return p.MessageID
	case *types.FilePart:
		return p.MessageID
	default:
		return ""
	}
}

// detectVCS reports the version control system rooted at directory.
func detectVCS(directory string) string {
	if directory == "" {
		return ""
	}
	if info, err := os.Stat(filepath.Join(directory, ".git")); err == nil && info.IsDir() {
		return "git"
	}
	return ""
}

// generateID generates a new ULID. ULIDs sort by creation time, so
// storage listings come back chronological.
func generateID() string {
	return ulid.Make().String()
}

// hashDirectory derives a stable project ID from a directory path.
func hashDirectory(directory string) string {
	h := sha256.New()
	h.Write([]byte(directory))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// shareSecret returns a random token for share URLs.
func shareSecret() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ulid.Make().String()
	}
	return hex.EncodeToString(buf)
}
