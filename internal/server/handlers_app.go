package server

import (
	"encoding/json"
	"net/http"

	"github.com/dzianisv/opencode/internal/mcp"
	"github.com/dzianisv/opencode/pkg/types"
)

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects := []*types.Project{}
	err := s.storage.Scan(r.Context(), []string{"project"}, func(key string, data json.RawMessage) error {
		var project types.Project
		if err := json.Unmarshal(data, &project); err != nil {
			return nil
		}
		projects = append(projects, &project)
		return nil
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) currentProject(w http.ResponseWriter, r *http.Request) {
	if s.config.Directory == "" {
		writeError(w, http.StatusNotFound, errCodeNotFound, "server has no working directory")
		return
	}
	var found *types.Project
	err := s.storage.Scan(r.Context(), []string{"project"}, func(key string, data json.RawMessage) error {
		var project types.Project
		if err := json.Unmarshal(data, &project); err != nil {
			return nil
		}
		if project.Worktree == s.config.Directory {
			found = &project
		}
		return nil
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if found == nil {
		// No session has been created here yet, so only the
		// worktree is known.
		found = &types.Project{Worktree: s.config.Directory}
	}
	writeJSON(w, http.StatusOK, found)
}

// getConfig returns the effective configuration with credentials
// stripped.
func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	redacted := *s.appConfig
	redacted.Provider = make(map[string]types.ProviderConfig, len(s.appConfig.Provider))
	for name, cfg := range s.appConfig.Provider {
		cfg.APIKey = ""
		cfg.Options = nil
		redacted.Provider[name] = cfg
	}
	writeJSON(w, http.StatusOK, &redacted)
}

// ProviderInfo describes one configured provider and its models.
type ProviderInfo struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Models []types.Model `json:"models"`
}

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	infos := []ProviderInfo{}
	for _, p := range s.providers.List() {
		infos = append(infos, ProviderInfo{
			ID:     p.ID(),
			Name:   p.Name(),
			Models: p.Models(),
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) mcpStatus(w http.ResponseWriter, r *http.Request) {
	statuses := []mcp.ServerStatus{}
	if s.mcp != nil {
		statuses = s.mcp.Status()
	}
	writeJSON(w, http.StatusOK, statuses)
}
