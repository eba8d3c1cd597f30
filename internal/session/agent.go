package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dzianisv/opencode/internal/permission"
	"github.com/dzianisv/opencode/pkg/types"
)

// Agent is a resolved agent profile: system prompt, sampling parameters,
// tool filter and permission policy.
type Agent struct {
	Name        string
	Description string

	// Prompt replaces the built-in system prompt when set.
	Prompt string

	// Model is an optional "provider/model" override.
	Model string

	Temperature *float64
	TopP        *float64

	// Tools filters the registry; a missing entry means enabled.
	Tools map[string]bool

	Permissions permission.AgentPermissions

	// ContinueOnDeny keeps the turn running after a permission
	// rejection instead of stopping it.
	ContinueOnDeny bool
}

// ToolEnabled reports whether the agent may use a tool.
func (a *Agent) ToolEnabled(id string) bool {
	if a.Tools == nil {
		return true
	}
	if enabled, ok := a.Tools[id]; ok {
		return enabled
	}
	return true
}

func buildAgent() *Agent {
	perms := permission.DefaultAgentPermissions()
	perms.WebFetch = permission.ActionAllow
	perms.Bash = map[string]permission.PermissionAction{"*": permission.ActionAsk}
	return &Agent{
		Name:        "build",
		Description: "Full-access agent for making changes",
		Permissions: perms,
	}
}

func planAgent() *Agent {
	perms := permission.DefaultAgentPermissions()
	perms.Edit = permission.ActionDeny
	perms.DoomLoop = permission.ActionDeny
	perms.WebFetch = permission.ActionAllow
	perms.Bash = map[string]permission.PermissionAction{"*": permission.ActionDeny}
	return &Agent{
		Name:        "plan",
		Description: "Read-only agent for analysis and planning",
		Tools: map[string]bool{
			"Write": false,
			"edit":  false,
			"bash":  false,
		},
		Permissions: perms,
	}
}

func generalAgent() *Agent {
	perms := permission.DefaultAgentPermissions()
	perms.WebFetch = permission.ActionAllow
	perms.Bash = map[string]permission.PermissionAction{"*": permission.ActionAsk}
	return &Agent{
		Name:        "general",
		Description: "Subagent for delegated research tasks",
		Tools: map[string]bool{
			"todoread":  false,
			"todowrite": false,
		},
		Permissions: perms,
	}
}

// Agents resolves the full agent set: built-in profiles, overridden by
// config, extended by markdown profiles from the given directories.
// Disabled agents are dropped.
func Agents(cfg *types.Config, agentDirs ...string) map[string]*Agent {
	agents := map[string]*Agent{
		"build":   buildAgent(),
		"plan":    planAgent(),
		"general": generalAgent(),
	}

	for _, dir := range agentDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			agent, err := LoadAgentFile(filepath.Join(dir, entry.Name()))
			if err != nil || agent == nil {
				continue
			}
			agents[agent.Name] = agent
		}
	}

	if cfg != nil {
		for name, ac := range cfg.Agent {
			if ac.Disable {
				delete(agents, name)
				continue
			}
			agent, ok := agents[name]
			if !ok {
				agent = buildAgent()
				agent.Name = name
				agents[name] = agent
			}
			applyAgentConfig(agent, ac)
		}
		for _, agent := range agents {
			applyGlobalConfig(agent, cfg)
		}
	}

	return agents
}

func applyAgentConfig(a *Agent, ac types.AgentConfig) {
	if ac.Model != "" {
		a.Model = ac.Model
	}
	if ac.Prompt != "" {
		a.Prompt = ac.Prompt
	}
	if ac.Description != "" {
		a.Description = ac.Description
	}
	if ac.Temperature != nil {
		a.Temperature = ac.Temperature
	}
	if ac.TopP != nil {
		a.TopP = ac.TopP
	}
	for id, enabled := range ac.Tools {
		if a.Tools == nil {
			a.Tools = make(map[string]bool)
		}
		a.Tools[id] = enabled
	}
	if ac.ContinueOnDeny {
		a.ContinueOnDeny = true
	}
	a.Permissions = permissionsFrom(ac.Permission, a.Permissions)
}

// applyGlobalConfig folds top-level tool and permission settings into an
// agent. Agent-level settings already applied take precedence, so global
// values fill only what the agent left unset.
func applyGlobalConfig(a *Agent, cfg *types.Config) {
	for id, enabled := range cfg.Tools {
		if a.Tools == nil {
			a.Tools = make(map[string]bool)
		}
		if _, ok := a.Tools[id]; !ok {
			a.Tools[id] = enabled
		}
	}
	if cfg.Permission != nil {
		base := permissionsFrom(cfg.Permission, permission.DefaultAgentPermissions())
		merged := a.Permissions
		if merged.Edit == permission.ActionAsk {
			merged.Edit = base.Edit
		}
		if merged.WebFetch == permission.ActionAsk {
			merged.WebFetch = base.WebFetch
		}
		if merged.DoomLoop == permission.ActionAsk {
			merged.DoomLoop = base.DoomLoop
		}
		if len(merged.Bash) == 0 || onlyDefaultBash(merged.Bash) {
			if len(base.Bash) > 0 {
				merged.Bash = base.Bash
			}
		}
		a.Permissions = merged
	}
}

func onlyDefaultBash(m map[string]permission.PermissionAction) bool {
	return len(m) == 1 && m["*"] == permission.ActionAsk
}

// permissionsFrom overlays a config permission block onto a base policy.
func permissionsFrom(pc *types.PermissionConfig, base permission.AgentPermissions) permission.AgentPermissions {
	if pc == nil {
		return base
	}
	out := base
	out.Edit = parseAction(pc.Edit, base.Edit)
	out.WebFetch = parseAction(pc.WebFetch, base.WebFetch)
	out.DoomLoop = parseAction(pc.DoomLoop, base.DoomLoop)

	switch bash := pc.Bash.(type) {
	case string:
		out.Bash = map[string]permission.PermissionAction{"*": parseAction(bash, permission.ActionAsk)}
	case map[string]any:
		m := make(map[string]permission.PermissionAction, len(bash))
		for pattern, v := range bash {
			if s, ok := v.(string); ok {
				m[pattern] = parseAction(s, permission.ActionAsk)
			}
		}
		if len(m) > 0 {
			out.Bash = m
		}
	case map[string]string:
		m := make(map[string]permission.PermissionAction, len(bash))
		for pattern, s := range bash {
			m[pattern] = parseAction(s, permission.ActionAsk)
		}
		if len(m) > 0 {
			out.Bash = m
		}
	}
	return out
}

func parseAction(s string, def permission.PermissionAction) permission.PermissionAction {
	switch s {
	case "allow":
		return permission.ActionAllow
	case "deny":
		return permission.ActionDeny
	case "ask":
		return permission.ActionAsk
	default:
		return def
	}
}

// agentFrontMatter is the YAML header of a markdown agent profile. The
// markdown body becomes the agent's prompt.
type agentFrontMatter struct {
	Description string          `yaml:"description"`
	Model       string          `yaml:"model"`
	Temperature *float64        `yaml:"temperature"`
	TopP        *float64        `yaml:"top_p"`
	Tools       map[string]bool `yaml:"tools"`
	Disable     bool            `yaml:"disable"`
	Permission  *struct {
		Edit     string `yaml:"edit"`
		Bash     any    `yaml:"bash"`
		WebFetch string `yaml:"webfetch"`
		DoomLoop string `yaml:"doom_loop"`
	} `yaml:"permission"`
	ContinueOnDeny bool `yaml:"continue_on_deny"`
}

// LoadAgentFile reads an agent profile from a markdown file with YAML
// front matter. The file name (without extension) is the agent name.
// Returns nil for profiles marked disabled.
func LoadAgentFile(path string) (*Agent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	front, body, err := splitFrontMatter(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var meta agentFrontMatter
	if front != "" {
		if err := yaml.Unmarshal([]byte(front), &meta); err != nil {
			return nil, fmt.Errorf("%s: parse front matter: %w", path, err)
		}
	}
	if meta.Disable {
		return nil, nil
	}

	agent := &Agent{
		Name:           strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Description:    meta.Description,
		Prompt:         strings.TrimSpace(body),
		Model:          meta.Model,
		Temperature:    meta.Temperature,
		TopP:           meta.TopP,
		Tools:          meta.Tools,
		Permissions:    permission.DefaultAgentPermissions(),
		ContinueOnDeny: meta.ContinueOnDeny,
	}
	if meta.Permission != nil {
		agent.Permissions = permissionsFrom(&types.PermissionConfig{
			Edit:     meta.Permission.Edit,
			Bash:     meta.Permission.Bash,
			WebFetch: meta.Permission.WebFetch,
			DoomLoop: meta.Permission.DoomLoop,
		}, agent.Permissions)
	}
	return agent, nil
}

// splitFrontMatter separates a leading "---" delimited YAML block from
// the markdown body. Files without front matter are all body.
func splitFrontMatter(content string) (front, body string, err error) {
	if !strings.HasPrefix(content, "---\n") && content != "---" {
		return "", content, nil
	}
	rest := strings.TrimPrefix(content, "---\n")
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated front matter")
	}
	front = rest[:idx]
	body = rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return front, body, nil
}
