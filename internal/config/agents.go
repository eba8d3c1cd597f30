package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dzianisv/opencode/pkg/types"
)

// agentProfile is the YAML shape of an agent file. One file per agent.
type agentProfile struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Model       string          `yaml:"model"`
	Temperature *float64        `yaml:"temperature"`
	TopP        *float64        `yaml:"top_p"`
	Prompt      string          `yaml:"prompt"`
	Tools       map[string]bool `yaml:"tools"`
	Permission  *struct {
		Edit     string `yaml:"edit"`
		Bash     any    `yaml:"bash"`
		WebFetch string `yaml:"webfetch"`
		DoomLoop string `yaml:"doom_loop"`
	} `yaml:"permission"`
	Disable bool `yaml:"disable"`
}

// loadAgentProfiles merges agent profiles from dir into config.Agent.
// The agent name is the filename without extension unless the profile
// sets one explicitly. Unreadable or malformed files are skipped.
func loadAgentProfiles(dir string, config *types.Config) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}

		var profile agentProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			continue
		}

		agentName := profile.Name
		if agentName == "" {
			agentName = strings.TrimSuffix(name, ext)
		}

		cfg := types.AgentConfig{
			Model:       profile.Model,
			Temperature: profile.Temperature,
			TopP:        profile.TopP,
			Prompt:      profile.Prompt,
			Tools:       profile.Tools,
			Description: profile.Description,
			Disable:     profile.Disable,
		}
		if profile.Permission != nil {
			cfg.Permission = &types.PermissionConfig{
				Edit:     profile.Permission.Edit,
				Bash:     profile.Permission.Bash,
				WebFetch: profile.Permission.WebFetch,
				DoomLoop: profile.Permission.DoomLoop,
			}
		}

		if config.Agent == nil {
			config.Agent = make(map[string]types.AgentConfig)
		}
		config.Agent[agentName] = cfg
	}
}
