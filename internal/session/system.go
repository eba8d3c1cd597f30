package session

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dzianisv/opencode/internal/config"
	"github.com/dzianisv/opencode/pkg/types"
)

// SystemPrompt assembles the system prompt for one turn: provider header,
// agent prompt, model hints, environment context, project rules and tool
// guidelines.
func SystemPrompt(cfg *types.Config, providerID string, model *types.Model, agent *Agent, directory string) string {
	var parts []string

	if header := providerHeader(providerID); header != "" {
		parts = append(parts, header)
	}
	if agent != nil && agent.Prompt != "" {
		parts = append(parts, agent.Prompt)
	}
	if model != nil {
		if hints := modelPrompt(model.ID); hints != "" {
			parts = append(parts, hints)
		}
	}

	parts = append(parts, environmentContext(directory))

	if rules := customRules(cfg, directory); rules != "" {
		parts = append(parts, rules)
	}
	parts = append(parts, toolInstructions)

	return strings.Join(parts, "\n\n")
}

func providerHeader(providerID string) string {
	switch providerID {
	case "anthropic":
		return `You are Claude, an AI assistant made by Anthropic. You are helpful, harmless, and honest.

IMPORTANT: You have access to tools that can read, write, and execute commands on the user's computer. Use them responsibly.`

	case "openai":
		return `You are a helpful AI assistant with access to tools for reading, writing, and executing commands.

Use tools responsibly and follow user instructions carefully.`

	case "google":
		return `You are a helpful AI assistant with tool access.

You can read files, write code, and execute commands to help the user.`

	default:
		return ""
	}
}

func modelPrompt(modelID string) string {
	switch {
	case strings.Contains(modelID, "claude"):
		return `When using tools, be decisive and take action. Don't ask for confirmation unless absolutely necessary.

For file operations:
- Read files before editing to understand context
- Make minimal, focused changes
- Preserve existing code style and formatting`

	case strings.Contains(modelID, "gpt"):
		return `When working with files:
- Always read files before making changes
- Make precise, targeted edits
- Follow existing code conventions`

	case strings.Contains(modelID, "gemini"):
		return `For code tasks:
- Examine existing code structure first
- Make minimal necessary changes
- Maintain code style consistency`

	default:
		return ""
	}
}

func environmentContext(directory string) string {
	if directory == "" {
		directory, _ = os.Getwd()
	}

	var env strings.Builder
	env.WriteString("# Environment Information\n\n")
	fmt.Fprintf(&env, "Working Directory: %s\n", directory)
	fmt.Fprintf(&env, "Current Date: %s\n", time.Now().Format("2006-01-02"))
	fmt.Fprintf(&env, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)

	if branch := gitBranch(directory); branch != "" {
		fmt.Fprintf(&env, "Git Branch: %s\n", branch)
	}
	if projectType := detectProjectType(directory); projectType != "" {
		fmt.Fprintf(&env, "Project Type: %s\n", projectType)
	}
	return env.String()
}

// customRules collects project instruction files: the first of the
// conventional rule files, plus everything listed under instructions in
// the config.
func customRules(cfg *types.Config, directory string) string {
	if directory == "" {
		directory, _ = os.Getwd()
	}

	locations := []string{
		filepath.Join(directory, "AGENTS.md"),
		filepath.Join(directory, "CLAUDE.md"),
		filepath.Join(directory, ".opencode", "rules.md"),
		filepath.Join(config.GetPaths().Config, "rules.md"),
	}

	var sections []string
	for _, loc := range locations {
		if content, err := os.ReadFile(loc); err == nil && len(content) > 0 {
			sections = append(sections, string(content))
			break
		}
	}

	if cfg != nil {
		for _, file := range cfg.Instructions {
			if !filepath.IsAbs(file) {
				file = filepath.Join(directory, file)
			}
			if content, err := os.ReadFile(file); err == nil && len(content) > 0 {
				sections = append(sections, string(content))
			}
		}
	}

	if len(sections) == 0 {
		return ""
	}
	return "# Custom Rules\n\n" + strings.Join(sections, "\n\n")
}

const toolInstructions = `# Tool Usage Guidelines

1. **File Operations**
   - Use the Read tool before editing files
   - Use Edit for surgical changes, Write for new files
   - Always provide absolute paths

2. **Bash Commands**
   - Prefer built-in tools over bash when possible
   - Include a description for every bash command
   - Handle errors gracefully

3. **Search**
   - Use Glob for file discovery
   - Be specific with patterns to avoid noise

4. **Best Practices**
   - Work iteratively, verify changes work
   - Don't modify files you haven't read
   - Explain your reasoning before acting`

func gitBranch(dir string) string {
	if dir == "" {
		return ""
	}
	cmd := exec.Command("git", "branch", "--show-current")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func detectProjectType(dir string) string {
	if dir == "" {
		return ""
	}

	indicators := []struct {
		name     string
		patterns []string
	}{
		{"Go", []string{"go.mod"}},
		{"Node.js", []string{"package.json"}},
		{"Python", []string{"pyproject.toml", "setup.py", "requirements.txt"}},
		{"Rust", []string{"Cargo.toml"}},
		{"Java", []string{"pom.xml", "build.gradle"}},
		{"Ruby", []string{"Gemfile"}},
		{"PHP", []string{"composer.json"}},
		{"C#", []string{"*.csproj", "*.sln"}},
		{"Elixir", []string{"mix.exs"}},
		{"Haskell", []string{"*.cabal", "stack.yaml"}},
	}

	for _, ind := range indicators {
		for _, pattern := range ind.patterns {
			matches, _ := filepath.Glob(filepath.Join(dir, pattern))
			if len(matches) > 0 {
				return ind.name
			}
		}
	}
	return ""
}
