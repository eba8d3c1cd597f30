package permission

import (
	"strings"
)

// MatchBashPermission resolves the configured action for a parsed
// command, consulting rules from most to least specific:
// "git commit *", then "git *", then "git", then "*".
func MatchBashPermission(cmd BashCommand, permissions map[string]PermissionAction) PermissionAction {
	candidates := []string{}
	if cmd.Subcommand != "" {
		candidates = append(candidates, cmd.Name+" "+cmd.Subcommand+" *")
	}
	candidates = append(candidates, cmd.Name+" *", cmd.Name, "*")

	for _, key := range candidates {
		if action, ok := permissions[key]; ok {
			return action
		}
	}
	return ActionAsk
}

// MatchPattern reports whether a command matches a rule pattern. A
// trailing "*" matches any remaining arguments; without it the
// argument lists must line up exactly.
func MatchPattern(pattern string, cmd BashCommand) bool {
	parts := strings.Split(pattern, " ")
	if len(parts) == 0 {
		return false
	}
	if len(parts) == 1 {
		if parts[0] == "*" {
			return true
		}
		return cmd.Name == parts[0] && len(cmd.Args) == 0
	}
	if parts[0] != "*" && parts[0] != cmd.Name {
		return false
	}

	if parts[len(parts)-1] == "*" {
		for i := 1; i < len(parts)-1; i++ {
			argIndex := i - 1
			if argIndex >= len(cmd.Args) {
				return false
			}
			if parts[i] != "*" && parts[i] != cmd.Args[argIndex] {
				return false
			}
		}
		return true
	}

	if len(parts)-1 != len(cmd.Args) {
		return false
	}
	for i := 1; i < len(parts); i++ {
		if parts[i] != cmd.Args[i-1] {
			return false
		}
	}
	return true
}

// BuildPattern derives the ask pattern for a command, so an "always"
// answer covers future invocations of the same shape. "git commit -m x"
// becomes "git commit *" and "ls -la" becomes "ls *".
func BuildPattern(cmd BashCommand) string {
	if cmd.Subcommand != "" {
		return cmd.Name + " " + cmd.Subcommand + " *"
	}
	return cmd.Name + " *"
}

// BuildPatterns derives deduplicated patterns for a command list. "cd"
// is skipped because directory changes are checked as path access, not
// as commands.
func BuildPatterns(commands []BashCommand) []string {
	seen := make(map[string]bool)
	var patterns []string
	for _, cmd := range commands {
		if cmd.Name == "cd" {
			continue
		}
		pattern := BuildPattern(cmd)
		if seen[pattern] {
			continue
		}
		seen[pattern] = true
		patterns = append(patterns, pattern)
	}
	return patterns
}
