package permission

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// BashCommand is one simple command lifted out of a shell script.
// Subcommand holds the first non-flag argument, which is how rules like
// "git commit *" are matched.
type BashCommand struct {
	Name       string
	Args       []string
	Subcommand string
}

// ParseBashCommand parses a shell command line and returns every simple
// command it runs, including those inside pipes, substitutions and
// conditionals. A rule match must cover all of them.
func ParseBashCommand(command string) ([]BashCommand, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}

	var commands []BashCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd := extractCommand(call); cmd != nil {
				commands = append(commands, *cmd)
			}
		}
		return true
	})
	return commands, nil
}

func extractCommand(call *syntax.CallExpr) *BashCommand {
	if len(call.Args) == 0 {
		return nil
	}

	cmd := &BashCommand{Name: wordToString(call.Args[0])}
	if cmd.Name == "" {
		return nil
	}

	for _, arg := range call.Args[1:] {
		argStr := wordToString(arg)
		cmd.Args = append(cmd.Args, argStr)
		if cmd.Subcommand == "" && !strings.HasPrefix(argStr, "-") {
			cmd.Subcommand = argStr
		}
	}
	return cmd
}

// wordToString flattens a shell word to literal text. Expansions keep a
// marker instead of their value, so dynamic arguments never satisfy an
// exact rule.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// DangerousCommands modify the filesystem, so their path arguments are
// checked against the working directory.
var DangerousCommands = map[string]bool{
	"cd":    true,
	"rm":    true,
	"cp":    true,
	"mv":    true,
	"mkdir": true,
	"touch": true,
	"chmod": true,
	"chown": true,
	"rmdir": true,
	"dd":    true,
}

// IsDangerousCommand reports whether name is a file-modifying command.
func IsDangerousCommand(name string) bool {
	return DangerousCommands[name]
}

// ExtractPaths returns the path-like arguments of a command, skipping
// flags and chmod mode strings.
func ExtractPaths(cmd BashCommand) []string {
	var paths []string
	for _, arg := range cmd.Args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if cmd.Name == "chmod" && isChmodMode(arg) {
			continue
		}
		paths = append(paths, arg)
	}
	return paths
}

func isChmodMode(arg string) bool {
	if arg == "" {
		return false
	}
	switch c := arg[0]; {
	case c >= '0' && c <= '9':
		return true
	case c == 'u' || c == 'g' || c == 'o' || c == 'a' || c == '+' || c == '=':
		return true
	}
	return false
}

// ResolvePath turns a command argument into a cleaned absolute path,
// expanding a leading ~ and anchoring relative paths at workDir.
func ResolvePath(path, workDir string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %s: %w", path, err)
		}
		return filepath.Clean(filepath.Join(home, path[1:])), nil
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	return filepath.Clean(filepath.Join(workDir, path)), nil
}

// IsWithinDir reports whether path sits at or under dir.
func IsWithinDir(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}
