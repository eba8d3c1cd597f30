package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dzianisv/opencode/internal/config"
	"github.com/dzianisv/opencode/internal/event"
	"github.com/dzianisv/opencode/internal/mcp"
	"github.com/dzianisv/opencode/internal/permission"
	"github.com/dzianisv/opencode/internal/provider"
	"github.com/dzianisv/opencode/internal/session"
	"github.com/dzianisv/opencode/internal/storage"
	"github.com/dzianisv/opencode/internal/tool"
	"github.com/dzianisv/opencode/pkg/types"
)

var (
	runModel    string
	runAgent    string
	runContinue bool
	runSession  string
	runFiles    []string
	runTitle    string
	runDir      string
	runAllow    bool
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Send a prompt and stream the reply",
	Long: `Send a prompt to the assistant and stream the reply to stdout.

Examples:
  opencode run "Fix the bug in main.go"
  opencode run --model anthropic/claude-sonnet-4 "Explain this code"
  opencode run --continue "And now add a test for it"
  opencode run --file main.go "Review this file"`,
	RunE: runPrompt,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use (provider/model format)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent to use")
	runCmd.Flags().BoolVarP(&runContinue, "continue", "c", false, "Continue the last session")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session ID to continue")
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "File(s) to attach to message")
	runCmd.Flags().StringVar(&runTitle, "title", "", "Session title")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory")
	runCmd.Flags().BoolVar(&runAllow, "allow", false, "Approve all permission requests without asking")
}

func runPrompt(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	message := strings.Join(args, " ")
	if message == "" {
		return fmt.Errorf("message required. Usage: opencode run \"your message\"")
	}
	for _, file := range runFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", file, err)
		}
		message += fmt.Sprintf("\n\n--- File: %s ---\n%s", file, content)
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}
	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if runModel != "" {
		appConfig.Model = runModel
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store := storage.New(paths.StoragePath())
	providers, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	tools := tool.DefaultRegistry(workDir, store)
	if len(appConfig.MCP) > 0 {
		mcpClient := mcp.NewClient()
		mcpClient.AddConfigured(ctx, appConfig.MCP)
		mcp.RegisterTools(mcpClient, tools)
		defer mcpClient.Close()
	}

	checker := permission.NewChecker()
	svc := session.NewService(appConfig, store, providers, tools, checker)
	svc.SetSnapshotDir(paths.SnapshotPath())

	sess, err := resolveSession(ctx, svc, workDir)
	if err != nil {
		return err
	}

	// Stream text deltas as they flush instead of waiting for the full
	// reply.
	unsubParts := event.Subscribe(event.PartUpdated, func(e event.Event) {
		data, ok := e.Data.(event.MessagePartUpdatedData)
		if !ok || data.Delta == "" {
			return
		}
		if part, ok := data.Part.(*types.TextPart); ok && part.SessionID == sess.ID {
			fmt.Print(data.Delta)
		}
	})
	defer unsubParts()

	unsubPerms := event.Subscribe(event.PermissionUpdated, func(e event.Event) {
		data, ok := e.Data.(event.PermissionUpdatedData)
		if !ok || data.SessionID != sess.ID {
			return
		}
		checker.Respond(data.ID, askPermission(data))
	})
	defer unsubPerms()

	input := session.Input{Text: message, Agent: runAgent}
	if runModel != "" {
		providerID, modelID := provider.ParseModelString(runModel)
		input.Model = &types.ModelRef{ProviderID: providerID, ModelID: modelID}
	}

	reply, err := svc.Prompt(ctx, sess.ID, input)
	if err != nil {
		return err
	}
	fmt.Println()
	if reply.Error != nil {
		return fmt.Errorf("%s: %s", reply.Error.Name, reply.Error.Data.Message)
	}
	return nil
}

// resolveSession picks the target session: an explicit ID, the most
// recently updated session in the working directory, or a fresh one.
func resolveSession(ctx context.Context, svc *session.Service, workDir string) (*types.Session, error) {
	if runSession != "" {
		return svc.Get(ctx, runSession)
	}
	if runContinue {
		sessions, err := svc.List(ctx, workDir)
		if err != nil {
			return nil, err
		}
		var latest *types.Session
		for _, s := range sessions {
			if latest == nil || s.Time.Updated > latest.Time.Updated {
				latest = s
			}
		}
		if latest != nil {
			return latest, nil
		}
	}
	return svc.Create(ctx, workDir, runTitle, nil)
}

// askPermission resolves a permission request on the terminal. With
// --allow every request is granted for the rest of the session.
func askPermission(data event.PermissionUpdatedData) string {
	if runAllow {
		return "always"
	}
	fmt.Fprintf(os.Stderr, "\n%s [y/N] ", data.Title)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return "once"
	default:
		return "reject"
	}
}
