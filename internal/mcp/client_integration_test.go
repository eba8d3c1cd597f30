package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dzianisv/opencode/internal/tool"
	"github.com/dzianisv/opencode/pkg/mcpserver/clock"
)

// TestClient_ClockStdio connects to the clock MCP server over stdio
// and executes its tools through the registry adapter.
func TestClient_ClockStdio(t *testing.T) {
	binaryPath := buildClockMCP(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := NewClient()
	defer client.Close()

	err := client.AddServer(ctx, "clock", &Config{
		Enabled: true,
		Type:    TransportTypeStdio,
		Command: []string{binaryPath},
		Timeout: 10000,
	})
	require.NoError(t, err, "failed to add clock server")

	status, err := client.GetServer("clock")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, status.Status)
	assert.Equal(t, 2, status.ToolCount)

	registry := tool.NewRegistry(t.TempDir(), nil)
	RegisterTools(client, registry)

	elapsed, ok := registry.Get("clock_elapsed")
	require.True(t, ok, "elapsed tool should be registered, got: %v", registry.IDs())
	assert.Contains(t, elapsed.Description(), "elapsed")
	assert.NotNil(t, elapsed.Parameters())

	tests := []struct {
		name     string
		start    string
		end      string
		expected string
	}{
		{
			name:     "hours and minutes",
			start:    "2025-01-01T00:00:00Z",
			end:      "2025-01-01T03:30:00Z",
			expected: "3h30m0s",
		},
		{
			name:     "zero duration",
			start:    "2025-06-15T12:00:00Z",
			end:      "2025-06-15T12:00:00Z",
			expected: "0s",
		},
		{
			name:     "negative duration",
			start:    "2025-01-02T00:00:00Z",
			end:      "2025-01-01T00:00:00Z",
			expected: "-24h0m0s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, err := json.Marshal(map[string]any{
				"start": tt.start,
				"end":   tt.end,
			})
			require.NoError(t, err)

			result, err := elapsed.Execute(ctx, input, nil)
			require.NoError(t, err, "failed to execute elapsed tool")
			assert.Equal(t, tt.expected, result.Output)
		})
	}

	// A failing call surfaces the server-side error message.
	_, err = elapsed.Execute(ctx, json.RawMessage(`{"start":"not a time","end":"2025-01-01T00:00:00Z"}`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid start")
}

// TestClient_ClockSSE connects to an in-process clock SSE server,
// covering the remote transport path end to end.
func TestClient_ClockSSE(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	port := getFreePort(t)
	addr := fmt.Sprintf("localhost:%d", port)
	sseURL := fmt.Sprintf("http://%s/sse", addr)

	mcpServer := clock.NewServer()
	sseServer := server.NewSSEServer(mcpServer,
		server.WithBaseURL(fmt.Sprintf("http://%s", addr)),
	)

	go func() {
		if err := sseServer.Start(addr); err != nil {
			t.Logf("SSE server stopped: %v", err)
		}
	}()

	waitForServer(t, addr, 5*time.Second)

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		sseServer.Shutdown(shutdownCtx)
	}()

	client := NewClient()
	defer client.Close()

	err := client.AddServer(ctx, "clock-sse", &Config{
		Enabled: true,
		Type:    TransportTypeRemote,
		URL:     sseURL,
		Timeout: 10000,
	})
	require.NoError(t, err, "failed to add clock SSE server")

	status, err := client.GetServer("clock-sse")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, status.Status)

	var elapsedName string
	for _, tl := range client.Tools() {
		if tl.Name == "clock_sse_elapsed" {
			elapsedName = tl.Name
			assert.Contains(t, tl.Description, "elapsed")
		}
	}
	require.NotEmpty(t, elapsedName, "elapsed tool should be advertised, got: %v", client.Tools())

	result, err := client.ExecuteTool(ctx, elapsedName, json.RawMessage(
		`{"start":"2025-01-01T00:00:00Z","end":"2025-01-01T03:30:00Z"}`,
	))
	require.NoError(t, err, "failed to execute elapsed tool")
	assert.Equal(t, "3h30m0s", result)

	// The now tool reports a parseable RFC3339 time.
	nowOut, err := client.ExecuteTool(ctx, "clock_sse_now", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339, nowOut)
	assert.NoError(t, err, "now output should be RFC3339: %q", nowOut)
}

// buildClockMCP builds the clock-mcp binary and returns its path.
func buildClockMCP(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	binaryPath := filepath.Join(tmpDir, "clock-mcp")

	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/clock-mcp")
	cmd.Dir = projectRoot(t)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	require.NoError(t, cmd.Run(), "failed to build clock-mcp binary")
	return binaryPath
}

// projectRoot walks up from the working directory to the module root.
func projectRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	require.NoError(t, err)

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (go.mod)")
		}
		dir = parent
	}
}

// getFreePort returns an available TCP port.
func getFreePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

// waitForServer waits until the server is accepting connections.
func waitForServer(t *testing.T, addr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not start within %v", timeout)
}
