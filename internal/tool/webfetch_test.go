package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebFetchTool_Properties(t *testing.T) {
	tool := NewWebFetchTool("/tmp")

	if tool.ID() != "webfetch" {
		t.Errorf("Expected ID 'webfetch', got %q", tool.ID())
	}

	var schema map[string]any
	if err := json.Unmarshal(tool.Parameters(), &schema); err != nil {
		t.Fatalf("Parameters should be valid JSON: %v", err)
	}
	props, _ := schema["properties"].(map[string]any)
	if _, ok := props["url"]; !ok {
		t.Error("Schema should have url property")
	}
	if _, ok := props["format"]; !ok {
		t.Error("Schema should have format property")
	}
}

func TestWebFetchTool_URLValidation(t *testing.T) {
	tool := NewWebFetchTool("/tmp")
	ctx := context.Background()
	toolCtx := testContext()

	for _, url := range []string{"ftp://example.com/file", "example.com", ""} {
		input, _ := json.Marshal(WebFetchInput{URL: url, Format: "text"})
		if _, err := tool.Execute(ctx, input, toolCtx); err == nil {
			t.Errorf("Expected error for URL %q", url)
		}
	}
}

func TestWebFetchTool_FormatValidation(t *testing.T) {
	tool := NewWebFetchTool("/tmp")
	ctx := context.Background()
	toolCtx := testContext()

	for _, format := range []string{"", "xml", "json"} {
		input, _ := json.Marshal(WebFetchInput{URL: "https://example.com", Format: format})
		if _, err := tool.Execute(ctx, input, toolCtx); err == nil {
			t.Errorf("Expected error for format %q", format)
		}
	}
}

func TestWebFetchTool_HTMLToMarkdown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><h1>Title</h1><p>Some <b>bold</b> text.</p><script>evil()</script></body></html>`))
	}))
	defer server.Close()

	tool := NewWebFetchTool("/tmp")
	ctx := context.Background()
	toolCtx := testContext()

	input, _ := json.Marshal(WebFetchInput{URL: server.URL, Format: "markdown"})
	result, err := tool.Execute(ctx, input, toolCtx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !strings.Contains(result.Output, "# Title") {
		t.Errorf("Output should contain an atx heading, got %q", result.Output)
	}
	if !strings.Contains(result.Output, "**bold**") {
		t.Errorf("Output should contain markdown bold, got %q", result.Output)
	}
	if strings.Contains(result.Output, "evil()") {
		t.Error("Scripts should be stripped")
	}
}

func TestWebFetchTool_HTMLToText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><style>body{}</style></head><body><p>Visible text</p></body></html>`))
	}))
	defer server.Close()

	tool := NewWebFetchTool("/tmp")
	ctx := context.Background()
	toolCtx := testContext()

	input, _ := json.Marshal(WebFetchInput{URL: server.URL, Format: "text"})
	result, err := tool.Execute(ctx, input, toolCtx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !strings.Contains(result.Output, "Visible text") {
		t.Errorf("Output should contain the page text, got %q", result.Output)
	}
	if strings.Contains(result.Output, "body{}") {
		t.Error("Styles should be stripped")
	}
}

func TestWebFetchTool_HTMLPassthrough(t *testing.T) {
	raw := `<html><body><p>Raw</p></body></html>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(raw))
	}))
	defer server.Close()

	tool := NewWebFetchTool("/tmp")
	ctx := context.Background()
	toolCtx := testContext()

	input, _ := json.Marshal(WebFetchInput{URL: server.URL, Format: "html"})
	result, err := tool.Execute(ctx, input, toolCtx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Output != raw {
		t.Errorf("html format should pass through unchanged, got %q", result.Output)
	}
}

func TestWebFetchTool_PlainTextPassthrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("just plain text"))
	}))
	defer server.Close()

	tool := NewWebFetchTool("/tmp")
	ctx := context.Background()
	toolCtx := testContext()

	input, _ := json.Marshal(WebFetchInput{URL: server.URL, Format: "markdown"})
	result, err := tool.Execute(ctx, input, toolCtx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Output != "just plain text" {
		t.Errorf("non-HTML content should pass through, got %q", result.Output)
	}
}

func TestWebFetchTool_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	tool := NewWebFetchTool("/tmp")
	ctx := context.Background()
	toolCtx := testContext()

	input, _ := json.Marshal(WebFetchInput{URL: server.URL, Format: "text"})
	_, err := tool.Execute(ctx, input, toolCtx)
	if err == nil {
		t.Fatal("Expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should carry the status code, got %v", err)
	}
}

func TestWebFetchTool_ResponseTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		big := make([]byte, maxResponseSize+10)
		for i := range big {
			big[i] = 'a'
		}
		w.Write(big)
	}))
	defer server.Close()

	tool := NewWebFetchTool("/tmp")
	ctx := context.Background()
	toolCtx := testContext()

	input, _ := json.Marshal(WebFetchInput{URL: server.URL, Format: "text"})
	if _, err := tool.Execute(ctx, input, toolCtx); err == nil {
		t.Error("Expected error for oversized response")
	}
}

func TestWebFetchTool_InvalidInput(t *testing.T) {
	tool := NewWebFetchTool("/tmp")
	ctx := context.Background()
	toolCtx := testContext()

	if _, err := tool.Execute(ctx, json.RawMessage(`{broken`), toolCtx); err == nil {
		t.Error("Expected error for invalid JSON input")
	}
}

func TestHTMLtoText(t *testing.T) {
	text, err := htmlToText(`<html><body><div>Hello <span>World</span></div><noscript>js off</noscript></body></html>`)
	if err != nil {
		t.Fatalf("htmlToText failed: %v", err)
	}
	if !strings.Contains(text, "Hello World") {
		t.Errorf("text = %q, want the joined content", text)
	}
	if strings.Contains(text, "js off") {
		t.Error("noscript content should be removed")
	}
}

func TestHTMLtoMarkdown(t *testing.T) {
	markdown, err := htmlToMarkdown(`<h2>Section</h2><ul><li>one</li><li>two</li></ul><hr>`)
	if err != nil {
		t.Fatalf("htmlToMarkdown failed: %v", err)
	}
	if !strings.Contains(markdown, "## Section") {
		t.Errorf("markdown = %q, want an atx heading", markdown)
	}
	if !strings.Contains(markdown, "- one") {
		t.Errorf("markdown = %q, want dashed bullets", markdown)
	}
	if !strings.Contains(markdown, "---") {
		t.Errorf("markdown = %q, want the horizontal rule", markdown)
	}
}
