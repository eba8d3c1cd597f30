// Package provider_test hosts a fake LLM HTTP server speaking the
// OpenAI and Anthropic wire formats with canned responses, so provider
// adapters can be tested over real HTTP without a key.
package provider_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"
)

// MockLLMConfig selects canned responses by prompt substring.
type MockLLMConfig struct {
	Responses map[string]MockResponse
	Defaults  MockDefaults
	Settings  MockSettings
}

// MockResponse is one canned completion.
type MockResponse struct {
	Content   string
	ToolCalls []MockToolCall
}

// MockToolCall is a canned tool invocation.
type MockToolCall struct {
	ID       string
	Type     string
	Function MockFunctionCall
}

// MockFunctionCall names the function and its JSON arguments.
type MockFunctionCall struct {
	Name      string
	Arguments string
}

// MockDefaults holds the reply used when no prompt matches.
type MockDefaults struct {
	Fallback string
}

// MockSettings tunes latency and streaming.
type MockSettings struct {
	LagMS           int
	EnableStreaming bool
}

// MockRequest is one recorded inbound request, kept for assertions on
// what the adapter actually sent.
type MockRequest struct {
	Timestamp time.Time
	Method    string
	Path      string
	Body      map[string]interface{}
	Headers   http.Header
}

// MockLLMServer serves the fake endpoints over httptest.
type MockLLMServer struct {
	server    *httptest.Server
	config    *MockLLMConfig
	requests  []MockRequest
	streaming bool
}

// NewMockLLMServer starts the server. Callers must Close it.
func NewMockLLMServer(config *MockLLMConfig) *MockLLMServer {
	m := &MockLLMServer{
		config:    config,
		requests:  make([]MockRequest, 0),
		streaming: config.Settings.EnableStreaming,
	}

	mux := http.NewServeMux()
	// The OpenAI routes double as ARK, which serves the same shape.
	mux.HandleFunc("/v1/chat/completions", m.handleOpenAI)
	mux.HandleFunc("/chat/completions", m.handleOpenAI)
	mux.HandleFunc("/v1/messages", m.handleAnthropic)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the base URL adapters should be pointed at.
func (m *MockLLMServer) URL() string {
	return m.server.URL
}

// Close shuts the server down.
func (m *MockLLMServer) Close() {
	m.server.Close()
}

// GetRequests returns every request recorded so far.
func (m *MockLLMServer) GetRequests() []MockRequest {
	return m.requests
}

// ClearRequests drops the recorded requests.
func (m *MockLLMServer) ClearRequests() {
	m.requests = make([]MockRequest, 0)
}

// readAndRecord decodes the request body and appends it to the log.
// Returns nil when the request is malformed; the handler has already
// written the error status.
func (m *MockLLMServer) readAndRecord(w http.ResponseWriter, r *http.Request) map[string]interface{} {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return nil
	}
	defer r.Body.Close()

	var req map[string]interface{}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return nil
	}

	m.requests = append(m.requests, MockRequest{
		Timestamp: time.Now(),
		Method:    r.Method,
		Path:      r.URL.Path,
		Body:      req,
		Headers:   r.Header,
	})
	return req
}

func (m *MockLLMServer) handleOpenAI(w http.ResponseWriter, r *http.Request) {
	req := m.readAndRecord(w, r)
	if req == nil {
		return
	}
	response := m.findResponse(lastUserPrompt(req))
	m.lag()

	if wantsStream(req) && m.streaming {
		m.streamOpenAI(w, response)
		return
	}
	m.respondOpenAI(w, response)
}

func (m *MockLLMServer) handleAnthropic(w http.ResponseWriter, r *http.Request) {
	req := m.readAndRecord(w, r)
	if req == nil {
		return
	}
	response := m.findResponse(lastUserPrompt(req))
	m.lag()

	if wantsStream(req) && m.streaming {
		m.streamAnthropic(w, response)
		return
	}
	m.respondAnthropic(w, response)
}

func (m *MockLLMServer) lag() {
	if m.config.Settings.LagMS > 0 {
		time.Sleep(time.Duration(m.config.Settings.LagMS) * time.Millisecond)
	}
}

func wantsStream(req map[string]interface{}) bool {
	stream, _ := req["stream"].(bool)
	return stream
}

// lastUserPrompt digs the newest user message out of either wire
// format. Anthropic content may be a plain string or a block list.
func lastUserPrompt(req map[string]interface{}) string {
	messages, ok := req["messages"].([]interface{})
	if !ok {
		return ""
	}
	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]interface{})
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "user" {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			return content
		case []interface{}:
			for _, item := range content {
				block, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				if blockType, _ := block["type"].(string); blockType == "text" {
					if text, ok := block["text"].(string); ok {
						return text
					}
				}
			}
		}
	}
	return ""
}

// findResponse matches the prompt against configured keys by substring,
// falling back to the default reply.
func (m *MockLLMServer) findResponse(prompt string) *MockResponse {
	prompt = strings.ToLower(strings.TrimSpace(prompt))
	for key, resp := range m.config.Responses {
		if strings.Contains(prompt, strings.ToLower(key)) {
			return &resp
		}
	}
	return &MockResponse{Content: m.config.Defaults.Fallback}
}

func (m *MockLLMServer) respondOpenAI(w http.ResponseWriter, resp *MockResponse) {
	message := map[string]interface{}{
		"role":    "assistant",
		"content": resp.Content,
	}
	finish := "stop"
	if len(resp.ToolCalls) > 0 {
		calls := make([]map[string]interface{}, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			calls[i] = map[string]interface{}{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]interface{}{
					"name":      tc.Function.Name,
					"arguments": tc.Function.Arguments,
				},
			}
		}
		message["tool_calls"] = calls
		finish = "tool_calls"
	}

	writeJSONBody(w, map[string]interface{}{
		"id":      "chatcmpl-mock-" + mockID(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   "mock-gpt-4",
		"choices": []map[string]interface{}{
			{"index": 0, "message": message, "finish_reason": finish},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     100,
			"completion_tokens": 50,
			"total_tokens":      150,
		},
	})
}

func (m *MockLLMServer) streamOpenAI(w http.ResponseWriter, resp *MockResponse) {
	flusher := startSSE(w)
	if flusher == nil {
		return
	}

	chunk := func(delta map[string]interface{}, finish interface{}) {
		payload := map[string]interface{}{
			"id":      "chatcmpl-mock-" + mockID(),
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   "mock-gpt-4",
			"choices": []map[string]interface{}{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	chunk(map[string]interface{}{"role": "assistant"}, nil)
	for _, piece := range splitWords(resp.Content) {
		chunk(map[string]interface{}{"content": piece}, nil)
		time.Sleep(5 * time.Millisecond)
	}
	chunk(map[string]interface{}{}, "stop")

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func (m *MockLLMServer) respondAnthropic(w http.ResponseWriter, resp *MockResponse) {
	content := []map[string]interface{}{
		{"type": "text", "text": resp.Content},
	}
	stop := "end_turn"
	for _, tc := range resp.ToolCalls {
		var input map[string]interface{}
		json.Unmarshal([]byte(tc.Function.Arguments), &input)
		content = append(content, map[string]interface{}{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Function.Name,
			"input": input,
		})
		stop = "tool_use"
	}

	writeJSONBody(w, map[string]interface{}{
		"id":            "msg_mock_" + mockID(),
		"type":          "message",
		"role":          "assistant",
		"model":         "mock-claude-3",
		"stop_reason":   stop,
		"stop_sequence": nil,
		"content":       content,
		"usage": map[string]interface{}{
			"input_tokens":  100,
			"output_tokens": 50,
		},
	})
}

func (m *MockLLMServer) streamAnthropic(w http.ResponseWriter, resp *MockResponse) {
	flusher := startSSE(w)
	if flusher == nil {
		return
	}

	emit := func(eventName string, payload map[string]interface{}) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, data)
		flusher.Flush()
	}

	emit("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":      "msg_mock_" + mockID(),
			"type":    "message",
			"role":    "assistant",
			"model":   "mock-claude-3",
			"content": []interface{}{},
			"usage": map[string]interface{}{
				"input_tokens":  100,
				"output_tokens": 0,
			},
		},
	})
	emit("content_block_start", map[string]interface{}{
		"type":  "content_block_start",
		"index": 0,
		"content_block": map[string]interface{}{
			"type": "text",
			"text": "",
		},
	})
	for _, piece := range splitWords(resp.Content) {
		emit("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]interface{}{
				"type": "text_delta",
				"text": piece,
			},
		})
		time.Sleep(5 * time.Millisecond)
	}
	emit("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": 0,
	})
	emit("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
		},
		"usage": map[string]interface{}{
			"output_tokens": 50,
		},
	})
	emit("message_stop", map[string]interface{}{"type": "message_stop"})
}

func startSSE(w http.ResponseWriter) http.Flusher {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return flusher
}

func writeJSONBody(w http.ResponseWriter, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// splitWords breaks text into word-sized streaming pieces, keeping the
// separating spaces so the client can concatenate deltas verbatim.
func splitWords(text string) []string {
	words := strings.Fields(text)
	pieces := make([]string, len(words))
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		pieces[i] = word
	}
	return pieces
}

func mockID() string {
	return "mock123456"
}
