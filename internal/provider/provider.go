// Package provider abstracts LLM providers behind Eino chat models and a
// typed stream event protocol.
package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dzianisv/opencode/pkg/types"
)

// Provider represents an LLM provider with an Eino ChatModel.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of available models.
	Models() []types.Model

	// ChatModel returns the Eino ChatModel for this provider.
	ChatModel() model.ToolCallingChatModel

	// CreateCompletion opens a streaming completion for one model round
	// trip and returns its typed event stream.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*Stream, error)
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Model       string             `json:"model"`
	Messages    []*schema.Message  `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int                `json:"maxTokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"topP,omitempty"`
	StopWords   []string           `json:"stopWords,omitempty"`
}

// ToolInfo represents a tool definition for the LLM.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ConvertToEinoTools converts internal tool definitions to Eino format.
func ConvertToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = ParseJSONSchemaParams(t.Parameters)
		}

		result[i] = &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

// ParseJSONSchemaParams converts a JSON Schema document to Eino
// ParameterInfo. Only the flat object shape tools use is supported.
func ParseJSONSchemaParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// ConvertToEinoMessages converts stored messages and their parts into the
// Eino conversation shape. Assistant tool parts expand into tool calls on
// the assistant message followed by tool-role result messages, which is
// the pairing chat APIs require.
func ConvertToEinoMessages(messages []*types.Message, parts map[string][]types.Part) []*schema.Message {
	result := make([]*schema.Message, 0, len(messages))

	for _, msg := range messages {
		role := schema.Assistant
		switch msg.Role {
		case "user":
			role = schema.User
		case "system":
			role = schema.System
		}

		var content strings.Builder
		var toolCalls []schema.ToolCall
		var toolResults []*schema.Message

		for _, part := range parts[msg.ID] {
			switch p := part.(type) {
			case *types.TextPart:
				content.WriteString(p.Text)
			case *types.ToolPart:
				if msg.Role != "assistant" {
					continue
				}
				args := string(p.State.Input)
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, schema.ToolCall{
					ID: p.CallID,
					Function: schema.FunctionCall{
						Name:      p.Tool,
						Arguments: args,
					},
				})
				toolResults = append(toolResults, toolResultMessage(p))
			}
		}

		if content.Len() == 0 && len(toolCalls) == 0 {
			continue
		}

		result = append(result, &schema.Message{
			Role:      role,
			Content:   content.String(),
			ToolCalls: toolCalls,
		})
		result = append(result, toolResults...)
	}

	return result
}

// toolResultMessage renders a finalized tool part as a tool-role message.
// Calls that never finished report as aborted so the model sees a closed
// call rather than a dangling one.
func toolResultMessage(p *types.ToolPart) *schema.Message {
	content := ""
	switch p.State.Status {
	case types.ToolCompleted:
		content = p.State.Output
	case types.ToolError:
		content = "Error: " + p.State.Error
	default:
		content = "Error: tool execution aborted"
	}

	return &schema.Message{
		Role:       schema.Tool,
		ToolCallID: p.CallID,
		Content:    content,
	}
}
