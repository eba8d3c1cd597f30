// Package provider provides LLM provider abstraction layer for OpenCode.
//
// This package implements a unified interface for different Large Language Model
// providers using the Eino framework. It supports multiple providers including
// Anthropic Claude, OpenAI GPT, and Volcengine ARK models.
//
// # Core Components
//
// The package is built around several key interfaces and types:
//
//   - Provider: Core interface that all LLM providers must implement
//   - Registry: Manages and coordinates multiple providers
//   - CompletionRequest/Stream: Handles streaming chat completions
//   - StreamEvent: Typed event protocol emitted by streams
//   - Tool conversion utilities for function calling
//
// # Supported Providers
//
// ## Anthropic (Claude)
//
// Supports Claude models including Claude 4 Sonnet, Claude 4 Opus, and Claude 3.5 series.
// Features include:
//
//   - Direct API access or AWS Bedrock integration
//
//   - Extended thinking support for reasoning tasks
//
//   - Vision and tool calling capabilities
//
//     provider, err := NewAnthropicProvider(ctx, &AnthropicConfig{
//     ID:        "anthropic",
//     APIKey:    "sk-...",
//     Model:     "claude-sonnet-4-20250514",
//     MaxTokens: 8192,
//     })
//
// ## OpenAI (GPT)
//
// Supports OpenAI models and OpenAI-compatible endpoints including:
//
//   - Native OpenAI API access
//
//   - Azure OpenAI Service
//
//   - Local and self-hosted OpenAI-compatible servers
//
//     provider, err := NewOpenAIProvider(ctx, &OpenAIConfig{
//     ID:        "openai",
//     APIKey:    "sk-...",
//     Model:     "gpt-4o",
//     MaxTokens: 4096,
//     })
//
// ## Volcengine ARK
//
// Supports Volcengine's ARK platform for accessing Chinese language models:
//
//	provider, err := NewArkProvider(ctx, &ArkConfig{
//	    APIKey:    "...",
//	    Model:     "endpoint-id",
//	    MaxTokens: 4096,
//	})
//
// # Registry Usage
//
// The Registry manages all configured providers and provides unified access:
//
//	registry := NewRegistry(config)
//
//	// Get a specific provider
//	provider, err := registry.Get("anthropic")
//
//	// Get a specific model
//	model, err := registry.GetModel("anthropic", "claude-sonnet-4-20250514")
//
//	// Get default model based on configuration
//	model, err := registry.DefaultModel()
//
//	// List all available models across providers
//	models := registry.AllModels()
//
// # Streaming Events
//
// CreateCompletion returns a Stream that lowers raw model chunks into a typed
// event sequence. Text and reasoning blocks are framed by start/end events with
// deltas in between; tool calls surface their identity as soon as the model
// names them (ToolInputStartEvent) and commit with complete arguments once the
// stream ends (ToolCallEvent). A FinishEvent carrying the stop reason and token
// usage always closes a successful stream.
//
//	stream, err := provider.CreateCompletion(ctx, &CompletionRequest{
//	    Model:     "claude-sonnet-4-20250514",
//	    Messages:  messages,
//	    Tools:     tools,
//	    MaxTokens: 4096,
//	})
//
//	for ev := range stream.Events() {
//	    switch ev := ev.(type) {
//	    case TextDeltaEvent:
//	        // Append ev.Text to the current text block
//	    case ToolCallEvent:
//	        // Execute the tool named ev.Tool with ev.Input
//	    case FinishEvent:
//	        // Record ev.Reason and ev.Usage
//	    }
//	}
//	if err := stream.Err(); err != nil {
//	    // Stream ended on a provider error
//	}
//
// Stream.Err is only meaningful after the event channel closes. The accumulator
// tolerates both cumulative chunks (each chunk repeats the full content so far)
// and fragment chunks (each chunk carries only the new suffix), so the same
// consumption loop works across providers.
//
// # Tool Calling
//
// The package provides utilities for converting between different tool calling formats:
//
//	// Convert internal tool definitions to Eino format
//	einoTools := ConvertToEinoTools(tools)
//
//	// Convert stored messages and parts to Eino format
//	einoMessages := ConvertToEinoMessages(messages, parts)
//
// # Error Handling
//
// Provider failures are classified into stable kinds (rate limit, overloaded,
// auth, context overflow, aborted) via ClassifyError so callers can decide
// whether to retry, compact, or stop. Errors returned by CreateCompletion and
// Stream.Err are already classified; RetryAfter carries the provider's
// suggested delay when one was parsed from the error text.
//
// # Integration with Eino
//
// This package is built on top of the Eino framework (https://github.com/cloudwego/eino),
// which provides:
//   - Standardized LLM interfaces
//   - Built-in tool calling support
//   - Streaming capabilities
//   - Message schema definitions
//
// The abstraction allows OpenCode to support multiple providers through a single,
// consistent interface while leveraging Eino's robust foundation.
package provider
