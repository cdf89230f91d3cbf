// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/wopr/services/datatypes"
)

var anthropicTracer = otel.Tracer("wopr.provider.anthropic")

const (
	anthropicAPIVersion   = "2023-06-01"
	anthropicBaseURL      = "https://api.anthropic.com/v1"
	anthropicDefaultModel = "claude-sonnet-4-20250514"
)

// ====== Wire types ======

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`

	Temperature *float32 `json:"temperature,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// anthropicStreamEvent is the union of the SSE event payloads we care
// about: content_block_start (tool_use), content_block_delta (text and
// input_json), message_delta (stop_reason, usage), and error.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`

	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ====== Client ======

// AnthropicClient talks to the Anthropic Messages API over raw HTTP with
// SSE streaming.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

// AnthropicDescriptor is the registry entry for Anthropic.
func AnthropicDescriptor() Descriptor {
	return Descriptor{
		ID:           "anthropic",
		Name:         "Anthropic",
		DefaultModel: anthropicDefaultModel,
		Credential:   CredentialAPIKey,
		New: func(cred Credential) (Client, error) {
			return NewAnthropicClient(cred)
		},
		Validate: func(cred Credential) bool {
			return strings.HasPrefix(cred.APIKey, "sk-ant-")
		},
	}
}

func NewAnthropicClient(cred Credential) (*AnthropicClient, error) {
	if cred.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is missing")
	}
	baseURL := strings.TrimSuffix(cred.BaseURL, "/")
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		apiKey:     cred.APIKey,
		baseURL:    baseURL,
	}, nil
}

func (a *AnthropicClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	a.setHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic model list failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, string(body))
	}

	var list anthropicModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse anthropic model list: %w", err)
	}
	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func (a *AnthropicClient) HealthCheck(ctx context.Context) bool {
	_, err := a.ListModels(ctx)
	return err == nil
}

// Query runs one streaming completion against the Messages API.
func (a *AnthropicClient) Query(ctx context.Context, messages []datatypes.Message,
	opts QueryOptions, onChunk ChunkFunc) (*datatypes.QueryResult, error) {

	ctx, span := anthropicTracer.Start(ctx, "AnthropicClient.Query")
	defer span.End()

	model := opts.Model
	if model == "" {
		model = anthropicDefaultModel
	}
	span.SetAttributes(attribute.String("llm.model", model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	var apiMessages []anthropicMessage
	var systemPrompt string
	for _, msg := range messages {
		if strings.ToLower(msg.Role) == "system" {
			systemPrompt = msg.Content
			continue
		}
		apiMessages = append(apiMessages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	payload := anthropicRequest{
		Model:       model,
		Messages:    apiMessages,
		System:      systemPrompt,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		Stream:      true,
	}
	for _, t := range opts.Tools {
		payload.Tools = append(payload.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	a.setHeaders(req)

	slog.Debug("Sending streaming request to Anthropic", "model", model)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return a.consumeStream(resp.Body, onChunk)
}

// consumeStream reads the SSE body line by line, forwarding text deltas
// and tool_use blocks as chunks and accumulating the final result.
func (a *AnthropicClient) consumeStream(body io.Reader, onChunk ChunkFunc) (*datatypes.QueryResult, error) {
	result := &datatypes.QueryResult{}
	var text strings.Builder

	// Tool input arrives as partial_json deltas keyed by block index.
	toolNames := make(map[int]string)
	toolInputs := make(map[int]*strings.Builder)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			slog.Warn("Skipping unparseable anthropic stream event", "error", err)
			continue
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				toolNames[ev.Index] = ev.ContentBlock.Name
				toolInputs[ev.Index] = &strings.Builder{}
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				text.WriteString(ev.Delta.Text)
				if onChunk != nil {
					onChunk(datatypes.StreamChunk{Type: datatypes.ChunkText, Text: ev.Delta.Text})
				}
			case "input_json_delta":
				if b := toolInputs[ev.Index]; b != nil {
					b.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			if name, ok := toolNames[ev.Index]; ok {
				var input map[string]any
				raw := toolInputs[ev.Index].String()
				if raw != "" {
					_ = json.Unmarshal([]byte(raw), &input)
				}
				if onChunk != nil {
					onChunk(datatypes.StreamChunk{
						Type:      datatypes.ChunkToolUse,
						ToolName:  name,
						ToolInput: input,
					})
				}
				delete(toolNames, ev.Index)
				delete(toolInputs, ev.Index)
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				result.FinishReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				result.Usage.PromptTokens += ev.Usage.InputTokens
				result.Usage.CompletionTokens += ev.Usage.OutputTokens
			}
		case "error":
			if ev.Error != nil {
				return nil, fmt.Errorf("anthropic stream error: %s - %s", ev.Error.Type, ev.Error.Message)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream read failed: %w", err)
	}

	result.Text = text.String()
	if result.FinishReason == "" {
		result.FinishReason = "end_turn"
	}
	if onChunk != nil {
		onChunk(datatypes.StreamChunk{Type: datatypes.ChunkComplete})
	}
	return result, nil
}

func (a *AnthropicClient) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")
}
