// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/wopr/services/datatypes"
)

var openaiTracer = otel.Tracer("wopr.provider.openai")

const openaiDefaultModel = "gpt-4o"

// OpenAIClient wraps the go-openai SDK for streaming chat completions.
type OpenAIClient struct {
	client *openai.Client
}

// OpenAIDescriptor is the registry entry for OpenAI (and any
// OpenAI-compatible gateway reached through BaseURL).
func OpenAIDescriptor() Descriptor {
	return Descriptor{
		ID:           "openai",
		Name:         "OpenAI",
		DefaultModel: openaiDefaultModel,
		Credential:   CredentialAPIKey,
		New: func(cred Credential) (Client, error) {
			return NewOpenAIClient(cred)
		},
		Validate: func(cred Credential) bool {
			return strings.HasPrefix(cred.APIKey, "sk-")
		},
	}
}

func NewOpenAIClient(cred Credential) (*OpenAIClient, error) {
	if cred.APIKey == "" {
		return nil, fmt.Errorf("openai API key is missing")
	}
	cfg := openai.DefaultConfig(cred.APIKey)
	if cred.BaseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(cred.BaseURL, "/")
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}, nil
}

func (o *OpenAIClient) ListModels(ctx context.Context) ([]string, error) {
	list, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai model list failed: %w", err)
	}
	models := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, m.ID)
	}
	return models, nil
}

func (o *OpenAIClient) HealthCheck(ctx context.Context) bool {
	_, err := o.client.ListModels(ctx)
	return err == nil
}

// Query runs one streaming chat completion.
func (o *OpenAIClient) Query(ctx context.Context, messages []datatypes.Message,
	opts QueryOptions, onChunk ChunkFunc) (*datatypes.QueryResult, error) {

	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Query")
	defer span.End()

	model := opts.Model
	if model == "" {
		model = openaiDefaultModel
	}
	span.SetAttributes(attribute.String("llm.model", model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	req := openai.ChatCompletionRequest{
		Model:  model,
		Stream: true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	for _, msg := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	for _, t := range opts.Tools {
		schema, _ := json.Marshal(t.InputSchema)
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(schema),
			},
		})
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("openai stream failed to start: %w", err)
	}
	defer stream.Close()

	result := &datatypes.QueryResult{}
	var text strings.Builder

	// Tool call arguments arrive as fragments keyed by tool call index.
	toolNames := make(map[int]string)
	toolArgs := make(map[int]*strings.Builder)

	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			span.RecordError(recvErr)
			span.SetStatus(codes.Error, recvErr.Error())
			return nil, fmt.Errorf("openai stream read failed: %w", recvErr)
		}

		if chunk.Usage != nil {
			result.Usage.PromptTokens = chunk.Usage.PromptTokens
			result.Usage.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if onChunk != nil {
				onChunk(datatypes.StreamChunk{Type: datatypes.ChunkText, Text: choice.Delta.Content})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if tc.Function.Name != "" {
				toolNames[idx] = tc.Function.Name
			}
			if toolArgs[idx] == nil {
				toolArgs[idx] = &strings.Builder{}
			}
			toolArgs[idx].WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			result.FinishReason = string(choice.FinishReason)
		}
	}

	for idx, name := range toolNames {
		var input map[string]any
		if raw := toolArgs[idx].String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				slog.Warn("Skipping tool call with unparseable arguments", "tool", name, "error", err)
				continue
			}
		}
		if onChunk != nil {
			onChunk(datatypes.StreamChunk{
				Type:      datatypes.ChunkToolUse,
				ToolName:  name,
				ToolInput: input,
			})
		}
	}

	result.Text = text.String()
	if result.FinishReason == "" {
		result.FinishReason = "stop"
	}
	if onChunk != nil {
		onChunk(datatypes.StreamChunk{Type: datatypes.ChunkComplete})
	}
	return result, nil
}
