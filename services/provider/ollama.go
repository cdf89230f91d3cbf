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

var ollamaTracer = otel.Tracer("wopr.provider.ollama")

const (
	ollamaDefaultBaseURL = "http://localhost:11434"
	ollamaDefaultModel   = "llama3"
)

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []datatypes.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

// ollamaChatChunk is one line of the line-delimited JSON stream.
type ollamaChatChunk struct {
	Message         datatypes.Message `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
	Error           string            `json:"error"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// OllamaClient talks to a local Ollama server over raw HTTP with
// line-delimited JSON streaming. No credential is required.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
}

// OllamaDescriptor is the registry entry for Ollama.
func OllamaDescriptor() Descriptor {
	return Descriptor{
		ID:           "ollama",
		Name:         "Ollama",
		DefaultModel: ollamaDefaultModel,
		Credential:   CredentialNone,
		New: func(cred Credential) (Client, error) {
			return NewOllamaClient(cred)
		},
	}
}

func NewOllamaClient(cred Credential) (*OllamaClient, error) {
	baseURL := strings.TrimSuffix(cred.BaseURL, "/")
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	slog.Info("Initializing Ollama client", "base_url", baseURL)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
	}, nil
}

func (o *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama tags request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}
	var tags ollamaTagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("failed to parse ollama tags: %w", err)
	}
	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

func (o *OllamaClient) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", o.baseURL+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Query runs one streaming chat. Ollama has no tool calling in this path;
// tool definitions in opts are ignored.
func (o *OllamaClient) Query(ctx context.Context, messages []datatypes.Message,
	opts QueryOptions, onChunk ChunkFunc) (*datatypes.QueryResult, error) {

	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Query")
	defer span.End()

	model := opts.Model
	if model == "" {
		model = ollamaDefaultModel
	}
	span.SetAttributes(attribute.String("llm.model", model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	options := make(map[string]any)
	if opts.Temperature != nil {
		options["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	for k, v := range opts.Options {
		options[k] = v
	}

	payload := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  options,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("ollama chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusNotFound && strings.Contains(string(body), "not found") {
			slog.Warn("Ollama model not found", "model", model)
			return nil, fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", model, model)
		}
		err := fmt.Errorf("ollama chat failed with status %d: %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &datatypes.QueryResult{}
	var text strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			slog.Warn("Skipping unparseable ollama stream line", "error", err)
			continue
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("ollama stream error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			if onChunk != nil {
				onChunk(datatypes.StreamChunk{Type: datatypes.ChunkText, Text: chunk.Message.Content})
			}
		}
		if chunk.Done {
			result.FinishReason = chunk.DoneReason
			result.Usage.PromptTokens = chunk.PromptEvalCount
			result.Usage.CompletionTokens = chunk.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ollama stream read failed: %w", err)
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
