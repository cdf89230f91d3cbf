// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Message is a provider-neutral chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token and cost accounting a provider reports for one query.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// ChunkType discriminates streaming chunks emitted during a provider query.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolUse  ChunkType = "tool_use"
	ChunkComplete ChunkType = "complete"
	ChunkError    ChunkType = "error"
)

// StreamChunk is one unit of a streaming provider response.
//
// Text chunks concatenate in order. ToolUse chunks may interleave with text.
// Exactly one Complete (or Error) chunk terminates the stream.
type StreamChunk struct {
	Type ChunkType `json:"type"`
	Text string    `json:"text,omitempty"`
	// ToolName and ToolInput are set on tool_use chunks.
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	// Err is set on error chunks.
	Err string `json:"error,omitempty"`
}

// QueryResult is the final outcome of one provider query.
type QueryResult struct {
	Text         string `json:"text"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason"`
}
