// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"strings"

	"github.com/AleutianAI/wopr/services/datatypes"
)

// EchoClient is a credential-less provider that streams the last user
// message back word by word. It exists so the daemon is usable without
// any API key and so dispatch paths can be exercised in tests.
type EchoClient struct{}

// EchoDescriptor is the registry entry for the built-in echo provider.
func EchoDescriptor() Descriptor {
	return Descriptor{
		ID:           "echo",
		Name:         "Echo",
		DefaultModel: "echo-1",
		Credential:   CredentialNone,
		New: func(cred Credential) (Client, error) {
			return &EchoClient{}, nil
		},
	}
}

func (e *EchoClient) ListModels(ctx context.Context) ([]string, error) {
	return []string{"echo-1"}, nil
}

func (e *EchoClient) HealthCheck(ctx context.Context) bool {
	return true
}

func (e *EchoClient) Query(ctx context.Context, messages []datatypes.Message,
	opts QueryOptions, onChunk ChunkFunc) (*datatypes.QueryResult, error) {

	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}

	var text strings.Builder
	words := strings.Fields(last)
	for i, w := range words {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		piece := w
		if i < len(words)-1 {
			piece += " "
		}
		text.WriteString(piece)
		if onChunk != nil {
			onChunk(datatypes.StreamChunk{Type: datatypes.ChunkText, Text: piece})
		}
	}
	if onChunk != nil {
		onChunk(datatypes.StreamChunk{Type: datatypes.ChunkComplete})
	}
	return &datatypes.QueryResult{
		Text:         text.String(),
		FinishReason: "stop",
		Usage: datatypes.Usage{
			PromptTokens:     len(words),
			CompletionTokens: len(words),
		},
	}, nil
}
