// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Compile-time interface implementation checks.
var (
	_ GenerationBackend = (*OpenAIGeneration)(nil)
	_ EmbeddingBackend  = (*OpenAIGeneration)(nil)
)

// defaultSynthesisPersona frames the generation backend for answer
// synthesis when no system prompt override is configured.
const defaultSynthesisPersona = "You are a careful research assistant. Answer strictly from the provided documents and connections; say so when the documents do not support an answer."

// OpenAIGeneration adapts the OpenAI chat and embedding APIs to the
// GenerationBackend and EmbeddingBackend contracts.
type OpenAIGeneration struct {
	client         *openai.Client
	model          string
	embeddingModel string
	systemPrompt   string
}

// NewOpenAIGeneration creates an OpenAI-backed generation and embedding
// backend.
//
// The API key is read from OPENAI_API_KEY, falling back to the container
// secret at /run/secrets/openai_api_key. The chat model comes from
// OPENAI_MODEL (default "gpt-4o-mini") and the embedding model from
// OPENAI_EMBEDDING_MODEL (default "text-embedding-3-small").
func NewOpenAIGeneration() (*OpenAIGeneration, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API key from container secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	embeddingModel := os.Getenv("OPENAI_EMBEDDING_MODEL")
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}

	systemPrompt := os.Getenv("GRAPHRAG_SYNTHESIS_PERSONA")
	if systemPrompt == "" {
		systemPrompt = defaultSynthesisPersona
	}

	slog.Info("Initializing OpenAI backend", "model", model, "embedding_model", embeddingModel)
	return &OpenAIGeneration{
		client:         openai.NewClient(apiKey),
		model:          model,
		embeddingModel: embeddingModel,
		systemPrompt:   systemPrompt,
	}, nil
}

// Generate implements GenerationBackend.
func (o *OpenAIGeneration) Generate(ctx context.Context, prompt string) (string, error) {
	slog.Debug("Generating synthesis via OpenAI", "model", o.model)

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", NewBackendError("openai", "generate", err)
	}
	if len(resp.Choices) == 0 {
		return "", NewBackendError("openai", "generate", fmt.Errorf("no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed implements EmbeddingBackend.
func (o *OpenAIGeneration) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(o.embeddingModel),
		Input: []string{text},
	})
	if err != nil {
		return nil, NewBackendError("openai", "embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, NewBackendError("openai", "embed", fmt.Errorf("no embedding returned"))
	}
	return resp.Data[0].Embedding, nil
}
