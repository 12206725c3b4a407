package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are a precise JSON parser for laundry machine status updates. Always respond with valid JSON only."

const userPromptTemplate = `You are analyzing a Telegram message from a hostel laundry room group chat to determine if it reports a status change for a specific washing machine or dryer.

The laundry rooms are in blocks 55, 57, and 59. Machine ids are <block><type><number>: "55W4" is block 55, washer 4 and "57D3" is block 57, dryer 3.

Possible statuses:
- "available": machine is free, done and emptied, ready to use
- "paidFor": someone paid but has not started the machine yet
- "inUse": machine is currently running
- "pendingUnload": machine is done but clothes were not removed yet
- "outOfOrder": machine is broken, do not use

Message to analyze:
%q

If the message reports a status change for one specific machine, respond with ONLY a JSON object in this exact format:
{"machine_id": "55W4", "status": "inUse", "confidence": 0.9, "duration_minutes": 45}

Rules:
1. machine_id MUST be <block><W|D><number>, block one of 55, 57, 59.
2. status MUST be one of: available, paidFor, inUse, pendingUnload, outOfOrder.
3. confidence is a number between 0 and 1.
4. duration_minutes is the remaining run time if the message states one; omit it otherwise.
5. If the message does not clearly report a machine status change, respond with: {"relevant": false}`

// OpenAIConfig configures OpenAIInterpreter.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	HTTPClient  *http.Client
}

// OpenAIInterpreter asks an OpenAI-compatible chat completions endpoint.
type OpenAIInterpreter struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAIInterpreter creates an interpreter. Model defaults to gpt-4o-mini.
func NewOpenAIInterpreter(cfg OpenAIConfig) *OpenAIInterpreter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 150
	}
	return &OpenAIInterpreter{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}
}

func (o *OpenAIInterpreter) Name() string { return "openai" }

// Interpret returns the raw message content of the first choice.
func (o *OpenAIInterpreter) Interpret(ctx context.Context, text string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(userPromptTemplate, text)},
		},
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("chat completion: status %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}
	// An empty choice list is a well-formed reply with no usable content; the
	// adapter treats it as a parse failure.
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
