package classifier

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const systemPrompt = `You are a log anomaly detector. Classify the log message you are given.
Answer with a single digit: 1 if the message describes an error, failure or abnormal
system behaviour, 0 if it is routine operation. Output nothing else.`

// OpenAI classifies through a chat completion model.
type OpenAI struct {
	client *openai.Client
	config Config
	logger *zap.Logger
}

// NewOpenAI creates an OpenAI-backed classifier. BaseURL may point at Azure or
// a local OpenAI-compatible server.
func NewOpenAI(config Config, logger *zap.Logger) *OpenAI {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

// Classify implements Classifier.
func (c *OpenAI) Classify(ctx context.Context, text string) (Label, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		MaxTokens:   2,
		Temperature: 0,
	})
	if err != nil {
		return Normal, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Normal, fmt.Errorf("no response from LLM")
	}

	return parseLabel(resp.Choices[0].Message.Content)
}

// parseLabel accepts "0"/"1", optionally wrapped in whitespace or a code fence.
func parseLabel(content string) (Label, error) {
	content = strings.TrimSpace(content)
	content = strings.Trim(content, "`")
	content = strings.TrimSpace(content)

	switch {
	case strings.HasPrefix(content, "1"):
		return Anomalous, nil
	case strings.HasPrefix(content, "0"):
		return Normal, nil
	}
	return Normal, fmt.Errorf("unexpected classifier output %q", content)
}
