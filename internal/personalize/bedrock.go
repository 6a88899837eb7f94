package personalize

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/ignite/sequencer/internal/domain"
)

// bedrockMessage is one turn in an Anthropic-on-Bedrock conversation.
type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature"`
}

type bedrockResponse struct {
	Content []bedrockContentBlock `json:"content"`
}

// BedrockClient implements Client by calling an Anthropic model through
// Amazon Bedrock, the same pattern the platform's insight agent uses for
// narrative generation.
type BedrockClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockClient builds a BedrockClient for the given region and model
// ID, defaulting modelID to Claude 3 Haiku when empty (cheap enough for
// per-recipient fan-out).
func NewBedrockClient(ctx context.Context, region, modelID string) (*BedrockClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("personalize: load AWS config: %w", err)
	}
	if modelID == "" {
		modelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	return &BedrockClient{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// GenerateBody produces a complete email body for the recipient.
func (b *BedrockClient) GenerateBody(ctx context.Context, recipient domain.Recipient, sequenceContext string) (string, error) {
	prompt := fmt.Sprintf(
		"Write a short, plain-text cold outreach email body (no subject line, no greeting boilerplate) "+
			"to %s %s, a %s at %s. Context: %s. Keep it under 120 words, no markdown.",
		recipient.FirstName, recipient.LastName, recipient.Title, recipient.Attribute("company_name"), sequenceContext,
	)
	return b.chat(ctx, prompt, 400)
}

// GenerateOpener produces a 1-2 sentence opener for the recipient.
func (b *BedrockClient) GenerateOpener(ctx context.Context, recipient domain.Recipient, sequenceContext string) (string, error) {
	prompt := fmt.Sprintf(
		"Write exactly one or two sentences to open a cold outreach email to %s %s, a %s at %s. "+
			"Context: %s. No greeting, no sign-off, plain text only.",
		recipient.FirstName, recipient.LastName, recipient.Title, recipient.Attribute("company_name"), sequenceContext,
	)
	return b.chat(ctx, prompt, 120)
}

func (b *BedrockClient) chat(ctx context.Context, prompt string, maxTokens int) (string, error) {
	reqBody := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Temperature:      0.7,
		Messages: []bedrockMessage{
			{Role: "user", Content: []bedrockContentBlock{{Type: "text", Text: prompt}}},
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("personalize: marshal request: %w", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return "", fmt.Errorf("personalize: invoke model: %w", err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("personalize: unmarshal response: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("personalize: empty model response")
	}
	return resp.Content[0].Text, nil
}
