// Package gemini adapts the Google GenAI SDK to analysis.Generator.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/JakeFAU/adintel/internal/analysis"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("gemini: empty response")

// Client sends multimodal prompts to the Gemini API.
type Client struct {
	client *genai.Client
}

// New constructs a Client authenticated with apiKey.
func New(ctx context.Context, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Client{client: c}, nil
}

// Generate implements analysis.Generator. Responses are requested as JSON.
func (c *Client) Generate(ctx context.Context, model string, parts []analysis.Part) (string, error) {
	contents := []*genai.Content{genai.NewContentFromParts(toParts(parts), genai.RoleUser)}
	resp, err := c.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini: generate %s: %w", model, err)
	}
	text := responseText(resp)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func toParts(parts []analysis.Part) []*genai.Part {
	out := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		if len(p.Data) > 0 {
			out = append(out, genai.NewPartFromBytes(p.Data, p.MIMEType))
			continue
		}
		out = append(out, genai.NewPartFromText(p.Text))
	}
	return out
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand == nil || cand.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}
