// Package llmclient wraps the Gemini structured-output API for the
// Extractor. It asks the model to return JSON conforming to the
// extraction schema directly, rather than parsing free text.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// ExtractedEvent is the wire shape the model is constrained to emit for
// each event it finds in a batch — the Extractor further validates and
// converts these into domain.Event.
type ExtractedEvent struct {
	Kind              string   `json:"kind"`
	Location          string   `json:"location"`
	Entities          []string `json:"entities"`
	TimeHint          string   `json:"time_hint"`
	Summary           string   `json:"summary"`
	ConfidenceSelf    float64  `json:"confidence_self"`
	SourceMsgIndices  []int    `json:"source_msg_indices"`
}

// Client wraps a genai.Client configured for structured JSON extraction.
type Client struct {
	client *genai.Client
	model  string
}

// New creates an llmclient.Client for the given API key and model name.
func New(ctx context.Context, apiKey, model string, timeout time.Duration) (*Client, error) {
	httpOpts := genai.HTTPOptions{}
	if timeout > 0 {
		httpOpts.Timeout = &timeout
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		HTTPClient:  http.DefaultClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("llmclient: init: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

var responseSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"kind":               {Type: genai.TypeString, Enum: []string{"strike", "movement", "casualty", "claim", "statement", "other"}},
			"location":           {Type: genai.TypeString},
			"entities":           {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			"time_hint":          {Type: genai.TypeString},
			"summary":            {Type: genai.TypeString},
			"confidence_self":    {Type: genai.TypeNumber},
			"source_msg_indices": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeInteger}},
		},
		Required: []string{"kind", "location", "entities", "summary", "confidence_self", "source_msg_indices"},
	},
}

// repairSuffix is appended to the prompt on the one allowed repair retry
// after a SchemaInvalid failure.
const repairSuffix = "\n\nYour previous reply did not conform to the required JSON array schema. Reply with only the JSON array, no prose, no markdown fences."

// Extract sends a batch prompt and returns the raw decoded events. The
// caller (extractor package) is responsible for schema validation beyond
// what genai's ResponseSchema already enforces, and for the repair retry.
func (c *Client) Extract(ctx context.Context, prompt string, repair bool) ([]ExtractedEvent, error) {
	if repair {
		prompt += repairSuffix
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   responseSchema,
		},
	)
	if err != nil {
		return nil, classifyErr(err)
	}

	text := extractText(resp)
	var events []ExtractedEvent
	if err := json.Unmarshal([]byte(text), &events); err != nil {
		return nil, fmt.Errorf("llmclient: decode response: %w", err)
	}
	return events, nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// ErrProviderUnavailable and ErrTimeout map transport failures to the
// §4.D failure taxonomy so the Extractor can decide which errors retry
// automatically.
var (
	ErrProviderUnavailable = fmt.Errorf("llmclient: provider unavailable")
	ErrTimeout             = fmt.Errorf("llmclient: timeout")
)

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
}
