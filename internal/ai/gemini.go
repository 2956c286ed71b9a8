package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/pauljones0/ml-affiliate-bot/internal/models"
)

const maxHeadlineRunes = 120

// contentGenerator is the subset of genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client writes short promotional headlines for offers with Gemini.
// A nil *Client is valid and produces no headlines.
type Client struct {
	models  contentGenerator
	modelID string
	config  *genai.GenerateContentConfig
}

type headlineResult struct {
	Headline string `json:"headline"`
}

func NewClient(ctx context.Context, apiKey, modelID string) (*Client, error) {
	if apiKey == "" {
		return nil, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newClient(client.Models, modelID), nil
}

func newClient(m contentGenerator, modelID string) *Client {
	return &Client{
		models:  m,
		modelID: modelID,
		config: &genai.GenerateContentConfig{
			Temperature:      genai.Ptr[float32](0.4),
			ResponseMIMEType: "application/json",
			ResponseSchema: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"headline": {
						Type:        genai.TypeString,
						Description: "Uma chamada curta (5 a 12 palavras) em português do Brasil destacando o produto e o desconto. Sem emojis, sem preço, sem links.",
					},
				},
				Required: []string{"headline"},
			},
		},
	}
}

// Headline returns a one-line hook for the offer, or "" when the client is nil.
func (c *Client) Headline(ctx context.Context, p models.Product) (string, error) {
	if c == nil || c.models == nil {
		return "", nil
	}

	prompt := fmt.Sprintf(`
Produto: "%s"
Selo: "%s"
Desconto: %d%%
Parcelamento: "%s"

Escreva uma chamada curta para divulgar esta oferta em um canal de promoções.
Responda em JSON seguindo o schema.
`, p.Name, p.Flag, p.DiscountPercent, p.Installments)

	resp, err := c.models.GenerateContent(ctx, c.modelID, genai.Text(prompt), c.config)
	if err != nil {
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no response candidates from gemini")
	}
	return parseHeadline(resp.Text())
}

func parseHeadline(text string) (string, error) {
	jsonStr := strings.TrimSpace(text)
	jsonStr = strings.TrimPrefix(jsonStr, "```json")
	jsonStr = strings.TrimPrefix(jsonStr, "```")
	jsonStr = strings.TrimSuffix(jsonStr, "```")

	var result headlineResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return "", fmt.Errorf("failed to parse gemini response: %w", err)
	}

	headline := strings.Join(strings.Fields(result.Headline), " ")
	if r := []rune(headline); len(r) > maxHeadlineRunes {
		headline = string(r[:maxHeadlineRunes])
	}
	return headline, nil
}
