package gen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// DefaultModelName is the default Gemini model for article generation.
// Can be overridden via GEMINI_MODEL / config.
const DefaultModelName = "gemini-2.5-flash"

const articlePrompt = `You are writing a short news article for a content site.
Source headline: %s
Source summary: %s
Source link: %s

Respond with a JSON object: {"title": "...", "body": "..."}.
The title should be concise and factual. The body should be 3-5 paragraphs
of plain text summarizing the story. Do not invent facts beyond the summary.`

// GeminiGenerator implements ContentGenerator with the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

var _ ContentGenerator = (*GeminiGenerator)(nil)

// NewGeminiGenerator creates the generator from an API key.
func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}
	if model == "" {
		model = DefaultModelName
	}
	return &GeminiGenerator{client: client, model: model}, nil
}

func (g *GeminiGenerator) GenerateArticle(ctx context.Context, req ArticleRequest) (Article, error) {
	prompt := fmt.Sprintf(articlePrompt, req.Title, req.Summary, req.SourceURL)

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return Article{}, fmt.Errorf("generate article: %w", err)
	}

	raw := resp.Text()
	if raw == "" {
		return Article{}, fmt.Errorf("empty response from Gemini for %q", req.Title)
	}

	article, err := parseArticleJSON(raw)
	if err != nil {
		return Article{}, fmt.Errorf("parse article for %q: %w", req.Title, err)
	}

	log.Debug().
		Str("model", g.model).
		Str("title", article.Title).
		Int("bodyLength", len(article.Body)).
		Msg("Article generated")
	return article, nil
}

// parseArticleJSON extracts the JSON object from a model response that may
// be wrapped in markdown code fences or embedded in prose.
func parseArticleJSON(raw string) (Article, error) {
	text := strings.TrimSpace(raw)

	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		if len(lines) >= 3 {
			end := len(lines) - 1
			for i := len(lines) - 1; i >= 1; i-- {
				if strings.TrimSpace(lines[i]) == "```" {
					end = i
					break
				}
			}
			text = strings.Join(lines[1:end], "\n")
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return Article{}, fmt.Errorf("no JSON object in response (length %d)", len(raw))
	}

	var article Article
	if err := json.Unmarshal([]byte(text[start:end+1]), &article); err != nil {
		return Article{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if article.Title == "" || article.Body == "" {
		return Article{}, fmt.Errorf("incomplete article: title or body missing")
	}
	return article, nil
}
