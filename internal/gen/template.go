package gen

import (
	"context"
	"fmt"
	"strings"
)

// TemplateGenerator renders articles deterministically from the request
// fields, without any model call. Used for local runs and tests, and as the
// fallback when no API key is configured.
type TemplateGenerator struct{}

var _ ContentGenerator = (*TemplateGenerator)(nil)

func (TemplateGenerator) GenerateArticle(_ context.Context, req ArticleRequest) (Article, error) {
	if strings.TrimSpace(req.Title) == "" {
		return Article{}, fmt.Errorf("article request missing title")
	}

	var body strings.Builder
	body.WriteString(strings.TrimSpace(req.Summary))
	if req.SourceURL != "" {
		body.WriteString("\n\nSource: ")
		body.WriteString(req.SourceURL)
	}

	return Article{
		Title: strings.TrimSpace(req.Title),
		Body:  body.String(),
	}, nil
}
