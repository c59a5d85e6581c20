// Package gen is the boundary to the article/title generator. The pipeline
// only depends on the ContentGenerator interface; the Gemini client is one
// implementation and the deterministic template renderer is the fallback for
// environments without an API key.
package gen

import "context"

// ArticleRequest carries one collected document into generation.
type ArticleRequest struct {
	Title     string
	Summary   string
	SourceURL string
}

// Article is the generated output.
type Article struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ContentGenerator produces an article from a collected document.
type ContentGenerator interface {
	GenerateArticle(ctx context.Context, req ArticleRequest) (Article, error)
}
