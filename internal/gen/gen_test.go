package gen

import (
	"context"
	"strings"
	"testing"
)

func TestParseArticleJSONPlain(t *testing.T) {
	article, err := parseArticleJSON(`{"title": "Go 1.26 Released", "body": "The Go team shipped 1.26."}`)
	if err != nil {
		t.Fatalf("parseArticleJSON returned error: %v", err)
	}
	if article.Title != "Go 1.26 Released" {
		t.Errorf("Title = %q", article.Title)
	}
	if article.Body != "The Go team shipped 1.26." {
		t.Errorf("Body = %q", article.Body)
	}
}

func TestParseArticleJSONFenced(t *testing.T) {
	raw := "```json\n{\"title\": \"Fenced\", \"body\": \"Wrapped in a code fence.\"}\n```"
	article, err := parseArticleJSON(raw)
	if err != nil {
		t.Fatalf("parseArticleJSON returned error: %v", err)
	}
	if article.Title != "Fenced" {
		t.Errorf("Title = %q", article.Title)
	}
}

func TestParseArticleJSONWithProse(t *testing.T) {
	raw := "Here is the article you asked for:\n{\"title\": \"Embedded\", \"body\": \"JSON inside prose.\"}\nHope that helps!"
	article, err := parseArticleJSON(raw)
	if err != nil {
		t.Fatalf("parseArticleJSON returned error: %v", err)
	}
	if article.Title != "Embedded" {
		t.Errorf("Title = %q", article.Title)
	}
}

func TestParseArticleJSONErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"no JSON", "sorry, I cannot help with that"},
		{"invalid JSON", `{"title": "broken`},
		{"missing body", `{"title": "Only a title"}`},
		{"missing title", `{"body": "Only a body"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseArticleJSON(tc.raw); err == nil {
				t.Errorf("parseArticleJSON(%q) succeeded, want error", tc.raw)
			}
		})
	}
}

func TestTemplateGenerator(t *testing.T) {
	gen := TemplateGenerator{}

	article, err := gen.GenerateArticle(context.Background(), ArticleRequest{
		Title:     "  Spaced Title  ",
		Summary:   "A short summary.",
		SourceURL: "https://example.com/story",
	})
	if err != nil {
		t.Fatalf("GenerateArticle returned error: %v", err)
	}
	if article.Title != "Spaced Title" {
		t.Errorf("Title = %q, want trimmed", article.Title)
	}
	if !strings.Contains(article.Body, "A short summary.") {
		t.Errorf("Body missing summary: %q", article.Body)
	}
	if !strings.Contains(article.Body, "https://example.com/story") {
		t.Errorf("Body missing source link: %q", article.Body)
	}

	// Deterministic: same request, same output.
	again, err := gen.GenerateArticle(context.Background(), ArticleRequest{
		Title:     "  Spaced Title  ",
		Summary:   "A short summary.",
		SourceURL: "https://example.com/story",
	})
	if err != nil {
		t.Fatalf("second GenerateArticle returned error: %v", err)
	}
	if again != article {
		t.Errorf("template output not deterministic: %+v vs %+v", again, article)
	}
}

func TestTemplateGeneratorMissingTitle(t *testing.T) {
	gen := TemplateGenerator{}
	if _, err := gen.GenerateArticle(context.Background(), ArticleRequest{Summary: "body only"}); err == nil {
		t.Error("GenerateArticle with empty title succeeded, want error")
	}
}
