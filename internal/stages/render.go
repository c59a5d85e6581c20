package stages

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"path"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/fpang/content-pipeline/internal/artifact"
	"github.com/fpang/content-pipeline/internal/dedup"
	"github.com/fpang/content-pipeline/internal/drain"
	"github.com/fpang/content-pipeline/internal/envelope"
	"github.com/fpang/content-pipeline/internal/gen"
)

// zipMethodZstd is the ZIP compression method ID for Zstandard.
const zipMethodZstd uint16 = 93

func init() {
	// Level 12 maps to SpeedBestCompression in klauspost/compress.
	zip.RegisterCompressor(zipMethodZstd, func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(12)))
	})
	zip.RegisterDecompressor(zipMethodZstd, func(r io.Reader) io.ReadCloser {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return io.NopCloser(errReader{err})
		}
		return zr.IOReadCloser()
	})
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

var pageTemplate = template.Must(template.New("page").Parse(`<!doctype html>
<!-- generated at: {{.GeneratedAt}} -->
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{range .Paragraphs}}<p>{{.}}</p>
{{end}}</body>
</html>
`))

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<!-- generated at: {{.GeneratedAt}} -->
<html>
<head><meta charset="utf-8"><title>Articles</title></head>
<body>
<h1>Articles</h1>
<ul>
{{range .Pages}}<li><a href="{{.Name}}">{{.Title}}</a></li>
{{end}}</ul>
</body>
</html>
`))

// Render is the third stage: it builds the full site archive from every
// article persisted so far and stores it under site/.
type Render struct {
	content artifact.Store
	dedup   *dedup.Deduplicator
	now     func() time.Time
}

// NewRender builds the render stage.
func NewRender(content artifact.Store, dd *dedup.Deduplicator) *Render {
	return &Render{content: content, dedup: dd, now: time.Now}
}

// Handler returns the drain handler for this stage.
func (r *Render) Handler() drain.Handler { return r.handle }

func (r *Render) handle(ctx context.Context, env *envelope.Envelope) (drain.Outcome, error) {
	switch env.Operation {
	case envelope.OpWorkAvailable:
		force := env.ContentSummary != nil && env.ContentSummary.ForceRebuild
		if !env.ContentSummary.HasNewWork() && !force {
			log.Warn().Str("batchId", env.BatchID).Msg("Work-available signal without new artifacts, not rebuilding")
			return drain.Outcome{Status: drain.StatusSkipped}, nil
		}
		return r.buildSite(ctx, env, force)
	case envelope.OpBuildRequested:
		// An explicit build request rebuilds unconditionally.
		force := env.ContentSummary != nil && env.ContentSummary.ForceRebuild
		return r.buildSite(ctx, env, force)
	default:
		return skipUnknown(KindRender, env)
	}
}

type sitePage struct {
	Name  string
	Title string
	Body  []byte
}

// buildSite renders every stored article into a static page, bundles the
// pages into a Zstandard-compressed ZIP and persists it. The fingerprint
// covers the article content, not the archive bytes: ZIP output embeds
// timestamps and is not reproducible, while the content is.
func (r *Render) buildSite(ctx context.Context, env *envelope.Envelope, force bool) (drain.Outcome, error) {
	keys, err := r.content.List(ctx, articlesPrefix)
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("list articles: %w", err)
	}
	if len(keys) == 0 {
		log.Info().Str("batchId", env.BatchID).Msg("No articles stored, nothing to render")
		return drain.Outcome{Status: drain.StatusSkipped}, nil
	}

	generatedAt := r.now().UTC().Format(time.RFC3339)
	var manifest bytes.Buffer
	pages := make([]sitePage, 0, len(keys)+1)

	for _, key := range keys {
		raw, err := r.content.Get(ctx, key)
		if err != nil {
			return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("read article %s: %w", key, err)
		}
		var article gen.Article
		if err := json.Unmarshal(raw, &article); err != nil {
			return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("decode article %s: %w", key, err)
		}

		page, err := renderPage(article, generatedAt)
		if err != nil {
			return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("render article %s: %w", key, err)
		}
		pages = append(pages, page)

		manifest.WriteString(key)
		manifest.WriteByte('\n')
		manifest.Write(raw)
		manifest.WriteByte('\n')
	}

	index, err := renderIndex(pages, generatedAt)
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("render index: %w", err)
	}
	pages = append([]sitePage{index}, pages...)

	archive, err := buildArchive(pages, r.now().UTC())
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("build site archive: %w", err)
	}

	keyFor := func(fp string) string {
		return fmt.Sprintf("%s%s/site-%s.zip", sitePrefix, env.BatchID, fp)
	}
	outcome, err := persistDeduped(ctx, r.dedup, r.content, keyFor, manifest.Bytes(), archive, "application/zip", force)
	if err != nil {
		return outcome, err
	}

	log.Info().
		Str("batchId", env.BatchID).
		Str("status", string(outcome.Status)).
		Str("artifactRef", outcome.ArtifactRef).
		Int("articles", len(keys)).
		Int("archiveBytes", len(archive)).
		Msg("Site build finished")
	return outcome, nil
}

func renderPage(article gen.Article, generatedAt string) (sitePage, error) {
	var paragraphs []string
	for _, p := range bytes.Split([]byte(article.Body), []byte("\n\n")) {
		if t := bytes.TrimSpace(p); len(t) > 0 {
			paragraphs = append(paragraphs, string(t))
		}
	}

	var buf bytes.Buffer
	err := pageTemplate.Execute(&buf, struct {
		Title       string
		Paragraphs  []string
		GeneratedAt string
	}{article.Title, paragraphs, generatedAt})
	if err != nil {
		return sitePage{}, err
	}

	name := fmt.Sprintf("%s.html", dedup.Fingerprint([]byte(article.Title))[:12])
	return sitePage{Name: name, Title: article.Title, Body: buf.Bytes()}, nil
}

func renderIndex(pages []sitePage, generatedAt string) (sitePage, error) {
	var buf bytes.Buffer
	err := indexTemplate.Execute(&buf, struct {
		Pages       []sitePage
		GeneratedAt string
	}{pages, generatedAt})
	if err != nil {
		return sitePage{}, err
	}
	return sitePage{Name: "index.html", Title: "Articles", Body: buf.Bytes()}, nil
}

// buildArchive writes the pages into an in-memory ZIP using the Zstandard
// method registered in init.
func buildArchive(pages []sitePage, modTime time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, page := range pages {
		header := &zip.FileHeader{
			Name:     path.Clean(page.Name),
			Method:   zipMethodZstd,
			Modified: modTime,
		}
		w, err := zw.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("create ZIP entry %s: %w", page.Name, err)
		}
		if _, err := w.Write(page.Body); err != nil {
			return nil, fmt.Errorf("write ZIP entry %s: %w", page.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize ZIP: %w", err)
	}
	return buf.Bytes(), nil
}
