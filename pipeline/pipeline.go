// Package pipeline answers questions over a caller's stored documents. A
// query runs through two stages: retrieve, which searches the vector store
// and resolves surviving documents to their current content, and generate,
// which streams a grounded answer with a citation footer. Content is
// resolved at query time, so documents deleted after indexing silently drop
// out of answers.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/semrecall/config"
	"github.com/c360/semrecall/content"
	"github.com/c360/semrecall/errors"
	"github.com/c360/semrecall/metric"
	"github.com/c360/semrecall/vectorstore"
)

const component = "Pipeline"

const (
	// ocrLabel and extractLabel mark secondary text sections in a
	// fragment so the model can tell recognized from authored content
	ocrLabel     = "[image recognition]"
	extractLabel = "[document extraction]"

	continuationNotice = "(continuing from previous answer)\n\n"
	noContextNotice    = "No relevant documents were found for this question."

	systemPrompt = "You are an assistant that answers questions using only the provided context. " +
		"If the context does not contain the answer, say that you do not know. " +
		"Mention the doc_id of each document you draw on."
)

// fragment is one retrieved document ready for prompting
type fragment struct {
	docID string
	score float64
	text  string
}

// Document is a retrieved document with its similarity score, as returned
// by GetRelevantDocuments.
type Document struct {
	DocID   string  `json:"doc_id"`
	Score   float64 `json:"score"`
	Content string  `json:"content"`
}

// Pipeline wires the vector store, content resolver and generator into the
// question answering flow.
type Pipeline struct {
	store    *vectorstore.Store
	resolver content.Resolver
	gen      Generator
	cfg      config.PipelineConfig
	logger   *slog.Logger
	metrics  *pipelineMetrics
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics registers pipeline metrics with the registrar
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(p *Pipeline) {
		m, err := newPipelineMetrics(registrar)
		if err != nil {
			p.logger.Warn("pipeline metrics registration failed", "error", err)
			return
		}
		p.metrics = m
	}
}

// New creates a pipeline. All three collaborators are required.
func New(store *vectorstore.Store, resolver content.Resolver, gen Generator,
	cfg config.PipelineConfig, opts ...Option) (*Pipeline, error) {

	if store == nil || resolver == nil || gen == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, component, "New",
			"store, resolver and generator are all required")
	}
	if cfg.TopK < 1 {
		cfg.TopK = 5
	}

	p := &Pipeline{
		store:    store,
		resolver: resolver,
		gen:      gen,
		cfg:      cfg,
		logger:   slog.Default(),
		metrics:  &pipelineMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process answers a question from the owner's documents, streaming the
// answer in model-sized units. Validation and retrieval failures are
// returned synchronously, before anything is streamed; once the channel is
// handed out, all failures arrive in-band and the channel is closed when
// the answer is complete. When continuation is set the answer resumes a
// previous truncated response.
func (p *Pipeline) Process(ctx context.Context, question, ownerID string, continuation bool) (<-chan string, error) {
	start := time.Now()

	if ownerID == "" {
		return nil, errors.WrapInvalid(errors.ErrOwnerRequired, component, "Process", "owner id is empty")
	}
	if strings.TrimSpace(question) == "" {
		return nil, errors.WrapInvalid(errors.ErrEmptyKey, component, "Process", "question is empty")
	}

	frags, err := p.retrieve(ctx, question, ownerID)
	if err != nil {
		p.logger.Error("retrieval failed", "owner_id", ownerID, "error", err)
		p.metrics.recordQuery("error")
		return nil, err
	}

	out := make(chan string)
	go func() {
		defer close(out)

		status := "ok"
		if !p.generate(ctx, question, continuation, frags, out) {
			status = "error"
		}
		p.metrics.recordQuery(status)
		p.metrics.observeQuery(time.Since(start).Seconds())

		p.logger.Debug("query finished",
			"owner_id", ownerID,
			"fragments", len(frags),
			"continuation", continuation,
			"status", status,
			"elapsed", time.Since(start))
	}()

	return out, nil
}

// retrieve searches the index and resolves each hit to current content.
// Hits whose document has since been deleted, or whose stored content no
// longer belongs to the owner, are dropped without comment.
func (p *Pipeline) retrieve(ctx context.Context, question, ownerID string) ([]fragment, error) {
	matches, err := p.store.Search(ctx, question, ownerID, p.cfg.TopK)
	if err != nil {
		return nil, err
	}

	frags := make([]fragment, 0, len(matches))
	for _, m := range matches {
		rec, err := p.resolver.Resolve(ctx, m.DocID)
		if err != nil {
			p.logger.Warn("content resolution failed, dropping hit",
				"doc_id", m.DocID, "error", err)
			continue
		}
		if rec == nil || rec.OwnerID != ownerID {
			continue
		}

		frags = append(frags, fragment{
			docID: m.DocID,
			score: m.Score,
			text:  fragmentText(rec),
		})
	}

	p.metrics.observeFragments(len(frags))
	return frags, nil
}

// fragmentText renders a record for prompting: authored content first,
// then any recognized or extracted text under its label
func fragmentText(rec *content.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "doc_id: %s\n%s", rec.DocID, rec.Content)

	for _, text := range rec.Extracted.OCRTexts {
		if text == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(ocrLabel)
		b.WriteString("\n")
		b.WriteString(text)
	}
	for _, text := range rec.Extracted.FileTexts {
		if text == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(extractLabel)
		b.WriteString("\n")
		b.WriteString(text)
	}
	return b.String()
}

// generate streams the answer for the fragments, returning false if the
// stream ended with an error. The citation footer is appended only after a
// normal completion.
func (p *Pipeline) generate(ctx context.Context, question string, continuation bool, frags []fragment, out chan<- string) bool {
	if continuation {
		if !p.emit(ctx, out, continuationNotice) {
			return false
		}
	}

	if len(frags) == 0 {
		p.emit(ctx, out, noContextNotice)
		return true
	}

	stream, err := p.gen.Stream(ctx, systemPrompt, userPrompt(question, continuation, frags))
	if err != nil {
		p.logger.Error("generation failed to start", "error", err)
		p.emit(ctx, out, fmt.Sprintf("\n[error] %v: %v", errors.ErrGenerationFailed, err))
		return false
	}

	for chunk := range stream {
		if chunk.Err != nil {
			p.logger.Error("generation stream failed", "error", chunk.Err)
			p.emit(ctx, out, fmt.Sprintf("\n[error] %v: %v", errors.ErrGenerationFailed, chunk.Err))
			return false
		}
		if !p.emit(ctx, out, chunk.Content) {
			return false
		}
	}

	return p.emit(ctx, out, citationFooter(frags))
}

// emit sends one unit, giving up when the context ends
func (p *Pipeline) emit(ctx context.Context, out chan<- string, unit string) bool {
	select {
	case out <- unit:
		return true
	case <-ctx.Done():
		return false
	}
}

// userPrompt assembles the model input: fragments joined by blank lines,
// then the question
func userPrompt(question string, continuation bool, frags []fragment) string {
	texts := make([]string, len(frags))
	for i, f := range frags {
		texts[i] = f.text
	}

	var b strings.Builder
	if continuation {
		b.WriteString("The previous answer was cut off. Continue it without repeating what was already said.\n\n")
	}
	b.WriteString("Context:\n\n")
	b.WriteString(strings.Join(texts, "\n\n"))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

// citationFooter lists every fragment that backed the answer
func citationFooter(frags []fragment) string {
	var b strings.Builder
	b.WriteString("\n\nSources:\n")
	for _, f := range frags {
		fmt.Fprintf(&b, "- doc_id: %s (score=%.4f)\n", f.docID, f.score)
	}
	return b.String()
}

// GetRelevantDocuments returns the owner's documents scoring at or above
// the similarity threshold, resolved to current content. Deleted and
// reassigned documents are dropped the same way Process drops them. A
// topK of zero or less uses the configured default.
func (p *Pipeline) GetRelevantDocuments(ctx context.Context, question, ownerID string, topK int) ([]Document, error) {
	if ownerID == "" {
		return nil, errors.WrapInvalid(errors.ErrOwnerRequired, component, "GetRelevantDocuments", "owner id is empty")
	}
	if strings.TrimSpace(question) == "" {
		return nil, errors.WrapInvalid(errors.ErrEmptyKey, component, "GetRelevantDocuments", "question is empty")
	}
	if topK < 1 {
		topK = p.cfg.TopK
	}

	matches, err := p.store.Search(ctx, question, ownerID, topK)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(matches))
	for _, m := range matches {
		if m.Score < p.cfg.SimilarityThreshold {
			continue
		}
		rec, err := p.resolver.Resolve(ctx, m.DocID)
		if err != nil {
			p.logger.Warn("content resolution failed, dropping hit",
				"doc_id", m.DocID, "error", err)
			continue
		}
		if rec == nil || rec.OwnerID != ownerID {
			continue
		}
		docs = append(docs, Document{DocID: m.DocID, Score: m.Score, Content: rec.Content})
	}

	return docs, nil
}
