package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrecall/config"
	"github.com/c360/semrecall/content"
	"github.com/c360/semrecall/errors"
	"github.com/c360/semrecall/pkg/embedding"
	"github.com/c360/semrecall/testutil"
	"github.com/c360/semrecall/vectorstore"
)

// fakeGenerator replays scripted chunks and records the prompts it was
// given
type fakeGenerator struct {
	chunks     []Chunk
	startErr   error
	lastSystem string
	lastUser   string
}

func (g *fakeGenerator) Stream(_ context.Context, system, user string) (<-chan Chunk, error) {
	g.lastSystem = system
	g.lastUser = user
	if g.startErr != nil {
		return nil, g.startErr
	}

	out := make(chan Chunk, len(g.chunks))
	for _, c := range g.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func answerGenerator(parts ...string) *fakeGenerator {
	chunks := make([]Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = Chunk{Content: p}
	}
	return &fakeGenerator{chunks: chunks}
}

type testEnv struct {
	pipeline *Pipeline
	store    *vectorstore.Store
	resolver *testutil.FakeResolver
	gen      *fakeGenerator
}

func newTestEnv(t *testing.T, gen *fakeGenerator, cfg config.PipelineConfig) *testEnv {
	t.Helper()

	kv := testutil.NewFakeKeyValue("VECTOR_INDEX")
	resolver := testutil.NewFakeResolver()
	embedder := embedding.NewBM25Embedder(embedding.BM25Config{Dimensions: 256})

	store, err := vectorstore.NewStore(context.Background(), kv, embedder,
		config.VectorStoreConfig{TTLSeconds: 3600, OverfetchMultiplier: 3},
		vectorstore.WithResolver(resolver))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	p, err := New(store, resolver, gen, cfg)
	require.NoError(t, err)

	return &testEnv{pipeline: p, store: store, resolver: resolver, gen: gen}
}

// seed indexes a document and registers its resolvable content
func (e *testEnv) seed(t *testing.T, docID, ownerID, text string) {
	t.Helper()
	_, err := e.store.Put(context.Background(), docID, ownerID, text, nil)
	require.NoError(t, err)
	e.resolver.Add(&content.Record{DocID: docID, OwnerID: ownerID, Content: text})
}

// collect drains the stream into its units
func collect(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var units []string
	for unit := range ch {
		units = append(units, unit)
	}
	return units
}

func TestProcess_AnswerWithCitations(t *testing.T) {
	env := newTestEnv(t, answerGenerator("The sky ", "is blue."), config.PipelineConfig{TopK: 5})
	env.seed(t, "doc-1", "owner-a", "the sky is blue on clear days")
	env.seed(t, "doc-2", "owner-a", "grass is green in summer")

	ch, err := env.pipeline.Process(context.Background(), "what color is the sky", "owner-a", false)
	require.NoError(t, err)

	full := strings.Join(collect(t, ch), "")
	assert.Contains(t, full, "The sky is blue.")
	assert.Contains(t, full, "Sources:")
	assert.Contains(t, full, "- doc_id: doc-1 (score=")
}

func TestProcess_CitedDocsWereRetrieved(t *testing.T) {
	env := newTestEnv(t, answerGenerator("answer"), config.PipelineConfig{TopK: 5})
	env.seed(t, "doc-1", "owner-a", "alpha beta gamma")
	env.seed(t, "doc-2", "owner-b", "alpha beta gamma")

	ch, err := env.pipeline.Process(context.Background(), "alpha beta", "owner-a", false)
	require.NoError(t, err)
	full := strings.Join(collect(t, ch), "")

	// Every cited id belongs to the asking owner
	assert.Contains(t, full, "- doc_id: doc-1")
	assert.NotContains(t, full, "doc-2")
}

func TestProcess_NoDocuments(t *testing.T) {
	gen := answerGenerator("should never be called")
	env := newTestEnv(t, gen, config.PipelineConfig{TopK: 5})

	ch, err := env.pipeline.Process(context.Background(), "anything at all", "owner-a", false)
	require.NoError(t, err)

	full := strings.Join(collect(t, ch), "")
	assert.Contains(t, full, noContextNotice)
	assert.NotContains(t, full, "Sources:")
	assert.Empty(t, gen.lastUser, "generator must not run without context")
}

func TestProcess_DeletedDocumentDropsOut(t *testing.T) {
	env := newTestEnv(t, answerGenerator("answer"), config.PipelineConfig{TopK: 5})
	env.seed(t, "doc-1", "owner-a", "kept document about kittens")
	env.seed(t, "doc-2", "owner-a", "removed document about kittens")

	// Deleted from content storage but still present in the index
	env.resolver.Remove("doc-2")

	ch, err := env.pipeline.Process(context.Background(), "kittens", "owner-a", false)
	require.NoError(t, err)
	full := strings.Join(collect(t, ch), "")

	assert.Contains(t, full, "- doc_id: doc-1")
	assert.NotContains(t, full, "doc-2")
	assert.NotContains(t, env.gen.lastUser, "removed document")
}

func TestProcess_ReassignedOwnerDropsOut(t *testing.T) {
	env := newTestEnv(t, answerGenerator("answer"), config.PipelineConfig{TopK: 5})
	env.seed(t, "doc-1", "owner-a", "shared topic document")

	// Content now belongs to someone else; the stale index hit must not leak
	env.resolver.Remove("doc-1")
	env.resolver.Add(&content.Record{DocID: "doc-1", OwnerID: "owner-b", Content: "shared topic document"})

	ch, err := env.pipeline.Process(context.Background(), "shared topic", "owner-a", false)
	require.NoError(t, err)
	full := strings.Join(collect(t, ch), "")

	assert.Contains(t, full, noContextNotice)
}

func TestProcess_ContinuationNoticeComesFirst(t *testing.T) {
	env := newTestEnv(t, answerGenerator("...rest of the answer"), config.PipelineConfig{TopK: 5})
	env.seed(t, "doc-1", "owner-a", "a long document that got truncated")

	ch, err := env.pipeline.Process(context.Background(), "long document", "owner-a", true)
	require.NoError(t, err)
	units := collect(t, ch)

	require.NotEmpty(t, units)
	assert.Equal(t, continuationNotice, units[0])
	assert.Contains(t, env.gen.lastUser, "cut off")
}

func TestProcess_GeneratorErrorArrivesInBand(t *testing.T) {
	gen := &fakeGenerator{chunks: []Chunk{
		{Content: "partial answer "},
		{Err: context.DeadlineExceeded},
	}}
	env := newTestEnv(t, gen, config.PipelineConfig{TopK: 5})
	env.seed(t, "doc-1", "owner-a", "some indexed text")

	ch, err := env.pipeline.Process(context.Background(), "indexed text", "owner-a", false)
	require.NoError(t, err)
	units := collect(t, ch)

	require.NotEmpty(t, units)
	full := strings.Join(units, "")
	assert.Contains(t, full, "partial answer")
	assert.Contains(t, units[len(units)-1], "[error]")
	assert.NotContains(t, full, "Sources:")
}

func TestProcess_Validation(t *testing.T) {
	env := newTestEnv(t, answerGenerator("x"), config.PipelineConfig{TopK: 5})

	_, err := env.pipeline.Process(context.Background(), "question", "", false)
	assert.True(t, errors.IsInvalid(err))

	_, err = env.pipeline.Process(context.Background(), "   ", "owner-a", false)
	assert.True(t, errors.IsInvalid(err))
}

func TestProcess_PromptIncludesExtractedSections(t *testing.T) {
	env := newTestEnv(t, answerGenerator("answer"), config.PipelineConfig{TopK: 5})

	_, err := env.store.Put(context.Background(), "doc-1", "owner-a", "trip receipt photo", nil)
	require.NoError(t, err)
	env.resolver.Add(&content.Record{
		DocID:   "doc-1",
		OwnerID: "owner-a",
		Content: "trip receipt photo",
		Extracted: content.Extracted{
			OCRTexts:  []string{"TOTAL 42.50 EUR"},
			FileTexts: []string{"itinerary.pdf page 1"},
		},
	})

	ch, err := env.pipeline.Process(context.Background(), "trip receipt", "owner-a", false)
	require.NoError(t, err)
	collect(t, ch)

	assert.Contains(t, env.gen.lastUser, ocrLabel)
	assert.Contains(t, env.gen.lastUser, "TOTAL 42.50 EUR")
	assert.Contains(t, env.gen.lastUser, extractLabel)
	assert.Contains(t, env.gen.lastUser, "itinerary.pdf page 1")
	assert.Contains(t, env.gen.lastUser, "Question: trip receipt")
}

func TestGetRelevantDocuments_Threshold(t *testing.T) {
	env := newTestEnv(t, answerGenerator("unused"),
		config.PipelineConfig{TopK: 5, SimilarityThreshold: 0.6})
	env.seed(t, "close", "owner-a", "quantum computing research overview")
	env.seed(t, "far", "owner-a", "banana bread baking tips")

	docs, err := env.pipeline.GetRelevantDocuments(context.Background(),
		"quantum computing research overview", "owner-a", 0)
	require.NoError(t, err)

	require.Len(t, docs, 1)
	assert.Equal(t, "close", docs[0].DocID)
	assert.GreaterOrEqual(t, docs[0].Score, 0.6)
	assert.Equal(t, "quantum computing research overview", docs[0].Content)
}

func TestGetRelevantDocuments_SkipsDeleted(t *testing.T) {
	env := newTestEnv(t, answerGenerator("unused"),
		config.PipelineConfig{TopK: 5, SimilarityThreshold: 0.5})
	env.seed(t, "doc-1", "owner-a", "machine learning lecture notes")
	env.resolver.Remove("doc-1")

	docs, err := env.pipeline.GetRelevantDocuments(context.Background(),
		"machine learning lecture notes", "owner-a", 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestFragmentText(t *testing.T) {
	rec := &content.Record{
		DocID:   "doc-1",
		Content: "main body",
		Extracted: content.Extracted{
			OCRTexts: []string{"sign text", ""},
		},
	}

	text := fragmentText(rec)
	assert.True(t, strings.HasPrefix(text, "doc_id: doc-1\nmain body"))
	assert.Contains(t, text, ocrLabel+"\nsign text")
	assert.Equal(t, 1, strings.Count(text, ocrLabel), "empty sections are skipped")
}

func TestCitationFooter(t *testing.T) {
	footer := citationFooter([]fragment{
		{docID: "a", score: 0.91234},
		{docID: "b", score: 0.5},
	})

	assert.Contains(t, footer, "- doc_id: a (score=0.9123)")
	assert.Contains(t, footer, "- doc_id: b (score=0.5000)")
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, nil, config.PipelineConfig{})
	assert.True(t, errors.IsInvalid(err))
}
