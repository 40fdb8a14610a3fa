package app

import (
	"context"
	"crypto/sha256"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medreport-ai/internal/ai"
	"medreport-ai/internal/engine"
	"medreport-ai/internal/index"
	"medreport-ai/internal/model"
)

// fakeEmbedder derives a deterministic unit vector from the text hash so
// identical texts always embed identically. A zero dim means 4.
type fakeEmbedder struct {
	fail  bool
	dim   int
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, ai.ErrEmbeddingUnavailable
	}
	f.calls++
	dim := f.dim
	if dim == 0 {
		dim = 4
	}
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(sum[i]) + 1
	}
	return ai.Normalize(vec), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, txt := range texts {
		vec, err := f.Embed(ctx, txt)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

type fakeGenerator struct {
	answer  string
	tokens  []string
	err     error
	prompts []string
}

func (f *fakeGenerator) Generate(_ context.Context, req engine.Request) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.prompts = append(f.prompts, req.Prompt)
	return f.answer, nil
}

func (f *fakeGenerator) GenerateStream(_ context.Context, req engine.Request, onToken func(string) error) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.prompts = append(f.prompts, req.Prompt)
	var sb strings.Builder
	for _, tok := range f.tokens {
		if err := onToken(tok); err != nil {
			return "", err
		}
		sb.WriteString(tok)
	}
	return sb.String(), nil
}

type fakeDocStore struct {
	docs   []model.Document
	resets int
}

func (s *fakeDocStore) Create(doc *model.Document) error {
	s.docs = append(s.docs, *doc)
	return nil
}

func (s *fakeDocStore) List() ([]model.Document, error) { return s.docs, nil }

func (s *fakeDocStore) FindByHash(hash string) (*model.Document, error) {
	for i := range s.docs {
		if s.docs[i].ContentHash == hash {
			return &s.docs[i], nil
		}
	}
	return nil, nil
}

func (s *fakeDocStore) Reset() error {
	s.docs = nil
	s.resets++
	return nil
}

type fakeChunkStore struct {
	chunks []model.StoredChunk
	resets int
}

func (s *fakeChunkStore) CreateBatch(chunks []model.StoredChunk) error {
	s.chunks = append(s.chunks, chunks...)
	return nil
}

func (s *fakeChunkStore) Reset() error {
	s.chunks = nil
	s.resets++
	return nil
}

type fakePublisher struct {
	records []model.IngestRecord
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, rec model.IngestRecord) error {
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, rec)
	return nil
}

func newTestRAG(t *testing.T, gen *fakeGenerator, emb *fakeEmbedder) (*RAGService, *fakeDocStore, *fakeChunkStore) {
	t.Helper()
	docs := &fakeDocStore{}
	chunks := &fakeChunkStore{}
	svc := NewRAGService(index.New(), emb, gen, nil, nil, docs, chunks, RAGConfig{
		ChunkSize:    20,
		ChunkOverlap: 5,
		Dedupe:       true,
	})
	return svc, docs, chunks
}

func TestIngest_ChunksEmbedsAndIndexes(t *testing.T) {
	svc, docs, chunks := newTestRAG(t, &fakeGenerator{answer: "ok"}, &fakeEmbedder{})

	res, err := svc.Ingest(context.Background(), IngestInput{
		Filename: "report.txt",
		Text:     "Patient presents with fever 101F and persistent cough.",
	})
	require.NoError(t, err)

	assert.Equal(t, "report.txt", res.Document.Filename)
	assert.Equal(t, res.ChunkCount, svc.IndexSize())
	assert.Greater(t, res.ChunkCount, 1)

	require.Len(t, docs.docs, 1)
	assert.Len(t, chunks.chunks, res.ChunkCount)
	for i, sc := range chunks.chunks {
		assert.Equal(t, res.Document.ID, sc.DocumentID)
		assert.Equal(t, i, sc.Ordinal)
		assert.NotEmpty(t, sc.EmbeddingVector())
	}
}

func TestIngest_EmptyTextRejected(t *testing.T) {
	svc, _, _ := newTestRAG(t, &fakeGenerator{}, &fakeEmbedder{})

	_, err := svc.Ingest(context.Background(), IngestInput{Text: "   \n  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 0, svc.IndexSize())
}

func TestIngest_DuplicateContentRejected(t *testing.T) {
	svc, _, _ := newTestRAG(t, &fakeGenerator{}, &fakeEmbedder{})

	text := "Hemoglobin 10.2 g/dL, below reference range."
	_, err := svc.Ingest(context.Background(), IngestInput{Filename: "a.txt", Text: text})
	require.NoError(t, err)
	sizeAfterFirst := svc.IndexSize()

	// same content, different spacing and filename
	_, err = svc.Ingest(context.Background(), IngestInput{Filename: "b.txt", Text: "Hemoglobin  10.2 g/dL,\nbelow reference range."})
	assert.ErrorIs(t, err, ErrDuplicateDocument)
	assert.Equal(t, sizeAfterFirst, svc.IndexSize())
}

func TestIngest_EmbeddingFailureLeavesIndexUntouched(t *testing.T) {
	emb := &fakeEmbedder{}
	svc, docs, _ := newTestRAG(t, &fakeGenerator{}, emb)

	_, err := svc.Ingest(context.Background(), IngestInput{Filename: "a.txt", Text: "first document body"})
	require.NoError(t, err)
	before := svc.IndexSize()

	emb.fail = true
	_, err = svc.Ingest(context.Background(), IngestInput{Filename: "b.txt", Text: "second document body that is long enough to split"})
	assert.ErrorIs(t, err, ai.ErrEmbeddingUnavailable)
	assert.Equal(t, before, svc.IndexSize())
	assert.Len(t, docs.docs, 1)
}

func TestIngest_PublisherPreferredOverDirectPersist(t *testing.T) {
	pub := &fakePublisher{}
	docs := &fakeDocStore{}
	chunks := &fakeChunkStore{}
	svc := NewRAGService(index.New(), &fakeEmbedder{}, &fakeGenerator{}, pub, nil, docs, chunks, RAGConfig{})

	_, err := svc.Ingest(context.Background(), IngestInput{Filename: "r.txt", Text: "short report"})
	require.NoError(t, err)

	require.Len(t, pub.records, 1)
	assert.Empty(t, docs.docs)
	assert.Empty(t, chunks.chunks)
	assert.Equal(t, "r.txt", pub.records[0].Document.Filename)
}

func TestIngest_PublisherFailureFallsBackToDirectPersist(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	docs := &fakeDocStore{}
	chunks := &fakeChunkStore{}
	svc := NewRAGService(index.New(), &fakeEmbedder{}, &fakeGenerator{}, pub, nil, docs, chunks, RAGConfig{})

	_, err := svc.Ingest(context.Background(), IngestInput{Filename: "r.txt", Text: "short report"})
	require.NoError(t, err)

	assert.Len(t, docs.docs, 1)
	assert.NotEmpty(t, chunks.chunks)
}

func TestAnswer_UsesRetrievedContext(t *testing.T) {
	gen := &fakeGenerator{answer: "The patient has a fever."}
	svc, _, _ := newTestRAG(t, gen, &fakeEmbedder{})

	_, err := svc.Ingest(context.Background(), IngestInput{
		Filename: "report.txt",
		Text:     "Patient presents with fever 101F and persistent cough.",
	})
	require.NoError(t, err)

	res, err := svc.Answer(context.Background(), AnswerInput{Question: "Does the patient have a fever?"})
	require.NoError(t, err)

	assert.Equal(t, "The patient has a fever.", res.Answer)
	assert.NotEmpty(t, res.ChunkIDs)
	assert.Greater(t, res.Confidence, 0.0)
	assert.False(t, res.Degraded)

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "Does the patient have a fever?")
	assert.Contains(t, gen.prompts[0], "fever")
}

func TestAnswer_EmptyIndexStillAnswers(t *testing.T) {
	gen := &fakeGenerator{answer: "I have no documents to consult."}
	svc, _, _ := newTestRAG(t, gen, &fakeEmbedder{})

	res, err := svc.Answer(context.Background(), AnswerInput{Question: "Anything?"})
	require.NoError(t, err)

	assert.Empty(t, res.ChunkIDs)
	assert.Zero(t, res.Confidence)
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "No supporting documents are available.")
}

func TestAnswer_DegradesWhenEmbeddingUnavailable(t *testing.T) {
	emb := &fakeEmbedder{}
	gen := &fakeGenerator{answer: "answer without context"}
	svc, _, _ := newTestRAG(t, gen, emb)

	_, err := svc.Ingest(context.Background(), IngestInput{Filename: "r.txt", Text: "some indexed report text"})
	require.NoError(t, err)

	emb.fail = true
	res, err := svc.Answer(context.Background(), AnswerInput{Question: "What does the report say?"})
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	assert.Empty(t, res.ChunkIDs)
	assert.Zero(t, res.Confidence)
}

func TestAnswer_SurfacesDimensionMismatch(t *testing.T) {
	emb := &fakeEmbedder{}
	gen := &fakeGenerator{answer: "never reached"}
	svc, _, _ := newTestRAG(t, gen, emb)

	_, err := svc.Ingest(context.Background(), IngestInput{Filename: "r.txt", Text: "some indexed report text"})
	require.NoError(t, err)

	// the backend starts returning vectors of a different width; unlike an
	// outage this corrupts retrieval and must not degrade silently
	emb.dim = 2
	res, err := svc.Answer(context.Background(), AnswerInput{Question: "What does the report say?"})
	assert.ErrorIs(t, err, index.ErrDimensionMismatch)
	assert.Nil(t, res)
	assert.Empty(t, gen.prompts)

	_, err = svc.SummarizeAll(context.Background(), SummaryInput{})
	assert.ErrorIs(t, err, index.ErrDimensionMismatch)
}

func TestAnswer_TopOneReturnsTheMatchingChunk(t *testing.T) {
	gen := &fakeGenerator{answer: "101F"}
	docs := &fakeDocStore{}
	svc := NewRAGService(index.New(), &fakeEmbedder{}, gen, nil, nil, docs, &fakeChunkStore{}, RAGConfig{
		ChunkSize: 512,
	})

	for _, text := range []string{
		"Blood pressure 120/80, unremarkable.",
		"Temperature 101F recorded at admission.",
		"Discharged with a course of antibiotics.",
	} {
		_, err := svc.Ingest(context.Background(), IngestInput{Filename: "r.txt", Text: text})
		require.NoError(t, err)
	}

	// identical text embeds identically, so the exact-match chunk must rank first
	res, err := svc.Answer(context.Background(), AnswerInput{
		Question: "Temperature 101F recorded at admission.",
		TopK:     1,
	})
	require.NoError(t, err)

	require.Len(t, res.ChunkIDs, 1)
	assert.InDelta(t, 1.0, res.Confidence, 1e-5)
}

func TestAnswer_InvalidTopK(t *testing.T) {
	svc, _, _ := newTestRAG(t, &fakeGenerator{}, &fakeEmbedder{})

	for _, k := range []int{-1, 21, 100} {
		_, err := svc.Answer(context.Background(), AnswerInput{Question: "q", TopK: k})
		assert.ErrorIs(t, err, ErrInvalidTopK, "top_k=%d", k)
	}
}

func TestAnswer_PromptBudgetDropsLowestRanked(t *testing.T) {
	gen := &fakeGenerator{answer: "ok"}
	docs := &fakeDocStore{}
	svc := NewRAGService(index.New(), &fakeEmbedder{}, gen, nil, nil, docs, &fakeChunkStore{}, RAGConfig{
		ChunkSize:      40,
		ChunkOverlap:   0,
		MaxPromptChars: 60,
	})

	_, err := svc.Ingest(context.Background(), IngestInput{
		Filename: "long.txt",
		Text:     strings.Repeat("alpha beta gamma delta epsilon zeta eta ", 6),
	})
	require.NoError(t, err)
	require.Greater(t, svc.IndexSize(), 1)

	res, err := svc.Answer(context.Background(), AnswerInput{Question: "what?"})
	require.NoError(t, err)

	// the 60-char budget fits at most one 40-char chunk block
	assert.Len(t, res.ChunkIDs, 1)
}

func TestAnswerStream_ForwardsTokens(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"The ", "patient ", "is stable."}}
	svc, _, _ := newTestRAG(t, gen, &fakeEmbedder{})

	var got []string
	res, err := svc.AnswerStream(context.Background(), AnswerInput{Question: "status?"}, func(tok string) error {
		got = append(got, tok)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"The ", "patient ", "is stable."}, got)
	assert.Equal(t, "The patient is stable.", res.Answer)
}

func TestSummarizeAll_UsesCorpus(t *testing.T) {
	gen := &fakeGenerator{answer: "Overall the patient is recovering."}
	svc, _, _ := newTestRAG(t, gen, &fakeEmbedder{})

	_, err := svc.Ingest(context.Background(), IngestInput{Filename: "r.txt", Text: "Patient recovering well after surgery."})
	require.NoError(t, err)

	res, err := svc.SummarizeAll(context.Background(), SummaryInput{})
	require.NoError(t, err)

	assert.Equal(t, "Overall the patient is recovering.", res.Answer)
	assert.NotEmpty(t, res.ChunkIDs)
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "Summary:")
}

func TestSummarizeAll_HonorsTopKAndQueryOverride(t *testing.T) {
	gen := &fakeGenerator{answer: "summary"}
	svc := NewRAGService(index.New(), &fakeEmbedder{}, gen, nil, nil, &fakeDocStore{}, &fakeChunkStore{}, RAGConfig{
		ChunkSize: 512,
	})

	for _, text := range []string{
		"Blood pressure 120/80, unremarkable.",
		"Temperature 101F recorded at admission.",
		"Discharged with a course of antibiotics.",
	} {
		_, err := svc.Ingest(context.Background(), IngestInput{Filename: "r.txt", Text: text})
		require.NoError(t, err)
	}

	// with top_k=1 only the chunk matching the override query makes the prompt
	res, err := svc.SummarizeAll(context.Background(), SummaryInput{
		Query: "Temperature 101F recorded at admission.",
		TopK:  1,
	})
	require.NoError(t, err)

	require.Len(t, res.ChunkIDs, 1)
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "Temperature 101F")
	assert.NotContains(t, gen.prompts[0], "Blood pressure")
}

func TestSummarizeAll_InvalidTopK(t *testing.T) {
	svc, _, _ := newTestRAG(t, &fakeGenerator{}, &fakeEmbedder{})

	_, err := svc.SummarizeAll(context.Background(), SummaryInput{TopK: 21})
	assert.ErrorIs(t, err, ErrInvalidTopK)
}

func TestReset_ClearsIndexAndStores(t *testing.T) {
	svc, docs, chunks := newTestRAG(t, &fakeGenerator{}, &fakeEmbedder{})

	_, err := svc.Ingest(context.Background(), IngestInput{Filename: "r.txt", Text: "report text to index"})
	require.NoError(t, err)
	require.Greater(t, svc.IndexSize(), 0)

	svc.Reset(context.Background())

	assert.Equal(t, 0, svc.IndexSize())
	assert.Equal(t, 1, docs.resets)
	assert.Equal(t, 1, chunks.resets)
	assert.Empty(t, docs.docs)
}

func TestEmbedCache_SecondIngestOfSameChunksHitsCache(t *testing.T) {
	emb := &fakeEmbedder{}
	cache := &memEmbCache{data: map[string][]float32{}}
	svc := NewRAGService(index.New(), emb, &fakeGenerator{}, nil, cache, nil, nil, RAGConfig{
		ChunkSize: 20, ChunkOverlap: 5,
	})

	text := "Patient presents with fever 101F and persistent cough."
	_, err := svc.Ingest(context.Background(), IngestInput{Filename: "a.txt", Text: text})
	require.NoError(t, err)
	callsAfterFirst := emb.calls

	// dedupe disabled (no docStore), so the same text re-chunks identically
	_, err = svc.Ingest(context.Background(), IngestInput{Filename: "b.txt", Text: text})
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, emb.calls, "cached chunks should not re-embed")
}

type memEmbCache struct {
	data map[string][]float32
}

func (c *memEmbCache) Get(_ context.Context, text string) ([]float32, bool, error) {
	v, ok := c.data[text]
	return v, ok, nil
}

func (c *memEmbCache) Set(_ context.Context, text string, vec []float32) error {
	c.data[text] = vec
	return nil
}
