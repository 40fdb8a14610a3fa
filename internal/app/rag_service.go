package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"medreport-ai/internal/ai"
	"medreport-ai/internal/chunker"
	"medreport-ai/internal/engine"
	"medreport-ai/internal/index"
	"medreport-ai/internal/model"
)

const (
	defaultChunkSize      = 512
	defaultChunkOverlap   = 50
	defaultTopK           = 5
	maxTopK               = 20
	defaultMaxPromptChars = 6000
	embeddingBatchSize    = 10 // embedding APIs often limit batch size

	summaryQuery = "Provide a comprehensive summary of the medical report"
)

var (
	ErrDuplicateDocument = errors.New("document already ingested")
	ErrInvalidTopK       = errors.New("top_k out of range")
)

// Embedder turns text into unit-length vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator runs the shared inference engine.
type Generator interface {
	Generate(ctx context.Context, req engine.Request) (string, error)
	GenerateStream(ctx context.Context, req engine.Request, onToken func(string) error) (string, error)
}

// AsyncIngestPublisher hands ingested documents to the persistence queue.
type AsyncIngestPublisher interface {
	Publish(ctx context.Context, rec model.IngestRecord) error
}

// EmbeddingCache memoizes chunk embeddings across ingests.
type EmbeddingCache interface {
	Get(ctx context.Context, text string) ([]float32, bool, error)
	Set(ctx context.Context, text string, vec []float32) error
}

// DocumentStore persists document metadata.
type DocumentStore interface {
	Create(doc *model.Document) error
	List() ([]model.Document, error)
	FindByHash(hash string) (*model.Document, error)
	Reset() error
}

// ChunkStore persists chunk rows alongside their embeddings.
type ChunkStore interface {
	CreateBatch(chunks []model.StoredChunk) error
	Reset() error
}

// RAGConfig tunes chunking, retrieval and prompt assembly.
type RAGConfig struct {
	ChunkSize      int
	ChunkOverlap   int
	TopK           int
	MaxPromptChars int
	Dedupe         bool
	IndexPath      string
}

func (c RAGConfig) withDefaults() RAGConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = defaultChunkOverlap
	}
	if c.TopK <= 0 {
		c.TopK = defaultTopK
	}
	if c.MaxPromptChars <= 0 {
		c.MaxPromptChars = defaultMaxPromptChars
	}
	return c
}

type RAGService struct {
	idx       *index.Index
	embedder  Embedder
	generator Generator
	publisher AsyncIngestPublisher
	embCache  EmbeddingCache
	docStore  DocumentStore
	chunkSt   ChunkStore
	cfg       RAGConfig
}

func NewRAGService(
	idx *index.Index,
	embedder Embedder,
	generator Generator,
	publisher AsyncIngestPublisher,
	embCache EmbeddingCache,
	docStore DocumentStore,
	chunkStore ChunkStore,
	cfg RAGConfig,
) *RAGService {
	return &RAGService{
		idx:       idx,
		embedder:  embedder,
		generator: generator,
		publisher: publisher,
		embCache:  embCache,
		docStore:  docStore,
		chunkSt:   chunkStore,
		cfg:       cfg.withDefaults(),
	}
}

// IngestInput is one document to add to the corpus. ChunkSize and
// ChunkOverlap override the configured defaults when non-zero.
type IngestInput struct {
	Filename     string
	Text         string
	ChunkSize    int
	ChunkOverlap int
}

type IngestResult struct {
	Document   model.Document `json:"document"`
	ChunkCount int            `json:"chunk_count"`
}

// Ingest chunks and embeds the document, then adds every chunk to the index
// in one batch. On any failure the index is left exactly as it was.
func (s *RAGService) Ingest(ctx context.Context, input IngestInput) (*IngestResult, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return nil, ErrInvalidInput
	}
	filename := strings.TrimSpace(input.Filename)
	if filename == "" {
		filename = "untitled"
	}

	hash := contentHash(text)
	if s.cfg.Dedupe && s.docStore != nil {
		existing, err := s.docStore.FindByHash(hash)
		if err == nil && existing != nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDocument, existing.Filename)
		}
	}

	size := input.ChunkSize
	if size == 0 {
		size = s.cfg.ChunkSize
	}
	overlap := input.ChunkOverlap
	if input.ChunkSize == 0 && input.ChunkOverlap == 0 {
		overlap = s.cfg.ChunkOverlap
	}
	chunks, err := chunker.Split(text, size, overlap)
	if err != nil {
		return nil, err
	}

	docID := uuid.NewString()
	for i := range chunks {
		chunks[i].DocumentID = docID
		chunks[i].ID = fmt.Sprintf("%s-%d", docID, chunks[i].Ordinal)
	}

	vectors, err := s.embedChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	if err := s.idx.Add(chunks, vectors); err != nil {
		return nil, err
	}

	doc := model.Document{
		ID:          docID,
		Filename:    filename,
		ContentHash: hash,
		Text:        text,
		ChunkCount:  len(chunks),
	}
	s.persistDocument(ctx, doc, chunks, vectors)
	s.persistIndex()

	return &IngestResult{Document: doc, ChunkCount: len(chunks)}, nil
}

// embedChunks resolves one unit-length vector per chunk, consulting the
// cache first and batching the misses.
func (s *RAGService) embedChunks(ctx context.Context, chunks []model.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	var missTexts []string
	var missIdx []int

	for i, ch := range chunks {
		if s.embCache != nil {
			if vec, hit, err := s.embCache.Get(ctx, ch.Text); err == nil && hit {
				vectors[i] = vec
				continue
			}
		}
		missTexts = append(missTexts, ch.Text)
		missIdx = append(missIdx, i)
	}

	for start := 0; start < len(missTexts); start += embeddingBatchSize {
		end := start + embeddingBatchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		batch, err := s.embedder.EmbedBatch(ctx, missTexts[start:end])
		if err != nil {
			return nil, err
		}
		for j, vec := range batch {
			i := missIdx[start+j]
			vectors[i] = ai.Normalize(vec)
			if s.embCache != nil {
				if err := s.embCache.Set(ctx, chunks[i].Text, vectors[i]); err != nil {
					log.Printf("embedding cache set failed: %v", err)
				}
			}
		}
	}
	return vectors, nil
}

func (s *RAGService) persistDocument(ctx context.Context, doc model.Document, chunks []model.Chunk, vectors [][]float32) {
	stored := make([]model.StoredChunk, len(chunks))
	for i := range chunks {
		stored[i] = model.NewStoredChunk(chunks[i], vectors[i])
	}

	if s.publisher != nil {
		err := s.publisher.Publish(ctx, model.IngestRecord{Document: doc, Chunks: stored})
		if err == nil {
			return
		}
		log.Printf("ingest publish failed, falling back to direct persist: %v", err)
	}
	if s.docStore != nil {
		if err := s.docStore.Create(&doc); err != nil {
			log.Printf("persist document failed: %v", err)
			return
		}
	}
	if s.chunkSt != nil {
		if err := s.chunkSt.CreateBatch(stored); err != nil {
			log.Printf("persist chunks failed: %v", err)
		}
	}
}

func (s *RAGService) persistIndex() {
	if s.cfg.IndexPath == "" {
		return
	}
	if err := s.idx.Persist(s.cfg.IndexPath); err != nil {
		log.Printf("persist vector index failed: %v", err)
	}
}

// AnswerInput is one grounded question. Zero sampling values take the
// engine defaults.
type AnswerInput struct {
	Question    string
	TopK        int
	Temperature float64
	MaxTokens   int
}

type AnswerResult struct {
	Answer     string   `json:"answer"`
	ChunkIDs   []string `json:"chunk_ids"`
	Confidence float64  `json:"confidence"`
	Degraded   bool     `json:"degraded,omitempty"`
}

// Answer retrieves the most relevant chunks for the question and generates a
// grounded response. An unavailable embedding backend degrades to an
// uncontexted answer rather than failing.
func (s *RAGService) Answer(ctx context.Context, input AnswerInput) (*AnswerResult, error) {
	return s.answer(ctx, input, nil)
}

// AnswerStream is Answer with token streaming via onToken.
func (s *RAGService) AnswerStream(ctx context.Context, input AnswerInput, onToken func(string) error) (*AnswerResult, error) {
	return s.answer(ctx, input, onToken)
}

func (s *RAGService) answer(ctx context.Context, input AnswerInput, onToken func(string) error) (*AnswerResult, error) {
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return nil, ErrInvalidInput
	}
	topK, err := s.resolveTopK(input.TopK)
	if err != nil {
		return nil, err
	}

	ret, err := s.retrieve(ctx, question, topK)
	if err != nil {
		return nil, err
	}
	prompt := answerPrompt(ret.contextBlock, question)

	answer, err := s.runGeneration(ctx, prompt, input.Temperature, input.MaxTokens, onToken)
	if err != nil {
		return nil, err
	}
	return &AnswerResult{
		Answer:     answer,
		ChunkIDs:   ret.chunkIDs,
		Confidence: ret.confidence,
		Degraded:   ret.degraded,
	}, nil
}

// SummaryInput selects what the corpus summary retrieves against. Query
// overrides the default summary query; a zero TopK falls back to the
// configured default.
type SummaryInput struct {
	Query       string
	TopK        int
	Temperature float64
	MaxTokens   int
}

// SummarizeAll generates a summary spanning the whole ingested corpus by
// retrieving against a summary query.
func (s *RAGService) SummarizeAll(ctx context.Context, input SummaryInput) (*AnswerResult, error) {
	return s.summarizeAll(ctx, input, nil)
}

func (s *RAGService) SummarizeAllStream(ctx context.Context, input SummaryInput, onToken func(string) error) (*AnswerResult, error) {
	return s.summarizeAll(ctx, input, onToken)
}

func (s *RAGService) summarizeAll(ctx context.Context, input SummaryInput, onToken func(string) error) (*AnswerResult, error) {
	topK, err := s.resolveTopK(input.TopK)
	if err != nil {
		return nil, err
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		query = summaryQuery
	}

	ret, err := s.retrieve(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	prompt := summaryPrompt(ret.contextBlock)

	answer, err := s.runGeneration(ctx, prompt, input.Temperature, input.MaxTokens, onToken)
	if err != nil {
		return nil, err
	}
	return &AnswerResult{
		Answer:     answer,
		ChunkIDs:   ret.chunkIDs,
		Confidence: ret.confidence,
		Degraded:   ret.degraded,
	}, nil
}

// ListDocuments returns ingested document metadata, newest first.
func (s *RAGService) ListDocuments() ([]model.Document, error) {
	if s.docStore == nil {
		return nil, nil
	}
	return s.docStore.List()
}

// Reset drops the in-memory index, its on-disk snapshot, and the persisted
// corpus. Store failures are logged; the index itself always resets.
func (s *RAGService) Reset(ctx context.Context) {
	s.idx.Reset()
	s.persistIndex()
	if s.chunkSt != nil {
		if err := s.chunkSt.Reset(); err != nil {
			log.Printf("reset chunk store failed: %v", err)
		}
	}
	if s.docStore != nil {
		if err := s.docStore.Reset(); err != nil {
			log.Printf("reset document store failed: %v", err)
		}
	}
}

// IndexSize reports the number of indexed chunks.
func (s *RAGService) IndexSize() int {
	return s.idx.Len()
}

type retrieval struct {
	contextBlock string
	chunkIDs     []string
	confidence   float64
	degraded     bool
}

// retrieve embeds the query and assembles a context block from the top-k
// hits, dropping the lowest-ranked chunks that do not fit the prompt budget.
// An unavailable embedding backend degrades; an index query failure (a
// dimension mismatch means embedder and index disagree) is surfaced as-is.
func (s *RAGService) retrieve(ctx context.Context, query string, topK int) (retrieval, error) {
	if s.idx.Len() == 0 {
		return retrieval{contextBlock: noContextBlock}, nil
	}

	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("query embedding failed, answering without context: %v", err)
		return retrieval{contextBlock: noContextBlock, degraded: true}, nil
	}
	results, err := s.idx.Query(ai.Normalize(qvec), topK)
	if err != nil {
		return retrieval{}, fmt.Errorf("query index: %w", err)
	}
	if len(results) == 0 {
		return retrieval{contextBlock: noContextBlock}, nil
	}

	var (
		sb       strings.Builder
		chunkIDs []string
		budget   = s.cfg.MaxPromptChars
	)
	for i, r := range results {
		block := "\n---\n" + r.Chunk.Text
		if sb.Len()+len(block) > budget {
			if i == 0 {
				// even the best chunk overflows; keep a truncated head
				cut := budget
				if cut > len(block) {
					cut = len(block)
				}
				sb.WriteString(block[:cut])
				chunkIDs = append(chunkIDs, r.Chunk.ID)
			}
			break
		}
		sb.WriteString(block)
		chunkIDs = append(chunkIDs, r.Chunk.ID)
	}
	sb.WriteString("\n---")

	return retrieval{
		contextBlock: sb.String(),
		chunkIDs:     chunkIDs,
		confidence:   results[0].Score,
	}, nil
}

func (s *RAGService) resolveTopK(topK int) (int, error) {
	if topK == 0 {
		return s.cfg.TopK, nil
	}
	if topK < 1 || topK > maxTopK {
		return 0, fmt.Errorf("%w: %d outside [1, %d]", ErrInvalidTopK, topK, maxTopK)
	}
	return topK, nil
}

func (s *RAGService) runGeneration(ctx context.Context, prompt string, temperature float64, maxTokens int, onToken func(string) error) (string, error) {
	req := engine.Request{
		Prompt:      prompt,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	var (
		answer string
		err    error
	)
	if onToken != nil {
		answer, err = s.generator.GenerateStream(ctx, req, onToken)
	} else {
		answer, err = s.generator.Generate(ctx, req)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

const noContextBlock = "\n---\nNo supporting documents are available.\n---"

func answerPrompt(contextBlock, question string) string {
	return "You are a medical AI assistant. Answer the question using only the report excerpts below. " +
		"If the excerpts do not contain the answer, say so plainly. Do not make up findings.\n\n" +
		"Report excerpts:" + contextBlock + "\n\nQuestion: " + question + "\n\nAnswer:"
}

func summaryPrompt(contextBlock string) string {
	return "You are a medical AI assistant. Write a clear summary of the medical report excerpts below, " +
		"covering the key findings, diagnoses and recommendations.\n\n" +
		"Report excerpts:" + contextBlock + "\n\nSummary:"
}

// contentHash fingerprints a document by its whitespace-normalized text so
// a re-upload with different spacing still dedupes.
func contentHash(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
