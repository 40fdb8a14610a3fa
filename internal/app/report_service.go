package app

import (
	"context"
	"strings"

	"medreport-ai/internal/engine"
)

// ReportService runs single-shot summarization and analysis over report text
// supplied directly in the request, without touching the retrieval index.
type ReportService struct {
	generator Generator
}

func NewReportService(generator Generator) *ReportService {
	return &ReportService{generator: generator}
}

// ReportInput carries the raw report text and optional sampling overrides.
// A non-empty Question turns Analyze into a direct question-answering call
// over the supplied text.
type ReportInput struct {
	Text        string
	Question    string
	Temperature float64
	MaxTokens   int
}

type ReportResult struct {
	Output     string  `json:"output"`
	Confidence float64 `json:"confidence"`
}

// Summarize produces a plain-language summary of the report text.
func (s *ReportService) Summarize(ctx context.Context, input ReportInput) (*ReportResult, error) {
	return s.run(ctx, input, summarizeReportPrompt, nil)
}

// SummarizeStream is Summarize with token streaming.
func (s *ReportService) SummarizeStream(ctx context.Context, input ReportInput, onToken func(string) error) (*ReportResult, error) {
	return s.run(ctx, input, summarizeReportPrompt, onToken)
}

// Analyze extracts findings, abnormal values and recommendations. With a
// question set it instead answers that question from the supplied text.
func (s *ReportService) Analyze(ctx context.Context, input ReportInput) (*ReportResult, error) {
	return s.run(ctx, input, analyzeOrQuestionPrompt(input), nil)
}

// AnalyzeStream is Analyze with token streaming.
func (s *ReportService) AnalyzeStream(ctx context.Context, input ReportInput, onToken func(string) error) (*ReportResult, error) {
	return s.run(ctx, input, analyzeOrQuestionPrompt(input), onToken)
}

func analyzeOrQuestionPrompt(input ReportInput) func(string) string {
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return analyzeReportPrompt
	}
	return func(text string) string {
		return questionReportPrompt(text, question)
	}
}

func (s *ReportService) run(ctx context.Context, input ReportInput, buildPrompt func(string) string, onToken func(string) error) (*ReportResult, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return nil, ErrInvalidInput
	}

	req := engine.Request{
		Prompt:      buildPrompt(text),
		Temperature: input.Temperature,
		MaxTokens:   input.MaxTokens,
	}

	var (
		out string
		err error
	)
	if onToken != nil {
		out, err = s.generator.GenerateStream(ctx, req, onToken)
	} else {
		out, err = s.generator.Generate(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	// direct generation carries no retrieval evidence
	return &ReportResult{Output: strings.TrimSpace(out), Confidence: 0}, nil
}

func summarizeReportPrompt(text string) string {
	return "You are a medical AI assistant. Summarize the following medical report in clear, " +
		"plain language a patient can understand. Keep all clinically relevant details.\n\n" +
		"Report:\n" + text + "\n\nSummary:"
}

func questionReportPrompt(text, question string) string {
	return "You are a medical AI assistant. Answer the question using only the medical report below. " +
		"If the report does not contain the answer, say so plainly.\n\n" +
		"Report:\n" + text + "\n\nQuestion: " + question + "\n\nAnswer:"
}

func analyzeReportPrompt(text string) string {
	return "You are a medical AI assistant. Analyze the following medical report. List the key findings, " +
		"flag any abnormal values with their reference ranges, and state recommended follow-up actions.\n\n" +
		"Report:\n" + text + "\n\nAnalysis:"
}
