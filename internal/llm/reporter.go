package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

// ReportRequest is the reporter's input.
type ReportRequest struct {
	Title        string
	Rationale    string
	Locale       string
	Observations []string
}

const reportReminder = "IMPORTANT: Structure your report according to the format in the prompt: Key Points, Overview, Detailed Analysis, optional Survey Note and Key Citations. Place all citations in Key Citations as `- [Source Title](URL)`. Prefer markdown tables for comparisons."

// ReportWriter turns observations into the final report.
type ReportWriter struct {
	client *Client
	logger *zap.Logger
}

func NewReportWriter(client *Client, logger *zap.Logger) *ReportWriter {
	return &ReportWriter{client: client, logger: logger}
}

func (r *ReportWriter) WriteReport(ctx context.Context, req ReportRequest) (string, error) {
	messages := []llms.MessageContent{
		system(reporterSystemPrompt(req.Locale)),
		human(fmt.Sprintf("# Research Requirements\n\n## Task\n\n%s\n\n## Description\n\n%s", req.Title, req.Rationale)),
		human(reportReminder),
	}
	for _, obs := range req.Observations {
		messages = append(messages, human("Below are some observations for the research task:\n\n"+obs))
	}
	choice, err := r.client.Generate(ctx, "reporter", messages)
	if err != nil {
		return "", err
	}
	if choice.Content == "" {
		return "", fmt.Errorf("reporter model call: %w", ErrEmptyResponse)
	}
	r.logger.Info("Report written", zap.Int("observations", len(req.Observations)), zap.Int("chars", len(choice.Content)))
	return choice.Content, nil
}
