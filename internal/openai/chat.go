package openai

import (
	"context"
	"log/slog"
	"strings"

	"github.com/audiolibrelab/voicemd/internal/voiceerr"
)

// DefaultStructuringPrompt is the system instruction used when no override is configured
const DefaultStructuringPrompt = `You format raw voice transcriptions into clean, well-structured markdown.

Rules:
- Organize the content with headings (##, ###) where topics change.
- Use bullet or numbered lists for enumerations, steps and action items.
- Fix punctuation and obvious transcription errors, but keep every idea and detail from the original.
- Do not summarize, shorten or add information that is not in the transcript.
- Preserve speaker labels such as **Speaker A:** exactly as written.
- Answer with the formatted markdown only, without any preamble.`

const (
	structuringTemperature = 0.3
	structuringMaxTokens   = 4096
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// StructureText restructures a raw transcript into markdown. An empty answer
// returns raw unchanged. Failures are returned as *voiceerr.Error classified in
// post-processing context.
func (c *Client) StructureText(ctx context.Context, raw, model, promptOverride string) (string, error) {
	prompt := DefaultStructuringPrompt
	if strings.TrimSpace(promptOverride) != "" {
		prompt = promptOverride
	}

	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: raw},
		},
		Temperature: structuringTemperature,
		MaxTokens:   structuringMaxTokens,
	}

	var resp chatResponse
	if err := c.postJSON(ctx, "/chat/completions", req, &resp); err != nil {
		slog.Debug("Structuring failed", "model", model, "error", err)
		return "", voiceerr.Classify(err, true)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == nil {
		return raw, nil
	}
	content := *resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return raw, nil
	}
	return content, nil
}
