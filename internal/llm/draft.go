package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Draft is the structured proposal text produced for operator review.
type Draft struct {
	Title          string `json:"title"`
	Reason         string `json:"reason"`
	Recommendation string `json:"recommendation"`
	ManagingUnit   string `json:"managing_unit"`
}

const draftSystemPrompt = `You consolidate representatives' suggestions into one formal proposal.
Reply with a single JSON object with the keys "title", "reason", "recommendation" and "managing_unit".
"title" is one line. "reason" merges the problem statements and analysis of every suggestion.
"recommendation" merges the concrete recommendations without repeating them.
"managing_unit" names the government unit best placed to handle the proposal.
Do not add commentary outside the JSON object.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Draft asks the model for a merged proposal built from sourceTexts.
func (c *Client) Draft(ctx context.Context, sourceTexts []string) (Draft, error) {
	if len(sourceTexts) == 0 {
		return Draft{}, fmt.Errorf("draft: no source texts")
	}
	var user strings.Builder
	for i, text := range sourceTexts {
		fmt.Fprintf(&user, "Suggestion %d:\n%s\n\n", i+1, strings.TrimSpace(text))
	}

	var resp chatResponse
	err := c.post(ctx, c.draftModel, "/chat/completions", chatRequest{
		Model: c.draftModel,
		Messages: []chatMessage{
			{Role: "system", Content: draftSystemPrompt},
			{Role: "user", Content: user.String()},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]any{"type": "json_object"},
	}, &resp)
	if err != nil {
		return Draft{}, err
	}
	if len(resp.Choices) == 0 {
		return Draft{}, &ProviderError{Provider: providerName, Model: c.draftModel, Err: fmt.Errorf("%w: no choices in response", ErrMalformed)}
	}

	draft, err := parseDraft(resp.Choices[0].Message.Content)
	if err != nil {
		return Draft{}, &ProviderError{Provider: providerName, Model: c.draftModel, Err: err}
	}
	return draft, nil
}

func parseDraft(content string) (Draft, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var draft Draft
	if err := json.Unmarshal([]byte(content), &draft); err != nil {
		return Draft{}, fmt.Errorf("%w: decode draft: %v", ErrMalformed, err)
	}
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Reason = strings.TrimSpace(draft.Reason)
	draft.Recommendation = strings.TrimSpace(draft.Recommendation)
	draft.ManagingUnit = strings.TrimSpace(draft.ManagingUnit)
	if draft.Title == "" {
		return Draft{}, fmt.Errorf("%w: draft has no title", ErrMalformed)
	}
	return draft, nil
}
