package proxy

import (
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const actionGenerateContent = "generateContent"

type (
	inboundPart struct {
		Text string `json:"text"`
	}
	inboundContent struct {
		Role  string        `json:"role"`
		Parts []inboundPart `json:"parts"`
	}
	inboundConfig struct {
		Temperature     *float64 `json:"temperature"`
		TopP            *float64 `json:"topP"`
		MaxOutputTokens int      `json:"maxOutputTokens"`
	}
	inboundData struct {
		Contents []inboundContent `json:"contents"`
		Config   *inboundConfig   `json:"config"`
	}
	inboundRequest struct {
		Action   string      `json:"action"`
		Model    string      `json:"model"`
		Provider string      `json:"provider"`
		Data     inboundData `json:"data"`
	}

	outboundResponse struct {
		Text       string `json:"text"`
		Provider   string `json:"provider"`
		Model      string `json:"model"`
		IsFailover bool   `json:"isFailover"`
		Warning    string `json:"warning,omitempty"`
	}
)

// generateRequest is a validated inbound request.
type generateRequest struct {
	// Provider is the explicit choice, "" when the caller left it to routing.
	Provider   string
	Completion providers.CompletionRequest
}

func badRequest(format string, args ...any) *providers.Error {
	return providers.NewError(providers.KindBadRequest, "", format, args...)
}

// parseGenerateRequest decodes and validates the body of POST /api/ai/generate.
func parseGenerateRequest(body []byte, requestID string) (*generateRequest, error) {
	if len(body) == 0 {
		return nil, badRequest("request body is empty")
	}

	var in inboundRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, badRequest("invalid JSON: %s", err.Error())
	}

	if in.Action != "" && in.Action != actionGenerateContent {
		return nil, badRequest("unsupported action %q", in.Action)
	}
	if len(in.Data.Contents) == 0 {
		return nil, badRequest("field 'data.contents' is required")
	}

	msgs := make([]providers.Message, 0, len(in.Data.Contents))
	for i, c := range in.Data.Contents {
		role, ok := parseRole(c.Role)
		if !ok {
			return nil, badRequest("contents[%d]: unsupported role %q", i, c.Role)
		}
		text := joinParts(c.Parts)
		if strings.TrimSpace(text) == "" {
			return nil, badRequest("contents[%d]: text is empty", i)
		}
		msgs = append(msgs, providers.Message{Role: role, Content: text})
	}

	out := &generateRequest{
		Provider: strings.TrimSpace(in.Provider),
		Completion: providers.CompletionRequest{
			Model:     strings.TrimSpace(in.Model),
			Messages:  msgs,
			RequestID: requestID,
		},
	}

	if cfg := in.Data.Config; cfg != nil {
		if cfg.MaxOutputTokens < 0 {
			return nil, badRequest("config.maxOutputTokens must not be negative")
		}
		out.Completion.Config = providers.GenerationConfig{
			Temperature:     cfg.Temperature,
			TopP:            cfg.TopP,
			MaxOutputTokens: cfg.MaxOutputTokens,
		}
	}

	return out, nil
}

// parseRole accepts both the Gemini ("model") and the chat ("assistant")
// spelling of the non-user role. An empty role is a user turn.
func parseRole(r string) (providers.Role, bool) {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "", "user":
		return providers.RoleUser, true
	case "model", "assistant":
		return providers.RoleAssistant, true
	}
	return "", false
}

func joinParts(parts []inboundPart) string {
	if len(parts) == 1 {
		return parts[0].Text
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
