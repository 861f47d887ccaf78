// Package gemini implements the managed provider on top of the official
// Google GenAI SDK.
//
// The provider only serves models from a static allow-list. A model it does
// not know (typically an OpenRouter "vendor/model" id that reached it through
// an explicit provider override) is replaced by the default model instead of
// failing the request.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = providers.Google

	// DefaultModel is used when the caller asks for nothing or for a model
	// outside the allow-list.
	DefaultModel = "gemini-1.5-flash"

	retryInfoType = "type.googleapis.com/google.rpc.RetryInfo"
)

// DefaultModels is the built-in allow-list of managed models.
var DefaultModels = []string{
	"gemini-1.5-flash",
	"gemini-1.5-flash-8b",
	"gemini-1.5-pro",
	"gemini-2.0-flash",
	"gemini-2.0-flash-lite",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-2.5-pro",
}

// Provider implements providers.Provider for Google Gemini.
type Provider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	models       map[string]struct{}
	timeout      time.Duration

	client     *genai.Client
	httpClient *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing). A trailing
// version segment such as "/v1beta" is split off as the API version.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithModels replaces the allow-list.
func WithModels(models []string) Option {
	return func(p *Provider) {
		p.models = make(map[string]struct{}, len(models))
		for _, m := range models {
			if m = strings.TrimSpace(m); m != "" {
				p.models[m] = struct{}{}
			}
		}
	}
}

// WithDefaultModel overrides DefaultModel.
func WithDefaultModel(m string) Option {
	return func(p *Provider) { p.defaultModel = m }
}

// WithTimeout sets the HTTP client timeout. Default: providers.ProviderTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// New creates a Gemini provider. An empty apiKey yields a provider that
// answers every request with a MissingCredential error.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		defaultModel: DefaultModel,
		timeout:      providers.ProviderTimeout,
	}
	WithModels(DefaultModels)(p)
	for _, o := range opts {
		o(p)
	}
	// The default must always be servable.
	p.models[p.defaultModel] = struct{}{}

	if p.apiKey == "" {
		return p, nil
	}

	p.httpClient = &http.Client{Timeout: p.timeout}
	base, ver := splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	p.client = client

	return p, nil
}

func (p *Provider) Name() string         { return providerName }
func (p *Provider) DefaultModel() string { return p.defaultModel }
func (p *Provider) Configured() bool     { return p.client != nil }

// ResolveModel maps the requested model onto the allow-list. substituted is
// true when a non-empty request was replaced by the default.
func (p *Provider) ResolveModel(model string) (resolved string, substituted bool) {
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	if model == "" {
		return p.defaultModel, false
	}
	if _, ok := p.models[model]; ok {
		return model, false
	}
	return p.defaultModel, true
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.client == nil {
		return providers.NewError(providers.KindMissingCredential, providerName, "GOOGLE_API_KEY is not set")
	}
	if _, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	if p.client == nil {
		return nil, providers.NewError(providers.KindMissingCredential, providerName, "GOOGLE_API_KEY is not set")
	}
	if len(req.Messages) == 0 {
		return nil, providers.NewError(providers.KindBadRequest, providerName, "conversation is empty")
	}

	model, substituted := p.ResolveModel(req.Model)
	contents, cfg := buildContentsAndConfig(req)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, providers.FromContext(ctx, providerName, err)
		}
		return nil, toProviderError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &providers.Error{
			Kind:     providers.KindMalformedResponse,
			Provider: providerName,
			Message:  blockedMessage(resp),
		}
	}

	text := resp.Text()
	if text == "" {
		return nil, &providers.Error{
			Kind:     providers.KindMalformedResponse,
			Provider: providerName,
			Message:  fmt.Sprintf("empty candidate (finish_reason=%s)", resp.Candidates[0].FinishReason),
		}
	}

	out := &providers.Completion{
		Text:        text,
		Model:       model,
		Substituted: substituted,
	}
	if resp.UsageMetadata != nil {
		out.Usage = providers.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

func buildContentsAndConfig(req *providers.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == providers.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	c := req.Config
	if c.Temperature == nil && c.TopP == nil && c.MaxOutputTokens <= 0 {
		return contents, nil
	}

	cfg := &genai.GenerateContentConfig{}
	if c.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*c.Temperature))
	}
	if c.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*c.TopP))
	}
	if c.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(c.MaxOutputTokens)
	}
	return contents, cfg
}

func blockedMessage(resp *genai.GenerateContentResponse) string {
	if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return fmt.Sprintf("prompt blocked (%s)", resp.PromptFeedback.BlockReason)
	}
	return "response has no candidates"
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

// looksLikeAPIVersion matches "v1", "v1beta", "v2alpha" and the like.
func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// toProviderError maps SDK errors onto the shared taxonomy. Gemini reports
// quota exhaustion either as HTTP 429 or as status RESOURCE_EXHAUSTED.
func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		pe := providers.FromHTTPStatus(providerName, apiErr.Code, apiErr.Message)
		switch apiErr.Status {
		case "RESOURCE_EXHAUSTED":
			pe.Kind = providers.KindRateLimited
		case "DEADLINE_EXCEEDED":
			pe.Kind = providers.KindTimeout
		case "UNAUTHENTICATED", "PERMISSION_DENIED":
			pe.Kind = providers.KindUpstream
		}
		if pe.Kind == providers.KindRateLimited {
			pe.RetryAfter = retryDelay(apiErr.Details)
		}
		pe.Err = err
		return pe
	}
	return providers.Classify(providerName, err)
}

// retryDelay extracts google.rpc.RetryInfo.retryDelay ("17s") from the
// error details.
func retryDelay(details []map[string]any) time.Duration {
	for _, d := range details {
		if t, _ := d["@type"].(string); t != retryInfoType {
			continue
		}
		raw, _ := d["retryDelay"].(string)
		if dur, err := time.ParseDuration(raw); err == nil && dur > 0 {
			return dur
		}
	}
	return 0
}
