// Package openrouter implements the aggregator provider. OpenRouter speaks
// the OpenAI chat completions protocol, so the official openai-go client is
// pointed at its base URL.
package openrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	providerName   = providers.OpenRouter

	// DefaultModel lets OpenRouter pick a model; it is the failover target
	// unless configured otherwise.
	DefaultModel = "openrouter/auto"
)

// Provider implements providers.Provider for OpenRouter.
type Provider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	referer      string
	title        string
	timeout      time.Duration

	client openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithDefaultModel overrides DefaultModel.
func WithDefaultModel(m string) Option {
	return func(p *Provider) { p.defaultModel = m }
}

// WithAppInfo sets the HTTP-Referer and X-Title attribution headers.
func WithAppInfo(referer, title string) Option {
	return func(p *Provider) {
		p.referer = referer
		p.title = title
	}
}

// WithTimeout sets the HTTP client timeout. Default: providers.ProviderTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// New creates an OpenRouter provider. An empty apiKey yields a provider that
// answers every request with a MissingCredential error.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		defaultModel: DefaultModel,
		timeout:      providers.ProviderTimeout,
	}
	for _, o := range opts {
		o(p)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: p.timeout}),
		// Retries belong to the gateway's retry executor.
		option.WithMaxRetries(0),
	}
	if p.referer != "" {
		reqOpts = append(reqOpts, option.WithHeader("HTTP-Referer", p.referer))
	}
	if p.title != "" {
		reqOpts = append(reqOpts, option.WithHeader("X-Title", p.title))
	}

	p.client = openaiSDK.NewClient(reqOpts...)
	return p
}

func (p *Provider) Name() string         { return providerName }
func (p *Provider) DefaultModel() string { return p.defaultModel }
func (p *Provider) Configured() bool     { return p.apiKey != "" }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.apiKey == "" {
		return providers.NewError(providers.KindMissingCredential, providerName, "OPENROUTER_API_KEY is not set")
	}
	if _, err := p.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openrouter: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	if p.apiKey == "" {
		return nil, providers.NewError(providers.KindMissingCredential, providerName, "OPENROUTER_API_KEY is not set")
	}
	if len(req.Messages) == 0 {
		return nil, providers.NewError(providers.KindBadRequest, providerName, "conversation is empty")
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}

	resp, err := p.client.Chat.Completions.New(ctx, buildParams(model, req))
	if err != nil {
		if ctx.Err() != nil {
			return nil, providers.FromContext(ctx, providerName, err)
		}
		return nil, toProviderError(err)
	}

	// OpenRouter may answer 200 with an error object when the routed
	// upstream fails mid-flight.
	if pe := embeddedError(resp.RawJSON()); pe != nil {
		return nil, pe
	}

	if len(resp.Choices) == 0 {
		return nil, providers.NewError(providers.KindMalformedResponse, providerName, "response has no choices")
	}
	text := resp.Choices[0].Message.Content
	if text == "" {
		return nil, providers.NewError(providers.KindMalformedResponse, providerName,
			"empty message (finish_reason=%s)", resp.Choices[0].FinishReason)
	}

	served := resp.Model
	if served == "" {
		served = model
	}

	return &providers.Completion{
		Text:  text,
		Model: served,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func buildParams(model string, req *providers.CompletionRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == providers.RoleAssistant {
			msgs = append(msgs, openaiSDK.AssistantMessage(m.Content))
			continue
		}
		msgs = append(msgs, openaiSDK.UserMessage(m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}

	c := req.Config
	if c.Temperature != nil {
		params.Temperature = openaiSDK.Float(*c.Temperature)
	}
	if c.TopP != nil {
		params.TopP = openaiSDK.Float(*c.TopP)
	}
	if c.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(c.MaxOutputTokens))
	}
	return params
}

// embeddedError inspects a 2xx body for {"error":{...}} at the top level or
// inside the first choice.
func embeddedError(raw string) *providers.Error {
	if raw == "" {
		return nil
	}
	for _, path := range []string{"error", "choices.0.error"} {
		e := gjson.Get(raw, path)
		if !e.Exists() || !e.IsObject() {
			continue
		}
		code := int(e.Get("code").Int())
		msg := e.Get("message").String()
		if code == 0 {
			return providers.NewError(providers.KindUpstream, providerName, "%s", msg)
		}
		pe := providers.FromHTTPStatus(providerName, code, msg)
		if pe.Kind == providers.KindRateLimited {
			if secs := e.Get("metadata.retry_after").Int(); secs > 0 {
				pe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return pe
	}
	return nil
}

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		pe := providers.FromHTTPStatus(providerName, apierr.StatusCode, apierr.Message)
		if pe.Message == "" {
			pe.Message = http.StatusText(apierr.StatusCode)
		}
		if apierr.Response != nil {
			pe.RetryAfter = providers.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"), time.Now())
		}
		pe.Err = err
		return pe
	}
	return providers.Classify(providerName, err)
}
