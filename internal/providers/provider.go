// Package providers defines the common interface and types shared by the
// upstream LLM clients (Google Gemini and OpenRouter).
//
// Each provider lives in its own sub-package and implements Provider. All
// errors returned from Complete are *Error values so the retry and failover
// layers can classify them without knowing the wire protocol.
package providers

import (
	"context"
	"strings"
	"time"
)

// Provider names as they appear on the wire ("provider" field of requests
// and responses).
const (
	Google     = "google"
	OpenRouter = "openrouter"
)

const (
	// ProviderTimeout bounds a single upstream call.
	ProviderTimeout = 30 * time.Second

	// RequestTimeout bounds the whole exchange including retries and the
	// failover hop.
	RequestTimeout = 120 * time.Second
)

// Role is the author of one conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type (
	// Message is a single turn in a conversation.
	Message struct {
		Role    Role
		Content string
	}

	// GenerationConfig carries the optional sampling parameters. Nil pointers
	// and zero values mean "use the upstream default".
	GenerationConfig struct {
		Temperature     *float64
		TopP            *float64
		MaxOutputTokens int
	}

	// CompletionRequest is the normalized request handed to a provider.
	CompletionRequest struct {
		Model     string
		Messages  []Message
		Config    GenerationConfig
		RequestID string
	}

	// Usage holds token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Completion is the normalized provider response.
	Completion struct {
		Text string

		// Model is the model that actually produced Text. It differs from the
		// requested one when the provider substituted its default.
		Model       string
		Substituted bool

		Usage Usage
	}
)

// Provider is an upstream LLM client.
type Provider interface {
	Name() string
	DefaultModel() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
	HealthCheck(ctx context.Context) error
}

// Configurer is implemented by providers that can exist without credentials.
// The failover router does not hop to a provider reporting false.
type Configurer interface {
	Configured() bool
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// IsAggregatorNamespacedModel reports whether model uses the aggregator's
// "vendor/model" naming. Such models are routed to OpenRouter when the
// caller did not name a provider.
func IsAggregatorNamespacedModel(model string) bool {
	return strings.Contains(model, "/")
}

// IsConfigured reports whether p can serve requests. Providers that do not
// implement Configurer are assumed ready.
func IsConfigured(p Provider) bool {
	if p == nil {
		return false
	}
	if c, ok := p.(Configurer); ok {
		return c.Configured()
	}
	return true
}

// Known reports whether name is one of the supported provider names.
func Known(name string) bool {
	return name == Google || name == OpenRouter
}
