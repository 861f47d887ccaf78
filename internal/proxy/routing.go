package proxy

import (
	"strings"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// providerAuto lets the model name decide.
const providerAuto = "auto"

// resolveProvider picks the primary provider. An explicit choice wins;
// otherwise aggregator-namespaced models ("vendor/model") go to OpenRouter
// and everything else to Gemini.
func resolveProvider(explicit, model string) (string, error) {
	switch p := strings.ToLower(strings.TrimSpace(explicit)); p {
	case "", providerAuto:
		if providers.IsAggregatorNamespacedModel(model) {
			return providers.OpenRouter, nil
		}
		return providers.Google, nil
	default:
		if !providers.Known(p) {
			return "", providers.NewError(providers.KindBadRequest, "", "unknown provider %q", explicit)
		}
		return p, nil
	}
}

// failoverTarget returns the provider tried after primary is rate-limited.
func failoverTarget(primary string) string {
	if primary == providers.Google {
		return providers.OpenRouter
	}
	return providers.Google
}
