// Package intent resolves which intent a conversation starts with.
package intent

import (
	"strings"

	"github.com/nexia/flowengine/pkg/models"
)

// Classifier maps the first inbound message of a run to an intent key.
type Classifier interface {
	Classify(text string) string
}

// KeywordClassifier is a placeholder classifier matching a few Spanish
// keywords. Real intent resolution belongs to an external NLU service.
type KeywordClassifier struct{}

var (
	pricingKeywords  = []string{"precio", "costo"}
	greetingKeywords = []string{"hola", "buenas"}
)

// Classify returns pricing, greeting or default.
func (KeywordClassifier) Classify(text string) string {
	lower := strings.ToLower(text)

	switch {
	case containsAny(lower, pricingKeywords):
		return models.IntentPricing
	case containsAny(lower, greetingKeywords):
		return models.IntentGreeting
	default:
		return models.IntentDefault
	}
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}

	return false
}
