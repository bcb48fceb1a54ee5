// Package intent tags customer messages with a coarse purchase-funnel intent.
package intent

import "strings"

// Result is a classifier verdict.
type Result struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Classifier maps message text to an intent. ok is false when nothing matched.
type Classifier interface {
	Classify(text string) (res Result, ok bool)
}

// Rule matches when the lowercased text contains any keyword.
type Rule struct {
	Intent     string
	Confidence float64
	Keywords   []string
}

// KeywordClassifier evaluates rules in order and returns the first match.
type KeywordClassifier struct {
	rules []Rule
}

// NewKeywordClassifier builds a classifier; nil rules selects DefaultRules.
func NewKeywordClassifier(rules []Rule) *KeywordClassifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &KeywordClassifier{rules: rules}
}

// DefaultRules covers the Thai and English phrasing seen in storefront chats.
func DefaultRules() []Rule {
	return []Rule{
		{Intent: "price_inquiry", Confidence: 0.85, Keywords: []string{"ราคา", "เท่าไหร่", "price", "how much"}},
		{Intent: "stock_inquiry", Confidence: 0.90, Keywords: []string{"มีของ", "stock", "เหลือ", "available"}},
		{Intent: "delivery_inquiry", Confidence: 0.88, Keywords: []string{"จัดส่ง", "ส่ง", "delivery", "shipping"}},
		{Intent: "purchase_intent", Confidence: 0.92, Keywords: []string{"สั่งซื้อ", "ซื้อ", "order", "buy"}},
	}
}

func (c *KeywordClassifier) Classify(text string) (Result, bool) {
	lower := strings.ToLower(text)
	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return Result{Intent: rule.Intent, Confidence: rule.Confidence}, true
			}
		}
	}
	return Result{}, false
}
