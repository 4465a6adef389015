package services

import "strings"

// SubscriptionMatcher decides which world-event types a bot connection
// wants delivered. Patterns are exact types, "*" for everything, or a
// "prefix.*" wildcard matching every type under that prefix.
type SubscriptionMatcher struct {
	patterns []string
}

// NewSubscriptionMatcher normalizes a subscription list. An empty list
// means subscribe-to-all.
func NewSubscriptionMatcher(subscribed []string) *SubscriptionMatcher {
	patterns := make([]string, 0, len(subscribed))
	for _, s := range subscribed {
		s = strings.TrimSpace(s)
		if s != "" {
			patterns = append(patterns, s)
		}
	}
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return &SubscriptionMatcher{patterns: patterns}
}

// Subscribed returns the normalized pattern list.
func (m *SubscriptionMatcher) Subscribed() []string {
	return m.patterns
}

// Matches reports whether eventType is covered by the subscription.
func (m *SubscriptionMatcher) Matches(eventType string) bool {
	for _, p := range m.patterns {
		if p == "*" || p == eventType {
			return true
		}
		if strings.HasSuffix(p, ".*") && strings.HasPrefix(eventType, p[:len(p)-2]+".") {
			return true
		}
	}
	return false
}
