package proxy

import (
	"strings"

	"github.com/iTrooz/url-cache/internal/config"
)

// Rule interface for matching requests against caching rules
type Rule interface {
	Match(targetURL, method string) bool
}

// ConfigRule implements Rule interface for config-based rules
type ConfigRule struct {
	config.CacheRule
}

// Match checks if a request matches this rule. targetURL is in the
// scheme-less "host[:port]/path" form the catalog uses.
func (r *ConfigRule) Match(targetURL, method string) bool {
	// Check if URL starts with base URI
	if !strings.HasPrefix(targetURL, strings.TrimPrefix(r.BaseURI, "http://")) {
		return false
	}

	// An empty method list matches every method
	if len(r.Methods) == 0 {
		return true
	}

	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}

	return false
}

func rulesFromConfig(cfg config.RulesConfig) []Rule {
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, &ConfigRule{CacheRule: r})
	}
	return rules
}
