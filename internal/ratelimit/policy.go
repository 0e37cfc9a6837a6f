package ratelimit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AlexKimmel/tokengate/internal/bucket"
)

// Rule applies a bucket config to every resource under Prefix.
type Rule struct {
	Prefix string
	Config bucket.Config
}

// Override applies a config to one client, optionally only under Prefix.
type Override struct {
	ClientID string
	Prefix   string
	Config   bucket.Config
}

// Policies resolves the bucket config for a (client, resource) pair.
// Most specific wins: client+prefix, client, longest resource prefix, default.
type Policies struct {
	def     bucket.Config
	rules   []Rule
	clients map[string][]Rule
}

func NewPolicies(def bucket.Config, rules []Rule, overrides []Override) (*Policies, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: default: %v", ErrInvalidPolicy, err)
	}
	p := &Policies{def: def, clients: map[string][]Rule{}}

	for _, r := range rules {
		if err := r.Config.Validate(); err != nil {
			return nil, fmt.Errorf("%w: resource %q: %v", ErrInvalidPolicy, r.Prefix, err)
		}
		p.rules = append(p.rules, Rule{Prefix: normalizePrefix(r.Prefix), Config: r.Config})
	}
	sortByPrefixLen(p.rules)

	for _, o := range overrides {
		if o.ClientID == "" {
			return nil, fmt.Errorf("%w: override without client id", ErrInvalidPolicy)
		}
		if err := o.Config.Validate(); err != nil {
			return nil, fmt.Errorf("%w: client %q: %v", ErrInvalidPolicy, o.ClientID, err)
		}
		p.clients[o.ClientID] = append(p.clients[o.ClientID], Rule{Prefix: normalizePrefix(o.Prefix), Config: o.Config})
	}
	for id := range p.clients {
		sortByPrefixLen(p.clients[id])
	}
	return p, nil
}

// Single is a table holding only a default config.
func Single(c bucket.Config) (*Policies, error) {
	return NewPolicies(c, nil, nil)
}

func (p *Policies) For(clientID, resource string) bucket.Config {
	if rules, ok := p.clients[clientID]; ok {
		if c, ok := longestMatch(rules, resource); ok {
			return c
		}
	}
	if c, ok := longestMatch(p.rules, resource); ok {
		return c
	}
	return p.def
}

func longestMatch(rules []Rule, resource string) (bucket.Config, bool) {
	for _, r := range rules {
		if matchPrefix(r.Prefix, resource) {
			return r.Config, true
		}
	}
	return bucket.Config{}, false
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "/"
	}
	return prefix
}

func matchPrefix(prefix, resource string) bool {
	if prefix == "/" {
		return true
	}
	return resource == prefix || strings.HasPrefix(resource, prefix+"/")
}

func sortByPrefixLen(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Prefix) > len(rules[j].Prefix)
	})
}
