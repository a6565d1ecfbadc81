// Package router picks the backend for a question from trigger terms alone.
package router

import (
	"regexp"
	"strings"

	"github.com/askdb/askdb/internal/query"
)

// Rules maps each backend to its trigger terms. Priority orders backends for
// tie-breaks; its first entry is the default backend.
type Rules struct {
	Terms    map[query.Backend][]string
	Priority []query.Backend
}

func DefaultRules() Rules {
	return Rules{
		Terms: map[query.Backend][]string{
			query.Relational: {
				"customer", "customers", "order", "orders", "product", "products",
				"sale", "sales", "revenue", "purchase", "purchases", "buyer",
				"inventory", "price", "quantity", "item", "items", "spent",
				"top-selling", "best selling", "order_items",
			},
			query.Document: {
				"event", "events", "log", "logs", "session", "sessions",
				"click", "clicks", "page view", "page views", "pageview", "pageviews",
				"tracking", "analytics", "user activity", "behavior", "metric", "metrics",
			},
		},
		Priority: []query.Backend{query.Relational, query.Document},
	}
}

// Only keeps the rules for the given backends.
func (r Rules) Only(backends ...query.Backend) Rules {
	keep := make(map[query.Backend]bool, len(backends))
	for _, backend := range backends {
		keep[backend] = true
	}
	out := Rules{Terms: make(map[query.Backend][]string)}
	for _, backend := range r.Priority {
		if keep[backend] {
			out.Priority = append(out.Priority, backend)
			out.Terms[backend] = append([]string(nil), r.Terms[backend]...)
		}
	}
	return out
}

type Decision struct {
	Backend    query.Backend
	Score      int
	Confidence float64
	Matched    []string
	Fallback   bool
	Tie        bool
}

type term struct {
	text  string
	words []string
}

type Router struct {
	order []query.Backend
	terms map[query.Backend][]term
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+(?:-[\p{L}\p{N}_]+)*`)

// New copies rules; later changes to the caller's maps have no effect.
// Backends with terms but no priority entry are appended in a fixed order.
func New(rules Rules) *Router {
	r := &Router{terms: make(map[query.Backend][]term)}
	seen := make(map[query.Backend]bool)
	for _, backend := range rules.Priority {
		if seen[backend] {
			continue
		}
		seen[backend] = true
		r.order = append(r.order, backend)
	}
	for _, backend := range []query.Backend{query.Relational, query.Document} {
		if _, ok := rules.Terms[backend]; ok && !seen[backend] {
			seen[backend] = true
			r.order = append(r.order, backend)
		}
	}
	for _, backend := range r.order {
		dedup := make(map[string]bool)
		for _, raw := range rules.Terms[backend] {
			words := tokenize(raw)
			if len(words) == 0 {
				continue
			}
			key := strings.Join(words, " ")
			if dedup[key] {
				continue
			}
			dedup[key] = true
			r.terms[backend] = append(r.terms[backend], term{text: key, words: words})
		}
	}
	return r
}

// Route never fails. With no configured backend it returns the zero decision
// flagged as fallback.
func (r *Router) Route(question string) Decision {
	if len(r.order) == 0 {
		return Decision{Fallback: true}
	}
	words := tokenize(question)

	scores := make([]int, len(r.order))
	matched := make([][]string, len(r.order))
	total := 0
	for i, backend := range r.order {
		for _, t := range r.terms[backend] {
			hits := countPhrase(words, t.words)
			if hits == 0 {
				continue
			}
			scores[i] += hits
			matched[i] = append(matched[i], t.text)
		}
		total += scores[i]
	}

	if total == 0 {
		return Decision{
			Backend:    r.order[0],
			Confidence: 1 / float64(len(r.order)+1),
			Fallback:   true,
		}
	}

	best := 0
	tie := false
	for i := 1; i < len(scores); i++ {
		switch {
		case scores[i] > scores[best]:
			best = i
			tie = false
		case scores[i] == scores[best]:
			tie = true
		}
	}
	return Decision{
		Backend:    r.order[best],
		Score:      scores[best],
		Confidence: float64(scores[best]) / float64(total),
		Matched:    matched[best],
		Tie:        tie,
	}
}

func (r *Router) Backends() []query.Backend {
	return append([]query.Backend(nil), r.order...)
}

func tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

func countPhrase(words, phrase []string) int {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return 0
	}
	count := 0
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j, w := range phrase {
			if words[i+j] != w {
				match = false
				break
			}
		}
		if match {
			count++
		}
	}
	return count
}
