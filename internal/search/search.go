// Package search offers personas a web_search tool backed by one or more
// search providers. The [Manager] holds the configured providers and
// routes each query to the primary unless the caller names another.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// DefaultCount is the number of results returned when the caller does
// not ask for a specific count.
const DefaultCount = 5

// MaxCount caps the results a single query may return.
const MaxCount = 10

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results. Zero means DefaultCount.
	Count int
	// Language is an ISO 639-1 code such as "en" or "de".
	Language string
}

func (o Options) count() int {
	switch {
	case o.Count <= 0:
		return DefaultCount
	case o.Count > MaxCount:
		return MaxCount
	default:
		return o.Count
	}
}

// Provider is a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
	logger    *slog.Logger
}

// NewManager creates a search manager. primary names the provider used
// when a query does not select one; when empty, the first registered
// provider becomes primary.
func NewManager(primary string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		logger:    logger.With("component", "search"),
	}
}

// Register adds a provider, replacing any provider of the same name.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
	if m.primary == "" {
		m.primary = p.Name()
	}
}

// Search runs a query against the named provider, or the primary when
// provider is empty.
func (m *Manager) Search(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	if provider == "" {
		provider = m.primary
	}
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}
	results, err := p.Search(ctx, query, opts)
	if err != nil {
		m.logger.Warn("search failed", "provider", provider, "error", err)
		return nil, err
	}
	if n := opts.count(); len(results) > n {
		results = results[:n]
	}
	m.logger.Debug("search complete", "provider", provider, "results", len(results))
	return results, nil
}

// Providers returns the registered provider names in sorted order.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// FormatResults renders results as a numbered plain-text list.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(". ")
		sb.WriteString(r.Title)
		sb.WriteString("\n   ")
		sb.WriteString(r.URL)
		if r.Snippet != "" {
			sb.WriteString("\n   ")
			sb.WriteString(r.Snippet)
		}
	}
	return sb.String()
}
