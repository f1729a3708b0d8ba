package search

import (
	"context"

	"github.com/nugget/roundtable/internal/tools"
)

// Tool returns the web_search tool backed by m.
func Tool(m *Manager) *tools.Tool {
	return &tools.Tool{
		Name:        "web_search",
		Description: "Search the web and return titles, URLs and snippets. Follow up with web_fetch to read a result in full.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results (1-10). Default: 5.",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "ISO 639-1 language code for results, e.g. en.",
				},
				"provider": map[string]any{
					"type":        "string",
					"description": "Search provider to use. Omit for the default.",
					"enum":        m.Providers(),
				},
			},
			"required": []string{"query"},
		},
		Handler: tools.HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
			query, err := tools.StringArg(args, "query")
			if err != nil {
				return nil, err
			}
			count, err := tools.IntArg(args, "count", 0)
			if err != nil {
				return nil, err
			}
			lang, _ := args["language"].(string)
			provider, _ := args["provider"].(string)

			results, err := m.Search(ctx, provider, query, Options{Count: count, Language: lang})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"query":   query,
				"results": results,
				"text":    FormatResults(results),
			}, nil
		}),
	}
}
