package fetch

import (
	"context"

	"github.com/nugget/roundtable/internal/tools"
)

// Tool returns the web_fetch tool backed by f.
func Tool(f *Fetcher) *tools.Tool {
	return &tools.Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text, title, description and outbound links. Use to read a page the user or another persona referenced.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch and extract content from.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Maximum characters of text to return. Default: 20000.",
				},
			},
			"required": []string{"url"},
		},
		Handler: tools.HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
			u, err := tools.StringArg(args, "url")
			if err != nil {
				return nil, err
			}
			maxChars, err := tools.IntArg(args, "max_chars", 0)
			if err != nil {
				return nil, err
			}
			res, err := f.Fetch(ctx, u, maxChars)
			if err != nil {
				return nil, err
			}
			out := map[string]any{
				"url":         res.URL,
				"content":     res.Content,
				"length":      res.Length,
				"status_code": res.StatusCode,
			}
			if res.Title != "" {
				out["title"] = res.Title
			}
			if res.Description != "" {
				out["description"] = res.Description
			}
			if len(res.Links) > 0 {
				out["links"] = res.Links
			}
			if res.Truncated {
				out["truncated"] = true
			}
			return out, nil
		}),
	}
}
