package tools

import (
	"context"
	"time"
)

// CurrentTime returns the current_time tool. defaultZone is used when
// the call names no timezone.
func CurrentTime(defaultZone *time.Location, now func() time.Time) *Tool {
	if defaultZone == nil {
		defaultZone = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Tool{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a specific IANA timezone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name, e.g. Europe/Paris. Defaults to the server timezone.",
				},
			},
		},
		Handler: HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
			loc := defaultZone
			if tz, ok := args["timezone"].(string); ok && tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return nil, &ArgError{Arg: "timezone", Reason: "unknown timezone " + tz}
				}
				loc = l
			}
			t := now().In(loc)
			return map[string]any{
				"time":     t.Format(time.RFC3339),
				"weekday":  t.Weekday().String(),
				"timezone": loc.String(),
			}, nil
		}),
	}
}
