// Package prompts contains all LLM prompt templates used internally by Roundtable.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. Persona prompts written by users live in
// config.yaml; this package holds the instructions we wrap around them and
// the text we send for internal operations (compaction summaries, corrective
// turns, attachment placeholders).
//
// Convention: each prompt category gets its own file (persona.go,
// compaction.go, corrective.go) with an exported function that accepts the
// dynamic parts and returns the fully interpolated prompt string.
package prompts
