package prompts

import (
	"fmt"
	"strings"
)

// compactionTemplate is the prompt sent to an LLM to summarize a segment of
// a multi-persona conversation. The single format verb is the transcript.
const compactionTemplate = `Summarize this segment of a group conversation concisely. Several named
personas and one human user take part. Focus on:
1. Key topics discussed and who raised them
2. Positions each persona took, and where they agreed or disagreed
3. Decisions made or preferences the user expressed
4. Tool results and facts that later turns may depend on
5. Open questions still unresolved

Attribute statements to speakers by name. Keep the summary under 400 words.
Write plain prose or bullet points; do not address the user.

Transcript:
%s`

// priorSummarySection gives the summarizer the most recent existing summary
// so the new one continues the thread instead of restating it.
const priorSummarySection = `

Earlier summary (for continuity only, do not repeat it):
%s`

// CompactionPrompt returns the fully interpolated prompt for memory
// compression. transcript is the serialized segment; priorSummary, if
// non-empty, is the latest summary already in the log.
func CompactionPrompt(transcript, priorSummary string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(compactionTemplate, transcript))
	if priorSummary != "" {
		sb.WriteString(fmt.Sprintf(priorSummarySection, priorSummary))
	}
	sb.WriteString("\n\nSummary:")
	return sb.String()
}
