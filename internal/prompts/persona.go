package prompts

import (
	"fmt"
	"regexp"
	"strings"
)

// speakerTagRE matches a leading run of speaker tags such as "[[Alice]] ".
var speakerTagRE = regexp.MustCompile(`^(\s*\[\[[^\]\n]{1,64}\]\]:?\s*)+`)

// SpeakerTag returns the marker prefixed to another persona's words when
// they are replayed to the responding persona.
func SpeakerTag(name string) string {
	return "[[" + name + "]]"
}

// StripSpeakerTags removes speaker tags the model echoed at the start of
// its reply.
func StripSpeakerTags(text string) string {
	return speakerTagRE.ReplaceAllString(text, "")
}

// systemTemplate wraps a persona's own prompt with the ground rules of a
// shared conversation. Verbs: persona name, persona prompt, roster.
const systemTemplate = `You are %[1]s, one of several personas taking part in a group conversation
with a human user.

%[2]s

Ground rules:
- Messages from other personas appear as user turns prefixed with their name in
  double brackets, for example [[Name]]. Treat them as other participants, not as
  the user and not as yourself.
- Never prefix your own reply with [[%[1]s]] or any other speaker tag.
- To hand a question to another persona, mention them with @Name. Only mention
  someone when you actually want them to respond.
%[3]s`

// Participant is another persona listed in the system instruction.
type Participant struct {
	Name        string
	Description string
}

// SystemInstruction returns the system instruction for persona name.
// roster lists the personas present; the responder itself is skipped.
func SystemInstruction(name, personaPrompt string, roster []Participant) string {
	var sb strings.Builder
	for _, p := range roster {
		if p.Name == name {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString("\nOther personas present:\n")
		}
		if p.Description != "" {
			fmt.Fprintf(&sb, "- @%s: %s\n", p.Name, p.Description)
		} else {
			fmt.Fprintf(&sb, "- @%s\n", p.Name)
		}
	}
	return strings.TrimSpace(fmt.Sprintf(systemTemplate, name, strings.TrimSpace(personaPrompt), sb.String()))
}
