package prompts

import (
	"fmt"
	"strings"
)

// CorrectiveInstruction is the user turn appended after the model emits
// a malformed function call. names lists the tools actually offered; an
// empty list means tools are disabled for this persona.
func CorrectiveInstruction(names []string) string {
	if len(names) == 0 {
		return "Your previous response attempted a function call, but no functions are " +
			"available in this conversation. Reply with plain text only."
	}
	return fmt.Sprintf("Your previous function call was invalid. Only call the available "+
		"functions (%s) with arguments that match their declared parameters, or reply "+
		"with plain text.", strings.Join(names, ", "))
}
