package prompts

import "fmt"

// ExpiredAttachmentPlaceholder replaces an attachment whose handle can no
// longer be sent to the model.
func ExpiredAttachmentPlaceholder(name, mime string) string {
	if name == "" {
		name = "unnamed"
	}
	return fmt.Sprintf("[Attachment %q (%s) is no longer available. It expired and must be re-uploaded to be viewed again.]", name, mime)
}
