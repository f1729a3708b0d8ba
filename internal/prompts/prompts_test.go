package prompts

import (
	"strings"
	"testing"
)

func TestCompactionPrompt(t *testing.T) {
	result := CompactionPrompt("[user] hello\n[Alice] hi", "")
	if !strings.Contains(result, "[Alice] hi") {
		t.Error("prompt should contain transcript")
	}
	if strings.Contains(result, "Earlier summary") {
		t.Error("prompt should omit prior summary section when empty")
	}

	result = CompactionPrompt("t", "they discussed tides")
	if !strings.Contains(result, "they discussed tides") {
		t.Error("prompt should contain prior summary")
	}
}

func TestCorrectiveInstruction(t *testing.T) {
	if got := CorrectiveInstruction([]string{"current_time", "web_fetch"}); !strings.Contains(got, "current_time, web_fetch") {
		t.Errorf("instruction should list tools, got %q", got)
	}
	if got := CorrectiveInstruction(nil); !strings.Contains(got, "plain text only") {
		t.Errorf("instruction without tools should ask for plain text, got %q", got)
	}
}

func TestStripSpeakerTags(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"[[Alice]] hello", "hello"},
		{"[[Alice]]: hello", "hello"},
		{"  [[Alice]] [[Bob]] hi", "hi"},
		{"no tag here", "no tag here"},
		{"mid [[Alice]] tag stays", "mid [[Alice]] tag stays"},
	}
	for _, tt := range tests {
		if got := StripSpeakerTags(tt.in); got != tt.want {
			t.Errorf("StripSpeakerTags(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSystemInstruction(t *testing.T) {
	roster := []Participant{
		{Name: "Alice", Description: "optimist"},
		{Name: "Belinda", Description: "skeptic"},
		{Name: "Charlie"},
	}
	got := SystemInstruction("Alice", "You love sunshine.", roster)

	for _, want := range []string{"You are Alice", "You love sunshine.", "@Belinda: skeptic", "- @Charlie"} {
		if !strings.Contains(got, want) {
			t.Errorf("instruction missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "@Alice:") {
		t.Error("instruction should not list the responder in the roster")
	}
}

func TestExpiredAttachmentPlaceholder(t *testing.T) {
	got := ExpiredAttachmentPlaceholder("chart.png", "image/png")
	if !strings.Contains(got, `"chart.png"`) || !strings.Contains(got, "image/png") {
		t.Errorf("placeholder = %q", got)
	}
}
