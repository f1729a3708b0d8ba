package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "Roundtable/"+Version) {
		t.Errorf("UserAgent() = %q, want prefix %q", ua, "Roundtable/"+Version)
	}
}

func TestInfo(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "go_version", "uptime"} {
		if info[k] == "" {
			t.Errorf("Info()[%q] is empty", k)
		}
	}
}
