package mqtt

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/roundtable/internal/config"
	"github.com/nugget/roundtable/internal/scheduler"
	"github.com/nugget/roundtable/internal/usage"
)

type fakeStats struct {
	status scheduler.Status
}

func (fakeStats) Uptime() time.Duration      { return 90*time.Minute + 500*time.Millisecond }
func (fakeStats) Version() string            { return "v1.2.3" }
func (fakeStats) DefaultModel() string       { return "gemini-2.5-flash" }
func (fakeStats) ActiveSessions() int        { return 2 }
func (f fakeStats) Status() scheduler.Status { return f.status }

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "den",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
		AskConversation:    "kitchen",
		AskRateLimit:       10,
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.TrimSpace(string(data)) != first {
		t.Errorf("file content = %q, want %q", data, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("instance-1", "den")
	if info.Name != "den" || len(info.Identifiers) != 1 || info.Identifiers[0] != "instance-1" {
		t.Errorf("info = %+v", info)
	}
	if info.Manufacturer != "Roundtable" {
		t.Errorf("Manufacturer = %q", info.Manufacturer)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), "test-id", nil, fakeStats{}, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"base", p.baseTopic(), "roundtable/den"},
		{"availability", p.availabilityTopic(), "roundtable/den/availability"},
		{"state", p.stateTopic("queued"), "roundtable/den/queued/state"},
		{"ask", p.askTopic(), "roundtable/den/ask"},
		{"discovery", p.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/den/uptime/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	p := New(testConfig(), "instance-123", nil, fakeStats{}, nil)

	defs := p.sensorDefinitions()
	seen := make(map[string]SensorConfig)
	for _, d := range defs {
		if _, dup := seen[d.entitySuffix]; dup {
			t.Errorf("duplicate sensor %q", d.entitySuffix)
		}
		seen[d.entitySuffix] = d.config

		if d.config.UniqueID != "instance-123_"+d.entitySuffix {
			t.Errorf("%s UniqueID = %q", d.entitySuffix, d.config.UniqueID)
		}
		if d.config.StateTopic != p.stateTopic(d.entitySuffix) {
			t.Errorf("%s StateTopic = %q", d.entitySuffix, d.config.StateTopic)
		}
		if !d.config.HasEntityName || d.config.Device.Name != "den" {
			t.Errorf("%s config = %+v", d.entitySuffix, d.config)
		}
	}

	for _, want := range []string{"status", "running", "queued", "active_sessions", "tokens_today"} {
		if _, ok := seen[want]; !ok {
			t.Errorf("missing sensor %q", want)
		}
	}
	if seen["tokens_today"].StateClass != "total_increasing" {
		t.Errorf("tokens_today state class = %q", seen["tokens_today"].StateClass)
	}

	payload, err := json.Marshal(seen["queued"])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(payload), `"state_class":"measurement"`) {
		t.Errorf("queued discovery payload = %s", payload)
	}
}

func TestPublisher_States(t *testing.T) {
	tokens := NewDailyTokens(time.UTC)
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tokens.Record(context.Background(), usage.Record{InputTokens: 30, OutputTokens: 12, Timestamp: last})

	p := New(testConfig(), "id", tokens, fakeStats{status: scheduler.Status{Running: 3, Queued: 1}}, nil)
	states := p.states()

	want := map[string]string{
		"uptime":          "1h30m0s",
		"version":         "v1.2.3",
		"status":          "busy",
		"running":         "3",
		"queued":          "1",
		"active_sessions": "2",
		"tokens_today":    "42",
		"last_request":    last.Format(time.RFC3339),
	}
	for k, v := range want {
		if states[k] != v {
			t.Errorf("state %s = %q, want %q", k, states[k], v)
		}
	}

	idle := New(testConfig(), "id", nil, fakeStats{}, nil).states()
	if idle["status"] != "idle" || idle["tokens_today"] != "0" || idle["last_request"] != "never" {
		t.Errorf("idle states = %v", idle)
	}
}

func TestPublisher_ObserveStatusCoalesces(t *testing.T) {
	p := New(testConfig(), "id", nil, fakeStats{}, nil)

	p.ObserveStatus("a", scheduler.Status{Running: 1})
	p.ObserveStatus("b", scheduler.Status{})
	if len(p.kick) != 1 {
		t.Errorf("pending kicks = %d, want 1", len(p.kick))
	}
}

func TestPublisher_WithAsk(t *testing.T) {
	sl := &submitLog{}

	p := New(testConfig(), "id", nil, fakeStats{}, nil, WithAsk(sl.submit))
	if p.ask == nil || p.limiter == nil {
		t.Fatal("ask handler not installed")
	}
	p.ask.handle(context.Background(), []byte("@Alice hi"))
	if len(sl.convs) != 1 || sl.convs[0] != "kitchen" {
		t.Errorf("submitted to %v, want [kitchen]", sl.convs)
	}

	cfg := testConfig()
	cfg.AskConversation = ""
	if New(cfg, "id", nil, fakeStats{}, nil, WithAsk(sl.submit)).ask != nil {
		t.Error("ask handler installed without a conversation")
	}
}

func TestPublisher_StopBeforeStart(t *testing.T) {
	p := New(testConfig(), "id", nil, fakeStats{}, nil)
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop = %v", err)
	}
	if err := p.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection before Start should error")
	}
}
