package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/roundtable/internal/config"
	"github.com/nugget/roundtable/internal/scheduler"
)

// StatsSource provides runtime data for sensor state publishing. The
// concrete adapter lives in cmd/roundtable so this package does not
// depend on the session manager.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	DefaultModel() string
	// ActiveSessions returns the number of open conversations.
	ActiveSessions() int
	// Status returns running and queued task counts summed across
	// every conversation.
	Status() scheduler.Status
}

// Publisher manages the MQTT connection, publishes HA discovery config
// on every (re-)connect, and pushes sensor state periodically and
// whenever a scheduler reports a status change.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	tokens     *DailyTokens
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	ask     *askHandler
	limiter *messageRateLimiter

	kick chan struct{}
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithAsk subscribes to the ask topic and hands each accepted message
// to submit. Messages that name no conversation go to
// cfg.AskConversation.
func WithAsk(submit Submitter) Option {
	return func(p *Publisher) {
		if submit == nil || p.cfg.AskConversation == "" {
			return
		}
		p.limiter = newMessageRateLimiter(int64(p.cfg.AskRateLimit), time.Minute, p.logger)
		p.ask = newAskHandler(p.cfg.AskConversation, submit, p.limiter, p.logger)
	}
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. tokens may be nil.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, stats StatsSource, logger *slog.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		tokens:     tokens,
		stats:      stats,
		logger:     logger.With("component", "mqtt"),
		kick:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetTokens attaches the daily usage counter. Call before Start.
func (p *Publisher) SetTokens(tokens *DailyTokens) {
	p.tokens = tokens
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes discovery configs and a birth message, and re-subscribes
// to the ask topic when one is configured.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientCfg := paho.ClientConfig{
		ClientID: "roundtable-" + p.cfg.DeviceName,
	}
	if p.ask != nil {
		askTopic := p.askTopic()
		clientCfg.OnPublishReceived = []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				if pr.Packet.Topic != askTopic {
					return false, nil
				}
				p.ask.handle(ctx, pr.Packet.Payload)
				return true, nil
			},
		}
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			if p.ask != nil {
				p.subscribeAsk(ctx, cm)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: clientCfg,
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" availability and disconnects. ctx bounds
// how long the publish and disconnect may take.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// ObserveStatus requests an early state publish after a scheduler
// status change. It never blocks; changes that arrive while a publish
// is already pending are coalesced.
func (p *Publisher) ObserveStatus(conversationID string, st scheduler.Status) {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "roundtable/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) askTopic() string {
	return p.baseTopic() + "/ask"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          p.cfg.DeviceName + "_" + entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	diagnostic := func(c SensorConfig) SensorConfig {
		c.EntityCategory = "diagnostic"
		return c
	}
	measurement := func(c SensorConfig) SensorConfig {
		c.StateClass = "measurement"
		return c
	}

	tokens := p.sensor("tokens_today", "Tokens Today", "mdi:counter")
	tokens.StateClass = "total_increasing"
	tokens.UnitOfMeasurement = "tokens"

	return []sensorDef{
		{"uptime", diagnostic(p.sensor("uptime", "Uptime", "mdi:clock-outline"))},
		{"version", diagnostic(p.sensor("version", "Version", "mdi:tag"))},
		{"default_model", diagnostic(p.sensor("default_model", "Default Model", "mdi:brain"))},
		{"status", p.sensor("status", "Status", "mdi:account-group")},
		{"running", measurement(p.sensor("running", "Running Replies", "mdi:chat-processing"))},
		{"queued", measurement(p.sensor("queued", "Queued Replies", "mdi:tray-full"))},
		{"active_sessions", measurement(p.sensor("active_sessions", "Active Sessions", "mdi:forum"))},
		{"tokens_today", tokens},
		{"last_request", diagnostic(p.sensor("last_request", "Last Request", "mdi:clock-check"))},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) subscribeAsk(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.askTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt ask subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt subscribed", "topic", topic, "conversation", p.cfg.AskConversation)
}

// --- State loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		p.publishStates(ctx)
	}
}

// states renders the current value of every sensor.
func (p *Publisher) states() map[string]string {
	st := p.stats.Status()
	status := "idle"
	if !st.Idle() {
		status = "busy"
	}

	states := map[string]string{
		"uptime":          p.stats.Uptime().Truncate(time.Second).String(),
		"version":         p.stats.Version(),
		"default_model":   p.stats.DefaultModel(),
		"status":          status,
		"running":         strconv.Itoa(st.Running),
		"queued":          strconv.Itoa(st.Queued),
		"active_sessions": strconv.Itoa(p.stats.ActiveSessions()),
		"tokens_today":    "0",
		"last_request":    "never",
	}

	if p.tokens != nil {
		input, output, _ := p.tokens.Snapshot()
		states["tokens_today"] = strconv.FormatInt(input+output, 10)
		if last := p.tokens.LastRequest(); !last.IsZero() {
			states["last_request"] = last.Format(time.RFC3339)
		}
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := p.states()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
