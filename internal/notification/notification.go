// Package notification pushes operator alerts for events that need human
// attention: failed lifecycles, breaker trips, provider outages, halts.
// Delivery is fire-and-forget; a dead webhook never blocks trading.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/events"
)

// Severity drives formatting and embed colors.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one operator-facing message.
type Notification struct {
	Severity   Severity
	Title      string
	Message    string
	Instrument string
	Timestamp  time.Time
}

// Notifier is one delivery channel.
type Notifier interface {
	Send(n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled channel.
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
	enabled   bool
}

func NewManager(cfg config.NotificationConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		enabled: cfg.Enabled,
		logger:  logger.With().Str("component", "notification").Logger(),
	}
	if cfg.Telegram.Enabled {
		m.AddNotifier(NewTelegramNotifier(cfg.Telegram))
	}
	if cfg.Discord.Enabled {
		m.AddNotifier(NewDiscordNotifier(cfg.Discord))
	}
	return m
}

func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to all enabled channels. Failures are logged per channel;
// one dead channel does not stop the others.
func (m *Manager) Send(n *Notification) {
	if !m.enabled {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	for _, notifier := range m.notifiers {
		if !notifier.IsEnabled() {
			continue
		}
		if err := notifier.Send(n); err != nil {
			m.logger.Warn().Err(err).Str("channel", notifier.Name()).Msg("notification delivery failed")
		}
	}
}

// AttachBus subscribes to the engine events worth waking an operator for.
// The bus runs subscribers on their own goroutines, so Send may block on
// HTTP without holding anything up.
func (m *Manager) AttachBus(bus *events.EventBus) {
	bus.Subscribe(events.EventLifecycleFailed, func(ev events.Event) {
		m.Send(&Notification{
			Severity:   SeverityCritical,
			Title:      "⚠️ Lifecycle needs attention",
			Message:    fmt.Sprintf("Signal %s on %s failed: %s", str(ev, "signal_id"), str(ev, "instrument"), str(ev, "reason")),
			Instrument: str(ev, "instrument"),
			Timestamp:  ev.Timestamp,
		})
	})

	bus.Subscribe(events.EventBreakerTripped, func(ev events.Event) {
		m.Send(&Notification{
			Severity:  SeverityCritical,
			Title:     "🛑 Circuit breaker tripped",
			Message:   fmt.Sprintf("Trading suspended: %s (daily loss %s)", str(ev, "reason"), str(ev, "daily_loss")),
			Timestamp: ev.Timestamp,
		})
	})

	bus.Subscribe(events.EventBreakerReset, func(ev events.Event) {
		m.Send(&Notification{
			Severity:  SeverityInfo,
			Title:     "✅ Circuit breaker reset",
			Message:   "Trading resumed after breaker reset",
			Timestamp: ev.Timestamp,
		})
	})

	bus.Subscribe(events.EventProviderCircuit, func(ev events.Event) {
		open, _ := ev.Data["open"].(bool)
		title := "✅ AI provider recovered"
		severity := SeverityInfo
		if open {
			title = "⚠️ AI provider circuit open"
			severity = SeverityWarning
		}
		m.Send(&Notification{
			Severity:  severity,
			Title:     title,
			Message:   fmt.Sprintf("Provider %s circuit open=%v", str(ev, "provider_id"), open),
			Timestamp: ev.Timestamp,
		})
	})

	bus.Subscribe(events.EventEngineHalted, func(ev events.Event) {
		m.Send(&Notification{
			Severity:  SeverityWarning,
			Title:     "⏸️ Engine halted",
			Message:   "New signals refused until resume",
			Timestamp: ev.Timestamp,
		})
	})

	bus.Subscribe(events.EventEngineResumed, func(ev events.Event) {
		m.Send(&Notification{
			Severity:  SeverityInfo,
			Title:     "▶️ Engine resumed",
			Message:   "In-flight orders reconciled, accepting signals",
			Timestamp: ev.Timestamp,
		})
	})

	bus.Subscribe(events.EventPositionClosed, func(ev events.Event) {
		m.Send(&Notification{
			Severity:   SeverityInfo,
			Title:      fmt.Sprintf("Position closed: %s", str(ev, "instrument")),
			Message:    fmt.Sprintf("Realized PnL %s", str(ev, "realized_pnl")),
			Instrument: str(ev, "instrument"),
			Timestamp:  ev.Timestamp,
		})
	})
}

func str(ev events.Event, key string) string {
	if v, ok := ev.Data[key].(string); ok {
		return v
	}
	return ""
}

// TelegramNotifier sends messages through the Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	baseURL  string
	client   *http.Client
}

func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		baseURL:  "https://api.telegram.org",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string    { return "telegram" }
func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(n *Notification) error {
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message),
		"parse_mode": "Markdown",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// DiscordNotifier posts embeds to a webhook.
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

func NewDiscordNotifier(cfg config.DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string    { return "discord" }
func (d *DiscordNotifier) IsEnabled() bool { return d.enabled }

func (d *DiscordNotifier) Send(n *Notification) error {
	color := 0x00FF00
	switch n.Severity {
	case SeverityWarning:
		color = 0xFFA500
	case SeverityCritical:
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.Format(time.RFC3339),
	}
	if n.Instrument != "" {
		embed["fields"] = []map[string]interface{}{
			{"name": "Instrument", "value": n.Instrument, "inline": true},
		}
	}

	jsonData, err := json.Marshal(map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
