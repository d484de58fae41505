package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/types"
)

const (
	connectRetryInterval = time.Second
	maxReconnectInterval = 60 * time.Second
	keepAlive            = 60 * time.Second
)

// Stream subscribes to the battery's live MQTT feed and keeps the newest
// decoded sample. The broker pushes partial updates, so each message merges
// into the previous sample rather than replacing it.
type Stream struct {
	broker   string
	username string
	password string
	serial   string
	tokens   TokenSource

	client mqtt.Client

	mu     sync.Mutex
	latest types.TelemetrySample
	seen   bool
}

// TokenSource mints broker credentials for vendors whose broker wants a
// short-lived JWT instead of a static password. The client id passed to
// MQTTToken must be the one used on the connection.
type TokenSource interface {
	// Enabled reports whether the source has credentials to mint tokens with.
	Enabled() bool
	// UserID returns the vendor account id the client id is derived from.
	UserID(ctx context.Context) (string, error)
	// MQTTToken returns a broker password bound to the given client id.
	MQTTToken(ctx context.Context, clientID string) (string, error)
}

// UseTokenSource makes Init authenticate with minted tokens whenever no
// static mqtt-password is configured. Must be called before Init.
func (s *Stream) UseTokenSource(ts TokenSource) {
	s.tokens = ts
}

// Configured sets up flags for the telemetry stream and returns the instance.
func Configured() *Stream {
	s := &Stream{}
	broker := lflag.String("mqtt-broker", "wss://mqtt.beem.energy:8084/mqtt", "MQTT broker URL for battery telemetry")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	serial := lflag.String("battery-serial", "", "Battery serial number (required)")

	lflag.Do(func() {
		s.broker = *broker
		s.username = *username
		s.password = *password
		s.serial = strings.ToUpper(*serial)
	})

	return s
}

// Serial returns the configured battery serial.
func (s *Stream) Serial() string {
	return s.serial
}

// Topic returns the streaming topic for the configured battery.
func (s *Stream) Topic() string {
	return "battery/" + s.serial + "/sys/streaming"
}

// Init connects to the broker and subscribes. paho handles reconnection with
// backoff from there; subscription happens in the connect handler so it
// survives reconnects.
func (s *Stream) Init(ctx context.Context) error {
	if s.serial == "" {
		return fmt.Errorf("battery-serial is required")
	}

	clientID := fmt.Sprintf("sunpilot-%s-%d", s.serial, time.Now().UnixMilli())
	useTokens := s.password == "" && s.tokens != nil && s.tokens.Enabled()
	if useTokens {
		// The vendor broker wants the app's client id format and a JWT bound
		// to it.
		userID, err := s.tokens.UserID(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve broker identity: %w", err)
		}
		clientID = fmt.Sprintf("beemapp-%s-%d", userID, time.Now().UnixMilli())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID(clientID).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryInterval).
		SetOrderMatters(false)
	if useTokens {
		// Minted per connection attempt, so reconnects after the token's TTL
		// get a fresh one.
		opts.SetCredentialsProvider(func() (string, string) {
			tctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			token, err := s.tokens.MQTTToken(tctx, clientID)
			if err != nil {
				slog.Warn("failed to mint mqtt token", slog.Any("error", err))
				return "unused", ""
			}
			return "unused", token
		})
	} else {
		if s.username != "" {
			opts.SetUsername(s.username)
		}
		if s.password != "" {
			opts.SetPassword(s.password)
		}
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Ctx(ctx).InfoContext(ctx, "mqtt connected, subscribing",
			slog.String("topic", s.Topic()),
		)
		if token := c.Subscribe(s.Topic(), 0, s.handleMessage); token.Wait() && token.Error() != nil {
			log.Ctx(ctx).ErrorContext(ctx, "mqtt subscribe failed", slog.Any("error", token.Error()))
		}
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
	})

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (s *Stream) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

// Publish sends a payload on the broker connection and waits for the ack.
// Telemetry itself is inbound-only; this carries the heater relay commands.
func (s *Stream) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.client == nil {
		return fmt.Errorf("mqtt client not initialized")
	}
	token := s.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.process(msg.Payload(), time.Now())
}

// process merges one streaming payload into the latest sample. Split from the
// paho handler so it can be driven without a broker.
func (s *Stream) process(payload []byte, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := mergeSample(s.latest, payload, now)
	if err != nil {
		slog.Warn("failed to decode telemetry payload", slog.Any("error", err))
		return
	}
	s.latest = next
	s.seen = true
}

// Latest returns the newest sample and whether any sample has arrived yet.
func (s *Stream) Latest() (types.TelemetrySample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.seen
}

// LastSeen returns the timestamp of the newest sample, zero if none.
func (s *Stream) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seen {
		return time.Time{}
	}
	return s.latest.Timestamp
}

// beemStreamPayload is the vendor's streaming JSON. Sign conventions follow
// the vendor: batteryPower is positive while charging, meterPower is positive
// while importing. Fields are pointers because the broker pushes partial
// updates.
type beemStreamPayload struct {
	SOC              *float64 `json:"soc"`
	SolarPower       *float64 `json:"solarPower"`
	BatteryPower     *float64 `json:"batteryPower"`
	MeterPower       *float64 `json:"meterPower"`
	GlobalSOH        *float64 `json:"globalSoh"`
	CapacityInKWH    *float64 `json:"capacityInKwh"`
	WorkingModeLabel string   `json:"workingModeLabel"`
}

func mergeSample(prev types.TelemetrySample, payload []byte, now time.Time) (types.TelemetrySample, error) {
	var p beemStreamPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return prev, fmt.Errorf("invalid streaming payload: %w", err)
	}

	next := prev
	next.Timestamp = now
	if p.SOC != nil {
		next.BatterySOC = *p.SOC
	}
	if p.SolarPower != nil {
		next.SolarW = *p.SolarPower
	}
	if p.BatteryPower != nil {
		next.BatteryPowerW = *p.BatteryPower
	}
	if p.MeterPower != nil {
		next.GridPowerW = *p.MeterPower
	}
	if p.GlobalSOH != nil {
		next.BatterySOH = *p.GlobalSOH
	}
	if p.CapacityInKWH != nil {
		next.CapacityKWH = *p.CapacityInKWH
	}
	if p.WorkingModeLabel != "" {
		next.WorkingMode = p.WorkingModeLabel
	}

	// The stream doesn't report house load; derive it from the energy
	// balance.
	next.ConsumptionW = max(0, next.SolarW+next.GridPowerW-next.BatteryPowerW)

	return next, nil
}
