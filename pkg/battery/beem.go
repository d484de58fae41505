package battery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sunpilot/sunpilot/pkg/common"
	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/types"
)

const beemLoginPath = "user/login"

// Self-imposed budget for vendor API calls plus the cooldown honored after
// the vendor rate-limits us. Logins don't count against the budget.
const (
	rateLimitMaxCalls = 10
	rateLimitWindow   = time.Hour
	rateLimitCooldown = 20 * time.Minute
)

// Vendor operating modes. Control parameters only take effect in advanced
// mode; auto hands every decision back to the battery's firmware.
const (
	modeAutomatic = "auto"
	modeAdvanced  = "advanced"
)

// errRateLimited is returned when a call would exceed the request budget or
// we're inside a 429 cooldown. The caller retries on its next cycle.
var errRateLimited = errors.New("beem api rate limited")

// Beem implements the Controller interface against the Beem Energy REST API.
// Battery control documents go over HTTPS; the water heater relay is
// switched over the broker connection shared with telemetry.
type Beem struct {
	client      *http.Client
	relay       Publisher
	baseURL     string
	email       string
	password    string
	batteryID   string
	heaterTopic string
	dryRun      bool

	mu            sync.Mutex
	tokenStr      string
	userID        string
	lastSent      *controlParameters
	callTimes     []time.Time
	cooldownUntil time.Time
}

// controlParameters is the vendor's control document, field names per their
// API.
type controlParameters struct {
	Mode                   string `json:"mode"`
	AllowChargeFromGrid    bool   `json:"allowChargeFromGrid"`
	PreventDischarge       bool   `json:"preventDischarge"`
	ChargeFromGridMaxPower int    `json:"chargeFromGridMaxPower"`
	MinSOC                 int    `json:"minSoc"`
	MaxSOC                 int    `json:"maxSoc"`
}

func newBeem(relay Publisher) *Beem {
	return &Beem{
		client:  common.HTTPClient(15 * time.Second),
		relay:   relay,
		baseURL: "https://api-x.beem.energy/beemapp",
	}
}

// Enabled reports whether REST credentials are configured. Without them the
// controller can still switch the heater relay but battery commands fail.
func (b *Beem) Enabled() bool {
	return b.email != "" && b.password != ""
}

// Apply puts the battery under manual control with the given parameters.
func (b *Beem) Apply(ctx context.Context, cmd types.BatteryCommand) error {
	return b.send(ctx, controlParameters{
		Mode:                   modeAdvanced,
		AllowChargeFromGrid:    cmd.AllowGridCharge,
		PreventDischarge:       cmd.PreventDischarge,
		ChargeFromGridMaxPower: cmd.ChargePowerW,
		MinSOC:                 cmd.MinSOC,
		MaxSOC:                 cmd.MaxSOC,
	})
}

// SetAutomatic hands the battery back to the vendor's automatic mode. The
// manual parameters are ignored in auto so they go out as defaults.
func (b *Beem) SetAutomatic(ctx context.Context) error {
	return b.send(ctx, controlParameters{
		Mode:   modeAutomatic,
		MaxSOC: 100,
	})
}

// SetHeater switches the water heater relay. Relays take plain "on"/"off"
// payloads on their command topic.
func (b *Beem) SetHeater(ctx context.Context, on bool) error {
	state := "off"
	if on {
		state = "on"
	}

	if b.heaterTopic == "" || b.relay == nil {
		log.Ctx(ctx).DebugContext(ctx, "no heater relay configured, skipping", slog.String("state", state))
		return nil
	}
	if b.dryRun {
		log.Ctx(ctx).InfoContext(
			ctx,
			"dry run: would've switched heater relay",
			slog.String("topic", b.heaterTopic),
			slog.String("state", state),
		)
		return nil
	}

	if err := b.relay.Publish(ctx, b.heaterTopic, []byte(state)); err != nil {
		return fmt.Errorf("failed to publish heater command: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "switched heater relay", slog.String("state", state))
	return nil
}

// send delivers one control document, skipping when nothing changed since
// the last successful send.
func (b *Beem) send(ctx context.Context, params controlParameters) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.Enabled() {
		return errors.New("missing beem credentials")
	}

	if b.lastSent != nil && params == *b.lastSent {
		log.Ctx(ctx).DebugContext(ctx, "control parameters unchanged, skipping")
		return nil
	}

	if b.dryRun {
		log.Ctx(ctx).InfoContext(
			ctx,
			"dry run: would've sent control parameters",
			slog.String("mode", params.Mode),
			slog.Bool("preventDischarge", params.PreventDischarge),
			slog.Bool("allowChargeFromGrid", params.AllowChargeFromGrid),
			slog.Int("chargePowerW", params.ChargeFromGridMaxPower),
		)
		b.lastSent = &params
		return nil
	}

	if err := b.ensureLogin(ctx); err != nil {
		return err
	}

	endpoint := "batteries/" + b.batteryID + "/control-parameters"
	if err := b.doJSON(ctx, http.MethodPatch, endpoint, params, nil); err != nil {
		return fmt.Errorf("failed to set control parameters: %w", err)
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"control parameters updated",
		slog.String("mode", params.Mode),
		slog.Bool("preventDischarge", params.PreventDischarge),
		slog.Bool("allowChargeFromGrid", params.AllowChargeFromGrid),
		slog.Int("chargePowerW", params.ChargeFromGridMaxPower),
		slog.Int("minSOC", params.MinSOC),
		slog.Int("maxSOC", params.MaxSOC),
	)
	b.lastSent = &params
	return nil
}

type loginResult struct {
	AccessToken string      `json:"accessToken"`
	UserID      json.Number `json:"userId"`
}

// login authenticates and caches the access token. Call with b.mu held.
func (b *Beem) login(ctx context.Context) error {
	if b.email == "" || b.password == "" {
		return errors.New("missing beem credentials")
	}

	log.Ctx(ctx).DebugContext(ctx, "logging in to beem")
	body := map[string]string{"email": b.email, "password": b.password}
	var res loginResult
	if err := b.doJSON(ctx, http.MethodPost, beemLoginPath, body, &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "beem login failed", slog.Any("error", err))
		return fmt.Errorf("login failed: %w", err)
	}
	if res.AccessToken == "" || res.UserID.String() == "" {
		return errors.New("login response missing accessToken or userId")
	}
	b.tokenStr = res.AccessToken
	b.userID = res.UserID.String()
	log.Ctx(ctx).DebugContext(ctx, "beem login success", slog.String("userID", b.userID))
	return nil
}

// ensureLogin will not login again if the token we have cached is still
// valid. It also discovers the battery id if one wasn't configured.
func (b *Beem) ensureLogin(ctx context.Context) error {
	if b.tokenStr == "" {
		if err := b.login(ctx); err != nil {
			return err
		}
	}

	if b.batteryID == "" {
		id, err := b.getDefaultBatteryID(ctx)
		if err != nil {
			return fmt.Errorf("failed to get default battery id: %w", err)
		}
		b.batteryID = id
		log.Ctx(ctx).InfoContext(ctx, "automatically selected battery", slog.String("batteryID", id))
	}
	return nil
}

// UserID returns the vendor account id, logging in if needed. The broker
// client id is derived from it.
func (b *Beem) UserID(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLogin(ctx); err != nil {
		return "", err
	}
	return b.userID, nil
}

type mqttTokenResult struct {
	JWT string `json:"jwt"`
}

// MQTTToken mints a broker JWT bound to the given client id. The id must
// match the one used on the broker connection.
func (b *Beem) MQTTToken(ctx context.Context, clientID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLogin(ctx); err != nil {
		return "", err
	}

	log.Ctx(ctx).DebugContext(ctx, "requesting mqtt token", slog.String("clientID", clientID))
	body := map[string]string{"clientId": clientID, "clientType": "user"}
	var res mqttTokenResult
	if err := b.doJSON(ctx, http.MethodPost, "devices/mqtt/token", body, &res); err != nil {
		return "", fmt.Errorf("failed to get mqtt token: %w", err)
	}
	if res.JWT == "" {
		return "", errors.New("mqtt token response missing jwt")
	}
	return res.JWT, nil
}

type beemBattery struct {
	ID           json.Number `json:"id"`
	SerialNumber string      `json:"serialNumber"`
}

type devicesResult struct {
	Batteries []beemBattery `json:"batteries"`
}

// getDefaultBatteryID discovers the battery id for accounts with a single
// battery. Call with b.mu held and a valid token.
func (b *Beem) getDefaultBatteryID(ctx context.Context) (string, error) {
	var res devicesResult
	if err := b.doJSON(ctx, http.MethodGet, "devices", nil, &res); err != nil {
		return "", err
	}

	if len(res.Batteries) == 1 {
		return res.Batteries[0].ID.String(), nil
	}
	return "", fmt.Errorf("found %d batteries, expected 1", len(res.Batteries))
}

func (b *Beem) newJSONRequest(ctx context.Context, method, endpoint string, data interface{}) (*http.Request, error) {
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	if data == nil {
		return http.NewRequestWithContext(ctx, method, u.String(), nil)
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// doJSON executes one authenticated request. We try up to 2 times because we
// might have an expired token. Call with b.mu held.
func (b *Beem) doJSON(ctx context.Context, method, endpoint string, data, dest interface{}) error {
	isLogin := endpoint == beemLoginPath
	if !isLogin {
		if err := b.checkRateLimit(ctx); err != nil {
			return err
		}
	}

	for i := 0; i < 2; i++ {
		req, err := b.newJSONRequest(ctx, method, endpoint, data)
		if err != nil {
			return err
		}
		if !isLogin {
			req.Header.Set("Authorization", "Bearer "+b.tokenStr)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return err
		}
		if !isLogin {
			b.recordCall()
		}

		if resp.StatusCode == http.StatusUnauthorized && !isLogin && b.tokenStr != "" {
			resp.Body.Close()
			log.Ctx(ctx).DebugContext(ctx, "beem token expired")
			b.tokenStr = ""
			if err := b.login(ctx); err != nil {
				return err
			}
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			b.cooldownUntil = time.Now().Add(rateLimitCooldown)
			log.Ctx(ctx).WarnContext(
				ctx,
				"beem rate limited us, cooling down",
				slog.Duration("cooldown", rateLimitCooldown),
			)
			return errRateLimited
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return fmt.Errorf("status %d", resp.StatusCode)
		}

		if dest != nil {
			err = json.NewDecoder(resp.Body).Decode(dest)
		}
		resp.Body.Close()
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode beem response", slog.Any("error", err))
			return fmt.Errorf("failed to decode beem response: %w", err)
		}
		return nil
	}
	return errors.New("unauthorized after token refresh")
}

// checkRateLimit prunes the call window and returns errRateLimited when
// another call would exceed the budget. Call with b.mu held.
func (b *Beem) checkRateLimit(ctx context.Context) error {
	now := time.Now()
	if now.Before(b.cooldownUntil) {
		log.Ctx(ctx).WarnContext(ctx, "beem api in cooldown", slog.Time("until", b.cooldownUntil))
		return errRateLimited
	}

	cutoff := now.Add(-rateLimitWindow)
	kept := b.callTimes[:0]
	for _, t := range b.callTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.callTimes = kept

	if len(b.callTimes) >= rateLimitMaxCalls {
		return errRateLimited
	}
	return nil
}

func (b *Beem) recordCall() {
	b.callTimes = append(b.callTimes, time.Now())
}
