package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/sunpilot/sunpilot/pkg/common"
	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/types"
)

const openMeteoID = "open_meteo"

// Open-Meteo has a generous free tier but asks clients to be polite.
const openMeteoMinInterval = time.Minute

// Factors applied when converting irradiance into AC power: panels are rated
// at 1000 W/m² so irradiance/1000 × kWp gives DC output, then inverter
// efficiency and wiring/soiling/temperature losses come off.
const (
	openMeteoInverterEfficiency = 0.95
	openMeteoSystemLossFactor   = 0.85
)

// OpenMeteo implements Source backed by the Open-Meteo weather API. It has no
// PV model of its own: it returns shortwave irradiance which gets scaled by
// the installed panel size. The roughest of the three sources, but free,
// keyless and reliable.
type OpenMeteo struct {
	apiURL string
	site   *siteConfig
	client *http.Client
	cache  sampleCache

	mu        sync.Mutex
	lastFetch time.Time
}

// configuredOpenMeteo sets up flags for Open-Meteo and returns the instance.
func configuredOpenMeteo(site *siteConfig) *OpenMeteo {
	o := &OpenMeteo{
		site:   site,
		client: common.HTTPClient(15 * time.Second),
	}
	apiURL := lflag.String("openmeteo-api-url", "https://api.open-meteo.com/v1/forecast", "URL for the Open-Meteo forecast API")

	lflag.Do(func() {
		o.apiURL = *apiURL
	})

	return o
}

// ID implements Source.
func (o *OpenMeteo) ID() string {
	return openMeteoID
}

// Fetch implements Source.
func (o *OpenMeteo) Fetch(ctx context.Context) (types.ForecastSample, error) {
	now := time.Now()

	o.mu.Lock()
	tooSoon := !o.lastFetch.IsZero() && now.Sub(o.lastFetch) < openMeteoMinInterval
	if !tooSoon {
		o.lastFetch = now
	}
	o.mu.Unlock()
	if tooSoon {
		if cached, ok := o.cache.fresh(now); ok {
			return cached, nil
		}
		return types.ForecastSample{}, fmt.Errorf("open-meteo fetched less than %s ago and no cached forecast", openMeteoMinInterval)
	}

	sample, err := o.fetch(ctx, now)
	if err != nil {
		if cached, ok := o.cache.fresh(now); ok {
			log.Ctx(ctx).WarnContext(ctx, "open-meteo fetch failed, serving cached forecast", slog.Any("error", err))
			return cached, nil
		}
		return types.ForecastSample{}, err
	}

	o.cache.put(sample)
	return sample, nil
}

func (o *OpenMeteo) fetch(ctx context.Context, now time.Time) (types.ForecastSample, error) {
	u, err := url.Parse(o.apiURL)
	if err != nil {
		return types.ForecastSample{}, fmt.Errorf("invalid open-meteo url: %w", err)
	}
	q := u.Query()
	q.Set("latitude", fmt.Sprintf("%.4f", o.site.latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", o.site.longitude))
	q.Set("hourly", "shortwave_radiation")
	q.Set("forecast_days", "2")
	q.Set("timezone", "auto")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return types.ForecastSample{}, fmt.Errorf("failed to create request: %w", err)
	}

	log.Ctx(ctx).DebugContext(ctx, "fetching open-meteo irradiance", slog.String("url", u.String()))
	resp, err := o.client.Do(req)
	if err != nil {
		return types.ForecastSample{}, fmt.Errorf("failed to fetch open-meteo forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.ForecastSample{}, fmt.Errorf("open-meteo api returned status: %d", resp.StatusCode)
	}

	var data struct {
		UTCOffsetSeconds int `json:"utc_offset_seconds"`
		Hourly           struct {
			Time               []string  `json:"time"`
			ShortwaveRadiation []float64 `json:"shortwave_radiation"`
		} `json:"hourly"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return types.ForecastSample{}, fmt.Errorf("failed to decode open-meteo response: %w", err)
	}
	if len(data.Hourly.Time) != len(data.Hourly.ShortwaveRadiation) {
		return types.ForecastSample{}, fmt.Errorf("open-meteo returned %d timestamps for %d radiation values",
			len(data.Hourly.Time), len(data.Hourly.ShortwaveRadiation))
	}

	// Timestamps come back in the location's local time with the offset
	// reported separately.
	loc := time.FixedZone("", data.UTCOffsetSeconds)
	out := make([]types.ForecastHour, 0, len(data.Hourly.Time))
	for i, ts := range data.Hourly.Time {
		t, err := time.ParseInLocation("2006-01-02T15:04", ts, loc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse open-meteo timestamp", slog.String("value", ts), slog.Any("error", err))
			continue
		}
		// W/m² relative to the 1000 W/m² panel rating.
		watts := data.Hourly.ShortwaveRadiation[i] * o.site.kwp * openMeteoInverterEfficiency * openMeteoSystemLossFactor
		out = append(out, types.ForecastHour{
			Start: t,
			P50W:  watts,
		})
	}
	synthesizeBand(out)

	log.Ctx(ctx).DebugContext(ctx, "fetched open-meteo irradiance", slog.Int("hours", len(out)))
	return types.ForecastSample{
		SourceID:  openMeteoID,
		FetchedAt: now,
		Hours:     out,
	}, nil
}
