package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/sunpilot/sunpilot/pkg/common"
	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/types"
)

const forecastSolarID = "forecast_solar"

// The public tier allows 12 requests per hour per IP.
const forecastSolarMinInterval = 5 * time.Minute

// ForecastSolar implements Source for the free forecast.solar estimate API.
// It publishes a single watts series for today and tomorrow, keyed by
// plant-local timestamps, with no percentile bands.
type ForecastSolar struct {
	apiURL string
	site   *siteConfig
	client *http.Client
	cache  sampleCache

	mu        sync.Mutex
	lastFetch time.Time
}

// configuredForecastSolar sets up flags for forecast.solar and returns the
// instance.
func configuredForecastSolar(site *siteConfig) *ForecastSolar {
	f := &ForecastSolar{
		site:   site,
		client: common.HTTPClient(15 * time.Second),
	}
	apiURL := lflag.String("forecastsolar-api-url", "https://api.forecast.solar", "URL for the forecast.solar API")

	lflag.Do(func() {
		f.apiURL = *apiURL
	})

	return f
}

// ID implements Source.
func (f *ForecastSolar) ID() string {
	return forecastSolarID
}

// Fetch implements Source.
func (f *ForecastSolar) Fetch(ctx context.Context) (types.ForecastSample, error) {
	now := time.Now()

	f.mu.Lock()
	tooSoon := !f.lastFetch.IsZero() && now.Sub(f.lastFetch) < forecastSolarMinInterval
	if !tooSoon {
		f.lastFetch = now
	}
	f.mu.Unlock()
	if tooSoon {
		if cached, ok := f.cache.fresh(now); ok {
			return cached, nil
		}
		return types.ForecastSample{}, fmt.Errorf("forecast.solar fetched less than %s ago and no cached forecast", forecastSolarMinInterval)
	}

	sample, err := f.fetch(ctx, now)
	if err != nil {
		if cached, ok := f.cache.fresh(now); ok {
			log.Ctx(ctx).WarnContext(ctx, "forecast.solar fetch failed, serving cached forecast", slog.Any("error", err))
			return cached, nil
		}
		return types.ForecastSample{}, err
	}

	f.cache.put(sample)
	return sample, nil
}

func (f *ForecastSolar) fetch(ctx context.Context, now time.Time) (types.ForecastSample, error) {
	u, err := url.Parse(f.apiURL)
	if err != nil {
		return types.ForecastSample{}, fmt.Errorf("invalid forecast.solar url: %w", err)
	}
	u = u.JoinPath(
		"estimate",
		fmt.Sprintf("%.4f", f.site.latitude),
		fmt.Sprintf("%.4f", f.site.longitude),
		fmt.Sprintf("%.0f", f.site.declination),
		fmt.Sprintf("%.0f", f.site.azimuth),
		fmt.Sprintf("%g", f.site.kwp),
	)

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return types.ForecastSample{}, fmt.Errorf("failed to create request: %w", err)
	}

	log.Ctx(ctx).DebugContext(ctx, "fetching forecast.solar estimate", slog.String("url", u.String()))
	resp, err := f.client.Do(req)
	if err != nil {
		return types.ForecastSample{}, fmt.Errorf("failed to fetch forecast.solar estimate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.ForecastSample{}, fmt.Errorf("forecast.solar api returned status: %d", resp.StatusCode)
	}

	var data struct {
		Result struct {
			Watts map[string]float64 `json:"watts"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return types.ForecastSample{}, fmt.Errorf("failed to decode forecast.solar response: %w", err)
	}

	// The watts series is irregular (it starts at sunrise and ends at
	// sunset), so average whatever points fall within each hour.
	type hourly struct {
		sum   float64
		count int
	}
	hours := make(map[int64]*hourly)
	for ts, watts := range data.Result.Watts {
		t, err := time.ParseInLocation("2006-01-02 15:04:05", ts, f.site.loc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse forecast.solar timestamp", slog.String("value", ts), slog.Any("error", err))
			continue
		}
		key := t.Truncate(time.Hour).Unix()

		h, ok := hours[key]
		if !ok {
			h = &hourly{}
			hours[key] = h
		}
		h.sum += watts
		h.count++
	}

	out := make([]types.ForecastHour, 0, len(hours))
	for key, h := range hours {
		out = append(out, types.ForecastHour{
			Start: time.Unix(key, 0),
			P50W:  h.sum / float64(h.count),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	synthesizeBand(out)

	log.Ctx(ctx).DebugContext(ctx, "fetched forecast.solar estimate", slog.Int("hours", len(out)))
	return types.ForecastSample{
		SourceID:  forecastSolarID,
		FetchedAt: now,
		Hours:     out,
	}, nil
}
