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

const solcastID = "solcast"

// The hobbyist tier allows 10 requests per day, reset at UTC midnight.
const solcastDailyBudget = 10

// Solcast implements Source for the Solcast rooftop forecast API. Solcast
// publishes real P10/P50/P90 bands in 30-minute periods which get averaged
// into hourly buckets.
type Solcast struct {
	apiURL string
	apiKey string
	siteID string
	client *http.Client
	cache  sampleCache

	mu           sync.Mutex
	requestDay   string
	requestsUsed int
}

// configuredSolcast sets up flags for Solcast and returns the instance.
func configuredSolcast() *Solcast {
	s := &Solcast{
		client: common.HTTPClient(15 * time.Second),
	}
	apiURL := lflag.String("solcast-api-url", "https://api.solcast.com.au", "URL for the Solcast API")
	apiKey := lflag.String("solcast-api-key", "", "API key for Solcast (empty disables the source)")
	siteID := lflag.String("solcast-site-id", "", "Solcast rooftop site ID")

	lflag.Do(func() {
		s.apiURL = *apiURL
		s.apiKey = *apiKey
		s.siteID = *siteID
	})

	return s
}

func (s *Solcast) enabled() bool {
	return s.apiKey != "" && s.siteID != ""
}

// ID implements Source.
func (s *Solcast) ID() string {
	return solcastID
}

// takeRequest consumes one request from today's budget and reports whether
// the caller may hit the API.
func (s *Solcast) takeRequest(now time.Time) bool {
	day := now.UTC().Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()
	if day != s.requestDay {
		s.requestDay = day
		s.requestsUsed = 0
	}
	if s.requestsUsed >= solcastDailyBudget {
		return false
	}
	s.requestsUsed++
	return true
}

// Fetch implements Source. A failed request still counts against the daily
// budget since Solcast metered it.
func (s *Solcast) Fetch(ctx context.Context) (types.ForecastSample, error) {
	now := time.Now()

	if !s.takeRequest(now) {
		if cached, ok := s.cache.fresh(now); ok {
			log.Ctx(ctx).DebugContext(
				ctx,
				"solcast request budget exhausted, serving cached forecast",
				slog.Time("fetchedAt", cached.FetchedAt),
			)
			return cached, nil
		}
		return types.ForecastSample{}, fmt.Errorf("solcast request budget exhausted (%d/day)", solcastDailyBudget)
	}

	sample, err := s.fetch(ctx, now)
	if err != nil {
		if cached, ok := s.cache.fresh(now); ok {
			log.Ctx(ctx).WarnContext(ctx, "solcast fetch failed, serving cached forecast", slog.Any("error", err))
			return cached, nil
		}
		return types.ForecastSample{}, err
	}

	s.cache.put(sample)
	return sample, nil
}

// solcastPeriod represents one entry of the JSON returned by Solcast. The
// estimates are average kW over the period.
type solcastPeriod struct {
	PVEstimate   float64 `json:"pv_estimate"`
	PVEstimate10 float64 `json:"pv_estimate10"`
	PVEstimate90 float64 `json:"pv_estimate90"`
	PeriodEnd    string  `json:"period_end"`
	Period       string  `json:"period"`
}

func (s *Solcast) fetch(ctx context.Context, now time.Time) (types.ForecastSample, error) {
	u, err := url.Parse(s.apiURL)
	if err != nil {
		return types.ForecastSample{}, fmt.Errorf("invalid solcast url: %w", err)
	}
	u = u.JoinPath("rooftop_sites", s.siteID, "forecasts")
	q := u.Query()
	q.Set("format", "json")
	q.Set("hours", "48")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return types.ForecastSample{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	log.Ctx(ctx).DebugContext(ctx, "fetching solcast forecast", slog.String("url", u.String()))
	resp, err := s.client.Do(req)
	if err != nil {
		return types.ForecastSample{}, fmt.Errorf("failed to fetch solcast forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.ForecastSample{}, fmt.Errorf("solcast api returned status: %d", resp.StatusCode)
	}

	var data struct {
		Forecasts []solcastPeriod `json:"forecasts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return types.ForecastSample{}, fmt.Errorf("failed to decode solcast response: %w", err)
	}

	// Group the 30-minute periods by the hour they fall in.
	type hourly struct {
		p10, p50, p90 float64
		count         int
	}
	hours := make(map[int64]*hourly)
	for _, item := range data.Forecasts {
		end, err := time.Parse(time.RFC3339, item.PeriodEnd)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse solcast period_end", slog.String("value", item.PeriodEnd), slog.Any("error", err))
			continue
		}
		d := 30 * time.Minute
		if item.Period == "PT60M" {
			d = time.Hour
		}
		key := end.Add(-d).Truncate(time.Hour).Unix()

		h, ok := hours[key]
		if !ok {
			h = &hourly{}
			hours[key] = h
		}
		// kW to W
		h.p10 += item.PVEstimate10 * 1000
		h.p50 += item.PVEstimate * 1000
		h.p90 += item.PVEstimate90 * 1000
		h.count++
	}

	out := make([]types.ForecastHour, 0, len(hours))
	for key, h := range hours {
		n := float64(h.count)
		out = append(out, types.ForecastHour{
			Start: time.Unix(key, 0),
			P10W:  h.p10 / n,
			P50W:  h.p50 / n,
			P90W:  h.p90 / n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})

	log.Ctx(ctx).DebugContext(ctx, "fetched solcast forecast", slog.Int("hours", len(out)))
	return types.ForecastSample{
		SourceID:  solcastID,
		FetchedAt: now,
		Hours:     out,
	}, nil
}
