package forecast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunpilot/sunpilot/pkg/types"
)

func TestForecastSolar(t *testing.T) {
	site := &siteConfig{
		latitude:    48.86,
		longitude:   2.35,
		kwp:         5.6,
		declination: 30,
		azimuth:     0,
		loc:         time.UTC,
	}

	t.Run("Parsing", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/estimate/48.8600/2.3500/30/0/5.6" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}

			// Irregular series: two points in the 10:00 hour, one at 11:00.
			response := `{"result": {"watts": {
				"2026-06-01 10:00:00": 1000,
				"2026-06-01 10:30:00": 2000,
				"2026-06-01 11:00:00": 3000
			}}, "message": {"type": "success"}}`
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(response))
		}))
		defer ts.Close()

		f := &ForecastSolar{
			apiURL: ts.URL,
			site:   site,
			client: ts.Client(),
		}

		sample, err := f.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, forecastSolarID, sample.SourceID)
		require.Len(t, sample.Hours, 2)

		// 10:00 averages to 1500 W with the synthetic 0.7/1.3 band.
		assert.True(t, sample.Hours[0].Start.Equal(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)))
		assert.InDelta(t, 1500, sample.Hours[0].P50W, 0.001)
		assert.InDelta(t, 1050, sample.Hours[0].P10W, 0.001)
		assert.InDelta(t, 1950, sample.Hours[0].P90W, 0.001)

		assert.True(t, sample.Hours[1].Start.Equal(time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC)))
		assert.InDelta(t, 3000, sample.Hours[1].P50W, 0.001)
	})

	t.Run("LocalTimestamps", func(t *testing.T) {
		paris, err := time.LoadLocation("Europe/Paris")
		require.NoError(t, err)

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"result": {"watts": {"2026-06-01 12:00:00": 1000}}}`))
		}))
		defer ts.Close()

		parisSite := *site
		parisSite.loc = paris
		f := &ForecastSolar{
			apiURL: ts.URL,
			site:   &parisSite,
			client: ts.Client(),
		}

		sample, err := f.Fetch(context.Background())
		require.NoError(t, err)
		require.Len(t, sample.Hours, 1)

		// Noon CEST is 10:00 UTC.
		assert.True(t, sample.Hours[0].Start.Equal(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)))
	})

	t.Run("RateLimitServesCache", func(t *testing.T) {
		requests := 0
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests++
			_, _ = w.Write([]byte(`{"result": {"watts": {}}}`))
		}))
		defer ts.Close()

		now := time.Now()
		f := &ForecastSolar{
			apiURL:    ts.URL,
			site:      site,
			client:    ts.Client(),
			lastFetch: now.Add(-time.Minute),
		}
		cached := types.ForecastSample{
			SourceID:  forecastSolarID,
			FetchedAt: now.Add(-time.Minute),
			Hours:     []types.ForecastHour{{Start: now, P50W: 500}},
		}
		f.cache.put(cached)

		sample, err := f.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, cached, sample)
		assert.Equal(t, 0, requests, "expected cached response inside the rate limit window")
	})

	t.Run("FailureServesCache", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer ts.Close()

		now := time.Now()
		f := &ForecastSolar{
			apiURL: ts.URL,
			site:   site,
			client: ts.Client(),
		}
		cached := types.ForecastSample{
			SourceID:  forecastSolarID,
			FetchedAt: now.Add(-2 * time.Hour),
			Hours:     []types.ForecastHour{{Start: now, P50W: 500}},
		}
		f.cache.put(cached)

		sample, err := f.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, cached, sample)
	})
}
