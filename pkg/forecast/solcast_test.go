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

func TestSolcast(t *testing.T) {
	t.Run("Parsing", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/rooftop_sites/site-1/forecasts" {
				t.Errorf("expected path /rooftop_sites/site-1/forecasts, got %s", r.URL.Path)
			}
			if r.Header.Get("Authorization") != "Bearer test-key" {
				t.Errorf("missing or wrong authorization header")
			}
			if r.URL.Query().Get("hours") != "48" {
				t.Errorf("expected hours=48, got %s", r.URL.Query().Get("hours"))
			}

			// Two 30-minute periods in the 10:00 hour and one in the 11:00
			// hour. Estimates are kW.
			response := `{"forecasts": [
				{"pv_estimate": 1.0, "pv_estimate10": 0.5, "pv_estimate90": 2.0, "period_end": "2026-06-01T10:30:00.0000000Z", "period": "PT30M"},
				{"pv_estimate": 2.0, "pv_estimate10": 1.5, "pv_estimate90": 3.0, "period_end": "2026-06-01T11:00:00.0000000Z", "period": "PT30M"},
				{"pv_estimate": 3.0, "pv_estimate10": 2.0, "pv_estimate90": 4.0, "period_end": "2026-06-01T11:30:00.0000000Z", "period": "PT30M"}
			]}`
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(response))
		}))
		defer ts.Close()

		s := &Solcast{
			apiURL: ts.URL,
			apiKey: "test-key",
			siteID: "site-1",
			client: ts.Client(),
		}

		sample, err := s.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, solcastID, sample.SourceID)
		require.Len(t, sample.Hours, 2)

		// 10:00 hour averages the two 30-minute periods: (1.0+2.0)/2 kW = 1500 W
		assert.True(t, sample.Hours[0].Start.Equal(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)))
		assert.InDelta(t, 1500, sample.Hours[0].P50W, 0.001)
		assert.InDelta(t, 1000, sample.Hours[0].P10W, 0.001)
		assert.InDelta(t, 2500, sample.Hours[0].P90W, 0.001)

		// 11:00 hour has a single period.
		assert.True(t, sample.Hours[1].Start.Equal(time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC)))
		assert.InDelta(t, 3000, sample.Hours[1].P50W, 0.001)
	})

	t.Run("BudgetServesCache", func(t *testing.T) {
		requests := 0
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests++
			_, _ = w.Write([]byte(`{"forecasts": []}`))
		}))
		defer ts.Close()

		now := time.Now()
		s := &Solcast{
			apiURL:       ts.URL,
			apiKey:       "test-key",
			siteID:       "site-1",
			client:       ts.Client(),
			requestDay:   now.UTC().Format("2006-01-02"),
			requestsUsed: solcastDailyBudget,
		}
		cached := types.ForecastSample{
			SourceID:  solcastID,
			FetchedAt: now.Add(-time.Hour),
			Hours:     []types.ForecastHour{{Start: now, P50W: 1000}},
		}
		s.cache.put(cached)

		sample, err := s.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, cached, sample)
		assert.Equal(t, 0, requests, "expected no request once the budget is exhausted")
	})

	t.Run("BudgetExhaustedNoCache", func(t *testing.T) {
		now := time.Now()
		s := &Solcast{
			apiURL:       "http://example.com",
			apiKey:       "test-key",
			siteID:       "site-1",
			client:       &http.Client{},
			requestDay:   now.UTC().Format("2006-01-02"),
			requestsUsed: solcastDailyBudget,
		}

		_, err := s.Fetch(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "budget exhausted")
	})

	t.Run("BudgetResetsNextDay", func(t *testing.T) {
		requests := 0
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests++
			_, _ = w.Write([]byte(`{"forecasts": [{"pv_estimate": 1.0, "period_end": "2026-06-01T10:30:00Z", "period": "PT30M"}]}`))
		}))
		defer ts.Close()

		s := &Solcast{
			apiURL:       ts.URL,
			apiKey:       "test-key",
			siteID:       "site-1",
			client:       ts.Client(),
			requestDay:   "2026-05-31",
			requestsUsed: solcastDailyBudget,
		}

		_, err := s.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, requests)
		assert.Equal(t, 1, s.requestsUsed)
	})

	t.Run("FailureServesCache", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		now := time.Now()
		s := &Solcast{
			apiURL: ts.URL,
			apiKey: "test-key",
			siteID: "site-1",
			client: ts.Client(),
		}
		cached := types.ForecastSample{
			SourceID:  solcastID,
			FetchedAt: now.Add(-time.Hour),
			Hours:     []types.ForecastHour{{Start: now, P50W: 1000}},
		}
		s.cache.put(cached)

		sample, err := s.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, cached, sample)
	})

	t.Run("FailureStaleCacheErrors", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		now := time.Now()
		s := &Solcast{
			apiURL: ts.URL,
			apiKey: "test-key",
			siteID: "site-1",
			client: ts.Client(),
		}
		s.cache.put(types.ForecastSample{
			SourceID:  solcastID,
			FetchedAt: now.Add(-cacheMaxAge - time.Hour),
			Hours:     []types.ForecastHour{{Start: now, P50W: 1000}},
		})

		_, err := s.Fetch(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status: 500")
	})
}
