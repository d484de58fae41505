package forecast

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/sunpilot/sunpilot/pkg/types"
)

// Source produces pre-parsed forecast samples for the ensemble. Fetch should
// honor the provider's request budget and serve its cached sample when the
// budget is exhausted; an error means the source is unavailable this cycle
// and the ensemble simply excludes it.
type Source interface {
	ID() string
	Fetch(ctx context.Context) (types.ForecastSample, error)
}

const (
	// cacheMaxAge bounds how long a source may keep serving its last good
	// sample after fetches start failing or the request budget runs out.
	cacheMaxAge = 6 * time.Hour

	// Synthetic percentile band applied by sources that only publish a single
	// estimate.
	p10Scale = 0.7
	p90Scale = 1.3
)

// synthesizeBand fills P10/P90 around P50 for sources without native
// percentile output.
func synthesizeBand(hours []types.ForecastHour) {
	for i := range hours {
		hours[i].P10W = hours[i].P50W * p10Scale
		hours[i].P90W = hours[i].P50W * p90Scale
	}
}

// sampleCache holds the last good sample from a source so budget-exhausted or
// failed fetches can fall back to it.
type sampleCache struct {
	mu     sync.Mutex
	sample types.ForecastSample
}

func (c *sampleCache) put(s types.ForecastSample) {
	c.mu.Lock()
	c.sample = s
	c.mu.Unlock()
}

// fresh returns the cached sample if it exists and is recent enough to still
// be worth merging.
func (c *sampleCache) fresh(now time.Time) (types.ForecastSample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sample.Hours) == 0 || now.Sub(c.sample.FetchedAt) > cacheMaxAge {
		return types.ForecastSample{}, false
	}
	return c.sample, true
}

// siteConfig holds the PV install parameters shared by the forecast sources.
type siteConfig struct {
	latitude    float64
	longitude   float64
	kwp         float64
	declination float64
	azimuth     float64
	loc         *time.Location
}

func (s *siteConfig) hasCoordinates() bool {
	return s.latitude != 0 || s.longitude != 0
}

// Sources is the configured set of forecast sources. The list is empty until
// lflag.Configure has run.
type Sources struct {
	list []Source
}

// List returns the enabled sources.
func (s *Sources) List() []Source {
	return s.list
}

// IDs returns the enabled source IDs.
func (s *Sources) IDs() []string {
	ids := make([]string, 0, len(s.list))
	for _, src := range s.list {
		ids = append(ids, src.ID())
	}
	return ids
}

// Configured sets up every forecast source that has enough configuration to
// run: Solcast needs an API key and rooftop site ID, the free providers only
// need the site coordinates and panel size.
func Configured() *Sources {
	site := &siteConfig{}
	latitude := lflag.String("site-latitude", "", "Latitude of the PV install")
	longitude := lflag.String("site-longitude", "", "Longitude of the PV install")
	kwp := lflag.String("site-kwp", "", "Installed panel peak power in kW")
	declination := lflag.String("site-declination", "30", "Panel declination in degrees (0 flat, 90 vertical)")
	azimuth := lflag.String("site-azimuth", "0", "Panel azimuth in degrees (0 south)")
	timezone := lflag.String("site-timezone", "Local", "IANA timezone used to interpret provider-local timestamps")

	solcast := configuredSolcast()
	forecastSolar := configuredForecastSolar(site)
	openMeteo := configuredOpenMeteo(site)

	s := &Sources{}
	lflag.Do(func() {
		site.latitude = parseFloatFlag("site-latitude", *latitude)
		site.longitude = parseFloatFlag("site-longitude", *longitude)
		site.kwp = parseFloatFlag("site-kwp", *kwp)
		site.declination = parseFloatFlag("site-declination", *declination)
		site.azimuth = parseFloatFlag("site-azimuth", *azimuth)
		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Sprintf("invalid site-timezone: %v", err))
		}
		site.loc = loc

		if solcast.enabled() {
			s.list = append(s.list, solcast)
		}
		if site.hasCoordinates() && site.kwp > 0 {
			s.list = append(s.list, forecastSolar, openMeteo)
		}
	})
	return s
}

// parseFloatFlag parses a numeric flag value, treating empty as unset.
func parseFloatFlag(name, v string) float64 {
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %v", name, err))
	}
	return f
}
