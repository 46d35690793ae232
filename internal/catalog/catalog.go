// Package catalog serves airport and scenery metadata from the gateway through an
// in-memory cache, prefetching scenery details concurrently
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"scenery-downloader/internal/gateway"
	"scenery-downloader/internal/metrics"
	"scenery-downloader/pkg/models"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultConcurrency bounds concurrent metadata requests
	DefaultConcurrency = 4
	// DefaultTTL is how long metadata stays cached
	DefaultTTL = 15 * time.Minute

	cleanupInterval = 30 * time.Minute
)

// AirportDetails is an airport together with the metadata of its sceneries
type AirportDetails struct {
	Airport   *models.Airport   `json:"airport"`
	Sceneries []*models.Scenery `json:"sceneries"`
	// Failed maps scenery IDs whose metadata could not be fetched to the reason
	Failed map[int64]string `json:"failed,omitempty"`
}

// Service provides cached metadata lookups
type Service struct {
	client      gateway.GatewayClient
	cache       *cache.Cache
	concurrency int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewService creates a catalog. concurrency <= 0 selects DefaultConcurrency and
// ttl <= 0 selects DefaultTTL.
func NewService(client gateway.GatewayClient, concurrency int, ttl time.Duration) *Service {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		client:      client,
		cache:       cache.New(ttl, cleanupInterval),
		concurrency: concurrency,
		logger:      slog.Default(),
	}
}

// SetMetrics attaches metrics collection
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func airportKey(icao string) string { return "airport:" + icao }
func sceneryKey(id int64) string    { return "scenery:" + strconv.FormatInt(id, 10) }

// Airport returns the airport for code, from cache when possible
func (s *Service) Airport(ctx context.Context, code string) (*models.Airport, error) {
	icao, err := models.NormalizeICAO(code)
	if err != nil {
		return nil, models.NewError(models.KindInvalidInput, "lookup airport", err)
	}

	if v, ok := s.cache.Get(airportKey(icao)); ok {
		s.metrics.CacheLookup("airport", true)
		return v.(*models.Airport), nil
	}
	s.metrics.CacheLookup("airport", false)

	airport, err := s.client.FetchAirport(ctx, icao)
	if err != nil {
		return nil, err
	}

	s.cache.SetDefault(airportKey(icao), airport)
	return airport, nil
}

// Scenery returns scenery metadata without the archive payload
func (s *Service) Scenery(ctx context.Context, id int64) (*models.Scenery, error) {
	if v, ok := s.cache.Get(sceneryKey(id)); ok {
		s.metrics.CacheLookup("scenery", true)
		return v.(*models.Scenery).WithoutArchive(), nil
	}
	s.metrics.CacheLookup("scenery", false)

	scenery, err := s.client.FetchScenery(ctx, id)
	if err != nil {
		return nil, err
	}

	stored := scenery.WithoutArchive()
	s.cache.SetDefault(sceneryKey(id), stored)
	return stored.WithoutArchive(), nil
}

// Prefetch fetches metadata for ids with bounded concurrency. Individual failures
// are reported per ID; the returned error is only set when ctx ends.
func (s *Service) Prefetch(ctx context.Context, ids []int64) (map[int64]*models.Scenery, map[int64]error, error) {
	var (
		mu      sync.Mutex
		results = make(map[int64]*models.Scenery, len(ids))
		failed  = make(map[int64]error)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			scenery, err := s.Scenery(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[id] = err
				return nil
			}
			results[id] = scenery
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, failed, err
	}
	if err := ctx.Err(); err != nil {
		return results, failed, err
	}
	return results, failed, nil
}

// AirportDetails looks up the airport and prefetches every listed scenery. Sceneries
// whose metadata fails are listed in Failed rather than failing the whole lookup.
func (s *Service) AirportDetails(ctx context.Context, code string) (*AirportDetails, error) {
	airport, err := s.Airport(ctx, code)
	if err != nil {
		return nil, err
	}

	results, failed, err := s.Prefetch(ctx, airport.SceneryIDs)
	if err != nil {
		return nil, fmt.Errorf("prefetch sceneries for %s: %w", airport.ICAO(), err)
	}

	details := &AirportDetails{
		Airport:   airport,
		Sceneries: make([]*models.Scenery, 0, len(results)),
	}
	for _, id := range airport.SceneryIDs {
		scenery, ok := results[id]
		if !ok {
			continue
		}
		if scenery.AirportICAO == "" {
			scenery.AirportICAO = airport.ICAO()
			s.cache.SetDefault(sceneryKey(id), scenery.WithoutArchive())
		}
		details.Sceneries = append(details.Sceneries, scenery)
	}
	sort.SliceStable(details.Sceneries, func(i, j int) bool {
		return details.Sceneries[i].ID < details.Sceneries[j].ID
	})

	if len(failed) > 0 {
		details.Failed = make(map[int64]string, len(failed))
		for id, ferr := range failed {
			details.Failed[id] = ferr.Error()
			s.logger.Warn("Failed to prefetch scenery", "icao", airport.ICAO(), "scenery_id", id, "error", ferr)
		}
	}

	return details, nil
}

// Lineage follows parent links from id using cached metadata. Lookup failures end
// the walk at the last resolved scenery.
func (s *Service) Lineage(ctx context.Context, id int64) ([]int64, bool) {
	lookup := func(sid int64) (*models.Scenery, bool) {
		scenery, err := s.Scenery(ctx, sid)
		if err != nil {
			s.logger.Debug("Lineage lookup failed", "scenery_id", sid, "error", err)
			return nil, false
		}
		return scenery, true
	}
	return models.Lineage(id, lookup, models.DefaultLineageDepth)
}

// Invalidate drops cached metadata for an airport
func (s *Service) Invalidate(code string) {
	if icao, err := models.NormalizeICAO(code); err == nil {
		s.cache.Delete(airportKey(icao))
	}
}

// Flush empties the cache
func (s *Service) Flush() {
	s.cache.Flush()
}
