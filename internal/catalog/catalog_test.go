package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"scenery-downloader/internal/gateway/mocks"
	"scenery-downloader/internal/metrics"
	"scenery-downloader/pkg/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testAirport(t *testing.T, ids ...int64) *models.Airport {
	t.Helper()
	a, err := models.NewAirport("KJFK", "John F Kennedy Intl", 40.63, -73.77, ids, nil, nil)
	require.NoError(t, err)
	return a
}

func parent(id int64) *int64 { return &id }

func TestNewService(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockGatewayClient(ctrl)

	service := NewService(client, 0, 0)
	require.Equal(t, DefaultConcurrency, service.concurrency)
	require.NotNil(t, service.cache)

	service = NewService(client, 8, time.Minute)
	require.Equal(t, 8, service.concurrency)
}

func TestService_AirportIsCached(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockGatewayClient(ctrl)
	airport := testAirport(t, 1)

	client.EXPECT().FetchAirport(gomock.Any(), "KJFK").Return(airport, nil).Times(1)

	service := NewService(client, 2, time.Minute)
	m := metrics.New()
	service.SetMetrics(m)

	got, err := service.Airport(context.Background(), " kjfk ")
	require.NoError(t, err)
	require.Equal(t, "KJFK", got.ICAO())

	got, err = service.Airport(context.Background(), "KJFK")
	require.NoError(t, err)
	require.Same(t, airport, got)

	// invalidation forces a refetch
	client.EXPECT().FetchAirport(gomock.Any(), "KJFK").Return(airport, nil).Times(1)
	service.Invalidate("kjfk")
	_, err = service.Airport(context.Background(), "KJFK")
	require.NoError(t, err)
}

func TestService_AirportInvalidCode(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockGatewayClient(ctrl)

	service := NewService(client, 2, time.Minute)
	_, err := service.Airport(context.Background(), "K!")
	require.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestService_AirportErrorNotCached(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockGatewayClient(ctrl)

	client.EXPECT().FetchAirport(gomock.Any(), "KJFK").Return(nil, models.ErrUnavailable).Times(2)

	service := NewService(client, 2, time.Minute)
	_, err := service.Airport(context.Background(), "KJFK")
	require.ErrorIs(t, err, models.ErrUnavailable)
	_, err = service.Airport(context.Background(), "KJFK")
	require.ErrorIs(t, err, models.ErrUnavailable)
}

func TestService_SceneryDropsArchive(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockGatewayClient(ctrl)

	client.EXPECT().FetchScenery(gomock.Any(), int64(101)).
		Return(&models.Scenery{ID: 101, AirportICAO: "KJFK", Archive: []byte("zip")}, nil).Times(1)

	service := NewService(client, 2, time.Minute)

	got, err := service.Scenery(context.Background(), 101)
	require.NoError(t, err)
	require.Nil(t, got.Archive)

	// callers cannot mutate the cached entry
	got.Artist = "changed"
	again, err := service.Scenery(context.Background(), 101)
	require.NoError(t, err)
	require.Empty(t, again.Artist)
}

func TestService_AirportDetails(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockGatewayClient(ctrl)

	client.EXPECT().FetchAirport(gomock.Any(), "KJFK").Return(testAirport(t, 103, 101, 102), nil)
	client.EXPECT().FetchScenery(gomock.Any(), int64(101)).Return(&models.Scenery{ID: 101, AirportICAO: "KJFK"}, nil)
	client.EXPECT().FetchScenery(gomock.Any(), int64(102)).Return(nil, models.ErrNotFound)
	client.EXPECT().FetchScenery(gomock.Any(), int64(103)).Return(&models.Scenery{ID: 103, AirportICAO: "KJFK", ParentID: parent(101)}, nil)

	service := NewService(client, 2, time.Minute)

	details, err := service.AirportDetails(context.Background(), "KJFK")
	require.NoError(t, err)
	require.Equal(t, "KJFK", details.Airport.ICAO())
	require.Len(t, details.Sceneries, 2)
	require.Equal(t, int64(101), details.Sceneries[0].ID)
	require.Equal(t, int64(103), details.Sceneries[1].ID)
	require.Contains(t, details.Failed, int64(102))
}

func TestService_AirportDetailsFillsMissingICAO(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockGatewayClient(ctrl)

	client.EXPECT().FetchAirport(gomock.Any(), "KJFK").Return(testAirport(t, 101), nil)
	client.EXPECT().FetchScenery(gomock.Any(), int64(101)).Return(&models.Scenery{ID: 101}, nil).Times(1)

	service := NewService(client, 2, time.Minute)

	details, err := service.AirportDetails(context.Background(), "KJFK")
	require.NoError(t, err)
	require.Len(t, details.Sceneries, 1)
	require.Equal(t, "KJFK", details.Sceneries[0].AirportICAO)
	require.Equal(t, "KJFK_101", details.Sceneries[0].FolderName())

	// later lookups see the filled code without another request
	cached, err := service.Scenery(context.Background(), 101)
	require.NoError(t, err)
	require.Equal(t, "KJFK", cached.AirportICAO)
}

func TestService_PrefetchBoundsConcurrency(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockGatewayClient(ctrl)

	var inFlight, peak int32
	client.EXPECT().FetchScenery(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, id int64) (*models.Scenery, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return &models.Scenery{ID: id}, nil
		}).Times(12)

	service := NewService(client, 3, time.Minute)

	ids := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	results, failed, err := service.Prefetch(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, results, 12)
	require.Empty(t, failed)
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestService_PrefetchCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockGatewayClient(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	service := NewService(client, 2, time.Minute)
	_, _, err := service.Prefetch(ctx, []int64{1, 2, 3})
	require.True(t, errors.Is(err, context.Canceled))
}

func TestService_Lineage(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockGatewayClient(ctrl)

	client.EXPECT().FetchScenery(gomock.Any(), int64(3)).Return(&models.Scenery{ID: 3, ParentID: parent(2)}, nil)
	client.EXPECT().FetchScenery(gomock.Any(), int64(2)).Return(&models.Scenery{ID: 2, ParentID: parent(1)}, nil)
	client.EXPECT().FetchScenery(gomock.Any(), int64(1)).Return(nil, models.ErrNotFound)

	service := NewService(client, 2, time.Minute)

	chain, truncated := service.Lineage(context.Background(), 3)
	require.Equal(t, []int64{3, 2, 1}, chain)
	require.False(t, truncated)
}
