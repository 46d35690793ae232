// Package gateway provides client functionality for the X-Plane Scenery Gateway API
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scenery-downloader/pkg/models"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the base URL for the Scenery Gateway API
	DefaultBaseURL = "https://gateway.x-plane.com/apiv1"

	// RequestTimeout bounds every gateway request, body included
	RequestTimeout = 30 * time.Second

	// Version is the application version reported to the gateway
	Version = "1.0.0"

	// UserAgent identifies this tool to the gateway
	UserAgent = "scenery-downloader/" + Version

	chunkSize = 32 * 1024
)

// ProgressFunc is called between body chunks with the bytes read so far and the
// expected total (-1 when unknown). Returning an error aborts the transfer and
// that error is returned unchanged.
type ProgressFunc func(read, total int64) error

// GatewayClient defines the interface for gateway operations
//
//go:generate mockgen -source=client.go -destination=mocks/mock_client.go -package=mocks
type GatewayClient interface {
	FetchAirport(ctx context.Context, code string) (*models.Airport, error)
	FetchScenery(ctx context.Context, id int64) (*models.Scenery, error)
	FetchPackage(ctx context.Context, id int64, progress ProgressFunc) (*models.Scenery, error)
}

// Client represents a Scenery Gateway API client
type Client struct {
	baseURL string
	resty   *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a new gateway client. An empty baseURL selects DefaultBaseURL;
// requestsPerSecond <= 0 disables pacing.
func New(baseURL string, requestsPerSecond float64) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond * 2)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}

	r := resty.New().
		SetTimeout(RequestTimeout).
		SetHeader("User-Agent", UserAgent).
		SetHeader("Accept", "application/json")

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		resty:   r,
		limiter: limiter,
		logger:  slog.Default(),
	}
}

// FetchAirport looks up an airport by ICAO code. The code is validated before any
// request is made and the returned record always carries the normalized code.
func (c *Client) FetchAirport(ctx context.Context, code string) (*models.Airport, error) {
	const op = "fetch airport"

	icao, err := models.NormalizeICAO(code)
	if err != nil {
		return nil, models.NewError(models.KindInvalidInput, op, err)
	}

	body, err := c.get(ctx, op, "/airport/"+icao, nil)
	if err != nil {
		return nil, err
	}

	airport, err := decodeAirport(body, icao)
	if err != nil {
		return nil, models.NewError(models.KindProtocol, op, err)
	}

	c.logger.Debug("Fetched airport", "icao", icao, "sceneries", len(airport.SceneryIDs))
	return airport, nil
}

// FetchScenery fetches scenery metadata without decoding the archive payload
func (c *Client) FetchScenery(ctx context.Context, id int64) (*models.Scenery, error) {
	const op = "fetch scenery"

	wire, err := c.fetchSceneryWire(ctx, op, id, nil)
	if err != nil {
		return nil, err
	}

	scenery, err := c.toScenery(wire, id)
	if err != nil {
		return nil, models.NewError(models.KindProtocol, op, err).WithScenery(id)
	}
	return scenery, nil
}

// FetchPackage fetches a scenery pack together with its decoded archive payload.
// A payload that cannot be decoded yields CorruptPayload so callers can tell a bad
// binary from bad metadata.
func (c *Client) FetchPackage(ctx context.Context, id int64, progress ProgressFunc) (*models.Scenery, error) {
	const op = "fetch package"

	wire, err := c.fetchSceneryWire(ctx, op, id, progress)
	if err != nil {
		return nil, err
	}

	scenery, err := c.toScenery(wire, id)
	if err != nil {
		return nil, models.NewError(models.KindProtocol, op, err).WithScenery(id)
	}

	if wire.MasterZipBlob == nil || strings.TrimSpace(*wire.MasterZipBlob) == "" {
		return nil, models.Errorf(models.KindCorruptPayload, op, "scenery has no downloadable archive").WithScenery(id)
	}

	archive, err := decodePayload(*wire.MasterZipBlob)
	if err != nil {
		return nil, models.NewError(models.KindCorruptPayload, op, err).WithScenery(id)
	}
	scenery.Archive = archive

	c.logger.Info("Fetched scenery package", "scenery_id", id, "bytes", len(archive))
	return scenery, nil
}

func (c *Client) fetchSceneryWire(ctx context.Context, op string, id int64, progress ProgressFunc) (*sceneryWire, error) {
	if id <= 0 {
		return nil, models.Errorf(models.KindInvalidInput, op, "scenery ID must be a positive integer, got %d", id)
	}

	body, err := c.get(ctx, op, "/scenery/"+strconv.FormatInt(id, 10), progress)
	if err != nil {
		var e *models.Error
		if errors.As(err, &e) {
			return nil, e.WithScenery(id)
		}
		return nil, err
	}

	wire, err := decodeSceneryWire(body)
	if err != nil {
		return nil, models.NewError(models.KindProtocol, op, err).WithScenery(id)
	}
	return wire, nil
}

// get performs a paced GET and returns the full body. Status codes are mapped onto
// the error taxonomy here; callers only deal with decoding.
func (c *Client) get(ctx context.Context, op, path string, progress ProgressFunc) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, models.NewError(models.KindUnavailable, op, fmt.Errorf("rate limiter: %w", err))
	}

	endpoint := c.baseURL + path
	resp, err := c.resty.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(endpoint)
	if err != nil {
		if isTimeout(err) {
			return nil, models.NewError(models.KindUnavailable, op, fmt.Errorf("request timed out after %s: %w", RequestTimeout, err))
		}
		return nil, models.NewError(models.KindUnavailable, op, fmt.Errorf("failed to make request: %w", err))
	}

	body := resp.RawBody()
	defer body.Close()

	status := resp.StatusCode()
	switch {
	case status == http.StatusNotFound:
		return nil, models.Errorf(models.KindNotFound, op, "resource not found: %s", path)
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, models.Errorf(models.KindUnavailable, op, "gateway returned status %d", status)
	case status < 200 || status > 299:
		return nil, models.Errorf(models.KindProtocol, op, "gateway returned status %d", status)
	}

	var total int64 = -1
	if resp.RawResponse != nil {
		total = resp.RawResponse.ContentLength
	}

	data, err := readBody(body, total, progress)
	if err != nil {
		if abort, ok := err.(abortError); ok {
			return nil, abort.err
		}
		if isTimeout(err) {
			return nil, models.NewError(models.KindUnavailable, op, fmt.Errorf("response timed out after %s: %w", RequestTimeout, err))
		}
		return nil, models.NewError(models.KindUnavailable, op, fmt.Errorf("failed to read response: %w", err))
	}
	return data, nil
}

// abortError carries an error returned by a ProgressFunc through readBody
type abortError struct{ err error }

func (a abortError) Error() string { return a.err.Error() }

func readBody(r io.Reader, total int64, progress ProgressFunc) ([]byte, error) {
	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}

	chunk := make([]byte, chunkSize)
	var read int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			read += int64(n)
			if progress != nil {
				if perr := progress(read, total); perr != nil {
					return nil, abortError{err: perr}
				}
			}
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func decodeAirport(body []byte, icao string) (*models.Airport, error) {
	var env airportEnvelope
	if err := sonic.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode airport: %w", err)
	}
	wire := env.Airport
	if wire == nil {
		wire = &airportWire{}
		if err := sonic.Unmarshal(body, wire); err != nil {
			return nil, fmt.Errorf("failed to decode airport: %w", err)
		}
	}

	// the registry usually omits the code; it is only checked when present
	got := strings.ToUpper(strings.TrimSpace(wire.ICAO))
	if got != "" && got != icao {
		return nil, fmt.Errorf("airport response is for %s, requested %s", got, icao)
	}

	name := wire.AirportName
	if name == "" {
		name = wire.Name
	}

	ids := make([]int64, 0, len(wire.Scenery))
	var lastUpdated *time.Time
	for _, ref := range wire.Scenery {
		if ref.SceneryID <= 0 {
			return nil, fmt.Errorf("airport lists invalid scenery id %d", ref.SceneryID)
		}
		ids = append(ids, int64(ref.SceneryID))

		date := ref.DateApproved
		if date == nil || *date == "" {
			date = ref.DateAccepted
		}
		t, err := parseTime(date)
		if err != nil {
			return nil, fmt.Errorf("scenery %d: %w", ref.SceneryID, err)
		}
		if t != nil && (lastUpdated == nil || t.After(*lastUpdated)) {
			lastUpdated = t
		}
	}

	var recommended *int64
	if wire.RecommendedSceneryID != nil && *wire.RecommendedSceneryID > 0 {
		v := int64(*wire.RecommendedSceneryID)
		recommended = &v
	}

	return models.NewAirport(icao, name, float64(wire.Latitude), float64(wire.Longitude), ids, recommended, lastUpdated)
}

func decodeSceneryWire(body []byte) (*sceneryWire, error) {
	var env sceneryEnvelope
	if err := sonic.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode scenery: %w", err)
	}
	if env.Scenery != nil {
		return env.Scenery, nil
	}

	wire := &sceneryWire{}
	if err := sonic.Unmarshal(body, wire); err != nil {
		return nil, fmt.Errorf("failed to decode scenery: %w", err)
	}
	return wire, nil
}

func (c *Client) toScenery(w *sceneryWire, id int64) (*models.Scenery, error) {
	if w.SceneryID != 0 && int64(w.SceneryID) != id {
		return nil, fmt.Errorf("scenery response is for %d, requested %d", w.SceneryID, id)
	}

	// AirportICAO stays empty when the response does not name the airport;
	// callers fill it from the airport the scenery was listed under
	var icao string
	if strings.TrimSpace(w.ICAO) != "" {
		normalized, err := models.NormalizeICAO(w.ICAO)
		if err != nil {
			return nil, err
		}
		icao = normalized
	}

	typ, err := models.ParseSceneryType(w.Type)
	if err != nil {
		return nil, err
	}

	uploaded, err := parseTime(w.DateUploaded)
	if err != nil {
		return nil, fmt.Errorf("dateUploaded: %w", err)
	}
	accepted, err := parseTime(w.DateAccepted)
	if err != nil {
		return nil, fmt.Errorf("dateAccepted: %w", err)
	}
	approved, err := parseTime(w.DateApproved)
	if err != nil {
		return nil, fmt.Errorf("dateApproved: %w", err)
	}

	artist := w.UserName
	if artist == "" {
		artist = w.ArtistName
	}
	if artist == "" {
		artist = "Unknown"
	}

	parentWire := w.ParentID
	if parentWire == nil || *parentWire == 0 {
		parentWire = w.ParentScenery
	}
	var parent *int64
	if parentWire != nil && *parentWire > 0 {
		p := int64(*parentWire)
		if p == id {
			c.logger.Warn("Ignoring self-referencing parent scenery", "scenery_id", id)
		} else {
			parent = &p
		}
	}

	return &models.Scenery{
		ID:                id,
		AirportICAO:       icao,
		Artist:            artist,
		DateUploaded:      uploaded,
		DateAccepted:      accepted,
		DateApproved:      approved,
		Type:              typ,
		Status:            models.ParseReviewStatus(w.Status),
		Features:          []string(w.Features),
		WEDVersion:        w.WEDVersion.ptr(),
		XPlaneVersion:     w.XPlaneVersion.ptr(),
		ArtistComments:    w.ArtistComments.ptr(),
		ModeratorComments: w.ModeratorComments.ptr(),
		ParentID:          parent,
		EditorsChoice:     bool(w.EditorsChoice),
	}, nil
}

// decodePayload decodes the base64 archive blob, tolerating embedded line breaks
func decodePayload(blob string) ([]byte, error) {
	cleaned := strings.Join(strings.Fields(blob), "")
	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to decode archive payload: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("archive payload is empty")
	}
	return data, nil
}
