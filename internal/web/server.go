// Package web provides the HTTP server and routing
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scenery-downloader/internal/config"
	"scenery-downloader/internal/metrics"
	"scenery-downloader/internal/web/handlers"
)

// Server represents the HTTP server
type Server struct {
	server   *http.Server
	handlers *handlers.Handlers
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewServer creates a new HTTP server. m may be nil, in which case requests are
// not measured and /metrics is not served.
func NewServer(cfg *config.Config, h *handlers.Handlers, m *metrics.Metrics) *Server {
	s := &Server{
		handlers: h,
		metrics:  m,
		logger:   slog.Default(),
	}

	mux := http.NewServeMux()

	s.handle(mux, "GET /api/airports/{icao}", h.GetAirport)
	s.handle(mux, "GET /api/sceneries/{id}", h.GetScenery)

	s.handle(mux, "POST /api/downloads", h.SubmitDownload)
	s.handle(mux, "GET /api/downloads", h.ListDownloads)
	s.handle(mux, "DELETE /api/downloads/finished", h.ClearFinished)
	s.handle(mux, "DELETE /api/downloads/{id}", h.CancelDownload)
	s.handle(mux, "POST /api/downloads/{id}/activate", h.ActivateDownload)
	s.handle(mux, "POST /api/downloads/{id}/discard", h.DiscardDownload)

	s.handle(mux, "GET /api/installed", h.ListInstalled)
	s.handle(mux, "DELETE /api/installed/{id}", h.Uninstall)

	s.handle(mux, "GET /api/history", h.History)
	s.handle(mux, "GET /api/history/stats", h.HistoryStats)

	s.handle(mux, "GET /api/simulator", h.GetSimulator)
	s.handle(mux, "POST /api/simulator", h.SetSimulator)
	s.handle(mux, "GET /api/folders", h.BrowseFolders)

	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	s.server = &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handle registers fn under pattern, recording request metrics by pattern
func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	route := pattern
	if _, path, ok := strings.Cut(pattern, " "); ok {
		route = path
	}

	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		fn(rec, r)

		s.metrics.ObserveRequest(route, r.Method, strconv.Itoa(rec.status), time.Since(start))
		s.logger.Debug("Handled request",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	localIP := getLocalIP()
	port := strings.TrimPrefix(s.server.Addr, ":")

	s.logger.Info("Starting HTTP server",
		"addr", s.server.Addr,
		"local_ip", localIP,
		"port", port,
		"url", fmt.Sprintf("http://%s:%s", localIP, port))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// getLocalIP returns the first private IPv4 address, preferring 192.168.*
func getLocalIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "localhost"
	}

	var fallback string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ip := addrIP(addr)
			if ip == nil || !isPrivateIPv4(ip) {
				continue
			}
			if strings.HasPrefix(ip.String(), "192.168.") {
				return ip.String()
			}
			if fallback == "" {
				fallback = ip.String()
			}
		}
	}

	if fallback != "" {
		return fallback
	}
	return "localhost"
}

func addrIP(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}

// isPrivateIPv4 reports whether ip is in 10/8, 172.16/12 or 192.168/16
func isPrivateIPv4(ip net.IP) bool {
	return ip.To4() != nil && !ip.IsLoopback() && ip.IsPrivate()
}
