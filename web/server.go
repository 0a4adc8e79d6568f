// Package web serves the browser UI: a small JSON API to drive the robot and
// live event streams over SSE and websockets.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trnila/go-sse"

	"github.com/trnila/rollerctrl/protocol"
	"github.com/trnila/rollerctrl/session"
)

// EventsChannel is the SSE channel every event is published on.
const EventsChannel = "/events/robot"

// Controller is the part of a session the web UI drives.
type Controller interface {
	SendStreamingConfiguration(ctx context.Context, cfg protocol.StreamingConfiguration) error
	StopStreaming(ctx context.Context) error
	SelfLevel(ctx context.Context, cmd protocol.SelfLevel) error
	SetRGBLED(ctx context.Context, r, g, b byte) error
	CurrentMask() protocol.StreamingMask
	CurrentMask2() protocol.StreamingMask2
	Streaming() bool
	Capabilities() protocol.Capabilities
	Subscribe() <-chan protocol.Event
	Unsubscribe(c <-chan protocol.Event)
}

type Options struct {
	StaticDir string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer  prometheus.Gatherer
	Multicast *Multicast
	Logger    *slog.Logger
}

type Server struct {
	ctrl      Controller
	logger    *slog.Logger
	sse       *sse.Server
	ws        *hub
	multicast *Multicast
	router    chi.Router
}

func New(ctrl Controller, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		ctrl:      ctrl,
		logger:    logger,
		ws:        newHub(logger),
		multicast: opts.Multicast,
	}

	s.sse = sse.NewServer(&sse.Options{
		ClientConnected: func(client *sse.Client) {
			b, err := json.Marshal(s.streamingStatus())
			if err != nil {
				s.logger.Error("cannot marshal streaming status", "error", err)
				return
			}
			client.SendMessage(sse.NewMessage("", string(b), "streaming"))
		},
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/streaming", s.handleGetStreaming)
		r.Post("/streaming", s.handleSetStreaming)
		r.Post("/streaming/stop", s.handleStopStreaming)
		r.Post("/selflevel", s.handleSelfLevel)
		r.Post("/led", s.handleLED)
	})
	r.Handle("/events/*", s.sse)
	r.Get("/ws", s.ws.serveHTTP)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(opts.StaticDir)))
	}
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start subscribes to session events before returning, then forwards them to
// the SSE, websocket and multicast clients until ctx is done.
func (s *Server) Start(ctx context.Context) {
	events := s.ctrl.Subscribe()
	go s.run(ctx, events)
}

func (s *Server) run(ctx context.Context, events <-chan protocol.Event) {
	defer s.ctrl.Unsubscribe(events)

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.publish(evt)
		case <-ctx.Done():
			return
		}
	}
}

// Close disconnects every streaming client.
func (s *Server) Close() {
	s.sse.Shutdown()
	s.ws.close()
}

func (s *Server) publish(evt protocol.Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("cannot marshal event", "kind", evt.Kind(), "error", err)
		return
	}

	s.sse.SendMessage(EventsChannel, sse.NewMessage("", string(b), evt.Kind()))
	s.ws.broadcast(envelope{Kind: evt.Kind(), Data: b})

	if data, ok := evt.(protocol.SensorData); ok && s.multicast != nil {
		s.multicast.Publish(data)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type streamingStatus struct {
	Mask           protocol.StreamingMask  `json:"mask"`
	Mask2          protocol.StreamingMask2 `json:"mask2"`
	Channels       []string                `json:"channels"`
	Mask2Supported bool                    `json:"mask2_supported"`
	Streaming      bool                    `json:"streaming"`
}

func (s *Server) streamingStatus() streamingStatus {
	mask, mask2 := s.ctrl.CurrentMask(), s.ctrl.CurrentMask2()
	return streamingStatus{
		Mask:           mask,
		Mask2:          mask2,
		Channels:       append(mask.Channels(), mask2.Channels()...),
		Mask2Supported: s.ctrl.Capabilities().Mask2,
		Streaming:      s.ctrl.Streaming(),
	}
}

type streamingRequest struct {
	Divisor  uint16                   `json:"divisor"`
	Frames   uint16                   `json:"frames"`
	Count    uint8                    `json:"count"`
	Mask     *protocol.StreamingMask  `json:"mask"`
	Mask2    *protocol.StreamingMask2 `json:"mask2"`
	Channels []string                 `json:"channels"`
}

func (req streamingRequest) configuration() (protocol.StreamingConfiguration, error) {
	cfg := protocol.StreamingConfiguration{
		SampleRateDivisor: req.Divisor,
		PacketFrames:      req.Frames,
		PacketCount:       req.Count,
	}

	if len(req.Channels) > 0 {
		if req.Mask != nil || req.Mask2 != nil {
			return cfg, errors.New("give either channels or masks")
		}
		mask, mask2, err := protocol.ParseChannels(req.Channels)
		if err != nil {
			return cfg, err
		}
		cfg.Mask = mask
		if mask2 != protocol.StreamingMask2Off {
			cfg.Mask2 = &mask2
		}
		return cfg, nil
	}

	if req.Mask != nil {
		cfg.Mask = *req.Mask
	}
	cfg.Mask2 = req.Mask2
	return cfg, nil
}

func (s *Server) handleGetStreaming(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.streamingStatus())
}

func (s *Server) handleSetStreaming(w http.ResponseWriter, r *http.Request) {
	var req streamingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, err)
		return
	}
	cfg, err := req.configuration()
	if err != nil {
		s.badRequest(w, err)
		return
	}

	if err := s.ctrl.SendStreamingConfiguration(r.Context(), cfg); err != nil {
		s.sendFailed(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.streamingStatus())
}

func (s *Server) handleStopStreaming(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StopStreaming(r.Context()); err != nil {
		s.sendFailed(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.streamingStatus())
}

type selfLevelRequest struct {
	Start          bool  `json:"start"`
	KeepHeading    bool  `json:"keep_heading"`
	SleepAfter     bool  `json:"sleep_after"`
	ControlSystem  bool  `json:"control_system"`
	AngleLimit     uint8 `json:"angle_limit"`
	TimeoutSeconds uint8 `json:"timeout"`
	AccuracyTime   uint8 `json:"accuracy_time"`
}

func (req selfLevelRequest) command() protocol.SelfLevel {
	var opts protocol.SelfLevelOptions
	if req.Start {
		opts |= protocol.SelfLevelStart
	}
	if req.KeepHeading {
		opts |= protocol.SelfLevelKeepHeading
	}
	if req.SleepAfter {
		opts |= protocol.SelfLevelSleepAfter
	}
	if req.ControlSystem {
		opts |= protocol.SelfLevelControlSystemOn
	}
	return protocol.SelfLevel{
		Options:      opts,
		AngleLimit:   req.AngleLimit,
		Timeout:      req.TimeoutSeconds,
		AccuracyTime: req.AccuracyTime,
	}
}

func (s *Server) handleSelfLevel(w http.ResponseWriter, r *http.Request) {
	req := selfLevelRequest{Start: true}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, err)
		return
	}
	if err := s.ctrl.SelfLevel(r.Context(), req.command()); err != nil {
		s.sendFailed(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type ledRequest struct {
	Red   uint8 `json:"red"`
	Green uint8 `json:"green"`
	Blue  uint8 `json:"blue"`
}

func (s *Server) handleLED(w http.ResponseWriter, r *http.Request) {
	var req ledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, err)
		return
	}
	if err := s.ctrl.SetRGBLED(r.Context(), req.Red, req.Green, req.Blue); err != nil {
		s.sendFailed(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	s.logger.Debug("bad request", "error", err)
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func (s *Server) sendFailed(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrTransport), errors.Is(err, session.ErrClosed):
		status = http.StatusBadGateway
	case errors.Is(err, protocol.ErrUnknownCommand), errors.Is(err, protocol.ErrPayloadTooLarge):
		status = http.StatusBadRequest
	}
	s.logger.Warn("command failed", "error", err, "status", status)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("cannot write response", "error", err)
	}
}
