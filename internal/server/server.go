/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/grimnircore/radio/internal/broadcast"
	"github.com/grimnircore/radio/internal/config"
	"github.com/grimnircore/radio/internal/db"
	"github.com/grimnircore/radio/internal/director"
	"github.com/grimnircore/radio/internal/events"
	"github.com/grimnircore/radio/internal/leadership"
	"github.com/grimnircore/radio/internal/operator"
	"github.com/grimnircore/radio/internal/queue"
	"github.com/grimnircore/radio/internal/randomsource"
	"github.com/grimnircore/radio/internal/sourcefetch"
	"github.com/grimnircore/radio/internal/store"
	"github.com/grimnircore/radio/internal/telemetry"
	"github.com/grimnircore/radio/internal/webrtcrelay"
)

// Server bundles the HTTP control surface and the playout core: one queue,
// one director, one broadcast pump per configured stream.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db        *gorm.DB
	history   *store.Store
	queue     *queue.Queue
	director  *director.Director
	election  *leadership.Election
	broadcast *broadcast.Server
	pumps     []*broadcast.Pump
	relay     *webrtcrelay.Relay
	operator  *operator.API
	natsIn    *operator.NATSIngress
	bus       *events.Bus

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.TracingMiddleware("grimnircore-radio"))
	router.Use(telemetry.MetricsMiddleware)
	// Streaming routes manage their own deadlines; everything else gets a
	// bounded request timeout.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			if len(r.URL.Path) >= 6 && r.URL.Path[:6] == "/live/" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
		bus:    events.NewBus(),
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:    addr,
		Handler: srv.router,

		ReadTimeout: 15 * time.Second,
		// Write timeout is unbounded: audio streaming connections stay open
		// for as long as a listener tunes in.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	tracerCfg := telemetry.TracerConfig{
		ServiceName: "grimnircore-radio",
		Enabled:     s.cfg.TracingEnabled,
		SampleRate:  s.cfg.TracingSampleRate,
	}
	tracerProvider, err := telemetry.InitTracer(context.Background(), tracerCfg, s.logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	s.DeferClose(func() error { return tracerProvider.Shutdown(context.Background()) })

	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	s.history = store.New(database, s.logger)
	if err := s.history.Migrate(); err != nil {
		return fmt.Errorf("migrate play history schema: %w", err)
	}

	s.queue = queue.New(s.logger)

	fetcher, err := sourcefetch.New(context.Background(), s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("init source fetcher: %w", err)
	}

	random := randomsource.New(s.cfg.QueueRandomURL)

	if len(s.cfg.Streams) == 0 {
		return errors.New("no streams configured")
	}
	s.broadcast = broadcast.NewServer(s.logger, s.bus)
	s.pumps = make([]*broadcast.Pump, 0, len(s.cfg.Streams))
	hasWebRTCStream := false
	for _, stream := range s.cfg.Streams {
		if stream.Container == config.ContainerWebRTC {
			// Fed by the transcode graph's udpsink RTP tap straight into
			// webrtcrelay.Relay, not a broadcast Mount/Pump.
			hasWebRTCStream = true
			continue
		}
		contentType := containerContentType(stream.Container)
		mount := s.broadcast.CreateMount(stream.Mount, contentType, stream.Bitrate)
		pump := broadcast.NewPump(mount, stream.Bitrate, s.logger)
		s.pumps = append(s.pumps, pump)
	}
	if s.cfg.WebRTCEnabled && !hasWebRTCStream {
		s.logger.Warn().Msg("webrtc relay enabled but no stream is configured with container \"webrtc\"")
	}

	if s.cfg.LeaderElectionEnabled {
		electionCfg := leadership.ElectionConfig{
			RedisAddr:       s.cfg.RedisAddr,
			RedisPassword:   s.cfg.RedisPassword,
			RedisDB:         s.cfg.RedisDB,
			ElectionKey:     "grimnircore:leader:director",
			LeaseDuration:   15 * time.Second,
			RenewalInterval: 5 * time.Second,
			RetryInterval:   2 * time.Second,
			InstanceID:      s.cfg.InstanceID,
		}
		election, err := leadership.NewElection(electionCfg, s.logger)
		if err != nil {
			return fmt.Errorf("create leader election: %w", err)
		}
		s.election = election
		s.DeferClose(func() error { return s.election.Stop() })
		s.logger.Info().Str("redis_addr", s.cfg.RedisAddr).Str("instance_id", electionCfg.InstanceID).
			Msg("leader election enabled for director")
	}

	var leader director.Leader
	if s.election != nil {
		leader = s.election
	}
	sinks := make([]director.Sink, len(s.pumps))
	for i, pump := range s.pumps {
		sinks[i] = pump
	}
	s.director = director.New(s.cfg, s.queue, fetcher, random, sinks, leader, s.bus, s.history, s.logger)

	if s.cfg.WebRTCEnabled {
		relayCfg := webrtcrelay.Config{
			RTPPort:      s.cfg.WebRTCRTPPort,
			STUNServer:   s.cfg.WebRTCSTUNURL,
			TURNServer:   s.cfg.WebRTCTURNURL,
			TURNUsername: s.cfg.WebRTCTURNUsername,
			TURNPassword: s.cfg.WebRTCTURNPassword,
		}
		relay, err := webrtcrelay.NewRelay(relayCfg, s.logger)
		if err != nil {
			return fmt.Errorf("create webrtc relay: %w", err)
		}
		s.relay = relay
		s.DeferClose(func() error { return s.relay.Stop() })
		s.logger.Info().Int("rtp_port", s.cfg.WebRTCRTPPort).
			Bool("turn_enabled", s.cfg.WebRTCTURNURL != "").Msg("webrtc relay initialized")
	}

	s.operator = operator.NewAPI(s.director.Messages(), s.logger)

	if s.cfg.NATSURL != "" {
		natsIn, err := operator.NewNATSIngress(s.cfg.NATSURL, s.cfg.NATSSubject, s.director.Messages(), s.logger)
		if err != nil {
			return fmt.Errorf("connect operator nats ingress: %w", err)
		}
		s.natsIn = natsIn
		s.DeferClose(func() error { s.natsIn.Close(); return nil })
	}

	return nil
}

func containerContentType(c config.Container) string {
	switch c {
	case config.ContainerMP3:
		return "audio/mpeg"
	case config.ContainerOgg:
		return "audio/ogg"
	case config.ContainerWebRTC:
		return "application/octet-stream"
	default:
		return "application/octet-stream"
	}
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.election != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.election.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("leader election exited")
			}
		}()
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.director.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("director loop exited")
		}
	}()

	for _, pump := range s.pumps {
		pump := pump
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			pump.Run(ctx)
		}()
	}

	if s.relay != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("webrtc relay failed to start")
			}
		}()
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	}()
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		response := `{"status":"ok"`
		if s.election != nil {
			if s.election.IsLeader() {
				response += `,"leader":true`
			} else {
				response += `,"leader":false`
			}
		}
		response += `}`
		_, _ = w.Write([]byte(response))
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.router.HandleFunc("/live/{mount}", func(w http.ResponseWriter, r *http.Request) {
		mountName := chi.URLParam(r, "mount")
		mount := s.broadcast.GetMount(mountName)
		if mount == nil {
			http.Error(w, "stream not found", http.StatusNotFound)
			return
		}
		mount.ServeHTTP(w, r)
	})

	if s.relay != nil {
		s.router.HandleFunc("/webrtc/signal", s.relay.HandleSignaling)
	}

	s.operator.Routes(s.router)
}
