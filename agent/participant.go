package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collabink/internal/channel"
	"collabink/internal/channel/redisch"
	"collabink/internal/channel/wsch"
	"collabink/internal/config"
	"collabink/internal/discovery"
	"collabink/internal/ink"
	"collabink/internal/loop"
	"collabink/internal/offline"
	"collabink/internal/session"
	"collabink/internal/store"
	"collabink/internal/store/postgres"
	"collabink/internal/store/rest"
)

// participant owns everything one agent process opens.
type participant struct {
	cfg     config.Config
	logger  *slog.Logger
	loop    *loop.Loop
	session *session.Session
	hub     *Hub
	closers []func()
}

func openParticipant(ctx context.Context, cfg config.Config, logger *slog.Logger) (*participant, error) {
	if cfg.Session == "" {
		return nil, errors.New("a session is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ClientID
	}
	logger = logger.With("session", cfg.Session, "client", cfg.ClientID)
	p := &participant{cfg: cfg, logger: logger, loop: loop.New()}

	ch, err := p.openChannel()
	if err != nil {
		p.close()
		return nil, err
	}
	queue, err := p.openQueue()
	if err != nil {
		p.close()
		return nil, err
	}
	st, err := p.openStore(ctx)
	if err != nil {
		p.close()
		return nil, err
	}

	offlineCfg := offline.DefaultConfig()
	offlineCfg.Heartbeat = cfg.Heartbeat
	s, err := session.New(ctx, session.Config{
		SessionID:    cfg.Session,
		ClientID:     cfg.ClientID,
		Name:         cfg.Name,
		IsTeacher:    cfg.Admin,
		Debounce:     cfg.Debounce,
		GuardWindow:  cfg.GuardWindow,
		Offline:      offlineCfg,
		HistoryLimit: cfg.HistoryLimit,
	}, session.Deps{
		Channel: ch,
		Runtime: ink.NewRuntime(ink.MemoryFactory),
		Queue:   queue,
		Store:   st,
		Loop:    p.loop,
		Logger:  logger,
	})
	if err != nil {
		p.close()
		return nil, err
	}
	p.session = s
	p.hub = newHub(s, logger)
	s.OnEvent(p.hub.publish)
	return p, nil
}

func (p *participant) openChannel() (channel.Channel, error) {
	switch p.cfg.Transport {
	case config.TransportRedis:
		if p.cfg.RedisAddr == "" {
			return nil, errors.New("redis transport needs redis_addr")
		}
		rdb := redis.NewClient(&redis.Options{Addr: p.cfg.RedisAddr})
		ch := redisch.New(rdb, p.cfg.Session, p.cfg.ClientID, p.logger)
		p.closers = append(p.closers, func() {
			_ = ch.Close()
			_ = rdb.Close()
		})
		return ch, nil
	default:
		ch, err := wsch.New(wsch.Config{URL: p.cfg.RelayURL, Session: p.cfg.Session, ClientID: p.cfg.ClientID, Logger: p.logger})
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, func() { _ = ch.Close() })
		return ch, nil
	}
}

func (p *participant) openQueue() (offline.Queue, error) {
	if p.cfg.QueuePath == "" {
		return offline.NewMemoryQueue(), nil
	}
	q, err := offline.OpenBoltQueue(p.cfg.QueuePath, p.logger)
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, func() { _ = q.Close() })
	return q, nil
}

// openStore picks the persistence backend. Only the teacher persists.
// Over the relay the relay's REST API is used; over Redis the agent
// talks to Postgres itself when a database is configured.
func (p *participant) openStore(ctx context.Context) (store.Store, error) {
	if !p.cfg.Admin {
		return nil, nil
	}
	if p.cfg.Transport == config.TransportRedis {
		if p.cfg.DatabaseURL == "" {
			return nil, nil
		}
		pg, err := postgres.Connect(ctx, p.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, pg.Close)
		return pg, nil
	}
	client, err := rest.NewClient(rest.ClientConfig{
		BaseURL:    p.cfg.RelayURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Logger:     p.logger,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// run serves the tab feed and drives the session until ctx is done.
func (p *participant) run(ctx context.Context, uiDir string) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go func() { _ = p.loop.Run(loopCtx) }()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go p.hub.run(hubCtx)

	p.session.Post(func() {
		if err := p.session.Start(ctx); err != nil {
			p.logger.Error("start session", "err", err)
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) { serveWs(p.hub, w, r) })
	if uiDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(uiDir)))
	}
	httpServer := &http.Server{Addr: p.cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if p.cfg.Announce {
		if withdraw, err := p.announce(); err != nil {
			p.logger.Warn("mdns announce failed", "err", err)
		} else {
			defer withdraw()
		}
	}

	errc := make(chan error, 1)
	go func() {
		p.logger.Info("collabink agent running", "addr", p.cfg.ListenAddr, "transport", p.cfg.Transport, "teacher", p.cfg.Admin)
		errc <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	closed := make(chan struct{})
	if p.session.Post(func() {
		p.session.Close()
		close(closed)
	}) {
		select {
		case <-closed:
		case <-shutdownCtx.Done():
			p.logger.Warn("session close timed out")
		}
	}
	p.close()
	return runErr
}

func (p *participant) announce() (func(), error) {
	_, portText, err := net.SplitHostPort(p.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("parse listen addr %q: %w", p.cfg.ListenAddr, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return nil, fmt.Errorf("parse port %q: %w", portText, err)
	}
	txt := map[string]string{"role": "agent", "session": p.cfg.Session}
	return discovery.Announce("collabink-agent-"+p.cfg.ClientID[:min(8, len(p.cfg.ClientID))], port, txt, p.logger)
}

func (p *participant) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}
