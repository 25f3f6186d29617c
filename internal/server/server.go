// Package server orchestrates the background agent: NATS, peer store,
// dispatcher, browser session, content and websocket peers and HTTP health.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/sagibrant/mimic/internal/config"
	"github.com/sagibrant/mimic/pkg/automation"
	"github.com/sagibrant/mimic/pkg/bootstrap"
	"github.com/sagibrant/mimic/pkg/cdpsession"
	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/commsutil"
	"github.com/sagibrant/mimic/pkg/dispatcher"
	"github.com/sagibrant/mimic/pkg/events"
	"github.com/sagibrant/mimic/pkg/framehost"
	"github.com/sagibrant/mimic/pkg/natschan"
	"github.com/sagibrant/mimic/pkg/peerstore"
	"github.com/sagibrant/mimic/pkg/protocol"
	"github.com/sagibrant/mimic/pkg/routing"
	"github.com/sagibrant/mimic/pkg/rtid"
	"github.com/sagibrant/mimic/pkg/wschan"
)

const logPrefix = "server:server"

const shutdownTimeout = 10 * time.Second

// Server is the background agent.
type Server struct {
	cfg      *config.Config
	topology *bootstrap.ResolvedTopology
	self     channel.ClientInfo

	nc        *comms.Conn
	dbPool    *pgxpool.Pool
	peers     peerstore.Store
	pool      *natschan.Pool
	publisher events.EventPublisher

	disp     *dispatcher.Dispatcher
	agentCh  *natschan.RequestChannel
	sessions *cdpsession.Manager
	browser  protocol.SessionManager
	relay    *automation.NotificationRelay
	listener *wschan.Listener
	content  *natschan.ContentAcceptor

	httpServer *http.Server
	httpAddr   string
	ready      atomic.Bool

	mu     sync.Mutex
	known  map[string]bool
	links  map[string]peerChannel
	frames map[int]*framehost.Host
}

// peerChannel is a routed connection that knows who is on the other end.
type peerChannel interface {
	channel.Channel
	Peer() channel.ClientInfo
}

// Run starts the agent, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting %s", logPrefix, cfg.ServiceName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := Start(ctx, cfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	s.Shutdown(shutdownCtx)

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Start brings every component up and starts serving HTTP. On error the
// components started so far are shut down again.
func Start(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		known:  make(map[string]bool),
		links:  make(map[string]peerChannel),
		frames: make(map[int]*framehost.Host),
	}
	if err := s.start(ctx); err != nil {
		s.Shutdown(context.Background())
		return nil, err
	}
	s.ready.Store(true)
	slog.Info(fmt.Sprintf("%s - %s is ready", logPrefix, cfg.ServiceName))
	return s, nil
}

func (s *Server) start(ctx context.Context) error {
	cfg := s.cfg

	// Step 1: Load topology
	topoCfg, err := bootstrap.LoadTopology(cfg.TopologyFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load topology: %w", logPrefix, err)
	}
	s.topology = bootstrap.CreateResolvedTopology(topoCfg)
	s.self = channel.NewBackgroundClient(cfg.ServiceName)
	s.self.Version = s.topology.Version()

	agentSubject := agentSubject(cfg)
	eventSubject := routingEventSubject(cfg, s.topology)
	helloSubject := contentHelloSubject(cfg)
	slog.Info(fmt.Sprintf("%s - Agent subject: %s, routing events: %s, content hello: %s", logPrefix, agentSubject, eventSubject, helloSubject))

	// Step 2: Connect to NATS
	nc, err := commsutil.ConnectWith(cfg.NATSURL, cfg.ServiceName, nil)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	s.nc = nc
	s.pool = natschan.NewPool(cfg.ServiceName)
	s.publisher = events.MultiPublisher{
		events.NewCommsPublisher(nc, &events.CommsPublisherOpts{GlobalChangeSubject: eventSubject}),
		events.LogPublisher{},
	}

	// Step 3: Peer store
	if err := s.openPeerStore(ctx); err != nil {
		return err
	}

	// Step 4: Background dispatcher
	table := routing.NewTable()
	table.OnChange = s.onRouteChange
	s.disp = dispatcher.New(dispatcher.Options{
		Name:           cfg.ServiceName,
		Timeout:        cfg.RequestTimeout,
		ForwardTimeout: cfg.ForwardTimeout,
		Table:          table,
	})

	s.agentCh = natschan.NewRequestChannel(nc, natschan.RequestOptions{
		Prefix:  subjectPrefix(cfg),
		Subject: agentSubject,
		Self:    s.self,
	})
	s.disp.SetPolicy(dispatcher.BackgroundPolicy(table, s.agentCh))
	s.agentCh.OnMessage(s.disp.OnMessage)
	if err := s.agentCh.StartListening(); err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, agentSubject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, agentSubject))

	s.connectTopologyPeers()

	// Step 5: Browser session
	var sessions protocol.SessionManager
	if cfg.CDPURL != "" {
		m, err := cdpsession.New(ctx, cfg.CDPURL)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to browser: %w", logPrefix, err)
		}
		s.sessions = m
		sessions = m
		s.browser = m
	} else {
		slog.Info(fmt.Sprintf("%s - CDP_URL not set, tab commands are disabled", logPrefix))
	}

	// Step 6: Automation handlers
	defaults := s.topology.Settings()
	defaults[automation.SettingTimeout] = cfg.RequestTimeout.Milliseconds()
	settings := automation.NewSettings(defaults)
	opts := automation.AgentOptions{
		Name:      cfg.ServiceName,
		Settings:  settings,
		Sessions:  sessions,
		Registrar: s.disp,
		Routes:    table,
		Peers:     s.peers,
	}
	if cfg.EmbedFrames {
		opts.Frames = s
	}
	s.disp.Register(automation.NewAgentHandler(opts))
	if sessions != nil {
		s.relay = automation.NewNotificationRelay(sessions, s.disp, settings)
		s.relay.Start()
	}

	// Step 7: Content and websocket peers
	s.content = natschan.NewContentAcceptor(nc, natschan.ContentAcceptorOptions{
		Prefix:  subjectPrefix(cfg),
		Subject: helloSubject,
		Self:    s.self,
		OnConnect: func(p *natschan.Pipe) error {
			return s.admit(rtid.ContextContent, p)
		},
	})
	if err := s.content.Start(); err != nil {
		return err
	}
	s.listener = wschan.NewListener(wschan.ListenerOptions{
		Self: s.self,
		ConstraintFor: func(name string) string {
			return s.topology.Constraint(name, cfg.PeerVersionConstraint)
		},
		OnConnect: s.onPeerConnect,
	})

	// Step 8: HTTP
	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, cfg.ListenAddr(), err)
	}
	s.httpAddr = ln.Addr().String()
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s (websocket peers on %s)", logPrefix, s.httpAddr, cfg.WSPath))
		if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()
	return nil
}

func (s *Server) openPeerStore(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL not set, known peers are kept in memory", logPrefix))
		s.peers = peerstore.NewMemoryStore()
		return nil
	}
	pool, err := peerstore.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.dbPool = pool
	if s.cfg.RunMigrations {
		migrations, err := peerstore.LoadMigrations(s.cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := peerstore.RunMigrations(ctx, pool, migrations); err != nil {
			return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	s.peers = peerstore.NewPgStore(pool)
	return nil
}

// connectTopologyPeers adds a send-only route for every NATS peer that
// lives on another server or listens on a custom subject. Other NATS peers
// are reached through the agent channel's derived peer subjects.
func (s *Server) connectTopologyPeers() {
	for _, name := range s.topology.PeerNames() {
		p := s.topology.Peer(name)
		if p.Transport != bootstrap.TransportNATS || (p.NatsUrl == "" && p.Subject == "") {
			continue
		}
		nc := s.nc
		if p.NatsUrl != "" {
			remote, err := s.pool.Get(name, p.NatsUrl)
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - peer %s unreachable: %v", logPrefix, name, err))
				continue
			}
			nc = remote
		}
		target := p.Subject
		if target == "" {
			target = commsutil.BuildPeerSubject(subjectPrefix(s.cfg), name)
		}
		ch := natschan.NewRequestChannel(nc, natschan.RequestOptions{
			Prefix: subjectPrefix(s.cfg),
			Target: target,
			Self:   s.self,
		})
		s.disp.AddRoutingChannel(rtid.ContextExternal, channel.NewExternalClient(name, ""), ch)
		slog.Info(fmt.Sprintf("%s - Peer %s routed to %s", logPrefix, name, target))
	}
}

func (s *Server) onPeerConnect(ch *wschan.Channel) {
	if err := s.admit(rtid.ContextExternal, ch); err != nil {
		ch.Disconnect(err.Error())
	}
}

// admit records the peer, replaces any older connection from the same peer
// and adds the channel as a route under key.
func (s *Server) admit(key rtid.Context, ch peerChannel) error {
	peer := ch.Peer()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HealthCheckTimeout)
	known, err := s.peers.Touch(ctx, peer)
	cancel()
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - peer store touch %s: %v", logPrefix, peer.Label(), err))
	}
	switch {
	case known && peer.Reconnected:
		slog.Info(fmt.Sprintf("%s - %s resumed (id=%s)", logPrefix, peer.Label(), peer.ID))
	case known:
		slog.Info(fmt.Sprintf("%s - %s restarted (id=%s)", logPrefix, peer.Label(), peer.ID))
	default:
		slog.Info(fmt.Sprintf("%s - %s is new (id=%s)", logPrefix, peer.Label(), peer.ID))
	}

	s.mu.Lock()
	var stale []peerChannel
	for id, other := range s.links {
		if other.Peer().ID == peer.ID {
			stale = append(stale, other)
			delete(s.links, id)
		}
	}
	s.known[peer.ID] = known
	s.links[ch.ID()] = ch
	s.mu.Unlock()
	for _, other := range stale {
		other.Disconnect("replaced by a new connection")
	}

	ch.OnDisconnect(func(string) {
		s.mu.Lock()
		if s.links[ch.ID()] == ch {
			delete(s.links, ch.ID())
		}
		s.mu.Unlock()
	})
	s.disp.AddRoutingChannel(key, peer, ch)
	if err := ch.StartListening(); err != nil {
		slog.Error(fmt.Sprintf("%s - listen on %s: %v", logPrefix, ch.Name(), err))
		s.disp.RemoveRoutingChannel(key, peer, ch)
		return fmt.Errorf("%s - listen on %s: %w", logPrefix, ch.Name(), err)
	}
	return nil
}

// HostFrame embeds the top frame of tab unless a content peer for it is
// already connected.
func (s *Server) HostFrame(tab int) error {
	if _, ok := s.disp.Table().Find(rtid.ContextContent, func(r routing.Route) bool {
		return r.Client.Tab == tab && r.Client.Frame == 0
	}); ok {
		return nil
	}
	s.mu.Lock()
	if _, ok := s.frames[tab]; ok {
		s.mu.Unlock()
		return nil
	}
	h := framehost.New(framehost.Options{
		Tab:      tab,
		Version:  s.self.Version,
		Timeout:  s.cfg.RequestTimeout,
		Sessions: s.browser,
	})
	s.frames[tab] = h
	s.mu.Unlock()

	agentEnd, err := h.Embed(s.self)
	if err == nil {
		err = s.admit(rtid.ContextContent, agentEnd)
	}
	if err != nil {
		s.ReleaseFrame(tab)
		return err
	}
	slog.Info(fmt.Sprintf("%s - hosting tab %d top frame in-process", logPrefix, tab))
	return nil
}

// ReleaseFrame closes the embedded frame of tab, if any.
func (s *Server) ReleaseFrame(tab int) {
	s.mu.Lock()
	h := s.frames[tab]
	delete(s.frames, tab)
	s.mu.Unlock()
	if h != nil {
		h.Close()
	}
}

func (s *Server) onRouteChange(c routing.Change) {
	ev := events.FromChange(s.self.Name, c)
	s.mu.Lock()
	if c.Kind == routing.ChangeRemoved {
		delete(s.known, c.Client.ID)
	} else {
		ev.Known = s.known[c.Client.ID]
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HealthCheckTimeout)
	defer cancel()
	if err := s.publisher.PublishChanged(ctx, ev); err != nil {
		slog.Warn(fmt.Sprintf("%s - routing event for %s: %v", logPrefix, c.Client.Label(), err))
	}
}

// Addr is the bound HTTP address.
func (s *Server) Addr() string {
	return s.httpAddr
}

// Shutdown stops every started component. It is safe on a partially
// started server.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
		}
	}
	if s.relay != nil {
		s.relay.Stop()
	}
	if s.content != nil {
		s.content.Stop()
	}

	s.mu.Lock()
	links := make([]peerChannel, 0, len(s.links))
	for _, ch := range s.links {
		links = append(links, ch)
	}
	s.links = make(map[string]peerChannel)
	frames := make([]*framehost.Host, 0, len(s.frames))
	for _, h := range s.frames {
		frames = append(frames, h)
	}
	s.frames = make(map[int]*framehost.Host)
	s.mu.Unlock()
	for _, ch := range links {
		ch.Disconnect("agent shutting down")
	}
	for _, h := range frames {
		h.Close()
	}

	if s.agentCh != nil {
		s.agentCh.Disconnect("agent shutting down")
	}
	if s.disp != nil {
		s.disp.Close()
	}
	if s.sessions != nil {
		s.sessions.Close()
	}
	if s.pool != nil {
		s.pool.CloseAll()
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
	if s.dbPool != nil {
		s.dbPool.Close()
	}
}

func subjectPrefix(cfg *config.Config) string {
	if cfg.SubjectPrefix == "" {
		return commsutil.DefaultPrefix
	}
	return cfg.SubjectPrefix
}

func agentSubject(cfg *config.Config) string {
	if cfg.AgentSubject != "" {
		return cfg.AgentSubject
	}
	if prefix := subjectPrefix(cfg); prefix != commsutil.DefaultPrefix {
		return prefix + ".agent"
	}
	return commsutil.SubjectAgent
}

func contentHelloSubject(cfg *config.Config) string {
	if cfg.ContentHelloSubject != "" {
		return cfg.ContentHelloSubject
	}
	return commsutil.BuildContentHelloSubject(subjectPrefix(cfg))
}

func routingEventSubject(cfg *config.Config, topology *bootstrap.ResolvedTopology) string {
	if cfg.RoutingEventSubject != "" {
		return cfg.RoutingEventSubject
	}
	if topology != nil && topology.GlobalChangeSubject() != "" {
		return topology.GlobalChangeSubject()
	}
	return commsutil.SubjectRoutingChanged
}
