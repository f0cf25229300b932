package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/assignment"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/lifecycle"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/metrics"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/orchestrator"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/router"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/server/middleware"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/stream"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/auth"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/config"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state/statemanager"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/transport"
)

type App struct {
	logger *slog.Logger
	config *config.Config

	identities state.IdentityStore
	rooms      state.RoomStore
	requests   state.RequestStore
	assigner   *assignment.Engine
	orch       *orchestrator.Orchestrator
	streams    *stream.Reassembler
	life       *lifecycle.Manager
	router     *router.EventRouter
	keyring    *auth.Keyring

	wg   sync.WaitGroup
	http *http.Server
	ctx  context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	identities := statemanager.NewInMemoryIdentities(logger)
	rooms := statemanager.NewInMemoryRooms(logger)
	requests := statemanager.NewInMemoryRequests(logger)

	app := &App{
		logger:     logger,
		config:     cfg,
		identities: identities,
		rooms:      rooms,
		requests:   requests,
		keyring:    auth.NewKeyring(cfg.Server.Auth.KeySecret, cfg.Server.Auth.KeyTTL),
		ctx:        rootCtx,
	}

	app.assigner = assignment.NewEngine(logger, app.notifyAssignment, nil)

	defaultMode, ok := state.ParseMode(cfg.Rooms.DefaultMode)
	if !ok {
		logger.Warn("unknown default room mode, falling back to Conversational",
			slog.String("mode", cfg.Rooms.DefaultMode))
		defaultMode = state.ModeConversational
	}

	app.orch = orchestrator.New(logger, identities, rooms, requests, app.assigner, cfg.Context, cfg.Think, nil)
	app.streams = stream.NewReassembler(logger, identities, rooms, app.orch, cfg.Stream)
	forgetRoom := func(room string) {
		app.orch.ForgetRoom(room)
		app.streams.ForgetRoom(room)
	}
	app.life = lifecycle.NewManager(logger, identities, rooms, app.assigner, forgetRoom, cfg.Lifecycle)
	app.router = router.NewEventRouter(logger, identities, rooms, app.orch, app.streams, app.assigner, defaultMode)

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewHandshakeAuth(logger, app.keyring),
			middleware.NewConnectionLimiter(
				logger,
				app.connectionCount,
				app.cycleConnection,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	mux.Handle("/key",
		middleware.Chain(http.HandlerFunc(app.keyHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
		),
	)
	mux.Handle("/metrics", promhttp.Handler())

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return rootCtx
		},
	}
	return app
}

func (a *App) Run() error {
	go a.life.Run(a.ctx)
	go a.orch.RunThinkSweep(a.ctx)

	go func() {
		a.logger.Info("server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// keyHandler implements the key == "getKey" half of the handshake: a
// caller without a key asks for one to be issued.
func (a *App) keyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("key") != protocol.KeyRequestValue {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	clientID := q.Get("clientId")
	clientType := q.Get("clientType")
	if clientID == "" || clientType == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	key, err := a.keyring.Issue(clientID, clientType)
	if err != nil {
		a.logger.Error("key issuance failed", slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"clientId": clientID, "key": key})
}

func (a *App) connectionCount(identityID string) int {
	if _, ok := a.identities.SenderOf(identityID); ok {
		return 1
	}
	return 0
}

func (a *App) cycleConnection(identityID string) {
	sender, ok := a.identities.SenderOf(identityID)
	if !ok {
		return
	}
	if conn, ok := sender.(*transport.Connection); ok {
		a.logger.Info("cycling connection: closing previous", slog.String("identity", identityID))
		conn.Close(errors.New("connection cycled by new connection"))
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("clientId", reqMeta.ClientID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(r.Context(), &a.wg, wsConn, transport.Config{
		ReadTimeout:  a.config.Transport.ReadTimeout,
		WriteTimeout: a.config.Transport.WriteTimeout,
		SendBuffer:   a.config.Transport.SendBuffer,
	}, a.logger)

	identityID := reqMeta.ClientID
	kind := reqMeta.ClientType
	reconnect := reqMeta.Reconnect

	if a.life.Reconnected(identityID) {
		// Session state survived the disconnect; reattach the transport.
		if err := a.identities.AttachConn(identityID, conn); err == nil {
			connLogger.Info("identity reconnected")
		}
	} else if err := a.identities.AttachConn(identityID, conn); err != nil {
		// Not a known identity: fresh registration. A successful attach
		// means cycle mode replaced the socket under the same id.
		if err := a.registerIdentity(identityID, kind, reqMeta.Desc, conn); err != nil {
			connLogger.Error("failed to register identity", slog.Any("error", err))
			conn.Close(err)
			return
		}
	}

	conn.SetMessageHandler(a.router.HandleMessage)
	conn.SetCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("connection closed, starting lifecycle bookkeeping")
		a.router.Unbind(id)
		if a.identities.DetachConn(identityID, conn) {
			a.life.Disconnected(identityID, reconnect)
		}
	})
	a.router.Bind(conn.ID(), identityID)

	connLogger.Info("identity connection fully established", slog.String("kind", string(kind)))
	conn.Run()
	<-conn.Done()
}

// registerIdentity creates the identity and its surrounding state: clients
// get a personal room, backends join the assignment pool.
func (a *App) registerIdentity(id string, kind state.IdentityKind, desc string, conn *transport.Connection) error {
	identity := &state.Identity{
		ID:      id,
		Kind:    kind,
		Trusted: true,
		Desc:    desc,
		Conn:    conn,
	}
	if err := a.identities.Add(identity); err != nil {
		return err
	}
	metrics.ConnectedIdentities.WithLabelValues(string(kind)).Inc()

	switch kind {
	case state.KindClient:
		if _, err := a.rooms.Create(id, a.defaultMode()); err != nil {
			a.logger.Warn("personal room creation failed", slog.String("id", id), slog.Any("error", err))
		} else {
			a.assigner.AddRoom(id)
		}
	case state.KindBackend:
		a.assigner.AddBackend(id)
	}
	return nil
}

func (a *App) defaultMode() state.Mode {
	if mode, ok := state.ParseMode(a.config.Rooms.DefaultMode); ok {
		return mode
	}
	return state.ModeConversational
}

// notifyAssignment pushes a recomputed backend list to a room's members.
func (a *App) notifyAssignment(room string, backends []string) {
	frame, err := protocol.Envelope(protocol.EventAssignment, map[string]any{
		"room":     room,
		"backends": backends,
	})
	if err != nil {
		return
	}
	members, err := a.rooms.Members(room)
	if err != nil {
		return
	}
	for _, id := range members {
		if sender, ok := a.identities.SenderOf(id); ok {
			sender.Send(frame)
		}
	}
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("closing all active connections")
	for _, identity := range a.identities.All() {
		sender, ok := a.identities.SenderOf(identity.ID)
		if !ok {
			continue
		}
		if conn, ok := sender.(*transport.Connection); ok {
			conn.Close(errors.New("graceful shutdown"))
		}
	}

	a.wg.Wait()
	a.logger.Info("server shut down gracefully")
	return nil
}
