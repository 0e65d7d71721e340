package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"ChatRelay/global"
	"ChatRelay/logger"
	"ChatRelay/middleware"
	midsec "ChatRelay/middleware/security"
	"ChatRelay/service/chat"
	"ChatRelay/service/events"
	"ChatRelay/service/kafka"
	"ChatRelay/service/membership"
	"ChatRelay/service/natsx"
	"ChatRelay/service/protocol"
	"ChatRelay/service/storage"
	"ChatRelay/service/storage/pg"
	redisstore "ChatRelay/service/storage/redis"
	"ChatRelay/tools/ids"
	tokens "ChatRelay/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthService = "chatrelay.Relay"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// stack holds the collaborators picked by configuration.
type stack struct {
	store    chat.MessageStore
	reads    chat.ReadStateStore
	members  chat.Membership
	history  chat.HistoryReader
	presence *redisstore.Presence
	sink     events.Sink
	closers  []func(context.Context) error
}

func (s *stack) onClose(f func(context.Context) error) {
	s.closers = append(s.closers, f)
}

// Close releases everything in reverse order of creation.
func (s *stack) Close(ctx context.Context) error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i](ctx))
	}
	return err
}

func authOptions(cfg *global.Config) tokens.Options {
	opts := tokens.DefaultOptions(cfg.Secret())
	opts.TTL = cfg.Auth.TokenTTL
	opts.Issuer = cfg.Auth.Issuer
	return opts
}

// buildStack opens every collaborator the configuration selects. On error
// whatever was opened so far is closed again.
func buildStack(ctx context.Context, cfg *global.Config, gen *ids.Generator) (_ *stack, err error) {
	st := &stack{}
	defer func() {
		if err != nil {
			_ = st.Close(context.Background())
		}
	}()

	var rdb *redis.Client
	if cfg.Store.Driver == global.StoreRedis || cfg.Presence.Enabled {
		if rdb, err = redisstore.NewClient(ctx, cfg.Store.Redis); err != nil {
			return nil, err
		}
		st.onClose(func(context.Context) error { return rdb.Close() })
	}

	switch cfg.Store.Driver {
	case global.StoreRedis:
		ms := redisstore.NewMessageStore(rdb, gen, cfg.Store.Redis.StreamMaxLen)
		st.store, st.history = ms, ms
		st.reads = redisstore.NewReadState(rdb)
	case global.StorePostgres:
		pool, err := pg.NewPool(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, err
		}
		st.onClose(func(context.Context) error { pool.Close(); return nil })
		if err := pg.EnsureSchema(ctx, pool); err != nil {
			return nil, err
		}
		ms := pg.NewMessageStore(pool, gen)
		st.store, st.history = ms, ms
		st.reads = pg.NewReadState(pool)
	default:
		ms := storage.NewMemoryMessages(gen, 0)
		st.store, st.history = ms, ms
		st.reads = storage.NewMemoryReadState(0)
	}
	if cfg.Presence.Enabled {
		st.presence = redisstore.NewPresence(rdb, cfg.Presence.TTL)
	}

	var src membership.Source
	switch cfg.Membership.Driver {
	case global.MembershipMongo:
		coll, err := membership.Connect(ctx, cfg.Membership.Mongo)
		if err != nil {
			return nil, err
		}
		st.onClose(coll.Database().Client().Disconnect)
		m := membership.NewMongo(coll)
		if err := m.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		src = m
	default:
		src = membership.NewStatic(cfg.Membership.Threads)
	}
	if cfg.Membership.CacheTTL > 0 {
		st.members = membership.NewCached(src, cfg.Membership.CacheTTL)
	} else {
		st.members = src
	}

	var sinks events.Multi
	if cfg.Events.Driver == global.EventsNats || cfg.Events.Driver == global.EventsBoth {
		nc, err := natsx.NewClient(natsConfig(cfg))
		if err != nil {
			return nil, err
		}
		sink, err := natsx.NewSink(nc, cfg.Events.Nats.SubjectPrefix, natsx.Core)
		if err != nil {
			_ = nc.Close()
			return nil, err
		}
		st.onClose(func(context.Context) error { return sink.Close() })
		sinks = append(sinks, sink)
	}
	if cfg.Events.Driver == global.EventsKafka || cfg.Events.Driver == global.EventsBoth {
		kc := kafkaConfig(cfg)
		if err := kafka.EnsureTopicFromConfig(kc); err != nil {
			logger.Warn("kafka topic not ensured", zap.String("topic", kc.Topic), zap.Error(err))
		}
		p, err := kafka.NewSyncProducer(kc)
		if err != nil {
			return nil, err
		}
		sink := kafka.NewSink(p, kc.Topic)
		st.onClose(func(context.Context) error { return sink.Close() })
		sinks = append(sinks, sink)
	}
	switch len(sinks) {
	case 0:
		st.sink = events.Nop{}
	case 1:
		st.sink = events.NewAsync(sinks[0], cfg.Events.Queue, cfg.Events.Timeout)
	default:
		st.sink = events.NewAsync(sinks, cfg.Events.Queue, cfg.Events.Timeout)
	}
	// flushes the queue before the brokers above are closed
	st.onClose(func(context.Context) error { return st.sink.Close() })
	return st, nil
}

func natsConfig(cfg *global.Config) natsx.Config {
	return natsx.Config{Servers: cfg.Events.Nats.Servers, Name: cfg.Events.Nats.Name}
}

func kafkaConfig(cfg *global.Config) kafka.Config {
	return kafka.Config{
		Brokers:  cfg.Events.Kafka.Brokers,
		ClientID: cfg.Events.Kafka.ClientID,
		Topic:    cfg.Events.Kafka.Topic,
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := global.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no jwt secret configured, signing with the development secret")
	}
	gen := ids.NewGenerator(cfg.Server.NodeID)

	st, err := buildStack(ctx, cfg, gen)
	if err != nil {
		return errors.Wrap(err, "build stack")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := chat.NewMetrics(reg)

	auth := authOptions(cfg)
	registry, router, ws := newRelay(cfg, st, gen, metrics, auth)

	engine := newEngine(cfg, ws, registry, st, reg, auth)
	httpSrv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: engine, ReadHeaderTimeout: 10 * time.Second}

	healthSrv := health.NewServer()
	var grpcSrv *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.Server.HTTPAddr), zap.String("ws", cfg.Server.Path))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
			if err != nil {
				return errors.Wrapf(err, "grpc listen %s", cfg.Server.GRPCAddr)
			}
			logger.Info("grpc health listening", zap.String("addr", cfg.Server.GRPCAddr))
			return errors.Wrap(grpcSrv.Serve(lis), "grpc server")
		})
	}
	g.Go(func() error {
		router.Run(gctx)
		return nil
	})
	if st.presence != nil {
		g.Go(func() error {
			refreshPresence(gctx, registry, st.presence, st.presence.TTL()/3)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthSrv.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var err error
		err = multierr.Append(err, errors.Wrap(httpSrv.Shutdown(sctx), "http shutdown"))
		err = multierr.Append(err, ws.Shutdown(sctx))
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		return err
	})

	err = g.Wait()
	cctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if cerr := st.Close(cctx); cerr != nil {
		logger.Warn("closing stores", zap.Error(cerr))
	}
	logger.Info("stopped", zap.Int("open_sockets", ws.Len()))
	return err
}

func newRelay(cfg *global.Config, st *stack, gen *ids.Generator, metrics *chat.Metrics, auth tokens.Options) (*chat.Registry, *chat.Router, *chat.Server) {
	var hook chat.PresenceHook
	if st.presence != nil {
		hook = st.presence
	}
	registry := chat.NewRegistry(0, hook, metrics)
	router := chat.NewRouter(chat.Deps{
		Registry:   registry,
		Store:      st.store,
		Membership: st.members,
		ReadState:  st.reads,
		Sink:       st.sink,
		Metrics:    metrics,
	}, chat.Options{
		Auth:          auth,
		MaxContentLen: cfg.Conn.MaxContentLen,
		TypingWindow:  cfg.Typing.Window,
		TypingSweep:   cfg.Typing.Sweep,
	})
	ws := chat.NewServer(router, cfg.Conn, cfg.RateLimit, cfg.Server.AllowedOrigins, gen, metrics)
	return registry, router, ws
}

func newEngine(cfg *global.Config, ws *chat.Server, registry *chat.Registry, st *stack, reg *prometheus.Registry, auth tokens.Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	mids := middleware.NewManager()
	mids.Add(gin.Recovery(), middleware.Origin(cfg.Server.AllowedOrigins, cfg.Server.Path, "/chat"))
	engine.Use(mids.Use())

	paths := []string{cfg.Server.Path}
	if cfg.Server.Path != "/chat" {
		paths = append(paths, "/chat")
	}
	ws.Mount(engine, paths...)

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, global.Success(gin.H{"connections": registry.Len(), "sockets": ws.Len()}))
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	secured := middleware.RouteOpt{IsAuth: true, Auth: midsec.DefaultOptions(auth)}
	middleware.GET(engine, "/presence/:user", presenceHandler(registry, st.presence), secured)
	middleware.GET(engine, "/threads/:thread/messages", historyHandler(st.members, st.history), secured)

	if cfg.Auth.DevLogin {
		dev := engine.Group("/dev", middleware.RateLimit(5, 10, 0))
		middleware.POST(dev, "/token", devTokenHandler(auth), middleware.RouteOpt{})
		logger.Warn("dev login enabled: POST /dev/token issues tokens for any user")
	}
	return engine
}

func devTokenHandler(auth tokens.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID string `json:"userId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, global.Fail(http.StatusBadRequest, "userId is required"))
			return
		}
		token, exp, err := tokens.Generate(auth, req.UserID, nil)
		if err != nil {
			logger.Error("issue dev token", zap.String("user", req.UserID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, global.Fail(http.StatusInternalServerError, "token not issued"))
			return
		}
		c.JSON(http.StatusOK, global.Success(gin.H{"token": token, "userId": req.UserID, "expiresAt": exp}))
	}
}

// historyHandler serves the messages a participant missed, ?after=<id>
// exclusive, at most ?limit= of them.
func historyHandler(members chat.Membership, history chat.HistoryReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		thread, user := c.Param("thread"), midsec.UserID(c)
		ctx := c.Request.Context()
		ok, err := members.IsParticipant(ctx, user, thread)
		if err != nil {
			logger.Warn("history membership lookup", zap.String("user", user), zap.String("thread", thread), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, global.Fail(http.StatusServiceUnavailable, "membership unavailable"))
			return
		}
		if !ok {
			c.JSON(http.StatusForbidden, global.Fail(http.StatusForbidden, "not a participant"))
			return
		}

		var after int64
		if raw := c.Query("after"); raw != "" {
			if after, err = ids.Parse(raw); err != nil {
				c.JSON(http.StatusBadRequest, global.Fail(http.StatusBadRequest, "after is not a message id"))
				return
			}
		}
		limit := defaultHistoryLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, global.Fail(http.StatusBadRequest, "limit must be a positive number"))
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		msgs, err := history.Messages(ctx, thread, after, limit)
		if err != nil {
			logger.Error("read history", zap.String("thread", thread), zap.Error(err))
			c.JSON(http.StatusInternalServerError, global.Fail(http.StatusInternalServerError, "history unavailable"))
			return
		}
		if msgs == nil {
			msgs = []*protocol.ChatMessage{}
		}
		c.JSON(http.StatusOK, global.Success(gin.H{"threadId": thread, "messages": msgs}))
	}
}

// presenceHandler answers from the cluster presence set when it is enabled
// and from this node's registry otherwise.
func presenceHandler(registry *chat.Registry, presence *redisstore.Presence) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.Param("user")
		online := registry.IsOnline(user)
		if !online && presence != nil {
			var err error
			if online, err = presence.IsOnline(c.Request.Context(), user); err != nil {
				logger.Warn("presence lookup", zap.String("user", user), zap.Error(err))
				c.JSON(http.StatusServiceUnavailable, global.Fail(http.StatusServiceUnavailable, "presence unavailable"))
				return
			}
		}
		c.JSON(http.StatusOK, global.Success(gin.H{
			"userId":  user,
			"online":  online,
			"devices": len(registry.ConnectionsFor(user)),
			"askedBy": midsec.UserID(c),
		}))
	}
}

// refreshPresence re-announces every local connection so the presence
// entries of long lived sockets do not expire.
func refreshPresence(ctx context.Context, registry *chat.Registry, presence *redisstore.Presence, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, user := range registry.Users() {
				for _, c := range registry.ConnectionsFor(user) {
					if err := presence.Online(ctx, user, c.ID); err != nil {
						logger.Warn("presence refresh", zap.String("user", user), zap.Error(err))
					}
				}
			}
		}
	}
}
