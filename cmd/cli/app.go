package cli

import (
	"context"
	"net/http"
	"time"

	"liveconsult/internal/config"
	"liveconsult/internal/database"
	"liveconsult/internal/handlers"
	"liveconsult/internal/middleware"
	"liveconsult/internal/services"
	"liveconsult/internal/store/rabbitmq"
	"liveconsult/internal/store/redisstore"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

// app 持有运行期组件，便于 run 命令与测试复用同一套装配
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	logger   *logrus.Logger
	sessions *services.SessionService
	messages *services.MessageService
	calls    *services.CallService
	hub      *services.WebSocketHub
	rtc      *services.WebRTCService
	presence *redisstore.PresenceStore
	events   *rabbitmq.Publisher
}

func newApp(cfg *config.Config, db *gorm.DB, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, db: db, logger: logger}

	a.sessions = services.NewSessionService(db, logger)
	a.messages = services.NewMessageService(db, a.sessions, logger)
	a.messages.SetMaxLength(cfg.Session.MaxMessageLength)

	if cfg.WebRTC.Enabled {
		a.rtc = services.NewWebRTCService(cfg.WebRTC.STUNServer, logger)
	}

	a.calls = services.NewCallService(db, a.sessions, a.mediaRelay(), logger)
	a.calls.SetTimeout(cfg.Session.MissedCallTimeout)

	gw := cfg.Gateway
	a.hub = services.NewWebSocketHub(services.NewConnectionRegistry(), a.sessions, a.messages, a.calls, services.GatewayConfig{
		JWTSecret:       cfg.JWT.Secret,
		AllowedOrigins:  originsFor(cfg.Security.CORS),
		ReadLimit:       gw.ReadLimit,
		PongWait:        gw.PongWait,
		PingPeriod:      gw.PingPeriod,
		WriteWait:       gw.WriteWait,
		SendBuffer:      gw.SendBuffer,
		EventsPerSecond: gw.EventsPerSecond,
		EventBurst:      gw.EventBurst,
		EventTimeout:    gw.EventTimeout,
	}, logger)
	a.hub.SetWebRTC(a.rtc)

	if cfg.Redis.Enabled {
		a.presence = redisstore.NewPresenceStore(redisstore.NewClient(cfg.Redis), cfg.Redis.PresenceTTL)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := a.presence.Ping(ctx)
		cancel()
		if err != nil {
			// 在线状态镜像不是必需依赖，连不上只告警
			logger.WithError(err).Warn("redis unreachable; presence mirror degraded")
		}
		a.hub.SetPresence(a.presence)
	}

	if cfg.RabbitMQ.Enabled {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.events = pub
		a.hub.SetPublisher(pub)
		a.messages.SetPublisher(pub)
	}
	return a, nil
}

// recoverCalls settles calls that were ringing when the previous process
// stopped. The hub must be running: missed calls are announced through it.
func (a *app) recoverCalls() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	missed, armed, err := a.calls.RecoverRinging(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("recover ringing calls failed")
		return
	}
	if missed+armed > 0 {
		a.logger.WithFields(logrus.Fields{"missed": missed, "rearmed": armed}).Info("recovered ringing calls")
	}
}

func (a *app) mediaRelay() services.MediaRelay {
	mc := a.cfg.MediaRelay
	if mc.Mode == "http" {
		return services.NewHTTPRelay(mc.BaseURL, mc.AppID, mc.Timeout, a.logger)
	}
	cert := mc.AppCertificate
	if cert == "" {
		a.logger.Warn("media_relay.app_certificate is empty; signing media tokens with jwt.secret")
		cert = a.cfg.JWT.Secret
	}
	return services.NewTokenRelay(mc.AppID, cert, mc.TokenTTL, a.rtc)
}

func originsFor(cc config.CORSConfig) []string {
	for _, o := range cc.AllowedOrigins {
		if o == "*" {
			return nil
		}
	}
	return cc.AllowedOrigins
}

// router builds the gin engine with middleware and every route group.
func (a *app) router() *gin.Engine {
	cfg := a.cfg
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}
	r.Use(middleware.CORS(cfg.Security.CORS))
	if cfg.Monitoring.Enabled {
		r.Use(middleware.Metrics())
		r.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	health := handlers.NewHealthHandler(Version, a.logger).
		Require("database", handlers.PingFunc(func(ctx context.Context) error { return database.Ping(a.db) }))
	if a.presence != nil {
		health.Optional("redis", a.presence)
	}
	handlers.RegisterHealthRoutes(r, health)

	public := r.Group("/api/v1")
	authed := r.Group("/api/v1")
	authed.Use(middleware.AuthMiddleware(cfg.JWT.Secret))
	authed.Use(middleware.RateLimitMiddleware(cfg))

	handlers.RegisterChatRoutes(authed, handlers.NewChatHandler(a.sessions, a.messages, a.calls, a.logger))
	handlers.RegisterSessionRoutes(authed, handlers.NewSessionHandler(a.sessions, a.messages, a.hub, cfg.Session.HistoryPageSize, a.logger))
	handlers.RegisterGatewayRoutes(public, authed, handlers.NewWebSocketHandler(a.hub), handlers.NewWebRTCHandler(a.rtc, a.sessions))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, handlers.ErrorResponse{Error: "not_found", Message: "route not found", Code: http.StatusNotFound})
	})
	return r
}

// Close stops background work in reverse start order.
func (a *app) Close() {
	if a.hub != nil {
		a.hub.Stop()
	}
	if a.calls != nil {
		a.calls.Close()
	}
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.WithError(err).Warn("close rabbitmq publisher")
		}
	}
	if a.presence != nil {
		if err := a.presence.Close(); err != nil {
			a.logger.WithError(err).Warn("close redis client")
		}
	}
}
