package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sprout/config"
	"sprout/internal/adapter"
	"sprout/internal/bridge"
	"sprout/internal/bus"
	"sprout/internal/db"
	"sprout/internal/dispatch"
	"sprout/internal/health"
	"sprout/internal/httpapi"
	"sprout/internal/kv"
	"sprout/internal/logs"
	"sprout/internal/middleware"
	"sprout/internal/models"
	"sprout/internal/provisioning"
	"sprout/internal/repo"
	"sprout/internal/security"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server

	kv   *kv.Memory
	bus  *bus.Bus
	br   *bridge.Bridge
	disp *dispatch.Dispatcher
	prov *provisioning.Service

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB (опционально) */
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d

		if err := a.db.AutoMigrate(&models.Device{},
			&models.SetupToken{},
			&models.CommandRecord{}); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
	}

	/* 3) Хранилища: gorm или in-memory */
	var (
		tokens   provisioning.TokenStore
		devices  provisioning.DeviceStore
		commands interface {
			adapter.CommandQueue
			dispatch.CommandStore
		}
	)
	if a.db != nil {
		tokens = repo.NewTokenStore(a.db)
		devices = repo.NewDeviceStore(a.db)
		commands = repo.NewCommandStore(a.db)
	} else {
		tokens = provisioning.NewMemTokenStore()
		devices = provisioning.NewMemDeviceStore()
		commands = repo.NewMemCommandStore()
	}

	a.kv = kv.NewMemory()
	a.kv.StartJanitor(time.Minute)

	/* 4) Провижининг и аутентификация устройств */
	a.prov = provisioning.New(tokens, devices,
		time.Duration(a.cfg.Provisioning.SetupTokenTTL)*time.Second,
		time.Duration(a.cfg.Provisioning.KeyGracePeriod)*time.Second)

	auth := security.NewAuthenticator(a.prov)
	auth.OnAuthenticated = func(ctx context.Context, ac *security.AuthContext) {
		a.prov.MarkSeen(ctx, ac.TenantID, ac.DeviceID)
	}

	tenantRL := security.NewLimiter(a.kv, security.Policy{
		Points: a.cfg.RateLimit.Tenant.Points,
		Window: time.Duration(a.cfg.RateLimit.Tenant.Window) * time.Second,
	}, "tenant")
	deviceRL := security.NewLimiter(a.kv, security.Policy{
		Points: a.cfg.RateLimit.Device.Points,
		Window: time.Duration(a.cfg.RateLimit.Device.Window) * time.Second,
		Block:  time.Duration(a.cfg.RateLimit.Device.Block) * time.Second,
	}, "device")

	/* 5) Шина, мост, адаптеры */
	a.bus = bus.New()
	a.br = bridge.New(a.bus, tenantRL, deviceRL)

	httpAd := adapter.NewHTTP(commands, a.br.SinkFor("http"))
	a.br.Register(httpAd)

	wsAd := adapter.NewWebSocket(a.br.SinkFor("websocket"))
	a.br.Register(wsAd)

	if a.cfg.MQTT.Enabled {
		a.br.Register(adapter.NewMQTT(adapter.MQTTConfig{
			Broker:   a.cfg.MQTT.Broker,
			ClientID: a.cfg.MQTT.ClientID,
			Username: a.cfg.MQTT.Username,
			Password: a.cfg.MQTT.Password,
		}, a.br.SinkFor("mqtt")))
	}

	loraAd := adapter.NewLoRaWAN(adapter.LoRaWANConfig{
		Mode:          "webhook",
		WebhookSecret: a.cfg.LoRaWAN.WebhookSecret,
	}, a.br.SinkFor("lorawan"))
	a.br.Register(loraAd)

	/* 6) Диспетчер команд */
	idem := dispatch.NewIdempotency(a.kv,
		time.Duration(a.cfg.Dispatch.IdempotencyTTL)*time.Second)
	a.disp = dispatch.NewDispatcher(a.bus, idem, dispatch.RetryOptions{
		MaxRetries:   a.cfg.Dispatch.MaxRetries,
		InitialDelay: time.Duration(a.cfg.Dispatch.InitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(a.cfg.Dispatch.MaxDelayMS) * time.Millisecond,
		Factor:       float64(a.cfg.Dispatch.Factor),
	}, commands, a.br.AdapterFor)

	/* 7) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	/* 8) Health */
	health.RegisterRoutes(a.Router, a.db, a.br) // /healthz, /readyz

	/* 9) API моста */
	h := httpapi.NewHandler(a.prov, auth, a.br, a.disp, httpAd, loraAd,
		deviceRL, a.cfg.Server.PublicURL)
	h.RegisterRoutes(a.Router)

	// WebSocket — за той же HMAC-мидлварью, что и остальные
	// устройство-маршруты; апгрейд после успешной аутентификации.
	a.Router.Handle("/api/bridge/ws",
		auth.Middleware(http.HandlerFunc(wsAd.Handler))).Methods(http.MethodGet)

	/* (необязательно) вывести известные маршруты в лог при старте */
	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	a.br.InitAll(a.ctx)
	a.prov.StartKeySweeper(a.ctx, time.Minute)

	// Жёсткие таймауты — это важно для production
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}

	a.disp.Close()
	a.br.CloseAll()
	a.bus.Close()
	a.kv.StopJanitor()
	return nil
}
