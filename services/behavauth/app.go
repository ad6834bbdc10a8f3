package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"behavtrust/pkg/auth"
	"behavtrust/pkg/biometrics"
	"behavtrust/pkg/circuitbreaker"
	"behavtrust/pkg/config"
	"behavtrust/pkg/database"
	"behavtrust/pkg/engine"
	"behavtrust/pkg/iptrust"
	"behavtrust/pkg/metrics"
	"behavtrust/pkg/ml"
	"behavtrust/pkg/notify"
	"behavtrust/pkg/otp"
	"behavtrust/pkg/policy"
	"behavtrust/pkg/ratelimit"
	"behavtrust/pkg/structlog"
)

// app holds the long-lived components of one service process.
type app struct {
	server     *Server
	engine     *engine.Engine
	scheduler  *biometrics.Scheduler
	dispatcher *notify.Dispatcher
	users      auth.UserStore
	closers    []func() error
}

// options replace infrastructure in tests.
type options struct {
	registry *prometheus.Registry
	mailer   notify.Sender
	events   notify.Sender
	now      func() time.Time
}

var errSMTPDisabled = errors.New("smtp is not configured")

func buildApp(ctx context.Context, cfg *config.Config, log *structlog.Logger, opts options) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()
	if opts.now == nil {
		opts.now = time.Now
	}

	reg := opts.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.New(reg)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	var (
		samples biometrics.SampleStore
		models  biometrics.ModelStore
		ipStore iptrust.Store
		ready   func(context.Context) error
	)
	if cfg.Database.DSN != "" {
		if cfg.Database.AutoMigrate {
			if err := database.AutoMigrate(ctx, cfg.Database.DSN); err != nil {
				return nil, err
			}
		}
		db, err := database.NewDatabase(ctx, database.DBConfig{DSN: cfg.Database.DSN, MaxOpenConns: cfg.Database.MaxConnections})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		repo := database.NewSampleRepository(db)
		samples, models = repo, repo
		ipStore = database.NewIPTrustRepository(db)
		a.users = database.NewUserRepository(db)
		ready = db.Ping
	} else {
		log.Warn("no database configured; state is kept in memory", nil)
		mem := biometrics.NewMemoryStore()
		samples, models = mem, mem
		ipStore = iptrust.NewMemoryStore()
		a.users = auth.NewMemoryUserStore()
	}

	var senders notify.MultiSender
	mailer := opts.mailer
	if cfg.SMTP.Username != "" {
		smtpSender := notify.NewSMTPSender(notify.SMTPConfig{
			Host: cfg.SMTP.Host, Port: cfg.SMTP.Port,
			Username: cfg.SMTP.Username, Password: cfg.SMTP.Password,
			From: cfg.SMTP.From, FrontendURL: cfg.Server.FrontendURL,
		})
		guarded := notify.NewBreakerSender("smtp", smtpSender, circuitbreaker.Settings{}, log)
		senders = append(senders, guarded)
		if mailer == nil {
			mailer = guarded
		}
	}
	if mailer == nil {
		log.Warn("smtp not configured; login codes cannot be delivered", nil)
		mailer = notify.SenderFunc(func(context.Context, string, notify.Kind, notify.Payload) error { return errSMTPDisabled })
	}
	if rdb != nil {
		senders = append(senders, notify.NewRedisStreamSender(rdb, ""))
	}
	var trustSender notify.Sender = notify.Nop
	if len(senders) > 0 {
		trustSender = senders
	}
	if opts.events != nil {
		trustSender = opts.events
	}
	a.dispatcher = notify.NewDispatcher(trustSender, log, m, 2, 256)
	a.closers = append(a.closers, func() error { a.dispatcher.Close(); return nil })

	tracker := iptrust.NewTracker(ipStore, a.dispatcher, iptrust.Config{
		Threshold: cfg.IPTrust.AutoTrustThreshold,
		TokenTTL:  cfg.IPTrust.TokenTTL,
		Now:       opts.now,
	}, log, m)

	extractor := ml.FeatureExtractor{IncludeSpread: cfg.Biometrics.IncludeSpread}
	trainer := biometrics.NewTrainer(samples, models, biometrics.TrainerConfig{
		MinSamples:      cfg.Biometrics.MinSamplesRequired,
		Incremental:     cfg.Biometrics.Incremental,
		MaxTrainingRows: cfg.Biometrics.MaxTrainingRows,
		Extractor:       extractor,
		SVM:             ml.OneClassSVMConfig{Nu: cfg.Biometrics.Nu},
		Now:             opts.now,
	}, log, m)
	predictor := biometrics.NewPredictor(models, biometrics.PredictorConfig{
		SVMWeight:     cfg.Biometrics.SVMWeight,
		ClusterWeight: cfg.Biometrics.ClusterWeight,
		Extractor:     extractor,
	}, log, m)

	var locker biometrics.Locker
	if rdb != nil {
		locker = biometrics.NewRedisLocker(rdb, "")
	}
	a.scheduler = biometrics.NewScheduler(samples, trainer, locker, biometrics.SchedulerConfig{
		Interval: cfg.Biometrics.TrainInterval,
		Workers:  cfg.Biometrics.TrainWorkers,
	}, log, m)

	fusionPolicy := cfg.FusionPolicy()
	a.engine = engine.New(engine.Deps{
		Samples:   samples,
		Predictor: predictor,
		Tracker:   tracker,
		Scheduler: a.scheduler,
		Logins:    a.users,
		Policy:    fusionPolicy,
		Log:       log,
		Metrics:   m,
		Now:       opts.now,
	})

	var (
		otpStore     otp.Store
		revokedStore auth.RevokedTokenStore
	)
	if rdb != nil {
		otpStore = otp.NewRedisStore(rdb)
		revokedStore = auth.NewRedisRevokedStore(rdb)
	} else {
		otpStore = otp.NewMemoryStore(opts.now)
		revokedStore = auth.NewInMemoryRevokedStore()
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret, err = randomSecret()
		if err != nil {
			return nil, err
		}
		log.Warn("JWT_SECRET_KEY not set; using an ephemeral secret", nil)
	}
	jwtManager, err := auth.NewJWTManager(auth.JWTConfig{
		Secret:            secret,
		AccessTokenTTL:    cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL:   cfg.Auth.RefreshTokenTTL,
		Issuer:            serviceName,
		RevokedTokenStore: revokedStore,
		Now:               opts.now,
	})
	if err != nil {
		return nil, err
	}

	threats, err := policy.LoadThreatPolicy(ctx, cfg.Policy.RegoPath, cfg.Policy.DeniedCIDRs)
	if err != nil {
		return nil, err
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Attempts > 0 {
		var scripter redis.Scripter
		if rdb != nil {
			scripter = rdb
		}
		limiter = ratelimit.NewSlidingWindowLimiter(scripter, cfg.RateLimit.Attempts, cfg.RateLimit.Window, "")
	}

	a.server = &Server{
		engine:         a.engine,
		users:          a.users,
		modes:          samples,
		jwt:            jwtManager,
		otp:            otp.NewService(otpStore, cfg.Auth.OTPTTL),
		otpTTL:         cfg.Auth.OTPTTL,
		mailer:         mailer,
		threats:        threats,
		limiter:        limiter,
		log:            log,
		metrics:        m,
		gatherer:       reg,
		httpMetrics:    metrics.NewHTTPMetrics(reg, serviceName),
		allowedOrigins: cfg.Server.AllowedOrigins,
		ready:          ready,
	}
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
