// Package app wires configuration, storage, providers and services into the
// components the server and worker commands run.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/offermail/internal/api"
	"github.com/ignite/offermail/internal/archive"
	"github.com/ignite/offermail/internal/config"
	"github.com/ignite/offermail/internal/crm"
	"github.com/ignite/offermail/internal/feeds"
	"github.com/ignite/offermail/internal/ovh"
	"github.com/ignite/offermail/internal/pkg/distlock"
	"github.com/ignite/offermail/internal/pkg/httpretry"
	"github.com/ignite/offermail/internal/pkg/logger"
	"github.com/ignite/offermail/internal/repository/postgres"
	"github.com/ignite/offermail/internal/service/dispatch"
	"github.com/ignite/offermail/internal/service/domains"
	"github.com/ignite/offermail/internal/service/lifecycle"
	"github.com/ignite/offermail/internal/service/matching"
	"github.com/ignite/offermail/internal/service/quota"
	"github.com/ignite/offermail/internal/service/reputation"
	"github.com/ignite/offermail/internal/service/sending"
	"github.com/ignite/offermail/internal/service/sendjob"
	"github.com/ignite/offermail/internal/transport"
	"github.com/ignite/offermail/internal/worker"
)

// App holds the wired engine.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Redis    *redis.Client
	Locks    *distlock.Factory
	Location *time.Location

	Policies *postgres.PolicyRepo
	Sends    *postgres.SendRepo
	Cursors  *postgres.CursorRepo

	Guard       *reputation.Guard
	Quota       *quota.Controller
	Dispatcher  *dispatch.Dispatcher
	Executor    *sendjob.Executor
	Jobs        *sendjob.Manager
	Lifecycle   *lifecycle.Manager
	Provisioner *domains.Provisioner
	Ingester    *feeds.Ingester
}

// New connects to Postgres and Redis and builds every service.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.Redact())

	loc, err := cfg.Engine.Location()
	if err != nil {
		return nil, err
	}

	db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	log.Println("[app] Connected to database")

	a := &App{Config: cfg, DB: db, Location: loc}
	a.Redis = connectRedis(ctx, cfg.Redis)
	a.Locks = distlock.NewFactory(a.Redis, db, cfg.Engine.Lifecycle.LockTTL())

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	clients := postgres.NewClientRepo(a.DB)
	jobs := postgres.NewJobRepo(a.DB)
	domainRepo := postgres.NewDomainRepo(a.DB)
	offers := postgres.NewOfferRepo(a.DB)
	a.Policies = postgres.NewPolicyRepo(a.DB)
	a.Sends = postgres.NewSendRepo(a.DB)
	a.Cursors = postgres.NewCursorRepo(a.DB)

	tr, err := newTransport(ctx, cfg)
	if err != nil {
		return err
	}
	provider := newMailboxProvider(cfg.OVH)
	crmSource, err := newCRMSource(cfg.CRM, a.Redis)
	if err != nil {
		return err
	}
	archiver, err := archive.New(ctx, archiveConfig(cfg.Archive))
	if err != nil {
		return err
	}

	a.Guard = reputation.NewGuard(postgres.NewReputationRepo(a.DB))
	a.Quota = quota.NewController(clients, a.Location)

	d := cfg.Engine.Dispatch
	a.Dispatcher = dispatch.NewDispatcher(a.Sends, clients, a.Guard, tr, dispatch.NewRenderer(), dispatch.Config{
		MaxAttempts:     d.MaxAttempts,
		ProviderTimeout: d.ProviderTimeout(),
		BaseBackoff:     d.BaseBackoff(),
		MaxBackoff:      d.MaxBackoff(),
	})

	matcher := matching.NewEvaluator(offers, a.Guard, cfg.Engine.Matching.PageSize)
	j := cfg.Engine.Jobs
	a.Executor = sendjob.NewExecutor(jobs, clients, a.Quota, matcher, a.Dispatcher, a.Policies, sendjob.Config{
		HeartbeatInterval:    j.Heartbeat(),
		MaxConcurrent:        j.MaxConcurrent,
		MaxConsecutiveErrors: j.MaxConsecutiveErrors,
	})
	a.Jobs = sendjob.NewManager(jobs, clients, a.Executor, a.Location, j.StaleTimeout())

	l := cfg.Engine.Lifecycle
	opts := []lifecycle.Option{
		lifecycle.WithLocker(a.Locks),
		lifecycle.WithProviderTimeout(l.ProviderTimeout()),
	}
	if crmSource != nil {
		opts = append(opts, lifecycle.WithCRM(crmSource))
	}
	if archiver != nil {
		opts = append(opts, lifecycle.WithArchiver(archiver))
	}
	a.Lifecycle = lifecycle.NewManager(clients, domainRepo, provider, lifecycle.Rules{
		ClosedStatuses:  l.ClosedStatuses,
		CloseReasons:    l.CloseReasons,
		Inactivity:      l.Inactivity(),
		BounceWindow:    l.BounceWindow(),
		BounceThreshold: l.BounceThreshold,
		Grace:           l.Grace(),
	}, opts...)
	a.Provisioner = domains.NewProvisioner(domainRepo, clients, provider, l.ProviderTimeout())

	a.Ingester = feeds.NewIngester(offers, feedSources(cfg.Feeds), &http.Client{Timeout: cfg.Feeds.Timeout()}, cfg.Feeds.Timeout())
	return nil
}

// Services exposes the components the operator API drives.
func (a *App) Services() api.Services {
	return api.Services{
		Quota:       a.Quota,
		Jobs:        a.Jobs,
		Sends:       a.Dispatcher,
		Lifecycle:   a.Lifecycle,
		Provisioner: a.Provisioner,
		Policy:      a.Policies,
		Reputation:  a.Guard,
	}
}

// Tasks returns the periodic tasks the worker runs.
func (a *App) Tasks() []worker.Task {
	w := a.Config.Engine.Worker
	recovery := worker.NewRecoveryWorker(a.Jobs, a.Sends, a.Config.Engine.Dispatch.ReservationTimeout())
	tasks := []worker.Task{
		worker.QuotaTask(a.Quota, a.Cursors, a.Location, w.Quota()),
		worker.JobTask(a.Jobs, w.JobTick()),
		worker.RecoveryTask(recovery, w.Recovery()),
		worker.SweepTask(a.Lifecycle, w.Lifecycle()),
		worker.ReconcileTask(a.Lifecycle, w.Reconcile()),
	}
	if len(a.Config.Feeds.Sources) > 0 {
		tasks = append(tasks, worker.FeedsTask(a.Ingester, w.Feeds()))
	}
	return tasks
}

// Close stops running jobs and releases connections.
func (a *App) Close() {
	if a.Executor != nil {
		a.Executor.Shutdown()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// connectRedis returns nil when Redis is not configured or unreachable;
// locks then fall back to Postgres advisory locks and the CRM cache is off.
func connectRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	var client *redis.Client
	if opts, err := redis.ParseURL(cfg.Addr); err == nil {
		client = redis.NewClient(opts)
	} else {
		client = redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		log.Printf("[app] Redis unavailable at %s, using Postgres locks: %v", cfg.Addr, err)
		client.Close()
		return nil
	}
	log.Println("[app] Connected to Redis")
	return client
}

func newTransport(ctx context.Context, cfg *config.Config) (sending.Transport, error) {
	switch cfg.Transport {
	case "smtp":
		return transport.NewSMTP(transport.SMTPConfig{
			Host:        cfg.SMTP.Host,
			Port:        cfg.SMTP.Port,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			InsecureTLS: cfg.SMTP.InsecureSkipVerify,
			DialTimeout: cfg.SMTP.DialTimeout(),
		}), nil
	case "ses", "":
		return transport.NewSES(ctx, transport.SESConfig{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKey,
			SecretAccessKey:  cfg.SES.SecretKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func newMailboxProvider(cfg config.OVHConfig) *ovh.MailboxProvider {
	client := ovh.NewClient(ovh.Config{
		Endpoint:    cfg.Endpoint,
		AppKey:      cfg.ApplicationKey,
		AppSecret:   cfg.ApplicationSecret,
		ConsumerKey: cfg.ConsumerKey,
		MaxRetries:  cfg.MaxRetries,
	}, nil)
	if !client.IsConfigured() {
		log.Println("[app] OVH credentials missing; mailbox provisioning and deletion will fail")
	}
	return ovh.NewMailboxProvider(client, cfg.MailboxSizeBytes)
}

// newCRMSource returns nil when no CRM is configured. With Redis available
// the table source is cached.
func newCRMSource(cfg config.CRMConfig, rdb *redis.Client) (sending.CRMSource, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	table, err := crm.NewTableSource(crm.TableConfig{
		ConnectionString: cfg.ConnectionString,
		TableName:        cfg.TableName,
		PartitionKey:     cfg.PartitionKey,
		StatusField:      cfg.StatusField,
		ReasonField:      cfg.ReasonField,
	}, httpretry.New(nil, 3))
	if err != nil {
		return nil, err
	}
	if rdb == nil {
		return table, nil
	}
	return crm.NewCachedSource(table, rdb, cfg.CacheTTL(), cfg.StaleTTL()), nil
}

func archiveConfig(cfg config.ArchiveConfig) archive.Config {
	return archive.Config{
		Backend: cfg.Backend,
		Region:  cfg.Region,
		Bucket:  cfg.Bucket,
		Prefix:  cfg.Prefix,
		Table:   cfg.Table,
		TTL:     time.Duration(cfg.TTLDays) * 24 * time.Hour,
	}
}

func feedSources(cfg config.FeedsConfig) []feeds.Source {
	out := make([]feeds.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		out = append(out, feeds.Source{URL: s.URL, Country: s.Country})
	}
	return out
}
