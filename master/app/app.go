// Package app wires the master controller's service graph by hand: config in, a fully-connected
// Master out, with a cleanup function tearing down the database and pub/sub clients in reverse
// order of construction.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/benbjohnson/clock"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/config"
	"github.com/toxicbuild/master/master/email"
	"github.com/toxicbuild/master/master/instance"
	"github.com/toxicbuild/master/master/notify"
	"github.com/toxicbuild/master/master/poller"
	"github.com/toxicbuild/master/master/secrets"
	"github.com/toxicbuild/master/master/services/buildexecuter"
	"github.com/toxicbuild/master/master/services/buildmanager"
	"github.com/toxicbuild/master/master/services/cancel"
	"github.com/toxicbuild/master/master/services/lock"
	slaveservice "github.com/toxicbuild/master/master/services/slave"
	"github.com/toxicbuild/master/master/store"
	"github.com/toxicbuild/master/master/store/builders"
	"github.com/toxicbuild/master/master/store/builds"
	"github.com/toxicbuild/master/master/store/buildsets"
	"github.com/toxicbuild/master/master/store/migrations"
	"github.com/toxicbuild/master/master/store/repos"
	"github.com/toxicbuild/master/master/store/slaves"
)

// notificationsExchange and integrationsExchange name the two pub/sub topics every lifecycle
// signal is published to.
const (
	notificationsExchange = "notifications"
	integrationsExchange  = "integrations_notifications"
)

// Master is the fully-wired master controller.
type Master struct {
	Config *config.Config
	DB     *store.DB

	RepoStore     *repos.RepoStore
	SlaveStore    *slaves.SlaveStore
	BuilderStore  *builders.BuilderStore
	BuildStore    *builds.BuildStore
	BuildSetStore *buildsets.BuildSetStore

	Notify       *notify.Service
	SlaveService *slaveservice.Service
	Canceler     *cancel.Service
	Executer     *buildexecuter.Service
	Manager      *buildmanager.Service
	Scheduler    *poller.Scheduler

	PollerClient  *poller.Client
	SecretsClient *secrets.Client
	EmailClient   *email.Client

	LogFactory logger.LogFactory
}

// New constructs the full service graph from cfg. The returned cleanup function closes the
// database and pub/sub client; call it once the Master has been stopped.
func New(ctx context.Context, cfg *config.Config, logRegistry *logger.LogRegistry) (*Master, func(), error) {
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)

	migrationRunner := migrations.NewMasterGolangMigrateRunner(logFactory)
	db, dbCleanup, err := store.NewDatabase(ctx, store.DatabaseConfig{
		ConnectionString:   store.DatabaseConnectionString(cfg.Database.DSN),
		Driver:             store.DBDriver(cfg.Database.Driver),
		MaxIdleConnections: store.DefaultDatabaseMaxIdleConnections,
		MaxOpenConnections: store.DefaultDatabaseMaxOpenConnections,
	}, migrationRunner)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening database: %w", err)
	}

	repoStore := repos.NewStore(db, logFactory)
	slaveStore := slaves.NewStore(db, logFactory)
	builderStore := builders.NewStore(db, logFactory)
	buildStore := builds.NewStore(db, logFactory)
	buildSetStore := buildsets.NewStore(db, logFactory, buildStore)

	exchanges, exchangesCleanup, err := newExchanges(ctx, cfg)
	if err != nil {
		dbCleanup()
		return nil, nil, err
	}
	notifyService := notify.NewService(logFactory, exchanges...)

	instanceRegistry := instance.Registry{}
	if cfg.AWSRegion != "" || cfg.AWSAccessKeyID != "" {
		ec2Provider, err := instance.NewEC2Provider(instance.EC2Config{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}, logFactory)
		if err != nil {
			exchangesCleanup()
			dbCleanup()
			return nil, nil, err
		}
		instanceRegistry[models.InstanceTypeEC2] = ec2Provider
	}

	namedLock := lock.NewNamedLock()
	slaveService := slaveservice.NewService(
		db, slaveStore, buildStore, builderStore, namedLock, notifyService, instanceRegistry,
		slaveservice.Config{
			UseSSL:                   cfg.SlaveUsesSSL,
			ValidateCert:             cfg.ValidateCertSlave,
			WaitServiceStartRetries:  cfg.WaitServiceStartRetries,
			WaitServiceStartInterval: cfg.WaitServiceStartInterval,
		}, logFactory)

	secretsClient := secrets.NewClient(secrets.Config{
		Host:         cfg.SecretsHost,
		Port:         cfg.SecretsPort,
		UseSSL:       cfg.SecretsUsesSSL,
		ValidateCert: cfg.ValidateCertSecrets,
		Token:        cfg.SecretsToken,
	}, logFactory)
	pollerClient := poller.NewClient(poller.Config{
		Host:         cfg.PollerHost,
		Port:         cfg.PollerPort,
		UseSSL:       cfg.PollerUsesSSL,
		ValidateCert: cfg.ValidateCertPoller,
		Token:        cfg.PollerToken,
	}, logFactory)
	emailClient := email.NewClient(email.Config{
		APIURL:   cfg.NotificationsAPIURL,
		APIToken: cfg.NotificationsAPIToken,
	}, logFactory)
	if cfg.NotificationsAPIURL != "" && len(cfg.NotifyEmailRecipients) > 0 {
		email.NewNotifier(emailClient, cfg.NotifyEmailRecipients, logFactory).Register(notifyService)
	}

	canceler := cancel.NewService(db, buildStore, slaveService, notifyService, logFactory)
	executer := buildexecuter.NewService(
		db, buildStore, buildSetStore, repoStore, slaveService, secretsClient, canceler,
		notifyService, buildexecuter.Config{}, logFactory)
	manager := buildmanager.NewService(
		db, repoStore, slaveStore, builderStore, buildStore, buildSetStore,
		slaveService, executer, canceler, notifyService, logFactory)

	scheduler := poller.NewScheduler(ctx, pollerClient, repoStore, manager, poller.SchedulerConfig{
		PollInterval:   cfg.ConsumerPollInterval,
		ConfigFilename: cfg.BuildConfigFilename,
	}, clock.New(), logFactory)

	master := &Master{
		Config:        cfg,
		DB:            db,
		RepoStore:     repoStore,
		SlaveStore:    slaveStore,
		BuilderStore:  builderStore,
		BuildStore:    buildStore,
		BuildSetStore: buildSetStore,
		Notify:        notifyService,
		SlaveService:  slaveService,
		Canceler:      canceler,
		Executer:      executer,
		Manager:       manager,
		Scheduler:     scheduler,
		PollerClient:  pollerClient,
		SecretsClient: secretsClient,
		EmailClient:   emailClient,
		LogFactory:    logFactory,
	}
	cleanup := func() {
		exchangesCleanup()
		dbCleanup()
	}
	return master, cleanup, nil
}

// Start resumes every repository's pending buildsets and begins the poll loop.
func (m *Master) Start(ctx context.Context) error {
	repoList, err := m.RepoStore.ListAll(ctx, nil)
	if err != nil {
		return err
	}
	for _, repo := range repoList {
		if err := m.Manager.StartPending(ctx, repo.ID); err != nil {
			return err
		}
	}
	m.Scheduler.Start()
	return nil
}

// Stop halts polling, waits for every in-flight consumer loop, and flushes outstanding
// notification publishes.
func (m *Master) Stop() {
	m.Scheduler.Stop()
	m.Manager.Wait()
	m.Notify.Shutdown()
}

// newExchanges builds the two outbound pub/sub exchanges, or none at all when no project is
// configured (local runs and tests keep only the in-process signal bus).
func newExchanges(ctx context.Context, cfg *config.Config) ([]notify.Exchange, func(), error) {
	if cfg.PubSubProjectID == "" {
		return nil, func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating pub/sub client: %w", err)
	}
	exchanges := []notify.Exchange{
		notify.NewPubSubExchange(notificationsExchange, client.Topic(notificationsExchange)),
		notify.NewPubSubExchange(integrationsExchange, client.Topic(integrationsExchange)),
	}
	cleanup := func() { client.Close() }
	return exchanges, cleanup, nil
}
