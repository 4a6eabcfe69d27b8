package main

import (
	"context"
	"fmt"
	"net/http"

	"fleetautoscaler/app/handler"
	"fleetautoscaler/app/router"
	"fleetautoscaler/pkg/agentmanagement"
	"fleetautoscaler/pkg/autoscaler"
	"fleetautoscaler/pkg/config"
	"fleetautoscaler/pkg/jobcatalog"
	"fleetautoscaler/pkg/logger"
	"fleetautoscaler/pkg/notification"
	asynqqueue "fleetautoscaler/pkg/queue/asynq"
	"fleetautoscaler/pkg/scheduler"
	mysqlstore "fleetautoscaler/pkg/store/mysql"
	redisstore "fleetautoscaler/pkg/store/redis"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"

	"github.com/gin-gonic/gin"
)

// initConfig initializes configuration.
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging.
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return err
	}
	app.registerCleanup(func() {
		logger.Sync()
		logger.InfoCtx(app.ctx, "logging system has been closed")
	})
	return nil
}

// initMySQL initializes the MySQL-backed scale-action/tier-state store.
func (app *Application) initMySQL() error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		app.config.MySQL.User,
		app.config.MySQL.Password,
		app.config.MySQL.Host,
		app.config.MySQL.Port,
		app.config.MySQL.Database,
	)

	repo, err := mysqlstore.NewRepository(dsn)
	if err != nil {
		return err
	}

	app.mysqlRepo = repo
	app.registerCleanup(func() {
		repo.Close()
		logger.InfoCtx(app.ctx, "MySQL connection has been closed")
	})

	return nil
}

// initRedis initializes the Redis client backing the leader lock, the
// recently-scaled-for dedup set, cross-replica config exchange, and the
// reference Scheduler/JobOperations implementations.
func (app *Application) initRedis() error {
	client, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		return err
	}

	app.redisClient = client
	app.registerCleanup(func() {
		client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})

	return nil
}

// initAgentManagement selects and builds the configured AgentManagement
// backend, plus the reference Scheduler and JobOperations implementations.
func (app *Application) initAgentManagement() error {
	switch app.config.AgentManagement.Backend {
	case "ec2":
		client, _, err := createEC2Client(app.ctx, app.config.AgentManagement.EC2.Region)
		if err != nil {
			return fmt.Errorf("create ec2 client: %w", err)
		}
		groupLaunchTemplate := map[string]string{}
		app.agentMgmt = agentmanagement.NewEC2Backend(client, groupLaunchTemplate)

	case "karpenter":
		dynClient, err := createKarpenterClient()
		if err != nil {
			return fmt.Errorf("create karpenter client: %w", err)
		}
		app.agentMgmt = agentmanagement.NewKarpenterBackend(
			dynClient,
			app.config.AgentManagement.Karpenter.TierLabelKey,
			app.config.AgentManagement.Karpenter.NodePoolLabelKey,
		)

	default:
		return fmt.Errorf("unknown agentManagement.backend %q (want \"ec2\" or \"karpenter\")", app.config.AgentManagement.Backend)
	}

	app.scheduler = scheduler.NewRedisScheduler(app.redisClient.GetClient())
	app.jobOps = jobcatalog.NewRedisCatalog(app.redisClient.GetClient())

	return nil
}

// initActionQueue builds the asynq-backed action queue and registers the
// worker-side handlers against the real AgentManagement backend.
func (app *Application) initActionQueue() error {
	mgr, err := asynqqueue.NewManager(app.config)
	if err != nil {
		return err
	}
	mgr.RegisterHandlers(app.agentMgmt)

	app.queueManager = mgr
	app.registerCleanup(func() {
		if err := mgr.Close(); err != nil {
			logger.WarnCtx(app.ctx, "failed to close action queue client: %v", err)
		}
	})

	return nil
}

// initNotification builds the Feishu notifier used for "blocked" and
// "reaper_reset" scale actions.
func (app *Application) initNotification() error {
	app.notifier = notification.NewFeishuNotifier()
	return nil
}

// initAutoScaler builds the autoscaler Manager wired to every collaborator
// initialized above.
func (app *Application) initAutoScaler() error {
	cfg, err := autoscaler.AdaptConfig(app.config.AutoScaler)
	if err != nil {
		return fmt.Errorf("adapt autoscaler config: %w", err)
	}

	lock := autoscaler.NewRedisDistributedLock(app.redisClient.GetClient(), "autoscaler-leader")
	recently := autoscaler.NewRedisRecentlyScaledFor(app.redisClient.GetClient(), "autoscaler:recently-scaled")
	executor := app.queueManager.Executor()

	app.autoscalerMgr = autoscaler.NewManager(
		cfg,
		app.agentMgmt,
		app.scheduler,
		app.jobOps,
		executor,
		recently,
		lock,
		app.mysqlRepo,
		app.notifier,
		app.redisClient.GetClient(),
	)

	return nil
}

// initHandlers initializes the handler layer.
func (app *Application) initHandlers() error {
	app.autoscalerHandler = handler.NewAutoScalerHandler(app.autoscalerMgr)
	return nil
}

// initHTTPServer initializes the HTTP server.
func (app *Application) initHTTPServer() error {
	r := router.NewRouter(app.autoscalerHandler)

	gin.SetMode(app.config.Server.Mode)

	app.ginEngine = gin.New()
	app.ginEngine.Use(gin.Recovery())

	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.ginEngine,
	}

	return nil
}

// createEC2Client creates an AWS EC2 client using the SDK's default
// credential chain (environment, shared config, or an attached IAM role);
// the EC2Config carries no access-key/secret fields on purpose, since those
// belong to the environment, not a config file.
func createEC2Client(ctx context.Context, region string) (*ec2.Client, string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, "", err
	}

	return ec2.NewFromConfig(cfg), cfg.Region, nil
}

// createKarpenterClient builds a dynamic Kubernetes client from the pod's
// in-cluster config, the same way the control plane talks to the
// Kubernetes API server for any other NodePool/NodeClaim read or write.
func createKarpenterClient() (dynamic.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("load in-cluster config: %w", err)
	}
	return dynamic.NewForConfig(restCfg)
}
