// Command boternityd is the application root: it wires storage, the event
// bus, the completion provider pool, the chat pipeline, the WASM sandbox,
// and the workflow engine together and serves the HTTP/SSE/WebSocket
// surface, following the graceful-shutdown shape of
// goadesign-goa-ai's example/cmd/assistant.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/boternity/boternity/internal/bot"
	"github.com/boternity/boternity/internal/botfiles"
	"github.com/boternity/boternity/internal/bus"
	buspulse "github.com/boternity/boternity/internal/bus/pulse"
	"github.com/boternity/boternity/internal/chat"
	"github.com/boternity/boternity/internal/httpapi"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/llmclient"
	"github.com/boternity/boternity/internal/provider"
	"github.com/boternity/boternity/internal/sandbox"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/storage/sqlite"
	"github.com/boternity/boternity/internal/telemetry"
	"github.com/boternity/boternity/internal/workflow"
	"github.com/boternity/boternity/internal/workflow/engine/inmem"
)

func main() {
	var (
		httpPortF       = flag.String("http-port", "8080", "HTTP listen port")
		dataDirF        = flag.String("data-dir", "./data", "directory holding boternity.db and the skill module store")
		migrationsDirF  = flag.String("migrations-dir", "./internal/storage/migrations", "schema migrations directory")
		readerPoolF     = flag.Int("reader-pool-size", 0, "sqlite reader pool size (0 = 2x GOMAXPROCS)")
		workersF        = flag.Int("workflow-workers", 8, "bounded worker pool size for workflow step execution")
		cronIntervalF   = flag.Duration("cron-interval", time.Minute, "cron trigger evaluation interval")
		httpRateLimitF  = flag.Float64("sandbox-http-rps", 5, "outbound http.get/http.post rate limit per skill sandbox, in requests/sec")
		windowTokensF   = flag.Int("window-tokens", 0, "chat prompt window budget in tokens (0 = package default)")
		anthropicModelF = flag.String("anthropic-model", "", "override the default Anthropic model id")
		redisURLF       = flag.String("redis-url", "", "optional: mirror chat stream events onto a goa.design/pulse stream at this Redis URL, for a shared subscriber across processes")
		dbgF            = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := telemetry.NewClueLogger()

	if err := os.MkdirAll(*dataDirF, 0o755); err != nil {
		log.Fatal(ctx, fmt.Errorf("create data dir: %w", err))
	}

	pools, err := sqlite.Open(*dataDirF+"/boternity.db", *readerPoolF)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("open database: %w", err))
	}
	defer pools.Close()

	if err := sqlite.Migrate(pools.Writer, *migrationsDirF); err != nil {
		log.Fatal(ctx, fmt.Errorf("migrate database: %w", err))
	}

	repos := storage.Repositories{
		Bots:      sqlite.NewBotRepository(pools, nil),
		Sessions:  sqlite.NewSessionRepository(pools),
		Workflows: sqlite.NewWorkflowRepository(pools),
		Skills:    sqlite.NewSkillRepository(pools),
		Providers: sqlite.NewProviderRepository(pools),
		KV:        sqlite.NewKVRepository(pools),
		Files:     sqlite.NewFileRepository(pools),
	}

	eventBus := bus.NewBus(0)
	idgen := ids.System()
	secrets := newEnvSecrets()

	bots := bot.NewService(bot.Options{Repo: repos.Bots, Bus: eventBus, IDs: idgen, Logger: logger})
	if err := bots.VerifyAllSouls(ctx); err != nil {
		logger.Error(ctx, "soul verification failed", "error", err)
	}

	var chatBus bus.Publisher = eventBus
	if *redisURLF != "" {
		opt, err := redis.ParseURL(*redisURLF)
		if err != nil {
			log.Fatal(ctx, fmt.Errorf("parse redis url: %w", err))
		}
		pulseClient, err := buspulse.New(buspulse.ClientOptions{Redis: redis.NewClient(opt)})
		if err != nil {
			log.Fatal(ctx, fmt.Errorf("construct pulse client: %w", err))
		}
		chatBus = teePublisher{Primary: eventBus, Secondary: buspulse.NewSink(pulseClient)}
		logger.Info(ctx, "mirroring chat events to pulse", "redis_url", *redisURLF)
	}

	anthropicKey, _, _ := secrets.Get(ctx, "anthropic-api-key")
	if anthropicKey == "" {
		anthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	var anthropicOpts []llmclient.Option
	if *anthropicModelF != "" {
		anthropicOpts = append(anthropicOpts, llmclient.WithModel(*anthropicModelF))
	}
	anthropic := llmclient.New(anthropicKey, anthropicOpts...)

	pool := provider.NewPool([]provider.Entry{
		{Name: "anthropic", Priority: 0, Provider: anthropic},
	}, repos.Providers, eventBus, nil)

	files := botfiles.New(*dataDirF, repos.Files, nil)

	chatPipeline := chat.NewPipeline(chat.Options{
		Sessions:     repos.Sessions,
		Bots:         repos.Bots,
		Files:        files,
		Completer:    pool,
		Bus:          chatBus,
		IDs:          idgen,
		Logger:       logger,
		WindowTokens: *windowTokensF,
	})

	modules := sandbox.NewModuleStore(*dataDirF)
	sb := sandbox.New(sandbox.Options{
		Skills:        repos.Skills,
		KV:            repos.KV,
		Sessions:      repos.Sessions,
		Modules:       modules,
		Completer:     pool,
		Secrets:       secrets,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		HTTPRateLimit: rate.Limit(*httpRateLimitF),
		IDs:           idgen,
		Logger:        logger,
	})

	eng := inmem.New(*workersF, logger)
	wf, err := workflow.New(repos.Workflows, eventBus, eng, idgen, logger,
		workflow.WithCompletionProvider(pool),
		workflow.WithSkillInvoker(sb),
	)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("construct workflow service: %w", err))
	}

	if err := wf.ResumeCrashed(ctx); err != nil {
		logger.Error(ctx, "resume crashed workflow runs failed", "error", err)
	}

	cron := workflow.NewCronTicker(wf, repos.Workflows, *cronIntervalF, logger)

	server := httpapi.NewServer(httpapi.Options{
		Chat:         chatPipeline,
		Workflows:    wf,
		WorkflowRepo: repos.Workflows,
		Bus:          eventBus,
		Logger:       logger,
	})

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		cron.Run(ctx)
	}()

	httpSrv := &http.Server{
		Addr:    ":" + *httpPortF,
		Handler: server.Router(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info(ctx, "http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", "error", err)
	}

	wg.Wait()
	log.Printf(ctx, "exited")
}
