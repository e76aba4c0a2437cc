package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/nudgeops/nudged/internal/audit"
	"github.com/nudgeops/nudged/internal/channel"
	"github.com/nudgeops/nudged/internal/config"
	"github.com/nudgeops/nudged/internal/engine"
	"github.com/nudgeops/nudged/internal/eventbus"
	"github.com/nudgeops/nudged/internal/ops"
	"github.com/nudgeops/nudged/internal/reconcile"
	"github.com/nudgeops/nudged/internal/scheduler"
	"github.com/nudgeops/nudged/internal/tracker"
	"github.com/nudgeops/nudged/internal/workitem/repositoryimpl"
	"github.com/nudgeops/nudged/pkg/clog"
	"github.com/nudgeops/nudged/pkg/storage"

	tmpl "github.com/nudgeops/nudged/internal/template"
)

var version = "dev"

var (
	app = kingpin.New("nudged", "Reminder escalation engine for externally tracked work items")

	runCmd = app.Command("run", "Run the engine: stage triggers, tracker sync, and the ops API")

	evaluateCmd = app.Command("evaluate", "Evaluate one item immediately and exit")
	evaluateID  = evaluateCmd.Arg("id", "Work item ID").Required().String()

	versionCmd = app.Command("version", "Print the version")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == versionCmd.FullCommand() {
		fmt.Println(version)
		return
	}

	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}
	setupLogger(env)

	c, err := build(env)
	if err != nil {
		slog.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	switch command {
	case runCmd.FullCommand():
		run(env, c)
	case evaluateCmd.FullCommand():
		evaluate(c, *evaluateID)
	}
}

func setupLogger(env *config.Env) {
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))
}

// components is the wired engine stack shared by the run and evaluate
// commands.
type components struct {
	policyStore *config.PolicyStore
	repo        *repositoryimpl.YAMLRepository
	trail       *audit.StorageSink
	sink        *audit.BufferedSink
	bus         *eventbus.Bus
	engine      *engine.Engine
	scheduler   *scheduler.Scheduler
	syncer      *tracker.Syncer
}

func build(env *config.Env) (*components, error) {
	var store storage.Storage
	var err error
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 storage: %w", err)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create local storage: %w", err)
		}
	}

	policyStore, err := config.NewPolicyStore(env.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}

	repo := repositoryimpl.NewYAMLRepository(store)
	trail := audit.NewStorageSink(store)
	sink := audit.NewBufferedSink(trail)
	bus := eventbus.New()

	senders := map[channel.Channel]channel.Sender{}
	if env.VAPIDPublicKey != "" && env.VAPIDPrivateKey != "" {
		senders[channel.Push] = channel.NewWebPushSender(env.VAPIDPublicKey, env.VAPIDPrivateKey, env.VAPIDContact)
	}
	applyChannelFallback(policyStore, senders)
	warnUnboundChannels(policyStore, senders)

	reconciler := reconcile.New(reconcile.NewYAMLOracle(store))
	eng := engine.New(repo, reconciler, senders, tmpl.NewStorageRenderer(store), sink, bus)
	sched := scheduler.New(eng, repo, policyStore, env.Concurrency, env.ItemTimeout)
	syncer := tracker.NewSyncer(tracker.NewYAMLTracker(store), repo, bus, env.SyncInterval)

	return &components{
		policyStore: policyStore,
		repo:        repo,
		trail:       trail,
		sink:        sink,
		bus:         bus,
		engine:      eng,
		scheduler:   sched,
		syncer:      syncer,
	}, nil
}

// applyChannelFallback routes every stage through push when none of
// the policy's channels has a sender but push does, so a fresh install
// with only VAPID keys configured still delivers reminders.
func applyChannelFallback(store *config.PolicyStore, senders map[channel.Channel]channel.Sender) {
	pol := store.Snapshot()
	for stage := 1; stage <= pol.MaxStages; stage++ {
		for _, ch := range pol.ChannelsFor(stage) {
			if _, ok := senders[ch]; ok {
				return
			}
		}
	}
	if _, ok := senders[channel.Push]; !ok {
		return
	}
	slog.Info("no sender for any policy channel, routing all stages through push")
	store.SetChannelFallback(channel.Push)
}

// warnUnboundChannels flags policy channels with no sender wired into
// this build. Their dispatch attempts fail as configuration errors.
func warnUnboundChannels(store *config.PolicyStore, senders map[channel.Channel]channel.Sender) {
	pol := store.Snapshot()
	seen := map[channel.Channel]bool{}
	for stage := 1; stage <= pol.MaxStages; stage++ {
		for _, ch := range pol.ChannelsFor(stage) {
			if seen[ch] {
				continue
			}
			seen[ch] = true
			if _, ok := senders[ch]; !ok {
				slog.Warn("policy channel has no sender in this build", "channel", string(ch))
			}
		}
	}
}

func run(env *config.Env, c *components) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go func() {
		if err := c.policyStore.Watch(ctx); err != nil {
			slog.Error("policy watcher error", "error", err)
		}
	}()
	go c.syncer.Start(ctx)
	go c.scheduler.Start(ctx)

	srv := ops.NewServer(env, c.repo, c.scheduler, c.policyStore, c.trail, c.sink, c.bus)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	// Let in-flight item evaluations and connections finish.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	c.sink.Flush(shutdownCtx)
}

func evaluate(c *components, itemID string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := c.scheduler.EvaluateItem(ctx, itemID); err != nil {
		slog.Error("evaluation failed", "item_id", itemID, "error", err)
		os.Exit(1)
	}
	c.sink.Flush(ctx)
	slog.Info("evaluation finished", "item_id", itemID)
}
