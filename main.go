package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/addrummond/imask/account"
	"github.com/addrummond/imask/config"
	"github.com/addrummond/imask/poller"
	"github.com/addrummond/imask/pop3"
	"github.com/addrummond/imask/store"
)

// Functions

// initLogger initializes a JSON gokit-logger set
// to the according log level supplied via cli flag.
func initLogger(loglevel string) log.Logger {

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch strings.ToLower(loglevel) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	return logger
}

// pollOnce runs one poll-merge-publish cycle for an account.
// A poll skipped because of the in-progress guard is not an
// error.
func pollOnce(logger log.Logger, conf *config.Config, ctx *account.Context, p *poller.Poller, metrics *ImaskMetrics) error {

	fresh, err := p.Poll(ctx, poller.Cutoff(ctx.Conf.MaxAgeDays, time.Now()))
	if err == poller.ErrPollInProgress {

		metrics.Polls.With("account", ctx.ID, "status", "skipped").Add(1)

		level.Info(logger).Log(
			"msg", "skipped poll, previous one still running",
			"account", ctx.ID,
		)

		return nil
	}
	if err != nil {
		metrics.Polls.With("account", ctx.ID, "status", "error").Add(1)
		return err
	}

	// Prune retrieved messages from the old list, append the
	// new one, renumber and publish atomically.
	ctx.MergeAndSwap(fresh)
	metrics.Polls.With("account", ctx.ID, "status", "ok").Add(1)

	count, _ := ctx.Stat()
	level.Info(logger).Log(
		"msg", "merged old and new messages",
		"account", ctx.ID,
		"holding", count,
	)

	if conf.StateDir != "" {

		path := store.SnapshotPath(conf.StateDir, ctx.ID)
		if err := ctx.SaveSnapshot(path); err != nil {
			level.Error(logger).Log(
				"msg", "failed to write store snapshot",
				"account", ctx.ID,
				"err", err,
			)
		}
	}

	return nil
}

// initialPopulate fills every account's store before the
// listener opens. In cached mode an account with a readable
// snapshot skips its initial poll; any other account whose
// poll fails makes startup fail.
func initialPopulate(logger log.Logger, conf *config.Config, registry *account.Registry, p *poller.Poller, metrics *ImaskMetrics, cached bool) error {

	contexts := registry.All()

	var wg sync.WaitGroup
	errs := make(chan error, len(contexts))

	for _, ctx := range contexts {

		wg.Add(1)

		go func(ctx *account.Context) {

			defer wg.Done()

			if cached {

				path := store.SnapshotPath(conf.StateDir, ctx.ID)
				if s, err := store.Load(path); err == nil {

					ctx.SwapStore(s)

					level.Info(logger).Log(
						"msg", "using stored mailbox",
						"account", ctx.ID,
						"path", path,
					)

					return
				}
			}

			if err := pollOnce(logger, conf, ctx, p, metrics); err != nil {
				errs <- fmt.Errorf("account '%s': %v", ctx.ID, err)
			}
		}(ctx)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		return err
	}

	return nil
}

// pollLoop drives the recurring polls of one account. A
// failed poll is logged and simply retried at the next tick.
func pollLoop(logger log.Logger, conf *config.Config, ctx *account.Context, p *poller.Poller, metrics *ImaskMetrics) {

	ticker := time.NewTicker(ctx.Conf.PollEvery)
	defer ticker.Stop()

	for range ticker.C {

		if err := pollOnce(logger, conf, ctx, p, metrics); err != nil {
			level.Error(logger).Log(
				"msg", "poll failed",
				"account", ctx.ID,
				"err", err,
			)
		}
	}
}

func main() {

	// Set CPUs usable by imask to all available.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Parse command-line flag that defines a config path.
	configFlag := flag.String("config", "config.toml", "Provide path to configuration file in TOML syntax.")
	cachedFlag := flag.Bool("cached", false, "Populate accounts from their JSON snapshots where present instead of requiring the initial poll to succeed.")
	loglevelFlag := flag.String("loglevel", "debug", "This flag sets the default logging level.")
	flag.Parse()

	logger := initLogger(*loglevelFlag)

	// Read configuration from file.
	conf, err := config.LoadConfig(*configFlag)
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to load the config",
			"err", err,
		)
		os.Exit(1)
	}

	metrics := NewImaskMetrics(conf.PrometheusAddr)
	registry := account.NewRegistry(conf)
	p := poller.New(log.With(logger, "component", "poller"))

	// Populate every account's store before accepting any
	// POP3 connection.
	if err := initialPopulate(logger, conf, registry, p, metrics, *cachedFlag); err != nil {
		level.Error(logger).Log(
			"msg", "failed to populate accounts at startup",
			"err", err,
		)
		os.Exit(2)
	}

	// Initialize POP3 server.
	srv, err := pop3.InitServer(log.With(logger, "component", "pop3"), metrics.Server, conf, registry)
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to initialize POP3 server",
			"err", err,
		)
		os.Exit(3)
	}
	defer srv.Socket.Close()

	go runPromHTTP(logger, conf.PrometheusAddr)

	// Schedule the recurring polls, one task per account.
	for _, ctx := range registry.All() {
		go pollLoop(logger, conf, ctx, p, metrics)
	}

	// Loop on incoming POP3 sessions.
	if err = srv.Run(); err != nil {
		level.Error(logger).Log(
			"msg", "failed to serve POP3 sessions",
			"err", err,
		)
		os.Exit(4)
	}
}
