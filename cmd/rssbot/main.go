// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/admin"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/bot"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/feed"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/gemini"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/pipeline"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/registry"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/storage"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/taskq"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/telegram"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/watch"
	"go.astrophena.name/rssbot/internal/cli"
	"go.astrophena.name/rssbot/internal/filelock"
	"go.astrophena.name/rssbot/internal/logger"
	"go.astrophena.name/rssbot/internal/request"
	"go.astrophena.name/rssbot/internal/systemd"
	"go.astrophena.name/rssbot/internal/web"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

const defaultAdminAddr = "localhost:3000"

var errNoToken = errors.New("environment variable TELEGRAM_TOKEN is not defined")

func main() { cli.Main(new(app)) }

type app struct {
	// configuration
	adminAddr   string
	adminHash   string
	configPath  string
	databaseURL string
	dry         bool
	geminiKey   string
	json        bool
	remoteURL   string
	stateDir    string
	tgToken     string

	// for tests
	httpc      *http.Client
	tgEndpoint string
	ready      func(adminAddr net.Addr)
}

func (a *app) Flags(fs *flag.FlagSet) {
	fs.StringVar(&a.configPath, "config", "", "Path to the config.star file with tunables.")
	fs.BoolVar(&a.dry, "dry", false, "Enable dry-run mode: log messages instead of sending them.")
	fs.BoolVar(&a.json, "json", false, "Output in JSON format (honored in supported commands).")
	fs.StringVar(&a.remoteURL, "remote", "", "Admin API URL of a running bot (defaults to http://$ADMIN_ADDR).")
}

func (a *app) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	// Load configuration from environment variables.
	a.adminAddr = cmp.Or(a.adminAddr, env.Getenv("ADMIN_ADDR"), defaultAdminAddr)
	a.adminHash = cmp.Or(a.adminHash, env.Getenv("ADMIN_PASSWORD_HASH"))
	a.databaseURL = cmp.Or(a.databaseURL, env.Getenv("DATABASE_URL"))
	a.geminiKey = cmp.Or(a.geminiKey, env.Getenv("GEMINI_API_KEY"))
	a.stateDir = cmp.Or(a.stateDir, env.Getenv("STATE_DIRECTORY"))
	a.tgToken = cmp.Or(a.tgToken, env.Getenv("TELEGRAM_TOKEN"))
	a.remoteURL = cmp.Or(a.remoteURL, "http://"+a.adminAddr)
	if a.httpc == nil {
		a.httpc = request.DefaultClient
	}

	// Enable debug logging in dry-run mode.
	if a.dry {
		logger.Get(ctx).Level.Set(slog.LevelDebug)
	}

	if len(env.Args) == 0 {
		return fmt.Errorf("%w: command is required, see -help for usage", cli.ErrInvalidArgs)
	}
	command := env.Args[0]

	switch command {
	case "serve":
		cfg, err := a.loadConfig(ctx)
		if err != nil {
			return err
		}
		return a.serve(ctx, cfg)
	case "subscriptions":
		return a.listSubscriptions(ctx, env.Stdout)
	case "reconcile":
		return a.reconcile(ctx, env.Stdout)
	case "watch":
		if len(env.Args) != 2 {
			return fmt.Errorf("%w: watch command expects a subscription ID", cli.ErrInvalidArgs)
		}
		return a.runWatch(ctx, env.Stdout, env.Args[1])
	case "hash-password":
		return hashPassword(env.Stdin, env.Stdout)
	default:
		return fmt.Errorf("%w: no such command %q", cli.ErrInvalidArgs, command)
	}
}

func (a *app) loadConfig(ctx context.Context) (config, error) {
	if a.configPath == "" {
		return defaultConfig(), nil
	}
	src, err := os.ReadFile(a.configPath)
	if err != nil {
		return config{}, err
	}
	log := logger.Get(ctx)
	return parseConfig(filepath.Base(a.configPath), src, func(format string, args ...any) {
		log.Info(fmt.Sprintf(format, args...), "source", "config")
	})
}

// openStore opens the database: PostgreSQL if DATABASE_URL is a postgres://
// URL, SQLite otherwise. Without DATABASE_URL the SQLite database lives in the
// state directory.
func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	if strings.HasPrefix(a.databaseURL, "postgres://") || strings.HasPrefix(a.databaseURL, "postgresql://") {
		return storage.NewPostgresStore(ctx, a.databaseURL)
	}
	if a.databaseURL != "" {
		return storage.NewSQLiteStore(ctx, a.databaseURL)
	}

	stateDir, err := a.stateDirectory(ctx)
	if err != nil {
		return nil, err
	}
	return storage.NewSQLiteStore(ctx, filepath.Join(stateDir, "rssbot.db"))
}

// stateDirectory returns STATE_DIRECTORY or $XDG_STATE_HOME/rssbot, creating
// it if needed.
func (a *app) stateDirectory(ctx context.Context) (string, error) {
	stateDir := a.stateDir
	if stateDir == "" {
		xdgStateHome := cli.GetEnv(ctx).Getenv("XDG_STATE_HOME")
		if xdgStateHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			xdgStateHome = filepath.Join(home, ".local", "state")
		}
		stateDir = filepath.Join(xdgStateHome, "rssbot")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return "", err
	}
	return stateDir, nil
}

func (a *app) serve(ctx context.Context, cfg config) error {
	env := cli.GetEnv(ctx)
	if a.tgToken == "" {
		return errNoToken
	}

	// Keep recent log lines for the admin API.
	logs := logger.NewStreamer(1000)
	l := logger.New(io.MultiWriter(env.Stderr, logs))
	l.Level.Set(logger.Get(ctx).Level.Level())
	ctx = logger.Put(ctx, l)

	// Only one process may serve from a state directory.
	stateDir, err := a.stateDirectory(ctx)
	if err != nil {
		return err
	}
	lock, err := filelock.Acquire(filepath.Join(stateDir, "serve.lock"), fmt.Sprintf("pid %d", os.Getpid()))
	if err != nil {
		return fmt.Errorf("another instance is serving: %w", err)
	}
	defer lock.Release()

	store, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	tg, err := telegram.New(telegram.Config{
		Token:      a.tgToken,
		Endpoint:   a.tgEndpoint,
		HTTPClient: a.httpc,
		Dry:        a.dry,
	})
	if err != nil {
		return err
	}
	fetcher := feed.New(feed.Config{HTTPClient: a.httpc})

	var gen pipeline.Generator
	if a.geminiKey != "" {
		gc, err := gemini.New(ctx, gemini.Config{
			APIKey:     a.geminiKey,
			Model:      cfg.GeminiModel,
			HTTPClient: a.httpc,
		})
		if err != nil {
			return err
		}
		defer gc.Close()
		gen = gc
	} else {
		l.Warn("GEMINI_API_KEY is not defined, items will be delivered without summaries")
	}

	var svc *watch.Service
	reg := registry.New(registry.Config{
		Interval: cfg.WatchInterval,
		Job:      func(ctx context.Context, id string) { svc.RunWatch(ctx, id) },
		Logger:   l.Logger,
	})
	queue := taskq.New(taskq.Config{
		Journal: store,
		Handler: func(ctx context.Context, task storage.Task) error { return svc.RunDelivery(ctx, task) },
		Workers: cfg.Workers,
	})
	svc = watch.New(watch.Config{
		Store:           store,
		Feeds:           fetcher,
		Messenger:       tg,
		Preparer:        pipeline.New(fetcher, gen),
		Registry:        reg,
		Queue:           queue,
		BotName:         tg.Self().UserName,
		DeliveryDelay:   cfg.DeliveryDelay,
		EnqueueInterval: cfg.EnqueueInterval,
	})
	b := bot.New(bot.Config{
		Store:     store,
		Messenger: tg,
		Feeds:     fetcher,
		Watches:   svc,
		Limit:     cfg.Limit,
	})

	health := web.NewHealth()
	health.RegisterFunc("watches", func() (string, bool) {
		return fmt.Sprintf("%d registered", len(reg.Keys())), true
	})
	health.RegisterFunc("queue", func() (string, bool) {
		return fmt.Sprintf("%d pending", len(queue.Pending())), true
	})
	adminHandler, err := admin.Handler(admin.Config{
		Store:        store,
		Watches:      reg,
		Queue:        queue,
		Service:      svc,
		Health:       health,
		Logs:         logs,
		PasswordHash: []byte(a.adminHash),
	})
	if err != nil {
		return err
	}

	// Journaled deliveries must be pending before the first watch cycle so
	// that it doesn't schedule their items again.
	if err := queue.Restore(ctx); err != nil {
		return fmt.Errorf("restoring delivery tasks: %w", err)
	}
	if _, err := svc.Reconcile(ctx); err != nil {
		return err
	}

	sd, err := systemd.FromEnv(env.Getenv)
	if err != nil {
		return err
	}
	ready := func(addr net.Addr) {
		if err := sd.Notify(systemd.Ready, systemd.Status("watching %d feeds", len(reg.Keys()))); err != nil {
			l.Warn("notifying systemd failed", "error", err)
		}
		if a.ready != nil {
			a.ready(addr)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	reg.Start(ctx)
	defer reg.Stop()
	defer sd.Notify(systemd.Stopping)

	g.Go(func() error { return queue.Run(ctx) })
	g.Go(func() error {
		sd.WatchdogLoop(ctx)
		return nil
	})
	g.Go(func() error { return b.Run(ctx, tg.Updates(ctx)) })
	g.Go(func() error {
		return web.ListenAndServe(ctx, &web.ListenAndServeConfig{
			Addr:    a.adminAddr,
			Handler: adminHandler,
			Ready:   ready,
		})
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := svc.Reconcile(ctx); err != nil {
					l.Error("periodic reconcile failed", "error", err)
				}
			}
		}
	})

	l.Info("serving", "bot", tg.Self().UserName, "watch_interval", cfg.WatchInterval)
	return g.Wait()
}

func (a *app) listSubscriptions(ctx context.Context, w io.Writer) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	subs, err := store.ActiveSubscriptions(ctx)
	if err != nil {
		return err
	}

	if a.json {
		if subs == nil {
			subs = []storage.Subscription{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(subs)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCHANNEL\tUSER\tLAST SEEN\tURL")
	for _, sub := range subs {
		lastSeen := "never"
		if !sub.LastSeen.IsZero() {
			lastSeen = humanize.Time(sub.LastSeen)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			sub.ID, sub.Name, cmp.Or(sub.ChannelTitle, sub.ChannelID), sub.UserID, lastSeen, sub.URL)
	}
	return tw.Flush()
}

func (a *app) reconcile(ctx context.Context, w io.Writer) error {
	res, err := request.Make[watch.ReconcileResult](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        a.remoteURL + "/api/reconcile",
		HTTPClient: a.httpc,
	})
	if err != nil {
		return err
	}
	if a.json {
		return json.NewEncoder(w).Encode(res)
	}
	fmt.Fprintf(w, "%d active subscriptions, %d watches added, %d removed\n", res.Total, len(res.Added), len(res.Removed))
	return nil
}

func (a *app) runWatch(ctx context.Context, w io.Writer, id string) error {
	res, err := request.Make[admin.RunResult](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        a.remoteURL + "/api/watches/" + id + "/run",
		HTTPClient: a.httpc,
	})
	if err != nil {
		return err
	}
	if a.json {
		return json.NewEncoder(w).Encode(res)
	}
	fmt.Fprintf(w, "%s: %s\n", res.ID, res.Status)
	return nil
}

var errEmptyPassword = errors.New("password is empty")

// hashPassword reads a password from the first line of r and writes its
// bcrypt hash, suitable for ADMIN_PASSWORD_HASH, to w.
func hashPassword(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Scan()
	if err := sc.Err(); err != nil {
		return err
	}
	password := strings.TrimRight(sc.Text(), "\r")
	if password == "" {
		return errEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(hash))
	return err
}
