package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"boardwatch/internal/watcher"
	"boardwatch/lib/scrapers/avdbs"
	"boardwatch/lib/scrapers/avdbs/challenge"
	"boardwatch/lib/telegram"
	"boardwatch/lib/telemetry"
	"boardwatch/lib/util/serviceutil"

	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"
)

// exit codes for the scheduler: 1 bad credentials, 2 unsolved
// challenge, 3 state store failure
const (
	exitAuth    = 1
	exitBlocked = 2
	exitState   = 3
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one scan-and-notify cycle.",
	Run: func(command *cobra.Command, args []string) {
		if code := runWatch(serviceutil.SignalContext()); code != 0 {
			os.Exit(code)
		}
	},
}

func fail(code int, message string, err error) int {
	slog.Error(message, "err", err.Error())
	return code
}

// runWatch returns the process exit code instead of exiting, so the
// deferred cleanup (the run lock above all) always happens before the
// process dies. A lock left behind would turn the next hour of
// scheduled runs into silent no-ops.
func runWatch(ctx context.Context) int {
	t, err := telemetry.SetupFromEnv(ctx, "boardwatch")
	if err != nil {
		return fail(1, "failed to initialize telemetry", err)
	}
	defer t.Shutdown(context.Background())

	config, err := readConfig()
	if err != nil {
		return fail(1, "failed to read config", err)
	}

	creds := avdbs.Credentials{}
	if creds.ID, err = requireEnv("AVDBS_ID"); err != nil {
		return fail(exitAuth, "missing credentials", err)
	}
	if creds.Password, err = requireEnv("AVDBS_PW"); err != nil {
		return fail(exitAuth, "missing credentials", err)
	}
	token, err := requireEnv("TELEGRAM_TOKEN")
	if err != nil {
		return fail(1, "missing bot token", err)
	}
	chatID, err := requireEnv("TELEGRAM_CHAT_ID")
	if err != nil {
		return fail(1, "missing chat id", err)
	}

	// overlapping scheduled runs would race the dedup store
	lock, err := watcher.AcquireRunLock(filepath.Join(config.StateDir, "run.lock"))
	if errors.Is(err, watcher.ErrAlreadyRunning) {
		slog.Warn("previous run still in progress, skipping this one")
		return 0
	}
	if err != nil {
		return fail(exitState, "failed to acquire run lock", err)
	}
	defer lock.Release()

	store, err := openDedup(config)
	if err != nil {
		return fail(exitState, "failed to open dedup store", err)
	}
	defer store.Close()

	// the page cache is an optimization; run without it if it will
	// not open
	var cache *badger.DB
	cache, err = badger.Open(badger.
		DefaultOptions(filepath.Join(config.StateDir, "pagecache")).
		WithLogger(nil))
	if err != nil {
		slog.Warn("page cache unavailable", "err", err)
		cache = nil
	} else {
		defer cache.Close()
	}

	client, err := avdbs.NewClient(avdbs.ClientOptions{
		BaseUrl:     config.BaseUrl,
		Credentials: creds,
		Solver: &challenge.BrowserSolver{
			Headless: !config.Headful,
			Timeout:  time.Minute * 2,
		},
		Cache: cache,
		Extract: avdbs.ExtractRules{
			ExcludedImages: config.ExcludedImages,
			EmbedHosts:     config.EmbedHosts,
		},
	})
	if err != nil {
		return fail(1, "failed to initialize site client", err)
	}

	if err := client.Login(ctx); err != nil {
		var authErr *avdbs.AuthError
		var challengeErr *avdbs.ChallengeError
		switch {
		case errors.As(err, &authErr):
			return fail(exitAuth, "login rejected, check AVDBS_ID/AVDBS_PW", err)
		case errors.As(err, &challengeErr):
			return fail(exitBlocked, "could not get past the bot check", err)
		default:
			return fail(1, "login failed", err)
		}
	}

	bot, err := telegram.NewBot(telegram.BotOptions{
		Token:  token,
		ChatID: chatID,
	})
	if err != nil {
		return fail(1, "failed to initialize telegram bot", err)
	}

	w := watcher.New(client, bot, store, watcher.Config{
		Boards:    config.Boards,
		MaxPages:  config.MaxPages,
		BatchSize: config.Batch,
		Heartbeat: config.Heartbeat,
	})
	report, err := w.Run(ctx)
	fmt.Print(report.Render())
	if err != nil {
		var persistErr *watcher.PersistError
		if errors.As(err, &persistErr) {
			return fail(exitState, "run aborted", err)
		}
		return fail(1, "run aborted", err)
	}
	return 0
}
