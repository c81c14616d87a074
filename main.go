package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"kagemusha/agent"
	"kagemusha/bot"
	"kagemusha/config"
	"kagemusha/keypool"
	"kagemusha/learn"
	"kagemusha/llm"
	"kagemusha/mirror"
	"kagemusha/persona"
	"kagemusha/sanitize"
	"kagemusha/state"
	"kagemusha/store"
	"kagemusha/utterlog"
	"kagemusha/web"
)

func main() {
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	setupLogger(*logLevel, *logFormat)

	// .env is optional; real deployments use the environment directly
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	// Config path: --config flag > KAGEMUSHA_CONFIG env > default
	cfgPath := config.Resolve()
	if *configPath != "" {
		cfgPath = *configPath
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	token := os.Getenv("DISCORD_BOT_TOKEN")
	if token == "" {
		slog.Error("DISCORD_BOT_TOKEN not set")
		os.Exit(1)
	}
	keys := config.GeminiKeys()
	if len(keys) == 0 {
		slog.Error("no API keys found (set GEMINI_API_KEY_1..n)")
		os.Exit(1)
	}

	profilePath := cfg.Bot.ProfilePath
	var dataPaths []string
	switch cfg.Bot.Backend {
	case "sqlite":
		dataPaths = []string{filepath.Join(cfg.Bot.DataDir, "kagemusha.db")}
	default:
		dataPaths = []string{
			filepath.Join(cfg.Bot.DataDir, "data.json"),
			filepath.Join(cfg.Bot.DataDir, "takumi_log.txt"),
		}
	}

	// Mirror download runs before the stores open so a fresh host resumes
	// with its remote state.
	var m *mirror.Mirror
	if cfg.Mirror.Enabled {
		redisURL := os.Getenv("REDIS_URL")
		if redisURL == "" {
			slog.Error("mirror enabled but REDIS_URL not set")
			os.Exit(1)
		}
		m, err = mirror.New(redisURL, "kagemusha", append([]string{profilePath}, dataPaths...))
		if err != nil {
			slog.Error("failed to connect to mirror", "error", err)
			os.Exit(1)
		}
		dlCtx, dlCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.Download(dlCtx); err != nil {
			slog.Warn("mirror download incomplete, continuing with local state", "error", err)
		}
		dlCancel()
	}

	st, ulog, err := openStores(cfg, dataPaths)
	if err != nil {
		slog.Error("failed to open data stores", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	defer ulog.Close()

	profile, err := persona.Open(profilePath)
	if err != nil {
		slog.Error("failed to open persona profile", "error", err)
		os.Exit(1)
	}

	convState := state.New(cfg.History.Limit)
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	snap, err := st.Load(loadCtx)
	loadCancel()
	if err != nil {
		slog.Error("failed to load persisted state", "error", err)
		os.Exit(1)
	}
	convState.Restore(snap)
	slog.Info("state restored", "channels", len(snap.History), "backend", cfg.Bot.Backend)

	timeout := time.Duration(cfg.LLM.RequestTimeoutSeconds) * time.Second
	pool, err := keypool.New(keys, func(key string) (*llm.Client, error) {
		c, err := llm.NewClient(key, cfg.LLM.Model, timeout)
		if err != nil {
			return nil, err
		}
		vCtx, vCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer vCancel()
		if err := c.Verify(vCtx); err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		slog.Error("failed to build key pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Initialize(); err != nil {
		slog.Error("no API key in the pool is usable", "error", err)
		os.Exit(1)
	}

	cmds := &bot.Commands{
		PersonaName: cfg.Bot.PersonaName,
		State:       convState,
		Store:       st,
		Profile:     profile,
		UtterLog:    ulog,
	}
	b, err := bot.New(token, cmds)
	if err != nil {
		slog.Error("failed to create bot", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(); err != nil {
		slog.Error("failed to start bot", "error", err)
		os.Exit(1)
	}
	slog.Info("bot started", "persona", cfg.Bot.PersonaName)

	res := &agent.Resources{
		Cfg:       cfg,
		Session:   b.Session(),
		Gen:       pool,
		State:     convState,
		Store:     st,
		Profile:   profile,
		UtterLog:  ulog,
		Sanitizer: sanitize.New(cfg.Bot.PersonaName),
		Extractor: learn.New(cfg.Bot.PersonaName, func(ctx context.Context, prompt string) (string, error) {
			return pool.Generate(ctx, prompt, nil)
		}, profile),
	}
	if m != nil {
		res.Mirror = m
	}

	// The session's own user is only known after the gateway opens; messages
	// arriving before the router is wired are dropped with a warning.
	router := agent.NewRouter(ctx, b.Session().State.User.ID, res)
	b.SetRouter(router)

	ws := web.New(cfg.Web.Addr, router)
	go func() {
		if err := ws.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("web server failed", "error", err)
		}
	}()
	slog.Info("health endpoint listening", "addr", cfg.Web.Addr)

	if m != nil {
		go m.Run(ctx, time.Duration(cfg.Mirror.IntervalMinutes)*time.Minute)
	}

	// Block until SIGTERM or SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	slog.Info("shutting down")
	cancel()
	b.Stop()
	router.WaitForDrain()

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ws.Shutdown(shCtx); err != nil {
		slog.Warn("web server shutdown", "error", err)
	}
	shCancel()

	if m != nil {
		upCtx, upCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.Upload(upCtx); err != nil {
			slog.Warn("final mirror upload failed", "error", err)
		}
		upCancel()
	}
	slog.Info("shutdown complete")
}

// loadConfig reads the config file, falling back to built-in defaults when no
// file exists at the resolved path.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("no config file found, using defaults", "path", path)
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	slog.Info("config loaded", "path", path)
	return cfg, nil
}

// openStores opens the snapshot store and the utterance log for the
// configured backend. The sqlite backend keeps both in one database file.
func openStores(cfg *config.Config, dataPaths []string) (store.Store, utterlog.Logger, error) {
	if cfg.Bot.Backend == "sqlite" {
		st, err := store.OpenSQLite(dataPaths[0])
		if err != nil {
			return nil, nil, err
		}
		ulog, err := utterlog.OpenSQLite(dataPaths[0], cfg.Log.Retention)
		if err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, ulog, nil
	}
	st, err := store.OpenFile(dataPaths[0])
	if err != nil {
		return nil, nil, err
	}
	ulog, err := utterlog.OpenFile(dataPaths[1])
	if err != nil {
		return nil, nil, err
	}
	return st, ulog, nil
}

func setupLogger(level, format string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: l}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
