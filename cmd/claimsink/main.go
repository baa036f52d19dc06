// Command claimsink ingests DHPO claim transaction files into SQLite.
//
// Default mode runs the service: the localfs drop zone and/or the DHPO
// poll coordinator feed the pipeline, and the ops API serves ingestion
// state. Subcommands handle operator tasks:
//
//	claimsink enroll -facility MF100 -name "Main" -endpoint URL -login L -pwd P
//	claimsink rotate-keys
//	claimsink recalc
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/axonhealth/claimsink/ame"
	"github.com/axonhealth/claimsink/claimsdb"
	"github.com/axonhealth/claimsink/dbopen"
	"github.com/axonhealth/claimsink/fetchdhpo"
	"github.com/axonhealth/claimsink/fetchfs"
	"github.com/axonhealth/claimsink/opsapi"
	"github.com/axonhealth/claimsink/pipeline"
	"github.com/axonhealth/claimsink/refdata"
	"github.com/axonhealth/claimsink/soapgw"
	"github.com/axonhealth/claimsink/staging"
)

type appConfig struct {
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	Sources struct {
		LocalFS bool `yaml:"localfs"`
		DHPO    bool `yaml:"dhpo"`
	} `yaml:"sources"`

	Refdata  refdata.Config   `yaml:"refdata"`
	Staging  staging.Config   `yaml:"staging"`
	SOAP     soapgw.Config    `yaml:"soap"`
	Keys     ame.Config       `yaml:"keys"`
	Pipeline pipeline.Config  `yaml:"pipeline"`
	LocalFS  fetchfs.Config   `yaml:"drop_zone"`
	DHPO     fetchdhpo.Config `yaml:"dhpo"`
	OpsAPI   opsapi.Config    `yaml:"ops_api"`
}

func (c *appConfig) defaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DBPath == "" {
		c.DBPath = "data/claimsink.db"
	}
	if !c.Sources.LocalFS && !c.Sources.DHPO {
		c.Sources.LocalFS = true
	}
	if c.Refdata == (refdata.Config{}) {
		c.Refdata = refdata.Config{AutoInsert: true, BootstrapEnabled: true}
	}
}

func loadConfig(path string) (*appConfig, error) {
	cfg := &appConfig{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.defaults()
	return cfg, nil
}

type enrollArgs struct {
	code, name, endpoint, login, pwd *string
}

func main() {
	args := os.Args[1:]
	sub := ""
	if len(args) > 0 && args[0][0] != '-' {
		sub, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("claimsink", flag.ExitOnError)
	configPath := fs.String("config", env("CLAIMSINK_CONFIG", ""), "path to yaml config")
	var enroll enrollArgs
	if sub == "enroll" {
		enroll = enrollArgs{
			code:     fs.String("facility", "", "facility license code"),
			name:     fs.String("name", "", "facility display name"),
			endpoint: fs.String("endpoint", "", "DHPO endpoint URL"),
			login:    fs.String("login", "", "portal login"),
			pwd:      fs.String("pwd", "", "portal password"),
		}
	}
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(claimsdb.Schema))
	if err != nil {
		slog.Error("open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	store := claimsdb.NewStore(db, claimsdb.WithLogger(logger))

	switch sub {
	case "":
		if err := runService(ctx, cfg, store, logger); err != nil && ctx.Err() == nil {
			slog.Error("service", "error", err)
			os.Exit(1)
		}
	case "enroll":
		if err := runEnroll(ctx, cfg, store, enroll); err != nil {
			slog.Error("enroll", "error", err)
			os.Exit(1)
		}
	case "rotate-keys":
		ks, err := ame.LoadKeystore(cfg.Keys)
		if err != nil {
			slog.Error("keystore", "error", err)
			os.Exit(1)
		}
		n, err := fetchdhpo.RotateCredentials(ctx, store, ks)
		if err != nil {
			slog.Error("rotate", "error", err)
			os.Exit(1)
		}
		slog.Info("credentials rotated", "count", n)
	case "recalc":
		n, err := store.RecalcAllPayments(ctx)
		if err != nil {
			slog.Error("recalc", "error", err)
			os.Exit(1)
		}
		slog.Info("payment aggregates rebuilt", "count", n)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", sub)
		os.Exit(2)
	}
}

// runService wires the fetch adapters, pipeline and ops API, then blocks
// until the signal context cancels.
func runService(ctx context.Context, cfg *appConfig, store *claimsdb.Store, logger *slog.Logger) error {
	resolver := refdata.New(cfg.Refdata)
	orch := pipeline.New(cfg.Pipeline, store, resolver, pipeline.WithLogger(logger))
	orch.Start(ctx)

	errc := make(chan error, 4)

	if cfg.Sources.LocalFS {
		adapter, err := fetchfs.New(cfg.LocalFS, orch, store, fetchfs.WithLogger(logger))
		if err != nil {
			return err
		}
		go func() { errc <- adapter.Run(ctx) }()
	}

	if cfg.Sources.DHPO {
		ks, err := ame.LoadKeystore(cfg.Keys)
		if err != nil {
			return fmt.Errorf("keystore: %w", err)
		}
		stager, err := staging.New(cfg.Staging, staging.WithLogger(logger))
		if err != nil {
			return err
		}
		soap := soapgw.New(cfg.SOAP, soapgw.WithLogger(logger))
		coord := fetchdhpo.New(cfg.DHPO, store, ks, soap, stager, orch, fetchdhpo.WithLogger(logger))
		go func() { errc <- coord.Run(ctx) }()
	}

	ops := opsapi.New(cfg.OpsAPI, store, opsapi.WithLogger(logger))
	go func() { errc <- ops.Run(ctx) }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	report := orch.Shutdown(30 * time.Second)
	if !report.Clean {
		slog.Warn("pipeline drain incomplete", "remaining", report.Remaining)
	}
	slog.Info("stopped", "processed", report.Processed)
	return err
}

// runEnroll seals a facility's portal credentials under the active key and
// stores the facility row.
func runEnroll(ctx context.Context, cfg *appConfig, store *claimsdb.Store, a enrollArgs) error {
	if *a.code == "" || *a.endpoint == "" || *a.login == "" || *a.pwd == "" {
		return fmt.Errorf("facility, endpoint, login and pwd are required")
	}

	ks, err := ame.LoadKeystore(cfg.Keys)
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}
	f := claimsdb.Facility{Code: *a.code, Name: *a.name, EndpointURL: *a.endpoint, Active: true}
	if err := fetchdhpo.EnrollFacility(ctx, store, ks, f, *a.login, *a.pwd); err != nil {
		return err
	}
	slog.Info("facility enrolled", "facility", *a.code)
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
