package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/understudy-hq/understudy/internal/analysis"
	"github.com/understudy-hq/understudy/internal/endpoint"
	"github.com/understudy-hq/understudy/internal/gateway"
	"github.com/understudy-hq/understudy/internal/impact"
	"github.com/understudy-hq/understudy/internal/logstream"
	"github.com/understudy-hq/understudy/internal/paths"
	"github.com/understudy-hq/understudy/internal/runner"
	"github.com/understudy-hq/understudy/internal/runtimeconfig"
	"github.com/understudy-hq/understudy/internal/session"
	"github.com/understudy-hq/understudy/internal/syncqueue"
	"github.com/understudy-hq/understudy/internal/tlsbootstrap"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type runtimeContext struct {
	CWD        string
	Stdout     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
}

type CLI struct {
	Version kong.VersionFlag `help:"Print version and exit"`

	Serve  ServeCommand  `cmd:"" help:"Run the understudy workspace API server"`
	Config ConfigCommand `cmd:"" help:"Runtime configuration commands"`
	TLS    TLSCommand    `cmd:"" help:"TLS certificate commands"`
}

type TLSCommand struct {
	Init TLSInitCommand `cmd:"" help:"Generate a self-signed CA and server certificate"`
}

type TLSInitCommand struct {
	Dir   string   `help:"Destination directory (defaults to the user config TLS directory)"`
	Hosts []string `name:"host" help:"Extra DNS name or IP SAN for the server certificate (repeatable)"`
	Force bool     `help:"Overwrite existing TLS material"`
}

type ConfigCommand struct {
	Init     ConfigInitCommand     `cmd:"" help:"Write a default runtime config file"`
	Validate ConfigValidateCommand `cmd:"" help:"Check the effective runtime config"`
}

type ConfigInitCommand struct {
	Path  string `help:"Destination path (defaults to the user config directory)"`
	Force bool   `help:"Overwrite an existing config file"`
}

type ConfigValidateCommand struct {
	JSON bool `help:"Print the effective config as JSON"`
}

type ServeCommand struct {
	Listen   string `help:"Listen endpoint for the API (defaults to runtime endpoint; supports unix://, http://, https://, and tsnet://hostname[:port])"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
	TLSCert  string `name:"tls-cert" help:"TLS certificate for https listen endpoints"`
	TLSKey   string `name:"tls-key" help:"TLS private key for https listen endpoints"`
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Config:     cfg,
		ConfigPath: cfgPath,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("understudy"),
		kong.Description("Remote workspace execution service"),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	runtimeCtx.CWD = cwd

	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return s.serve(runCtx, ctx)
}

func (s *ServeCommand) serve(runCtx context.Context, ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}

	cfg := ctx.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", ctx.ConfigPath, err)
	}

	rawListen := s.Listen
	if rawListen == "" {
		rawListen = cfg.Server.Listen
	}
	ep, err := endpoint.ResolveListen(rawListen)
	if err != nil {
		return err
	}

	scratchRoot := cfg.Sandbox.ScratchRoot
	if scratchRoot == "" {
		scratchRoot, err = paths.ScratchBaseDir()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(scratchRoot, 0o755); err != nil {
		return fmt.Errorf("create scratch root %s: %w", scratchRoot, err)
	}

	engine, err := runner.NewDockerEngine()
	if err != nil {
		return err
	}

	registry := &session.Registry{
		TTL:           time.Duration(cfg.Session.TTLHours) * time.Hour,
		SweepInterval: time.Duration(cfg.Session.SweepMinutes) * time.Minute,
		Logger:        logger.With("subsystem", "session"),
	}
	broker := logstream.NewBroker(logger.With("subsystem", "logstream"))
	pool := syncqueue.NewPool(registry, cfg.Sync.Workers, cfg.Sync.QueueCapacity, logger.With("subsystem", "syncqueue"))

	var invoker *analysis.Invoker
	if len(cfg.Analysis.Command) > 0 {
		invoker = &analysis.Invoker{
			Command: cfg.Analysis.Command,
			Timeout: time.Duration(cfg.Analysis.TimeoutSeconds) * time.Second,
			Logger:  logger.With("subsystem", "analysis"),
		}
	}

	run := &runner.Runner{
		Engine:          engine,
		Registry:        registry,
		Broker:          broker,
		Queue:           pool,
		Analyzer:        invoker,
		Impact:          impact.ScriptAnalyzer{},
		Logger:          logger.With("subsystem", "runner"),
		Image:           cfg.Sandbox.Image,
		Timeout:         time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
		MaxConcurrent:   cfg.Sandbox.MaxConcurrent,
		ScratchRoot:     scratchRoot,
		MinScratchBytes: uint64(cfg.Sandbox.MinScratchMB) << 20,
	}

	gw := &gateway.Gateway{
		Registry:       registry,
		Runner:         run,
		Broker:         broker,
		Queue:          pool,
		Logger:         logger.With("subsystem", "gateway"),
		TokenHeader:    cfg.Auth.TokenHeader,
		MinTokenLength: cfg.Auth.MinTokenLength,
		MaxPayloadMB:   cfg.Server.MaxPayloadMB,
	}

	pool.Start(runCtx)
	defer pool.Stop()
	defer broker.Close()
	go registry.Sweep(runCtx)

	tlsOpts := &gateway.TLSOptions{CertPath: s.TLSCert, KeyPath: s.TLSKey}
	if tlsOpts.CertPath == "" && tlsOpts.KeyPath == "" {
		tlsOpts.CertPath = cfg.Server.TLSCert
		tlsOpts.KeyPath = cfg.Server.TLSKey
	}

	gin.SetMode(gin.ReleaseMode)
	return gateway.Serve(runCtx, ep, gw.Router(), logger.With("subsystem", "http"), tlsOpts)
}

func (c *ConfigInitCommand) Run(ctx *runtimeContext) error {
	path := strings.TrimSpace(c.Path)
	if path == "" {
		defaultPath, err := runtimeconfig.Path()
		if err != nil {
			return err
		}
		path = defaultPath
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(ctx.CWD, path)
	}

	if !c.Force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	cfg := runtimeconfig.Config{}
	cfg.Normalize()
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "wrote %s\n", path)
	return nil
}

func (c *TLSInitCommand) Run(ctx *runtimeContext) error {
	dir := strings.TrimSpace(c.Dir)
	if dir == "" {
		defaultDir, err := paths.TLSDir()
		if err != nil {
			return err
		}
		dir = defaultDir
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(ctx.CWD, dir)
	}

	if err := tlsbootstrap.Init(dir, c.Hosts, c.Force); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "wrote TLS material to %s\n", dir)
	return nil
}

func (c *ConfigValidateCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", ctx.ConfigPath, err)
	}

	if c.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}
	fmt.Fprintf(ctx.Stdout, "config %s is valid\n", ctx.ConfigPath)
	return nil
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	formatter := log.JSONFormatter
	if term.IsTerminal(int(os.Stderr.Fd())) {
		formatter = log.TextFormatter
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: formatter,
	})
	return logger.With("component", component), nil
}
