package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rubin.dev/rpcnode/commands"
	"rubin.dev/rpcnode/metrics"
	"rubin.dev/rpcnode/node"
	"rubin.dev/rpcnode/node/store"
	"rubin.dev/rpcnode/rpc/dispatch"
	"rubin.dev/rpcnode/rpc/listener"
	"rubin.dev/rpcnode/rpc/readiness"
	"rubin.dev/rpcnode/rpc/registry"
	"rubin.dev/rpcnode/wallet"
)

const (
	auditPruneTimer    = "audit-prune"
	auditPruneInterval = time.Hour
)

type multiStringFlag []string

func (m *multiStringFlag) String() string {
	if m == nil {
		return ""
	}
	return strings.Join(*m, ",")
}

func (m *multiStringFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runContext(ctx, args, stdout, stderr)
}

// loadConfig layers defaults, the config file, RUBIN_RPC_* variables and
// explicitly set flags, in that order.
func loadConfig(args []string, stderr io.Writer) (node.Config, bool, error) {
	fs := flag.NewFlagSet("rubin-rpcd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var flagCfg node.Config
	var binds, allow multiStringFlag
	confPath := fs.String("conf", "", "YAML config file")
	fs.StringVar(&flagCfg.Network, "network", "", "network name (mainnet/testnet/devnet/regtest)")
	fs.StringVar(&flagCfg.DataDir, "datadir", "", "node data directory")
	fs.StringVar(&flagCfg.LogLevel, "log-level", "", "log level: debug|info|warn|error")
	fs.Var(&binds, "bind", "RPC listen address host:port (repeatable)")
	fs.Var(&allow, "allowip", "non-loopback client IP or CIDR allowed to connect (repeatable)")
	fs.StringVar(&flagCfg.User, "rpcuser", "", "RPC basic auth user")
	fs.StringVar(&flagCfg.Password, "rpcpassword", "", "RPC basic auth password")
	fs.IntVar(&flagCfg.Workers, "workers", 0, "worker goroutines serving connections")
	fs.IntVar(&flagCfg.QueueDepth, "queue-depth", 0, "accepted connections waiting for a worker")
	fs.DurationVar(&flagCfg.RequestTimeout, "request-timeout", 0, "time allowed to read one request")
	fs.DurationVar(&flagCfg.IdleTimeout, "idle-timeout", 0, "keep-alive idle timeout")
	fs.BoolVar(&flagCfg.REST, "rest", false, "serve the unauthenticated REST resources")
	fs.StringVar(&flagCfg.MetricsBind, "metrics-bind", "", "Prometheus metrics listen address")
	fs.StringVar(&flagCfg.TLSCert, "tls-cert", "", "TLS certificate file")
	fs.StringVar(&flagCfg.TLSKey, "tls-key", "", "TLS key file")
	fs.BoolVar(&flagCfg.TLSSelfSigned, "tls-self-signed", false, "generate a self-signed certificate when the files are missing")
	fs.StringVar(&flagCfg.SafeModeCheck, "safe-mode-check", "", "anomaly check: file:<path> or an http(s) URL")
	dryRun := fs.Bool("dry-run", false, "print effective config and exit")
	if err := fs.Parse(args); err != nil {
		return node.Config{}, false, err
	}
	if fs.NArg() > 0 {
		return node.Config{}, false, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := node.DefaultConfig()
	if *confPath != "" {
		if err := node.LoadConfigFile(*confPath, &cfg); err != nil {
			return cfg, false, err
		}
	}
	if err := node.ApplyEnv(&cfg, nil); err != nil {
		return cfg, false, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "network":
			cfg.Network = flagCfg.Network
		case "datadir":
			cfg.DataDir = flagCfg.DataDir
		case "log-level":
			cfg.LogLevel = flagCfg.LogLevel
		case "bind":
			cfg.Bind = []string(binds)
		case "allowip":
			cfg.AllowIP = []string(allow)
		case "rpcuser":
			cfg.User = flagCfg.User
		case "rpcpassword":
			cfg.Password = flagCfg.Password
		case "workers":
			cfg.Workers = flagCfg.Workers
		case "queue-depth":
			cfg.QueueDepth = flagCfg.QueueDepth
		case "request-timeout":
			cfg.RequestTimeout = flagCfg.RequestTimeout
		case "idle-timeout":
			cfg.IdleTimeout = flagCfg.IdleTimeout
		case "rest":
			cfg.REST = flagCfg.REST
		case "metrics-bind":
			cfg.MetricsBind = flagCfg.MetricsBind
		case "tls-cert":
			cfg.TLSCert = flagCfg.TLSCert
		case "tls-key":
			cfg.TLSKey = flagCfg.TLSKey
		case "tls-self-signed":
			cfg.TLSSelfSigned = flagCfg.TLSSelfSigned
		case "safe-mode-check":
			cfg.SafeModeCheck = flagCfg.SafeModeCheck
		}
	})
	cfg.Network = strings.ToLower(strings.TrimSpace(cfg.Network))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Bind = node.NormalizeList(cfg.Bind...)
	cfg.AllowIP = node.NormalizeList(cfg.AllowIP...)
	return cfg, *dryRun, nil
}

func runContext(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, dryRun, err := loadConfig(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	if err := node.ValidateConfig(cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if dryRun {
		out, err := cfg.Redacted()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "config encode failed: %v\n", err)
			return 1
		}
		_, _ = stdout.Write(out)
		return 0
	}

	logger, err := node.NewLogger(cfg.LogLevel)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "logger: %v\n", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		_, _ = fmt.Fprintf(stderr, "datadir create failed: %v\n", err)
		return 2
	}
	d, err := start(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 2
	}
	if err := d.load(); err != nil {
		d.shutdown(cfg.ShutdownGrace)
		_, _ = fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 2
	}
	for _, addr := range d.pool.Addrs() {
		_, _ = fmt.Fprintf(stdout, "rubin-rpcd listening on %s\n", addr)
	}

	<-d.ctx.Done()
	_, _ = fmt.Fprintln(stdout, "rubin-rpcd stopping")
	d.shutdown(cfg.ShutdownGrace)
	_, _ = fmt.Fprintln(stdout, "rubin-rpcd stopped")
	return 0
}

type daemon struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      node.Config
	log      *zap.Logger
	state    *readiness.State
	reg      *registry.Registry
	srv      *node.Server
	backends *commands.Backends
	pool     *listener.Pool
	db       *store.DB
	metrics  *http.Server
}

// start registers every command, freezes the table and starts serving in
// warmup. Calls outside the warmup allow-list fail with the warmup error
// until load has opened the block store and the wallet.
func start(parent context.Context, cfg node.Config, logger *zap.Logger) (*daemon, error) {
	ctx, cancel := context.WithCancel(parent)
	d := &daemon{ctx: ctx, cancel: cancel, cfg: cfg, log: logger}
	ok := false
	defer func() {
		if !ok {
			d.shutdown(cfg.ShutdownGrace)
		}
	}()

	d.state = readiness.New(readiness.WithWarmupExempt(cfg.WarmupExempt...))
	d.state.SetSafeModeAllowed(cfg.SafeModeAllowed...)
	d.state.SetWarmupStatus("Starting...")

	tlsCfg, err := loadTLS(cfg, logger)
	if err != nil {
		return nil, err
	}
	allow, err := listener.ParseAllowList(cfg.AllowIP)
	if err != nil {
		return nil, err
	}
	d.db, err = store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("wallet store: %w", err)
	}

	m := metrics.New()
	d.reg = registry.New()
	engine := dispatch.New(d.reg, d.state,
		dispatch.WithLogger(logger.Named("dispatch")),
		dispatch.WithRecorder(m),
		dispatch.WithAuditor(d.db))
	d.srv = node.NewServer(node.ServerConfig{
		Network:        cfg.Network,
		User:           cfg.User,
		Password:       cfg.Password,
		REST:           cfg.REST,
		RequestTimeout: cfg.RequestTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		AuthFailDelay:  250 * time.Millisecond,
	}, engine, d.state, nil,
		node.WithServerLogger(logger.Named("http")),
		node.WithRESTObserver(m))
	d.pool = listener.New(listener.Config{
		Addresses:     cfg.Bind,
		TLS:           tlsCfg,
		Workers:       cfg.Workers,
		QueueDepth:    cfg.QueueDepth,
		ShutdownGrace: cfg.ShutdownGrace,
		Allow:         allow,
		AcceptRate:    rate.Limit(cfg.AcceptRate),
		AcceptBurst:   cfg.AcceptBurst,
	}, d.srv, listener.WithLogger(logger.Named("listener")), listener.WithObserver(m))
	d.srv.UseTimers(d.pool)

	// The table is complete and frozen before the pool accepts anything.
	d.backends = commands.NewBackends(d.state)
	d.reg.MustRegister(dispatch.HelpCommand(d.reg, logger))
	if err := commands.Register(d.reg, commands.Deps{
		Network:  cfg.Network,
		State:    d.state,
		Pool:     d.pool,
		Backends: d.backends,
		Shutdown: cancel,
		Log:      logger.Named("commands"),
	}); err != nil {
		return nil, err
	}
	d.reg.Freeze()

	if err := d.pool.Start(); err != nil {
		return nil, err
	}

	if cfg.MetricsBind != "" {
		if err := d.serveMetrics(cfg.MetricsBind, m); err != nil {
			return nil, err
		}
	}
	if cfg.SafeModeCheck != "" {
		check, err := node.ParseSafeModeCheck(cfg.SafeModeCheck)
		if err != nil {
			return nil, err
		}
		mon := node.NewSafeModeMonitor(cfg.MonitorInterval, cfg.MonitorThreshold, check, d.state, logger.Named("safemode"))
		go mon.Run(ctx)
	}
	if cfg.AuditRetention > 0 {
		d.pruneAudit(cfg.AuditRetention)
	}
	ok = true
	return d, nil
}

// load opens the block store and the wallet, publishes them to the handlers
// and ends warmup.
func (d *daemon) load() error {
	d.state.SetWarmupStatus("Loading block index...")
	chain, err := node.OpenBlockStore(node.BlockStorePath(d.cfg.DataDir))
	if err != nil {
		return fmt.Errorf("blockstore: %w", err)
	}
	d.backends.SetChain(chain)
	d.srv.SetChain(chain)

	d.state.SetWarmupStatus("Loading wallet...")
	w, err := wallet.Open(d.db, wallet.WithLogger(d.log.Named("wallet")))
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	d.backends.SetWallet(w)

	d.state.SetWarmupFinished()
	d.log.Info("rpc server ready",
		zap.String("network", d.cfg.Network),
		zap.Int("commands", d.reg.Len()),
		zap.Bool("rest", d.cfg.REST),
		zap.Bool("tls", d.cfg.TLSCert != ""))
	return nil
}

func loadTLS(cfg node.Config, logger *zap.Logger) (*tls.Config, error) {
	if cfg.TLSCert == "" {
		return nil, nil
	}
	if cfg.TLSSelfSigned {
		if _, err := os.Stat(cfg.TLSCert); errors.Is(err, os.ErrNotExist) {
			hosts := make([]string, 0, len(cfg.Bind))
			for _, b := range cfg.Bind {
				if h, _, err := net.SplitHostPort(b); err == nil && h != "" {
					hosts = append(hosts, h)
				}
			}
			if err := listener.GenerateSelfSigned(cfg.TLSCert, cfg.TLSKey, hosts); err != nil {
				return nil, fmt.Errorf("generate tls cert: %w", err)
			}
			logger.Info("generated self-signed certificate", zap.String("cert", cfg.TLSCert))
		}
	}
	return listener.LoadTLSConfig(cfg.TLSCert, cfg.TLSKey)
}

func (d *daemon) serveMetrics(addr string, m *metrics.RPC) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	d.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := d.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("metrics server", zap.Error(err))
		}
	}()
	d.log.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// pruneAudit drops audit records older than retention and reschedules itself
// on the pool's timer scheduler.
func (d *daemon) pruneAudit(retention time.Duration) {
	n, err := d.db.PruneAudit(time.Now().Add(-retention))
	if err != nil {
		d.log.Warn("audit prune failed", zap.Error(err))
	} else if n > 0 {
		d.log.Info("audit records pruned", zap.Int("count", n))
	}
	if err := d.pool.RunLater(auditPruneTimer, auditPruneInterval, func() { d.pruneAudit(retention) }); err != nil {
		d.log.Debug("audit prune not rescheduled", zap.Error(err))
	}
}

func (d *daemon) shutdown(grace time.Duration) {
	d.cancel()
	stopCtx, cancel := context.WithTimeout(context.Background(), grace+time.Second)
	defer cancel()
	if d.metrics != nil {
		_ = d.metrics.Shutdown(stopCtx)
	}
	if d.pool != nil && d.pool.IsRunning() {
		if err := d.pool.Stop(stopCtx); err != nil {
			d.log.Warn("listener stop", zap.Error(err))
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.log.Warn("wallet store close", zap.Error(err))
		}
	}
}
