// Control Room - module fleet supervisor and callback broker.
//
// This is the main entry point for the control room. It launches the log
// sink and the configured modules, connects to each module over TCP,
// routes callback frames between them and serves the operator API until
// SIGINT or SIGTERM.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nerrad567/controlroom/internal/api"
	"github.com/nerrad567/controlroom/internal/audit"
	"github.com/nerrad567/controlroom/internal/auth"
	"github.com/nerrad567/controlroom/internal/broker"
	"github.com/nerrad567/controlroom/internal/events"
	"github.com/nerrad567/controlroom/internal/infrastructure/config"
	"github.com/nerrad567/controlroom/internal/infrastructure/database"
	"github.com/nerrad567/controlroom/internal/infrastructure/influxdb"
	"github.com/nerrad567/controlroom/internal/infrastructure/logging"
	"github.com/nerrad567/controlroom/internal/infrastructure/mqtt"
	"github.com/nerrad567/controlroom/internal/module"
	"github.com/nerrad567/controlroom/internal/orchestrator"
	"github.com/nerrad567/controlroom/internal/process"
	"github.com/nerrad567/controlroom/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// defaultConfigPath is used when neither --config nor CONTROLROOM_CONFIG is set.
	defaultConfigPath = "configs/config.yaml"

	// sinkBinaryName is looked up next to the running binary.
	sinkBinaryName = "controlroom-logsink"
)

// options are the parsed command line flags.
type options struct {
	configPath  string
	showVersion bool

	issueToken bool
	subject    string
	role       string
	ttl        int

	hashPassword bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	switch {
	case opts.showVersion:
		fmt.Printf("controlroom %s (commit %s, built %s)\n", version, commit, date)
		return
	case opts.issueToken:
		if err := issueToken(os.Stdout, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	case opts.hashPassword:
		if err := hashPassword(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, errOut io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("controlroom", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVarP(&opts.configPath, "config", "c", "", "config file (default $CONTROLROOM_CONFIG or "+defaultConfigPath+")")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	fs.BoolVar(&opts.issueToken, "issue-token", false, "print an API bearer token and exit")
	fs.StringVar(&opts.subject, "subject", "operator", "token subject (with --issue-token)")
	fs.StringVar(&opts.role, "role", string(auth.RoleOperator), "token role: viewer or operator (with --issue-token)")
	fs.IntVar(&opts.ttl, "ttl", 0, "token lifetime in minutes; 0 uses security.jwt.access_token_ttl (with --issue-token)")
	fs.BoolVar(&opts.hashPassword, "hash-password", false, "read a password from stdin, print its argon2id hash for security.operators and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

// configPath returns the flag value, then CONTROLROOM_CONFIG, then the default.
func configPath(opts options) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	if path := os.Getenv("CONTROLROOM_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// issueToken prints a signed bearer token for the control surface.
func issueToken(out io.Writer, opts options) error {
	cfg, err := config.Load(configPath(opts))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return fmt.Errorf("issuing token: %w", auth.ErrNoSecret)
	}

	ttl := opts.ttl
	if ttl <= 0 {
		ttl = cfg.Security.JWT.AccessTokenTTL
	}
	token, err := auth.GenerateAccessToken(opts.subject, auth.Role(opts.role), cfg.Security.JWT.Secret, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// hashPassword hashes the first line of in.
func hashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("reading password: empty input")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

// run is the application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - opts: Parsed flags
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, opts options) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting control room",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	path := configPath(opts)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Reinitialise logger with config settings. Closed last, after the
	// sink process has been stopped.
	log = logging.New(cfg.Logging, version)
	defer log.Close()
	log.Info("configuration loaded", "path", path, "modules", len(cfg.Modules.Entries))

	if cfg.Modules.RootDefaulted {
		log.Warn("modules.root not set, using parent of working directory", "root", cfg.Modules.Root)
	}

	dispatcher := events.NewDispatcher(cfg.Broker.EventQueueSize, cfg.Broker.EventWorkers)
	dispatcher.SetLogger(log)

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}

	// Enabled backends register here for /health.
	backends := make(map[string]api.HealthChecker)

	commandLog, closeDB, err := openCommandLog(ctx, cfg, log, dispatcher, backends)
	if err != nil {
		return err
	}
	defer closeDB()

	bridge, closeMQTT, err := connectMQTT(cfg, log, registry, dispatcher, backends)
	if err != nil {
		return err
	}
	defer closeMQTT()

	closeInflux, err := connectInfluxDB(cfg, log, dispatcher, backends)
	if err != nil {
		return err
	}
	defer closeInflux()

	// Runs before the backends close, so queued events still reach them.
	defer dispatcher.Close()

	transforms, err := broker.TransformsFromConfig(cfg.Transforms)
	if err != nil {
		return fmt.Errorf("building transforms: %w", err)
	}

	hub := api.NewHub(cfg.WebSocket, log)
	dispatcher.Subscribe(hub)

	var sink orchestrator.Sink
	var sinkStats func() process.Stats
	if cfg.LogSink.Enabled {
		m := process.NewManager(sinkConfig(cfg))
		m.SetLogger(log.With("component", "logsink"))
		sink = m
		sinkStats = m.Stats
	}

	var orch *orchestrator.Orchestrator
	server, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Security:   cfg.Security,
		Logger:     log.With("component", "api"),
		Registry:   registry,
		Macros:     cfg.Macros,
		CommandLog: commandLog,
		Events:     dispatcher,
		Hub:        hub,
		State:      func() string { return string(orch.State()) },
		BrokerStats: func() (broker.Stats, bool) {
			return orch.BrokerStats()
		},
		DispatcherStats: dispatcher.Stats,
		SinkStats:       sinkStats,
		Backends:        backends,
		Version:         version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	orch = orchestrator.New(orchestrator.Config{
		Registry:   registry,
		Sink:       sink,
		Surface:    server,
		Transforms: transforms,
		Events:     dispatcher,
		Logger:     log,
		Timings:    timingsFrom(cfg),
		OnTransition: func(_, to orchestrator.State) {
			if to == orchestrator.StateRunning && bridge != nil {
				attachBridge(bridge, log)
			}
		},
	})

	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("control room: %w", err)
	}

	st := dispatcher.Stats()
	log.Info("control room stopped",
		"events_published", st.Published,
		"events_dropped", st.Dropped,
	)
	return nil
}

// buildRegistry creates one connection per configured module, in order.
func buildRegistry(cfg *config.Config, log *logging.Logger) (*module.Registry, error) {
	supervisor := process.NewSupervisor()
	supervisor.SetLogger(log.With("component", "supervisor"))

	registry := module.NewRegistry()
	for _, m := range cfg.Modules.Entries {
		conn := module.NewConnection(module.Options{
			Name:           m.Name,
			Host:           m.Host,
			Port:           m.Port,
			Source:         moduleSource(cfg.Modules, m),
			PcommDefaults:  m.Pcomms,
			RetryInterval:  m.RetryInterval,
			ConnectTimeout: cfg.Modules.ConnectTimeout,
			ReadTimeout:    cfg.Modules.ReadTimeout,
			Supervisor:     supervisor,
			Logger:         log.With("module", m.Name),
		})
		if err := registry.Add(conn); err != nil {
			return nil, fmt.Errorf("registering module: %w", err)
		}
	}
	return registry, nil
}

// moduleSource maps a module's configured kind to its process source.
func moduleSource(mods config.ModulesConfig, m config.ModuleConfig) module.Source {
	switch m.Kind {
	case config.KindExecutable:
		return module.ExecutableSource{Path: m.Path, LogLevel: mods.LogLevel, StartArgs: m.StartArgs}
	case config.KindExternal:
		return module.ExternalSource{}
	default:
		return module.PythonSource{
			Root:      mods.Root,
			Python:    mods.Python,
			LogLevel:  mods.LogLevel,
			StartArgs: m.StartArgs,
		}
	}
}

// sinkConfig describes the log sink daemon.
func sinkConfig(cfg *config.Config) process.Config {
	binary := cfg.LogSink.Binary
	if binary == "" {
		binary = sinkBinaryName
		if exe, err := os.Executable(); err == nil {
			binary = filepath.Join(filepath.Dir(exe), sinkBinaryName)
		}
	}

	args := append([]string{
		"--listen", cfg.LogSink.Address,
		"--file", cfg.LogSink.File,
	}, cfg.LogSink.Args...)

	pc := process.DefaultConfig("logsink", binary, args)
	pc.GracefulTimeout = cfg.LogSink.StopTimeout
	pc.RestartOnFailure = cfg.LogSink.RestartOnFailure
	pc.MaxRestartAttempts = cfg.LogSink.MaxRestartAttempts
	return pc
}

// timingsFrom collects the lifecycle delays from config.
func timingsFrom(cfg *config.Config) orchestrator.Timings {
	return orchestrator.Timings{
		SinkSettle:   cfg.LogSink.SettleDelay,
		ModuleSettle: cfg.Modules.SettleDelay,
		PollTimeout:  cfg.Modules.PollTimeout,
		BrokerStop:   cfg.Broker.StopTimeout,
		Drain:        cfg.LogSink.DrainDelay,
		BrokerIdle:   cfg.Broker.IdleInterval,
	}
}

// openCommandLog opens the audit database when enabled and subscribes its
// recorder. The returned repository is nil when disabled.
func openCommandLog(ctx context.Context, cfg *config.Config, log *logging.Logger, d *events.Dispatcher, backends map[string]api.HealthChecker) (audit.Repository, func(), error) {
	if !cfg.Database.Enabled {
		log.Info("command log disabled")
		return nil, func() {}, nil
	}

	db, err := database.Open(database.ConfigFrom(cfg.Database))
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	closeDB := func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database connected", "path", db.Path())

	backends["database"] = db
	repo := audit.NewSQLiteRepository(db.DB)
	d.Subscribe(audit.NewRecorder(repo, log))
	return repo, closeDB, nil
}

// connectMQTT connects the event mirror when enabled. The command bridge
// is attached later, once modules are connected.
func connectMQTT(cfg *config.Config, log *logging.Logger, reg *module.Registry, d *events.Dispatcher, backends map[string]api.HealthChecker) (*mqttBridge, func(), error) {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT mirror disabled")
		return nil, func() {}, nil
	}

	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"prefix", client.Topics().Prefix,
	)

	backends["mqtt"] = client

	// QoS is validated to 0..2.
	qos := byte(cfg.MQTT.QoS) //nolint:gosec // G115: bounded by Validate
	d.Subscribe(mqtt.NewMirror(client, client.Topics(), qos, log))

	bridge := &mqttBridge{
		client:  client,
		handler: mqtt.NewCommandBridge(reg, client.Topics(), d),
		qos:     qos,
	}
	return bridge, func() {
		log.Info("disconnecting from MQTT")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}, nil
}

// mqttBridge holds what is needed to attach inbound MQTT commands.
type mqttBridge struct {
	client  *mqtt.Client
	handler *mqtt.CommandBridge
	qos     byte
}

func attachBridge(b *mqttBridge, log *logging.Logger) {
	if err := b.handler.Attach(b.client, b.qos); err != nil {
		log.Warn("MQTT command bridge not attached", "error", err)
		return
	}
	log.Info("MQTT command bridge attached", "topic", b.client.Topics().AllCommands())
}

// connectInfluxDB connects the routing metrics writer when enabled.
func connectInfluxDB(cfg *config.Config, log *logging.Logger, d *events.Dispatcher, backends map[string]api.HealthChecker) (func(), error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return func() {}, nil
	}

	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)

	backends["influxdb"] = client
	d.Subscribe(influxdb.NewRecorder(client))
	return func() {
		log.Info("closing InfluxDB connection")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing InfluxDB", "error", closeErr)
		}
	}, nil
}
