// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	golog "log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-envparse"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/posener/complete"
	"gopkg.in/natefinch/lumberjack.v2"

	flaghelper "github.com/hashicorp/vibe/helper/flags"
	gatedwriter "github.com/hashicorp/vibe/helper/gated-writer"
	vconfig "github.com/hashicorp/vibe/vibe/config"
	"github.com/hashicorp/vibe/version"
)

// gracefulTimeout controls how long we wait before forcefully terminating
const gracefulTimeout = 10 * time.Second

// Exit codes the agent command reports: flag mistakes are usage errors,
// unparseable or invalid files are config errors, and anything that fails
// after a good configuration is a runtime error.
const (
	ExitOK      = 0
	ExitUsage   = 2
	ExitConfig  = 3
	ExitRuntime = 4
)

// Command is a Command implementation that runs a Vibe agent. The command
// will not end unless a shutdown message is sent on the ShutdownCh. If two
// messages are sent on the ShutdownCh it will forcibly exit.
type Command struct {
	Version    *version.VersionInfo
	Ui         cli.Ui
	ShutdownCh <-chan struct{}

	args        []string
	configPaths []string
	agent       *Agent
	httpServer  *HTTPServer
	stdioServer *StdioServer
	logOutput   io.Writer
}

// readConfig parses the flags and config files into the final agent
// configuration. On failure the returned config is nil and the exit code
// says whether the flags or the files were at fault.
func (c *Command) readConfig() (*Config, int) {
	var dev bool
	var envFile string
	var configPath []string

	// Make a new, empty config.
	cmdConfig := &Config{
		Ports:      &Ports{},
		Transports: &Transports{},
	}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }

	// Role options
	flags.BoolVar(&dev, "dev", false, "")

	// General options
	flags.Var((*flaghelper.StringFlag)(&configPath), "config", "config")
	flags.StringVar(&envFile, "env-file", "", "")
	flags.StringVar(&cmdConfig.BindAddr, "bind", "", "")
	flags.IntVar(&cmdConfig.Ports.HTTP, "http-port", 0, "")
	flags.StringVar(&cmdConfig.DataDir, "data-dir", "", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJson, "log-json", false, "")

	if err := flags.Parse(c.args); err != nil {
		return nil, ExitUsage
	}

	// Load the environment file before anything reads the environment.
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading environment file: %s", err))
			return nil, ExitConfig
		}
	}

	// Load the base configuration for the chosen mode.
	var config *Config
	if dev {
		config = DevConfig()
	} else {
		config = DefaultConfig()
	}

	// Merge in the config files, in order.
	for _, path := range configPath {
		current, err := LoadConfig(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf(
				"Error loading configuration from %s: %s", path, err))
			return nil, ExitConfig
		}
		config = config.Merge(current)
	}
	c.configPaths = configPath

	// Flags win over file values.
	config = config.Merge(cmdConfig)
	config.DevMode = config.DevMode || dev

	if err := config.normalize(); err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid configuration: %s", err))
		return nil, ExitConfig
	}

	return config, ExitOK
}

// loadEnvFile reads a KEY=value file and loads it into the process
// environment, making entries like OPENAI_API_KEY visible to the agent
// without putting secrets in config files or shell history.
func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	vars, err := envparse.Parse(f)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for k, v := range vars {
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// setupLoggers is used to set up the gated log writer and the shared log
// output. Logs are buffered until the startup banner has printed.
func (c *Command) setupLoggers(config *Config) (*gatedwriter.Writer, io.Writer) {
	logGate := &gatedwriter.Writer{
		Writer: &cli.UiWriter{Ui: c.Ui},
	}

	writers := []io.Writer{logGate}

	// Check if file logging is enabled
	if config.LogFile != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxBackups: config.LogRotateMaxFiles,
		})
	}

	c.logOutput = io.MultiWriter(writers...)
	golog.SetOutput(c.logOutput)
	return logGate, c.logOutput
}

// setupTelemetry is used to set up the telemetry sub-systems.
func (c *Command) setupTelemetry(config *Config) (*metrics.InmemSink, error) {
	/* Setup telemetry
	Aggregate on the collection interval for the retention period.
	Expose the metrics over stderr when there is a SIGUSR1 received.
	*/
	telConfig := config.Telemetry
	if telConfig == nil {
		telConfig = &Telemetry{}
	}
	interval := telConfig.collectionInterval
	if interval <= 0 {
		interval = 1 * time.Second
	}
	retention := telConfig.retentionPeriod
	if retention <= 0 {
		retention = time.Minute
	}

	inm := metrics.NewInmemSink(interval, retention)
	metrics.DefaultInmemSignal(inm)

	metricsConf := metrics.DefaultConfig("vibe")
	metricsConf.EnableHostname = !telConfig.DisableHostname

	if _, err := metrics.NewGlobal(metricsConf, inm); err != nil {
		return nil, err
	}
	return inm, nil
}

// setupAgent is used to start the agent and its ingress transports. A
// transport that cannot come up is disabled rather than fatal; only losing
// every transport aborts startup.
func (c *Command) setupAgent(config *Config, logger hclog.InterceptLogger, logOutput io.Writer, inmem *metrics.InmemSink) error {
	c.Ui.Output("Starting Vibe agent...")
	agent, err := NewAgent(config, logger, logOutput, inmem)
	if err != nil {
		// log the error as well, so it appears at the end
		logger.Error("error starting agent", "error", err)
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return err
	}
	c.agent = agent

	if config.Transports.httpEnabled() {
		http, err := NewHTTPServer(agent, config)
		if err != nil {
			logger.Error("http transport disabled", "error", err)
			c.Ui.Error(fmt.Sprintf("HTTP transport disabled: %s", err))
		} else {
			c.httpServer = http
		}
	}

	if config.Transports.stdioEnabled() {
		c.stdioServer = NewStdioServer(agent, logger.Named("stdio"), os.Stdin, os.Stdout)
	}

	if c.httpServer == nil && c.stdioServer == nil {
		agent.Shutdown()
		return fmt.Errorf("no ingress transport could be started")
	}

	return nil
}

func (c *Command) Run(args []string) int {
	c.Ui = &cli.PrefixedUi{
		OutputPrefix: "==> ",
		InfoPrefix:   "    ",
		ErrorPrefix:  "==> ",
		Ui:           c.Ui,
	}

	// Parse our configs
	c.args = args
	config, exitCode := c.readConfig()
	if config == nil {
		return exitCode
	}

	// Protocol frames own stdout once the stdio transport is on, and JSON
	// logs should not carry UI prefixes; in both cases reset to a plain
	// UI. Human output moves to stderr when stdio is on.
	if config.LogJson || config.Transports.stdioEnabled() {
		out := os.Stdout
		if config.Transports.stdioEnabled() {
			out = os.Stderr
		}
		c.Ui = &cli.BasicUi{
			Reader:      bufio.NewReader(os.Stdin),
			Writer:      out,
			ErrorWriter: os.Stderr,
		}
	}

	// Set up the log outputs
	logGate, logOutput := c.setupLoggers(config)

	// Create the logger
	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "agent",
		Level:      hclog.LevelFromString(config.LogLevel),
		Output:     logOutput,
		JSONFormat: config.LogJson,
	})

	// Initialize telemetry
	inmem, err := c.setupTelemetry(config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing telemetry: %s", err))
		logGate.Flush()
		return ExitRuntime
	}

	// Create the agent
	if err := c.setupAgent(config, logger, logOutput, inmem); err != nil {
		logGate.Flush()
		return ExitRuntime
	}

	defer func() {
		c.agent.Shutdown()

		// Shutdown the transports at the end, to ease debugging if
		// the agent takes long to shutdown
		if c.httpServer != nil {
			c.httpServer.Shutdown()
		}
		if c.stdioServer != nil {
			c.stdioServer.Shutdown()
		}
	}()

	// Watch config files so runtime policy edits land without a restart.
	// Config directories are picked up by SIGHUP only.
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	for _, path := range c.configPaths {
		fi, err := os.Stat(path)
		if err != nil || fi.IsDir() {
			continue
		}
		load := func(p string) (*vconfig.Config, error) {
			fc, err := LoadConfig(p)
			if err != nil {
				return nil, err
			}
			return c.agent.GetConfig().Merge(fc).RuntimeConfig(), nil
		}
		if err := c.agent.Registry().WatchFile(watchCtx, path, load); err != nil {
			logger.Warn("config file watch failed", "path", path, "error", err)
		}
	}

	// Compile agent information for output later
	info := make(map[string]string)
	info["version"] = c.Version.VersionNumber()
	info["log level"] = config.LogLevel
	info["dev mode"] = strconv.FormatBool(config.DevMode)
	info["oracle"] = c.agent.Registry().Oracle().Provider
	info["scheduler"] = string(c.agent.Registry().SchedulerPolicy().Algorithm)
	if c.httpServer != nil {
		info["http"] = c.httpServer.Addr
	} else {
		info["http"] = "disabled"
	}
	if c.stdioServer != nil {
		info["stdio"] = "enabled"
	} else {
		info["stdio"] = "disabled"
	}

	// Sort the keys for output
	infoKeys := make([]string, 0, len(info))
	for key := range info {
		infoKeys = append(infoKeys, key)
	}
	sort.Strings(infoKeys)

	// Agent configuration output
	padding := 18
	c.Ui.Output("Vibe agent configuration:\n")
	for _, k := range infoKeys {
		c.Ui.Info(fmt.Sprintf(
			"%s%s: %s",
			strings.Repeat(" ", padding-len(k)),
			k,
			info[k]))
	}
	c.Ui.Output("")

	// Output the header that the agent has started
	c.Ui.Output("Vibe agent started! Log data will stream in below:\n")

	// Enable log streaming
	logGate.Flush()

	// Wait for exit
	return c.handleSignals()
}

// handleSignals blocks until we get an exit-causing signal
func (c *Command) handleSignals() int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE)

	// Wait for a signal
WAIT:
	var sig os.Signal
	select {
	case s := <-signalCh:
		sig = s
	case <-c.ShutdownCh:
		sig = os.Interrupt
	case <-c.agent.StopCh():
		// Remote stop through the agent API rides the graceful path.
		sig = os.Interrupt
	}

	// Skip any SIGPIPE signal and don't try to log it
	if sig == syscall.SIGPIPE {
		goto WAIT
	}

	c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))

	// Check if this is a SIGHUP
	if sig == syscall.SIGHUP {
		c.handleReload()
		goto WAIT
	}

	// Attempt a graceful shutdown; a second signal or a timeout exits
	// hard.
	gracefulCh := make(chan struct{})
	c.Ui.Output("Gracefully shutting down agent...")
	go func() {
		if err := c.agent.Shutdown(); err != nil {
			c.Ui.Error(fmt.Sprintf("Error: %s", err))
			return
		}
		close(gracefulCh)
	}()

	select {
	case <-signalCh:
		return ExitRuntime
	case <-time.After(gracefulTimeout):
		return ExitRuntime
	case <-gracefulCh:
		return ExitOK
	}
}

// handleReload is invoked when we should reload our configs, e.g. SIGHUP
func (c *Command) handleReload() {
	c.Ui.Output("Reloading configuration...")
	newConf, _ := c.readConfig()
	if newConf == nil {
		c.Ui.Error("Failed to reload configs")
		return
	}

	if err := c.agent.Reload(newConf); err != nil {
		c.agent.logger.Error("failed to reload the config", "error", err)
	}
}

func (c *Command) AutocompleteFlags() complete.Flags {
	configFilePredictor := complete.PredictOr(
		complete.PredictFiles("*.json"),
		complete.PredictFiles("*.hcl"))

	return map[string]complete.Predictor{
		"-dev":       complete.PredictNothing,
		"-config":    configFilePredictor,
		"-env-file":  complete.PredictFiles("*"),
		"-bind":      complete.PredictAnything,
		"-http-port": complete.PredictAnything,
		"-data-dir":  complete.PredictDirs("*"),
		"-log-level": complete.PredictAnything,
		"-log-json":  complete.PredictNothing,
	}
}

func (c *Command) AutocompleteArgs() complete.Predictor {
	return nil
}

func (c *Command) Synopsis() string {
	return "Runs a Vibe agent"
}

func (c *Command) Help() string {
	helpText := `
Usage: vibe agent [options]

  Starts the Vibe agent and runs until an interrupt is received. The agent
  hosts the orchestration server and its ingress transports: the HTTP API
  with its event streams, and optionally the stdio line protocol.

  The Vibe agent's configuration primarily comes from the config files
  used, but a subset of the options may also be passed directly as CLI
  arguments.

General Options:

  -bind=<addr>
    The address the agent will bind its HTTP transport to. The default is
    0.0.0.0.

  -config=<path>
    The path to either a single config file or a directory of config files
    to use for configuring the Vibe agent. This option may be specified
    multiple times. If multiple config files are used, the values from
    each will be merged together. During merging, values from files found
    later in the list are merged over values from previously parsed files.

  -data-dir=<path>
    The data directory where sessions and their event logs persist.
    Without it the agent keeps all state in memory.

  -dev
    Start the agent in development mode. This enables a pre-configured
    agent on localhost with both the HTTP and stdio transports, a
    simulated task driver, and no oracle, suitable for testing.

  -env-file=<path>
    The path to a KEY=value environment file loaded into the process
    environment before startup. Useful for secrets such as
    OPENAI_API_KEY during development.

  -http-port=<port>
    The preferred port for the HTTP transport. When the port is taken the
    agent probes the next ports in the configured port range and takes the
    first free one.

  -log-level=<level>
    Specify the verbosity level of Vibe's logs. Valid values include
    DEBUG, INFO, and WARN, in decreasing order of verbosity. The default
    is INFO.

  -log-json
    Output logs in a JSON format. The default is false.
`
	return strings.TrimSpace(helpText)
}
