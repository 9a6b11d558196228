// Package outswitch lists a host's active audio output devices and changes which one
// the OS treats as default, from a tray menu, a shell, the command line or a remote MCP client
package outswitch

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/stalexteam/outswitch/pkg/outswitch/util"
)

const (

	// when this is set to anything, outswitch won't use a tray icon
	envNoTray = "OUTSWITCH_NO_TRAY_ICON"
)

// Outswitch is the main entity managing access to all sub-components
type Outswitch struct {
	logger   *zap.SugaredLogger
	notifier Notifier
	config   *CanonicalConfig

	enumerator Enumerator
	selector   *Selector
	toolServer *ToolServer
	events     *EventServer

	stopChannel chan bool
	version     string
	verbose     bool
	stopping    sync.Once
}

// NewOutswitch creates an Outswitch instance
func NewOutswitch(logger *zap.SugaredLogger, verbose bool) (*Outswitch, error) {
	logger = logger.Named("outswitch")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	o := &Outswitch{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	logger.Debug("Created outswitch instance")

	return o, nil
}

// Initialize loads the config and sets up the audio backend. it doesn't start anything in the background
func (o *Outswitch) Initialize() error {
	o.logger.Debug("Initializing")

	if err := o.config.Load(); err != nil {
		o.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	enumerator, err := newEnumerator(o.logger, o.config)
	if err != nil {
		o.logger.Errorw("Failed to create Enumerator", "error", err)
		return fmt.Errorf("create new Enumerator: %w", err)
	}
	o.enumerator = enumerator

	bridge, err := newBridge(o.logger, o.config)
	if err != nil {
		o.logger.Errorw("Failed to create Bridge", "error", err)
		return fmt.Errorf("create new Bridge: %w", err)
	}

	o.selector = NewSelector(o.logger, enumerator, bridge)

	o.toolServer = NewToolServer(o.logger, o.selector, o.config, o.config.ToolServer.Address)
	o.toolServer.SetVersion(o.version)

	events, err := NewEventServer(o.selector, o.logger, o.config.Events.Port)
	if err != nil {
		o.logger.Errorw("Failed to create EventServer", "error", err)
		return fmt.Errorf("create new EventServer: %w", err)
	}
	o.events = events

	return nil
}

// Selector returns the device selector. only valid after Initialize
func (o *Outswitch) Selector() *Selector {
	return o.selector
}

// Config returns the canonical config. it's only populated after Initialize
func (o *Outswitch) Config() *CanonicalConfig {
	return o.config
}

// SetVersion causes outswitch to add a version string to its tray menu and MCP server info if called before Initialize
func (o *Outswitch) SetVersion(version string) {
	o.version = version
}

// Verbose returns a boolean indicating whether outswitch is running in verbose mode
func (o *Outswitch) Verbose() bool {
	return o.verbose
}

// Run starts the background servers and blocks until stopped. with withTray set (and the
// no-tray envvar unset) the tray menu runs on the calling thread
func (o *Outswitch) Run(withTray bool) {
	o.setupInterruptHandler()

	if _, noTraySet := os.LookupEnv(envNoTray); noTraySet {
		o.logger.Debugw("Running without tray icon", "reason", "envvar set")
		withTray = false
	}

	if withTray {
		o.initializeTray(o.run)
	} else {
		o.run()
	}
}

func (o *Outswitch) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		o.logger.Debugw("Interrupted", "signal", signal)
		o.signalStop()
	}()
}

func (o *Outswitch) run() {
	o.logger.Info("Run loop starting")

	// watch the config file for changes
	go o.config.WatchConfigFileChanges()

	o.startToolServer()

	if err := o.events.Start(); err != nil {
		o.logger.Warnw("Failed to start event server", "error", err)
	}

	// wait until stopped (gracefully)
	<-o.stopChannel
	o.logger.Debug("Stop channel signaled, terminating")

	if err := o.stop(); err != nil {
		o.logger.Warnw("Failed to stop outswitch", "error", err)
		os.Exit(1)
	}

	os.Exit(0)
}

func (o *Outswitch) startToolServer() {
	if !o.config.ToolServer.Enabled {
		o.logger.Infow("Tool server disabled in config")
		return
	}

	if err := o.toolServer.Start(); err != nil {
		o.notifier.Notify("Can't start remote control!", err.Error())
		return
	}

	// the accept loop only exits on its own when the listener breaks
	go func() {
		<-o.toolServer.Done()

		select {
		case <-o.stopChannel:
		default:
			o.logger.Warn("Tool server accept loop exited, remote control is unavailable")
			o.notifier.Notify("Remote control stopped!", "Please check outswitch's logs for more details.")
		}
	}()
}

// RunToolServer runs only the tool server (no tray, no event feed) until interrupted or until the listener fails.
// config reloads still apply to aliases and policy settings
func (o *Outswitch) RunToolServer() error {
	if err := o.toolServer.Start(); err != nil {
		return fmt.Errorf("start tool server: %w", err)
	}

	go o.config.WatchConfigFileChanges()
	defer o.config.StopWatchingConfigFile()

	o.setupInterruptHandler()

	return o.serveUntilStopped()
}

func (o *Outswitch) serveUntilStopped() error {
	select {
	case <-o.stopChannel:
		o.toolServer.Stop()
		return nil
	case <-o.toolServer.Done():
		return fmt.Errorf("tool server listener failed on %s", o.config.ToolServer.Address)
	}
}

func (o *Outswitch) signalStop() {
	o.stopping.Do(func() {
		o.logger.Debug("Signalling stop channel")
		close(o.stopChannel)
	})
}

func (o *Outswitch) stop() error {
	o.logger.Info("Stopping")

	o.config.StopWatchingConfigFile()

	o.toolServer.Stop()
	o.events.Stop()

	o.stopTray()

	// attempt to sync on exit - this won't necessarily work but can't harm
	o.logger.Sync()

	return nil
}
