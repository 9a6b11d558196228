package outswitch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/stalexteam/outswitch/pkg/outswitch/util"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for outswitch's configuration file
type CanonicalConfig struct {
	ToolServer struct {
		Enabled bool
		Address string
	}

	Events struct {
		Port int
	}

	// written under liveLock; readers outside Load go through PolicySettings
	Policy PolicySettings

	// reloaded from the watcher goroutine, hence the lock
	aliases   AliasTable
	favorites []Favorite
	liveLock  sync.RWMutex

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	configDir  string
	userConfig *viper.Viper
}

// Favorite is a pinned device shown at the top of the tray menu
type Favorite struct {
	Name string `mapstructure:"name" yaml:"name"`
	ID   string `mapstructure:"id" yaml:"id"`
}

const (
	userConfigName = "config"
	userConfigPath = "."

	configType = "yaml"

	configKey_ToolServerEnabled = "tool_server.enabled"
	configKey_ToolServerAddress = "tool_server.address"
	configKey_EventsPort        = "events.port"
	configKey_Aliases           = "aliases"
	configKey_Favorites         = "favorites"
	configKey_CommitTimeout     = "policy.commit_timeout"
	configKey_Role              = "policy.role"
	configKey_Candidates        = "policy.candidates"

	default_ToolServerAddress = "127.0.0.1:30331"
	default_CommitTimeout     = 5 * time.Second
	default_Role              = "multimedia"
)

// DefaultAliases maps the remote tool's logical device names onto name substrings
func DefaultAliases() AliasTable {
	return AliasTable{
		"headphones":  "headphone",
		"usb speaker": "usb speaker",
	}
}

// NewConfig creates a config instance reading config.yaml from the working directory
func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*CanonicalConfig, error) {
	return newConfigAt(logger, notifier, userConfigPath)
}

func newConfigAt(logger *zap.SugaredLogger, notifier Notifier, dir string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		configDir:          dir,
		aliases:            DefaultAliases(),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(dir)

	userConfig.SetDefault(configKey_ToolServerEnabled, true)
	userConfig.SetDefault(configKey_ToolServerAddress, default_ToolServerAddress)
	userConfig.SetDefault(configKey_EventsPort, 0)
	userConfig.SetDefault(configKey_Aliases, map[string]string(DefaultAliases()))
	userConfig.SetDefault(configKey_CommitTimeout, default_CommitTimeout)
	userConfig.SetDefault(configKey_Role, default_Role)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// ConfigFilepath returns the path of the user config file, whether or not it exists
func (cc *CanonicalConfig) ConfigFilepath() string {
	return filepath.Join(cc.configDir, userConfigName+"."+configType)
}

const defaultConfigHeader = `# outswitch configuration. changes are picked up while outswitch runs.
#
# aliases map the options accepted by the remote change_audio_device tool (matched
# exactly) onto a case-insensitive substring of a device's name. favorites pin devices (by id, see
# "outswitch --list-audio-devices") to the top of the tray menu.
#
# policy.candidates may override the built-in policy config table, e.g.
#   candidates:
#     - name: client
#       clsid: "{870AF99C-171D-4F9E-AF0D-E63DF40C2BC9}"
#       iid: "{F8679F50-850A-41CF-9C72-430F290290C8}"
#       slot: 13

`

type defaultConfigDocument struct {
	ToolServer struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"tool_server"`

	Events struct {
		Port int `yaml:"port"`
	} `yaml:"events"`

	Aliases   map[string]string `yaml:"aliases"`
	Favorites []Favorite        `yaml:"favorites"`

	Policy struct {
		CommitTimeout string `yaml:"commit_timeout"`
		Role          string `yaml:"role"`
	} `yaml:"policy"`
}

// WriteDefaultConfig creates a config file holding the default values, unless one already exists.
// created reports whether a file was written
func (cc *CanonicalConfig) WriteDefaultConfig() (created bool, err error) {
	path := cc.ConfigFilepath()

	if util.FileExists(path) {
		return false, nil
	}

	document := defaultConfigDocument{
		Aliases:   DefaultAliases(),
		Favorites: []Favorite{},
	}
	document.ToolServer.Enabled = true
	document.ToolServer.Address = default_ToolServerAddress
	document.Policy.CommitTimeout = default_CommitTimeout.String()
	document.Policy.Role = default_Role

	encoded, err := yaml.Marshal(document)
	if err != nil {
		return false, fmt.Errorf("marshal default config: %w", err)
	}

	if err := util.EnsureDirExists(cc.configDir); err != nil {
		return false, fmt.Errorf("prepare config directory: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultConfigHeader), encoded...), 0644); err != nil {
		return false, fmt.Errorf("write default config: %w", err)
	}

	cc.logger.Infow("Wrote default config file", "path", path)

	return true, nil
}

// Load reads the config file from disk if there is one, and falls back to defaults otherwise
func (cc *CanonicalConfig) Load() error {
	path := cc.ConfigFilepath()
	cc.logger.Debugw("Loading config", "path", path)

	if util.FileExists(path) {
		if err := cc.userConfig.ReadInConfig(); err != nil {
			cc.logger.Warnw("Viper failed to read user config", "error", err)
			if strings.Contains(err.Error(), "yaml:") {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", path))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check outswitch's logs for more details.")
			}
			return fmt.Errorf("read user config: %w", err)
		}
	} else {
		cc.logger.Debugw("Config file not found, using defaults", "path", path)
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	policy := cc.PolicySettings()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"toolServer", cc.ToolServer,
		"events", cc.Events,
		"aliases", cc.Aliases(),
		"favorites", len(cc.Favorites()),
		"commitTimeout", policy.CommitTimeout,
		"role", policy.Role,
		"candidates", len(policy.Candidates),
	)

	return nil
}

// Aliases returns the current remote alias table. safe to call while the config reloads
func (cc *CanonicalConfig) Aliases() AliasTable {
	cc.liveLock.RLock()
	defer cc.liveLock.RUnlock()

	return cc.aliases
}

// PolicySettings returns the current commit timeout, role and candidate table. safe to call while the config reloads
func (cc *CanonicalConfig) PolicySettings() PolicySettings {
	cc.liveLock.RLock()
	defer cc.liveLock.RUnlock()

	return cc.Policy
}

// Favorites returns the pinned devices, in config file order
func (cc *CanonicalConfig) Favorites() []Favorite {
	cc.liveLock.RLock()
	defer cc.liveLock.RUnlock()

	return cc.favorites
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	path := cc.ConfigFilepath()

	if !util.FileExists(path) {
		cc.logger.Debugw("No config file to watch", "path", path)
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", path)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write != fsnotify.Write {
			return
		}

		now := time.Now()

		// many editors will write to a file twice
		if !lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// wait a bit to let the editor actually flush the new file contents to disk
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Device aliases, favorites and policy settings have been updated.")

			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	default:
		// watcher isn't running
	}

	for _, ch := range cc.reloadConsumers {
		close(ch)
	}
	cc.reloadConsumers = nil
}

func (cc *CanonicalConfig) populateFromVipers() error {
	cc.ToolServer.Enabled = cc.userConfig.GetBool(configKey_ToolServerEnabled)
	cc.ToolServer.Address = cc.userConfig.GetString(configKey_ToolServerAddress)
	cc.Events.Port = cc.userConfig.GetInt(configKey_EventsPort)

	var policy PolicySettings

	policy.CommitTimeout = cc.userConfig.GetDuration(configKey_CommitTimeout)
	if policy.CommitTimeout < 0 {
		cc.logger.Warnw("Negative commit timeout, disabling it", "value", policy.CommitTimeout)
		policy.CommitTimeout = 0
	}

	role, err := ParseRole(cc.userConfig.GetString(configKey_Role))
	if err != nil {
		return fmt.Errorf("parse %s: %w", configKey_Role, err)
	}
	policy.Role = role

	if cc.userConfig.IsSet(configKey_Candidates) {
		var candidates []PolicyCandidate
		if err := cc.userConfig.UnmarshalKey(configKey_Candidates, &candidates); err != nil {
			return fmt.Errorf("parse %s: %w", configKey_Candidates, err)
		}

		for _, candidate := range candidates {
			if err := candidate.Validate(); err != nil {
				return fmt.Errorf("parse %s: %w", configKey_Candidates, err)
			}
		}

		policy.Candidates = candidates
	}

	var favorites []Favorite
	if cc.userConfig.IsSet(configKey_Favorites) {
		var raw []Favorite
		if err := cc.userConfig.UnmarshalKey(configKey_Favorites, &raw); err != nil {
			return fmt.Errorf("parse %s: %w", configKey_Favorites, err)
		}

		for _, favorite := range raw {
			if favorite.ID == "" {
				cc.logger.Warnw("Ignoring favorite without a device id", "name", favorite.Name)
				continue
			}
			favorites = append(favorites, favorite)
		}
	}

	aliases := NewAliasTable(cc.userConfig.GetStringMapString(configKey_Aliases))

	cc.liveLock.Lock()
	cc.Policy = policy
	cc.aliases = aliases
	cc.favorites = favorites
	cc.liveLock.Unlock()

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
		}
	}
}
