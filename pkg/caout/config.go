package caout

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MixyLabs/caout/pkg/caout/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper
	configFile string
	loadedFile bool

	// swapped whole on reload, read from any goroutine
	current atomic.Pointer[Config]
}

type Config struct {
	// DeviceID selects the output device, 0 for the system default
	DeviceID uint32 `mapstructure:"device_id"`

	// Help lists the output devices and exits
	Help bool `mapstructure:"help"`

	Volume float64 `mapstructure:"volume"`
	Mute   bool    `mapstructure:"mute"`

	Notifications bool `mapstructure:"notifications"`

	BufferSeconds float64 `mapstructure:"buffer_seconds"`

	FormatSwitch struct {
		Attempts    int           `mapstructure:"attempts"`
		ConfirmWait time.Duration `mapstructure:"confirm_wait"`
	} `mapstructure:"format_switch"`

	// Raw describes headerless input files
	Raw struct {
		Format     string `mapstructure:"format"`
		SampleRate int    `mapstructure:"sample_rate"`
		Channels   int    `mapstructure:"channels"`
	} `mapstructure:"raw"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

const (
	userConfigFilepath = "config.yaml"
	userConfigName     = "config"
	userConfigPath     = "."

	configType = "yaml"

	configKeyDeviceID                = "device_id"
	configKeyHelp                    = "help"
	configKeyVolume                  = "volume"
	configKeyMute                    = "mute"
	configKeyNotifications           = "notifications"
	configKeyBufferSeconds           = "buffer_seconds"
	configKeyFormatSwitchAttempts    = "format_switch.attempts"
	configKeyFormatSwitchConfirmWait = "format_switch.confirm_wait"
	configKeyRawFormat               = "raw.format"
	configKeyRawSampleRate           = "raw.sample_rate"
	configKeyRawChannels             = "raw.channels"
	configKeyMetricsAddr             = "metrics_addr"
)

// flags the CLI defines for config keys
var configFlags = map[string]string{
	configKeyDeviceID:    "device-id",
	configKeyMetricsAddr: "metrics-addr",
}

// NewConfig creates a config manager. configFile overrides the default config.yaml lookup;
// unlike the default file, an explicitly given one must exist.
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, configFile string) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		configFile:         configFile,
	}

	userConfig := viper.New()
	userConfig.SetConfigType(configType)

	if configFile != "" {
		userConfig.SetConfigFile(configFile)
	} else {
		userConfig.SetConfigName(userConfigName)
		userConfig.AddConfigPath(userConfigPath)
	}

	userConfig.SetDefault(configKeyDeviceID, 0)
	userConfig.SetDefault(configKeyHelp, false)
	userConfig.SetDefault(configKeyVolume, maxVolume)
	userConfig.SetDefault(configKeyMute, false)
	userConfig.SetDefault(configKeyNotifications, true)
	userConfig.SetDefault(configKeyBufferSeconds, defaultBufferSeconds)
	userConfig.SetDefault(configKeyFormatSwitchAttempts, defaultSwitchAttempts)
	userConfig.SetDefault(configKeyFormatSwitchConfirmWait, defaultConfirmWait)
	userConfig.SetDefault(configKeyRawFormat, SampleAC3.String())
	userConfig.SetDefault(configKeyRawSampleRate, 48000)
	userConfig.SetDefault(configKeyRawChannels, 2)
	userConfig.SetDefault(configKeyMetricsAddr, "")

	cc.userConfig = userConfig

	// until the first load, notifications go through
	cc.current.Store(&Config{Notifications: true})

	logger.Debug("Created config instance")

	return cc, nil
}

// BindFlags lets command line flags override their config keys
func (cc *ConfigManager) BindFlags(flags *pflag.FlagSet) error {
	for key, name := range configFlags {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}

		if err := cc.userConfig.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return nil
}

func (cc *ConfigManager) configFilepath() string {
	if cc.configFile != "" {
		return cc.configFile
	}

	return userConfigFilepath
}

func (cc *ConfigManager) Load() error {
	configFilepath := cc.configFilepath()
	cc.logger.Debugw("Loading config", "path", configFilepath)

	if cc.configFile != "" && !util.FileExists(cc.configFile) {
		cc.logger.Warnw("Config file not found", "path", cc.configFile)
		cc.notifier.Notify("Can't find configuration!",
			fmt.Sprintf("%s doesn't exist. Please check the path and re-launch", cc.configFile))

		return fmt.Errorf("config file doesn't exist: %s", cc.configFile)
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError

		if errors.As(err, &notFound) {
			cc.logger.Debugw("No config file, using defaults", "path", configFilepath, "reminder", "this is fine")
		} else {
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
			if strings.Contains(err.Error(), "yaml:") {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", configFilepath))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check caout's logs for more details.")
			}

			return fmt.Errorf("read user config: %w", err)
		}
	} else {
		cc.loadedFile = true
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	conf := cc.Current()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"deviceId", conf.DeviceID,
		"volume", conf.Volume,
		"mute", conf.Mute,
		"bufferSeconds", conf.BufferSeconds,
		"formatSwitchAttempts", conf.FormatSwitch.Attempts,
		"formatSwitchConfirmWait", conf.FormatSwitch.ConfirmWait)

	return nil
}

// Current returns the last successfully loaded config. Callers must not modify it.
func (cc *ConfigManager) Current() *Config {
	return cc.current.Load()
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded.
// A consumer that hasn't picked up the previous reload doesn't get a second one queued.
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	if !cc.loadedFile {
		cc.logger.Debug("No config file loaded, nothing to watch")
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.configFilepath())

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// viper does the watching, the cooldown against double writes is ours
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) {
			return
		}

		now := time.Now()
		if !lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// let the editor finish flushing the file
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromVipers() error {
	var next Config

	err := cc.userConfig.Unmarshal(&next, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	next.Volume = max(0, min(maxVolume, next.Volume))

	if _, err := ParseSampleFormat(next.Raw.Format); err != nil {
		return fmt.Errorf("raw format: %w", err)
	}

	cc.current.Store(&next)
	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
		}
	}
}
