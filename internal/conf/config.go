// config.go: settings struct and loading for the audiotester engine.
package conf

import (
	"fmt"
	"log"
	"sync"

	"github.com/spf13/viper"
)

// MainSettings contains application level settings.
type MainSettings struct {
	Name     string // application instance name
	Debug    bool   // true to enable debug logging
	LogLevel string // "debug", "info", "warn", "error"
	Log      LogConfig
}

// LogConfig contains settings for file logging.
type LogConfig struct {
	Enabled bool   // true to write a rotating log file
	Path    string // log file path
}

// AudioSettings contains settings for the audio device and channel layout.
type AudioSettings struct {
	Device         string // device name or ID, empty for system default
	SampleRate     int    // stream sample rate in Hz
	SignalChannel  int    // channel index carrying the MLS test signal
	CounterChannel int    // channel index carrying the counter markers
	MLSOrder       int    // sequence order, length = 2^order - 1
}

// AnalysisSettings contains the empirically tuned measurement constants.
type AnalysisSettings struct {
	ConfidenceThreshold float64 // correlation confidence lock threshold
	MaxLatencyMs        float64 // latencies at or above this are treated as aliased
	SignalLostCycles    int     // consecutive invalid cycles before signal_lost
}

// ReconnectSettings controls mid-run stream failure recovery.
type ReconnectSettings struct {
	MaxAttempts   int // retry budget before the engine enters Error state
	BackoffBaseMs int // initial backoff, doubled per attempt
}

// MetricsSettings controls the ambient Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool
	Listen  string // host:port for the /metrics listener
}

// Settings is the root configuration structure.
type Settings struct {
	Main      MainSettings
	Audio     AudioSettings
	Analysis  AnalysisSettings
	Reconnect ReconnectSettings
	Metrics   MetricsSettings
}

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration from file and environment into a Settings
// struct, applying defaults for anything unset.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	settingsInstance = settings
	return settings, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetEnvPrefix("AUDIOTESTER")
	viper.AutomaticEnv()

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if ok := asConfigFileNotFound(err, &notFound); ok {
			// No config file is fine, defaults apply.
			log.Println("config file not found, using defaults")
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

func asConfigFileNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	v, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = v
	}
	return ok
}

// Setting returns the loaded settings, loading them on first use.
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			if _, err := Load(); err != nil {
				log.Fatalf("error loading settings: %v", err)
			}
		}
	})
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}
