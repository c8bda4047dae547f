// defaults.go: default values for settings.
package conf

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("main.name", "audiotester")
	viper.SetDefault("main.debug", false)
	viper.SetDefault("main.loglevel", "info")
	viper.SetDefault("main.log.enabled", false)
	viper.SetDefault("main.log.path", "audiotester.log")

	viper.SetDefault("audio.device", "")
	viper.SetDefault("audio.samplerate", DefaultSampleRate)
	viper.SetDefault("audio.signalchannel", 0)
	viper.SetDefault("audio.counterchannel", 1)
	viper.SetDefault("audio.mlsorder", DefaultMLSOrder)

	viper.SetDefault("analysis.confidencethreshold", DefaultConfidenceThreshold)
	viper.SetDefault("analysis.maxlatencyms", DefaultMaxLatencyMs)
	viper.SetDefault("analysis.signallostcycles", DefaultSignalLostCycles)

	viper.SetDefault("reconnect.maxattempts", DefaultReconnectAttempts)
	viper.SetDefault("reconnect.backoffbasems", DefaultBackoffBaseMs)

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.listen", "localhost:9090")
}

// GetDefaultConfigPaths returns the directories searched for config.yaml.
func GetDefaultConfigPaths() ([]string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return []string{"."}, nil //nolint:nilerr // fall back to cwd only
	}
	return []string{
		filepath.Join(configDir, "audiotester"),
		".",
	}, nil
}
