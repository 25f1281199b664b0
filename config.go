package tableflow

import (
	"github.com/spf13/viper"
)

func loadConfig() {
	viper.SetConfigName("tableflowrc")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.tableflow")

	setupDefaults()

	viper.ReadInConfig()

	viper.SetEnvPrefix("tableflow")
	viper.AutomaticEnv()
}

func setupDefaults() {
	defaultSettings := map[string]interface{}{
		"lambdaFunctionName": "tableflow_function",
		"lambdaMemory":       1500,
		"lambdaTimeout":      180,
		"lambdaRoleARN":      "",
		"lambdaZipPath":      "",
		"region":             "us-east-1",
		"endpoint":           "", // empty uses the SDK default for the region
		"maxRetries":         3,
		"httpTimeoutSec":     60,
		"batchSize":          100, // mutations/lookups buffered before one store round trip
		"poolSize":           4,   // in-flight batch submissions on the callback path
		"tmpConfigPath":      "",  // staged snapshot fallback; disabled when empty
		"scanSegments":       4,   // parallel segments for delegated scans
		"splitSize":          100 * 1024 * 1024, // Default input split size is 100Mb
		"binSize":            512 * 1024 * 1024, // Default partition bin size is 512Mb
		"maxConcurrency":     200,               // Maximum number of concurrent partition tasks
		"workingLocation":    ".",
		"cleanup":            true,
		"verbose":            false,
	}
	for key, value := range defaultSettings {
		viper.SetDefault(key, value)
	}

	aliases := map[string]string{
		"verbose":          "v",
		"working_location": "o",
	}
	for key, alias := range aliases {
		viper.RegisterAlias(alias, key)
	}
}
