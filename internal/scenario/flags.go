package scenario

import (
	"github.com/spf13/viper"
)

type (
	flagType interface {
		string | bool
	}

	flagDef[T flagType] struct {
		name         string
		viperKey     string
		defaultValue T
		description  string
	}
)

var (
	stringFlags = []flagDef[string]{
		{"app-url", "harness.app.url", "", "URL of the wallet app the driver opens"},
		{"artifacts-dir", "harness.artifacts.dir", "", "Directory failure artifacts are written to"},
		{"dapp-dir", "harness.dapp.dir", "", "Directory holding the companion dapp build"},
		{"chrome-path", "harness.driver.chrome-path", "", "Chrome executable, detected when empty"},
	}

	boolFlags = []flagDef[bool]{
		{"fail-fast", "scenarios.fail-fast", false, "Skip the remaining scenarios after the first failure"},
		{"bundle", "harness.artifacts.bundle", false, "Also write failure artifacts as a tarball"},
		{"headless", "harness.driver.headless", true, "Run Chrome without a window"},
	}
)

func declareFlags[T flagType](flags []flagDef[T]) error {
	for _, flag := range flags {
		if err := declareFlag(flag.name, flag.viperKey, flag.defaultValue, flag.description); err != nil {
			return err
		}
	}
	return nil
}

// declareFlag declares a flag on the run command and binds it to a viper configuration key.
func declareFlag[T flagType](flagName, viperKey string, defaultValue T, description string) error {
	var zero T
	switch any(zero).(type) {
	case string:
		CMD.Flags().String(flagName, any(defaultValue).(string), description)
	case bool:
		CMD.Flags().Bool(flagName, any(defaultValue).(bool), description)
	}
	return viper.BindPFlag(viperKey, CMD.Flags().Lookup(flagName))
}
