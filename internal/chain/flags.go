package chain

import (
	"github.com/spf13/viper"
)

type (
	flagType interface {
		string | int
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
		{"engine", "harness.chain.engine", "", "Chain engine (ganache or simulated)"},
		{"image", "harness.chain.image", "", "Ganache image"},
		{"hardfork", "harness.chain.hardfork", "", "Hardfork rules for the ganache engine"},
		{"contracts-dir", "harness.chain.contracts-dir", "", "Directory holding compiled contract artifacts"},
	}

	intFlags = []flagDef[int]{
		{"chain-id", "harness.chain.chain-id", 0, "Chain ID"},
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

// declareFlag declares a flag on the up command and binds it to a viper configuration key.
func declareFlag[T flagType](flagName, viperKey string, defaultValue T, description string) error {
	var zero T
	switch any(zero).(type) {
	case string:
		upCmd.Flags().String(flagName, any(defaultValue).(string), description)
	case int:
		upCmd.Flags().Int(flagName, any(defaultValue).(int), description)
	}
	return viper.BindPFlag(viperKey, upCmd.Flags().Lookup(flagName))
}
