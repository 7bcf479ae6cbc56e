package chain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/compose-network/scenario-harness/configs"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var upContracts string

var CMD = &cobra.Command{
	Use:   "chain",
	Short: "Commands for running a seeded chain simulator",
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start a seeded chain, print its endpoints and contract registry, and wait for interrupt",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configs.Values.Harness.Chain
		slog.Info("starting chain simulator. Validating config", slog.Any("config", cfg))

		if err := cfg.Validate(); err != nil {
			return err
		}

		opts := OptionsFrom(cfg)
		opts.RunID = uuid.NewString()
		opts.Contracts = splitContracts(upContracts)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := up(ctx, cmd.OutOrStdout(), opts); err != nil {
			return fmt.Errorf("error occurred running chain simulator: %w", err)
		}

		slog.Info("chain simulator stopped")
		return nil
	},
}

func init() {
	if err := declareFlags(stringFlags); err != nil {
		panic(err)
	}
	if err := declareFlags(intFlags); err != nil {
		panic(err)
	}
	upCmd.Flags().StringVar(&upContracts, "contracts", "", "Comma-separated contract identifiers to deploy, e.g. HST,ERC1155")

	CMD.AddCommand(upCmd)
}

type (
	upAccount struct {
		Address string `yaml:"address"`
		Balance string `yaml:"balance"`
		Ether   string `yaml:"ether"`
	}

	upSummary struct {
		RPCURL    string            `yaml:"rpc-url"`
		ChainID   int64             `yaml:"chain-id"`
		Accounts  []upAccount       `yaml:"accounts"`
		Contracts map[string]string `yaml:"contracts"`
	}
)

// up runs the simulator until ctx is done, writing its summary to out once it is ready.
func up(ctx context.Context, out io.Writer, opts Options) error {
	sim := NewSimulator()
	defer func() {
		if err := sim.Stop(context.WithoutCancel(ctx)); err != nil {
			slog.With("err", err).Error("failed to stop chain simulator")
		}
	}()

	if err := sim.Start(ctx, opts); err != nil {
		return err
	}

	if err := writeSummary(out, sim); err != nil {
		return err
	}

	slog.Info("chain simulator running, press Ctrl+C to stop")
	<-ctx.Done()
	return nil
}

func writeSummary(out io.Writer, sim *Simulator) error {
	summary := upSummary{
		RPCURL:    sim.RPCURL(),
		ChainID:   sim.ChainID(),
		Contracts: sim.Contracts().Snapshot(),
	}
	for _, a := range sim.Accounts() {
		summary.Accounts = append(summary.Accounts, upAccount{
			Address: a.Address.Hex(),
			Balance: ToHexWei(a.Balance),
			Ether:   FormatEther(a.Balance),
		})
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode chain summary: %w", err)
	}
	return enc.Close()
}

func splitContracts(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, strings.ToUpper(id))
		}
	}
	return ids
}
