package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/custody/internal/control"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire pending and approved requests past their deadline",
	Run:   runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	engine, err := control.NewEngine(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize custody engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	n, err := engine.Sweep(ctx)
	if err != nil {
		slog.Error("Sweep failed", "error", err, "expired", n)
		os.Exit(1)
	}
	slog.Info("Sweep finished", "expired", n)
}
