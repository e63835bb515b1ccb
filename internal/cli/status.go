package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/custody/internal/control"
	"github.com/vietddude/custody/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show request counts per status and dependency health",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	engine, err := control.NewEngine(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize custody engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	counts, err := engine.Store().Requests().CountByStatus(ctx)
	if err != nil {
		slog.Error("Failed to count requests", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tREQUESTS")
	for _, s := range domain.AllStatuses {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
	}
	_ = w.Flush()
	fmt.Println()

	report := engine.Health(ctx)
	names := make([]string, 0, len(report.Components))
	for name := range report.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "COMPONENT\tSTATUS\tLATENCY\tERROR")
	for _, name := range names {
		c := report.Components[name]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, c.Status, c.Latency.Round(time.Microsecond), c.Error)
	}
	_ = w.Flush()
	fmt.Printf("\noverall: %s\n", report.Status)
}
