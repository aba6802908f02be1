package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/pulse/discovery"
	"github.com/srg/pulse/hrs"
	"github.com/srg/pulse/internal/bleuuid"
	"github.com/srg/pulse/internal/gatt"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for heart rate sensors",
	Long: `Scans for BLE peripherals advertising the Heart Rate service (180d)
and lists them as connection candidates.

Examples:
  # Scan with the default 10s window
  pulse scan

  # Longer window, JSON output
  pulse scan --duration 30s --json

  # Ignore a known noisy device
  pulse scan --block AA:BB:CC:DD:EE:FF`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanAllowList []string
	scanBlockList []string
	scanJSON      bool
)

func init() {
	scanCmd.Flags().DurationVar(&scanDuration, "duration", 10*time.Second, "Scan window (0 = scan until Ctrl+C)")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only include these device addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Exclude these device addresses")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Output as JSON instead of a table")
}

func runScan(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	s, err := discovery.NewScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create scanner: %w", err)
	}

	opts := discovery.DefaultScanOptions()
	opts.Duration = scanDuration
	opts.AllowList = scanAllowList
	opts.BlockList = scanBlockList

	// Listen for Ctrl+C to cancel
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	found, err := s.Scan(ctx, opts)
	if err != nil {
		return err
	}

	if scanJSON {
		return printScanJSON(found)
	}
	printScanTable(found)
	return nil
}

func printScanJSON(found []gatt.Peripheral) error {
	type entry struct {
		Address string `json:"address"`
		Name    string `json:"name,omitempty"`
		RSSI    int    `json:"rssi"`
	}
	out := make([]entry, len(found))
	for i, p := range found {
		out[i] = entry{Address: p.ID, Name: p.Name, RSSI: p.RSSI}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printScanTable(found []gatt.Peripheral) {
	if len(found) == 0 {
		fmt.Println("No heart rate sensors found.")
		return
	}

	header := color.New(color.Bold)
	header.Printf("%-20s %-24s %6s  %s\n", "ADDRESS", "NAME", "RSSI", "SERVICE")
	for _, p := range found {
		name := p.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Printf("%-20s %-24s %6d  %s\n", p.ID, name, p.RSSI, bleuuid.KnownName(hrs.ServiceUUID))
	}
}
