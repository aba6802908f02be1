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

	"github.com/srg/pulse/hrs"
	"github.com/srg/pulse/internal/gatt/goble"
	"github.com/srg/pulse/monitor"
	"github.com/srg/pulse/pkg/config"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream heart rate readings from a sensor",
	Long: `Connects to the first heart rate sensor found, subscribes to its
measurement notifications, and prints one decoded reading per line until
interrupted.

Examples:
  # Stream readings from the first sensor found
  pulse monitor

  # Wider discovery window, machine-readable output
  pulse monitor --scan-timeout 30s --json

  # Stop after 10 readings
  pulse monitor --count 10`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

var (
	monitorScanTimeout time.Duration
	monitorCount       int
	monitorJSON        bool
)

func init() {
	defaults := config.DefaultConfig()
	monitorCmd.Flags().DurationVar(&monitorScanTimeout, "scan-timeout", defaults.ScanTimeout, "Discovery window for finding a sensor")
	monitorCmd.Flags().IntVar(&monitorCount, "count", 0, "Stop after this many readings (0 = stream until Ctrl+C)")
	monitorCmd.Flags().BoolVar(&monitorJSON, "json", false, "Output readings as JSON lines")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	cfg := config.DefaultConfig()
	cfg.ScanTimeout = monitorScanTimeout

	client := goble.NewClient(logger, goble.WithScanWindow(cfg.ScanTimeout))
	session := monitor.New(client, client, logger, &monitor.Options{
		ReadingBuffer: cfg.ReadingBuffer,
	})
	defer session.Dispose()

	// Ctrl+C tears the session down through the deferred Dispose.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Searching for a heart rate sensor...")
	if err := session.Initiate(ctx); err != nil {
		return err
	}
	fmt.Println("Connected. Streaming readings (Ctrl+C to stop)...")

	delivered := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-session.Readings():
			if !ok {
				return nil
			}
			printReading(r)
			delivered++
			if monitorCount > 0 && delivered >= monitorCount {
				return nil
			}
		}
	}
}

func printReading(r hrs.Reading) {
	if monitorJSON {
		printReadingJSON(r)
		return
	}

	bpm := "---"
	if r.BPM != hrs.BPMUnknown {
		bpm = fmt.Sprintf("%3d", r.BPM)
	}

	switch r.Contact {
	case hrs.ContactDetected:
		color.New(color.FgRed).Printf("♥ %s bpm", bpm)
		fmt.Printf("  (%s)\n", r.Contact)
	case hrs.ContactNotDetected:
		color.New(color.FgYellow).Printf("♡ %s bpm", bpm)
		fmt.Printf("  (%s)\n", r.Contact)
	default:
		fmt.Printf("♥ %s bpm\n", bpm)
	}
}

func printReadingJSON(r hrs.Reading) {
	out := struct {
		Time    string `json:"time"`
		BPM     *int   `json:"bpm"`
		Contact string `json:"contact"`
	}{
		Time:    time.Now().Format(time.RFC3339),
		Contact: r.Contact.String(),
	}
	if r.BPM != hrs.BPMUnknown {
		bpm := r.BPM
		out.BPM = &bpm
	}
	if data, err := json.Marshal(out); err == nil {
		fmt.Println(string(data))
	}
}
