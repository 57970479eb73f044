package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/mdslink/internal/bluetooth"
	"github.com/srg/mdslink/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for MDS devices",
	Long: `Scan for Bluetooth Low Energy devices advertising the Memfault Diagnostic
Service and display their names, identifiers, and signal strength.

Use --all to list every nearby device instead of MDS devices only.`,
	RunE: runScan,
}

var (
	scanDuration        time.Duration
	scanAll             bool
	scanConnectableOnly bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Show all devices, not just MDS devices")
	scanCmd.Flags().BoolVar(&scanConnectableOnly, "connectable", false, "Show connectable devices only")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := scanDuration
	if duration <= 0 {
		duration = cfg.ScanTimeout
	}

	var conditions []scanner.Condition
	switch {
	case scanAll && scanConnectableOnly:
		conditions = []scanner.Condition{scanner.Connectable()}
	case scanAll:
		conditions = []scanner.Condition{scanner.MatchAll()}
	case scanConnectableOnly:
		conditions = []scanner.Condition{scanner.AdvertisingMDS().AndConnectable()}
	default:
		conditions = []scanner.Condition{scanner.AdvertisingMDS()}
	}

	transport := bluetooth.NewBLETransport(logger)
	s := scanner.New(transport, logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), duration)
	defer cancel()

	s.Start(ctx, conditions...)
	<-ctx.Done()
	s.Stop()

	devices := s.Devices()
	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return nil
	}

	bold := color.New(color.Bold)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = bold.Fprintln(w, "NAME\tID\tRSSI\tCONNECTABLE")
	for _, dev := range devices {
		name := dev.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", name, dev.ID, dev.RSSI, dev.Connectable)
	}
	return w.Flush()
}
