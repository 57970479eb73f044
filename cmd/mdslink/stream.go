package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/mdslink/internal/bluetooth"
	"github.com/srg/mdslink/pkg/mds"
	"github.com/srg/mdslink/pkg/memfault"
	"github.com/srg/mdslink/pkg/upload"
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream <device-id>",
	Short: "Connect to an MDS device and upload its chunks",
	Long: `Connect to a device implementing the Memfault Diagnostic Service, read its
upload endpoint and credential, enable chunk streaming, and upload every
chunk as it arrives. Runs until interrupted or the connection fails.

Example:
  mdslink stream 4F2A7C1B-9D3E-4E61-B4C8-12A34567890F`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

func runStream(cmd *cobra.Command, args []string) error {
	deviceID := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	transport := bluetooth.NewBLETransport(logger)
	uploader := upload.NewClient(&http.Client{Timeout: cfg.UploadTimeout}, logger)
	manager := memfault.New(transport, uploader, logger)

	ctx := cmd.Context()
	events := manager.Connect(ctx, deviceID)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	var lastErr error
	for {
		select {
		case <-interrupt:
			fmt.Println("\nDisconnecting...")
			manager.Disconnect(ctx, deviceID)
			// Drain remaining events until the stream completes.
			for event := range events {
				printEvent(event, green, red, yellow)
			}
			return lastErr
		case event, ok := <-events:
			if !ok {
				return lastErr
			}
			printEvent(event, green, red, yellow)
			if event.Kind == mds.EventError {
				lastErr = event.Err
			}
		}
	}
}

func printEvent(event mds.DeviceEvent, green, red, yellow *color.Color) {
	switch event.Kind {
	case mds.EventChunkUpdated:
		chunk := event.Chunk
		switch chunk.Status {
		case mds.StatusSuccess:
			_, _ = green.Printf("chunk seq=%d (%d bytes): uploaded\n", chunk.SequenceNumber, len(chunk.Payload))
		case mds.StatusErrorUploading:
			_, _ = red.Printf("chunk seq=%d (%d bytes): upload failed\n", chunk.SequenceNumber, len(chunk.Payload))
		default:
			fmt.Printf("chunk seq=%d (%d bytes): %s\n", chunk.SequenceNumber, len(chunk.Payload), chunk.Status)
		}
	case mds.EventError:
		_, _ = red.Printf("error: %s\n", FormatUserError(event.Err))
	case mds.EventAuthenticated:
		_, _ = green.Printf("authenticated, uploading to %s\n", event.Auth.URL)
	case mds.EventDisconnected:
		_, _ = yellow.Println("disconnected")
	default:
		fmt.Println(event.String())
	}
}
