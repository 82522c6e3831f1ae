package main

import (
	"fmt"
	"time"

	"github.com/fieldbus-go/profibus/fdl"
	"github.com/fieldbus-go/profibus/telegram"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var scanRotations uint32

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "listen for live stations on the bus without joining the cyclic exchange",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().Uint32Var(&scanRotations, "rotations", 3, "GAP sweeps to wait through before reporting")
}

// scanApp is a do-nothing fdl.Application: scan only needs the ring
// maintenance and GAP sweep that ActiveStation performs on its own,
// never issuing cyclic requests of its own.
type scanApp struct{}

func (scanApp) TransmitTelegram(time.Time, time.Duration) (fdl.Action, bool) {
	return fdl.Action{}, false
}
func (scanApp) ReceiveReply(time.Time, uint8, telegram.Telegram) {}
func (scanApp) HandleTimeout(time.Time, uint8)                   {}

func runScan(cmd *cobra.Command, _ []string) error {
	baud, err := parseBaud(baudName)
	if err != nil {
		return err
	}
	line, closeLine, err := openPhy(baud)
	if err != nil {
		return err
	}
	defer closeLine()

	station, err := newStation(baud, scanApp{})
	if err != nil {
		return err
	}

	start := time.Now()
	window := station.Params().TokenLostTimeout() * time.Duration(scanRotations+1)
	deadline := start.Add(window)
	now := start

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("scanning"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("%"),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)
	station.Enable(now)

	for now.Before(deadline) {
		next, err := station.Poll(now, line)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		now = next
		_ = bar.Set(int(100 * now.Sub(start) / window))
	}
	_ = bar.Finish()

	live := station.LiveStations()
	if len(live) == 0 {
		fmt.Println("no stations observed")
		return nil
	}
	fmt.Println("live stations:")
	for _, addr := range live {
		marker := " "
		if addr == address {
			marker = "*"
		}
		fmt.Printf("  %s %3d\n", marker, addr)
	}
	return nil
}
