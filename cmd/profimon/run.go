package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fieldbus-go/profibus/dp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	peripheralFlags peripheralSpecs
	runOperate      bool
	runDuration     time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "bring up a set of peripherals and run the cyclic data exchange",
	Long: `run starts a dp.Master holding one Peripheral per -peripheral flag and
drives it through bring-up (Set_Prm/Chk_Cfg/Slave_Diag) to cyclic
Data_Exchange, printing lifecycle events as they arrive.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().VarP(&peripheralFlags, "peripheral", "p", "peripheral spec addr:ident:wdf1:wdf2 (repeatable)")
	runCmd.Flags().BoolVar(&runOperate, "operate", false, "broadcast Global_Control/Operate instead of Clear_Data")
	runCmd.Flags().DurationVar(&runDuration, "for", 0, "stop after this long (0 = run until interrupted)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	if len(peripheralFlags.specs) == 0 {
		return fmt.Errorf("at least one -peripheral is required")
	}
	baud, err := parseBaud(baudName)
	if err != nil {
		return err
	}
	line, closeLine, err := openPhy(baud)
	if err != nil {
		return err
	}
	defer closeLine()

	master := dp.NewMaster()
	for _, spec := range peripheralFlags.specs {
		p, err := buildPeripheral(spec)
		if err != nil {
			return err
		}
		if err := master.AddPeripheral(p); err != nil {
			return err
		}
	}
	master.SetOperate(runOperate)

	station, err := newStation(baud, master)
	if err != nil {
		return err
	}

	width := terminalWidth()
	fmt.Println("bring-up")
	bar := progressbar.NewOptions(len(peripheralFlags.specs),
		progressbar.OptionSetDescription("peripherals online"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)
	online := map[uint8]bool{}

	now := time.Now()
	deadline := now
	if runDuration > 0 {
		deadline = now.Add(runDuration)
	}
	station.Enable(now)

	for runDuration == 0 || now.Before(deadline) {
		next, err := station.Poll(now, line)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		now = next

		for _, ev := range master.TakeLastEvents() {
			printEvent(width, ev)
			if ev.Kind == dp.EventCameOnline {
				if !online[ev.Addr] {
					online[ev.Addr] = true
					_ = bar.Add(1)
				}
			}
		}
	}
	return nil
}

func printEvent(width int, ev dp.Event) {
	line := fmt.Sprintf("%-12s addr=%-3d %s", ev.At.Format("15:04:05.000"), ev.Addr, ev.Kind)
	if width > 0 && len(line) > width {
		line = line[:width]
	}
	fmt.Println(line)
}

func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return w
}
