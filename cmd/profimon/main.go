// Command profimon brings up a PROFIBUS-DP master against a real
// RS-485 device (or, with -simulate, an in-process loopback pair) and
// reports what it sees on the bus: which stations are alive, which
// peripherals have come online, and their cyclic diagnostics.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ==================================================================
// Flag Vars
// ==================================================================

var (
	device     string
	simulate   bool
	baudName   string
	address    uint8
	hsa        uint8
	traceLevel string
)

// ==================================================================
// User Interface
// ==================================================================

func printCommand(cmd *cobra.Command) {
	fmt.Println(strings.ReplaceAll(
		fmt.Sprintf("=== %s ===", cmd.CommandPath()), " ", " | "))
}

func dumpFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		fmt.Printf("  %s: %s\n", f.Name, f.Value)
	})
}

func preRun(cmd *cobra.Command) {
	printCommand(cmd)
	dumpFlags(cmd)
}

var rootCmd = &cobra.Command{
	Use:   "profimon",
	Short: "profimon is a PROFIBUS-DP master bring-up and monitoring tool",
	Long: `profimon drives a PROFIBUS-DP master stack against a serial line (or
an in-process simulated bus) and reports live stations, peripheral
state transitions, and cyclic diagnostics as they happen.`,
	Example: `  Scan a bus for live stations:
    $ profimon scan -d /dev/ttyUSB0

  Bring up two peripherals and watch them exchange data:
    $ profimon run -d /dev/ttyUSB0 -p 3:1234:10:10 -p 4:5678:10:10

  Fetch a peripheral's configuration without joining the cyclic set:
    $ profimon get-cfg -d /dev/ttyUSB0 --peer 5`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		preRun(cmd)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&device, "device", "d", "", "serial device (e.g. /dev/ttyUSB0)")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "use an in-process loopback bus instead of a real device")
	rootCmd.PersistentFlags().StringVar(&baudName, "baud", "500k", "bus speed: 9600, 19200, 45450, 93750, 187500, 500k, 1.5m, 3m, 6m, 12m")
	rootCmd.PersistentFlags().Uint8VarP(&address, "address", "a", 2, "this station's own PROFIBUS address")
	rootCmd.PersistentFlags().Uint8Var(&hsa, "hsa", 125, "highest station address on the ring")
	rootCmd.PersistentFlags().StringVar(&traceLevel, "log", "off", "station log level: off, debug, trace")

	rootCmd.AddCommand(scanCmd, runCmd, getCfgCmd, setAddressCmd, resetCmd)
}
