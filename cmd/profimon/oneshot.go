package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fieldbus-go/profibus/dp"
	"github.com/spf13/cobra"
)

var oneShotAddr uint8
var oneShotTimeout = 2 * time.Second

var getCfgCmd = &cobra.Command{
	Use:   "get-cfg",
	Short: "fetch a peripheral's configuration (SAP 60) without joining the cyclic set",
	RunE:  runGetCfg,
}

var setAddressCmd = &cobra.Command{
	Use:   "set-address",
	Short: "reassign a peripheral's station address (SAP 55)",
	RunE:  runSetAddress,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "send Global_Control/Clear_Data to one peripheral and return it to Stop",
	RunE:  runReset,
}

var (
	newAddress uint8
	identNum   uint16
)

func init() {
	for _, c := range []*cobra.Command{getCfgCmd, setAddressCmd, resetCmd} {
		c.Flags().Uint8Var(&oneShotAddr, "peer", 0, "target peripheral address")
		_ = c.MarkFlagRequired("peer")
	}
	setAddressCmd.Flags().Uint8Var(&newAddress, "new-address", 0, "address to reassign the peripheral to")
	setAddressCmd.Flags().Uint16Var(&identNum, "ident", 0, "peripheral's ident number, required by Set_Slave_Address")
}

// runOneShotSession brings up a bare station and master (no cyclic
// peripherals registered) and drives poll/master until the poll
// function returned by issue reports done, or oneShotTimeout elapses.
func runOneShotSession(issue func(*dp.Master) (func() (bool, error), error)) error {
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
	poll, err := issue(master)
	if err != nil {
		return err
	}

	station, err := newStation(baud, master)
	if err != nil {
		return err
	}

	now := time.Now()
	station.Enable(now)
	deadline := now.Add(oneShotTimeout)
	for now.Before(deadline) {
		next, err := station.Poll(now, line)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		now = next
		if done, err := poll(); done {
			return err
		}
	}
	return fmt.Errorf("timed out waiting for a reply from address %d", oneShotAddr)
}

func runGetCfg(cmd *cobra.Command, _ []string) error {
	var cfg []byte
	err := runOneShotSession(func(m *dp.Master) (func() (bool, error), error) {
		get, err := m.GetConfig(oneShotAddr)
		if err != nil {
			return nil, err
		}
		return func() (bool, error) {
			b, err, done := get()
			cfg = b
			return done, err
		}, nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("config: %s\n", hex.EncodeToString(cfg))
	return nil
}

func runSetAddress(cmd *cobra.Command, _ []string) error {
	err := runOneShotSession(func(m *dp.Master) (func() (bool, error), error) {
		set, err := m.SetSlaveAddress(oneShotAddr, newAddress, identNum)
		if err != nil {
			return nil, err
		}
		return func() (bool, error) {
			err, done := set()
			return done, err
		}, nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("peripheral %d reassigned to address %d\n", oneShotAddr, newAddress)
	return nil
}

func runReset(cmd *cobra.Command, _ []string) error {
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
	p, err := dp.NewPeripheral(oneShotAddr)
	if err != nil {
		return err
	}
	if err := master.AddPeripheral(p); err != nil {
		return err
	}
	if err := master.ResetPeripheral(oneShotAddr); err != nil {
		return err
	}

	station, err := newStation(baud, master)
	if err != nil {
		return err
	}
	now := time.Now()
	station.Enable(now)
	deadline := now.Add(oneShotTimeout)
	for now.Before(deadline) {
		next, err := station.Poll(now, line)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		now = next
		if p.State() == dp.Stop {
			break
		}
	}
	fmt.Printf("reset issued to peripheral %d\n", oneShotAddr)
	return nil
}
