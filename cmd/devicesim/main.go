// Package main runs a standalone device simulator daemon. It serves
// simulated peripherals over TCP so a bridge configured with adapter kind
// "devicesim" dials real network links during development and load tests.
//
// Failure injection is armed at startup:
//
//	devicesim -listen :9400 -fail-dials 3 -dial-latency 200ms
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/dskow/ble-bridge/internal/device"
)

// deviceEntry is one peripheral in a -devices file. Characteristic values
// are hex-encoded.
type deviceEntry struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Address         string            `json:"address"`
	RSSI            int               `json:"rssi"`
	Characteristics map[string]string `json:"characteristics"`
}

func main() {
	listen := flag.String("listen", ":9400", "address to listen on")
	devices := flag.String("devices", "", "path to a JSON device file (default: built-in demo peripherals)")
	failDials := flag.Int("fail-dials", 0, "fail this many dials before connects succeed")
	dialLatency := flag.Duration("dial-latency", 0, "added latency per dial")
	opLatency := flag.Duration("op-latency", 0, "added latency per device operation")
	flag.Parse()

	if a := os.Getenv("DEVICESIM_LISTEN"); a != "" {
		*listen = a
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	adapter := device.NewSimulatedAdapter()
	if *devices != "" {
		n, err := loadDevices(adapter, *devices)
		if err != nil {
			logger.Error("failed to load device file", "path", *devices, "error", err)
			os.Exit(1)
		}
		logger.Info("device file loaded", "path", *devices, "peripherals", n)
	} else {
		device.SeedDemoPeripherals(adapter)
		logger.Info("using built-in demo peripherals")
	}
	adapter.SetDialLatency(*dialLatency)
	adapter.FailNextDials(*failDials)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Error("listen failed", "addr", *listen, "error", err)
		os.Exit(1)
	}

	daemon := device.NewDaemon(adapter, *opLatency, logger)
	logger.Info("devicesim listening", "addr", ln.Addr().String(),
		"fail_dials", *failDials, "dial_latency", *dialLatency, "op_latency", *opLatency)
	if err := daemon.Serve(ln); err != nil {
		logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
}

func loadDevices(adapter *device.SimulatedAdapter, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var entries []deviceEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, err
	}
	for i, e := range entries {
		if e.ID == "" {
			return 0, fmt.Errorf("device %d has no id", i)
		}
		chars := make(map[string][]byte, len(e.Characteristics))
		for char, val := range e.Characteristics {
			v, err := hex.DecodeString(val)
			if err != nil {
				return 0, fmt.Errorf("device %q characteristic %q: %w", e.ID, char, err)
			}
			chars[char] = v
		}
		adapter.AddPeripheral(device.Info{ID: e.ID, Name: e.Name, Address: e.Address, RSSI: e.RSSI}, chars)
	}
	return len(entries), nil
}
