//go:build linux

// Demo CLI for pumplink (Linux only)
//
// Prerequisites
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Adapter powered on: `bluetoothctl power on`.
// - RegisterProfile and RegisterAgent usually need root: run with sudo.
//
// Modes
// 1) Run a discovery session and wait for the peripheral to pair:
//     sudo go run ./cmd/pumplink-demo --mode=discover --pin=1234 --duration=120s
//   Verify the advertised record in another terminal:
//     sdptool browse local
// 2) List paired devices / print the adapter name:
//     go run ./cmd/pumplink-demo --mode=paired
//     go run ./cmd/pumplink-demo --mode=name
// 3) Unpair a device:
//     sudo go run ./cmd/pumplink-demo --mode=unpair --device AA:BB:CC:11:22:33
// 4) Connect and exchange raw bytes (stdin -> device, device -> stdout):
//     sudo go run ./cmd/pumplink-demo --mode=connect --device AA:BB:CC:11:22:33
//
// --filter-prefix restricts pairing and discovery to addresses starting
// with the given bytes (e.g. "AA:BB:CC"). Ctrl-C stops cleanly.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"pumplink"
)

func main() {
	mode := flag.String("mode", "discover", "mode: discover|paired|name|unpair|connect")
	name := flag.String("name", "PumpLink", "SDP service name (discover mode)")
	provider := flag.String("provider", "pumplink", "SDP service provider (discover mode)")
	description := flag.String("description", "PumpLink SPP host", "SDP service description (discover mode)")
	pin := flag.String("pin", "1234", "pairing PIN (discover mode)")
	duration := flag.Duration("duration", 60*time.Second, "discovery session duration (1s..300s)")
	device := flag.String("device", "", "device address (unpair/connect modes)")
	filterPrefix := flag.String("filter-prefix", "", "accept only addresses starting with this prefix, e.g. AA:BB:CC")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.TraceLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	client, err := pumplink.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if *filterPrefix != "" {
		filter, err := prefixFilter(*filterPrefix)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad --filter-prefix: %v\n", err)
			os.Exit(1)
		}
		if err := client.SetFilter(filter); err != nil {
			fmt.Fprintf(os.Stderr, "set filter: %v\n", err)
			os.Exit(1)
		}
	}

	switch strings.ToLower(*mode) {
	case "discover":
		runDiscover(client, *name, *provider, *description, *pin, *duration)
	case "paired":
		runPaired(client)
	case "name":
		runName(client)
	case "unpair":
		runUnpair(client, *device)
	case "connect":
		runConnect(client, *device)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode: %s\n", *mode)
		os.Exit(1)
	}
}

// prefixFilter builds a filter accepting addresses that start with the
// given colon-separated hex byte prefix.
func prefixFilter(prefix string) (pumplink.Filter, error) {
	clean := strings.ReplaceAll(prefix, ":", "")
	raw, err := hex.DecodeString(clean)
	if err != nil || len(raw) == 0 || len(raw) > 6 {
		return nil, fmt.Errorf("expected up to six colon-separated hex bytes, got %q", prefix)
	}
	return func(addr pumplink.Address) bool {
		for i, b := range raw {
			if addr[i] != b {
				return false
			}
		}
		return true
	}, nil
}

func runDiscover(client *pumplink.Client, name, provider, description, pin string, duration time.Duration) {
	stopped := make(chan pumplink.StopReason, 1)

	if err := client.OnDeviceUnpaired(func(addr pumplink.Address) {
		fmt.Printf("UNPAIRED: %s\n", addr)
	}); err != nil {
		fmt.Fprintf(os.Stderr, "set unpaired callback: %v\n", err)
		os.Exit(1)
	}

	err := client.StartDiscovery(pumplink.DiscoveryParams{
		ServiceName:        name,
		ServiceProvider:    provider,
		ServiceDescription: description,
		PairingPIN:         pin,
		Duration:           duration,
		OnStopped:          func(r pumplink.StopReason) { stopped <- r },
		OnFoundPaired: func(addr pumplink.Address) {
			fmt.Printf("PAIRED: %s\n", addr)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start discovery: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("discovery running for up to %s; pair the peripheral now\n", duration)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case reason := <-stopped:
		fmt.Printf("discovery stopped: %s\n", reason)
	case <-sig:
		if err := client.StopDiscovery(); err != nil {
			fmt.Fprintf(os.Stderr, "stop discovery: %v\n", err)
		}
		fmt.Printf("discovery stopped: %s\n", <-stopped)
	}
}

func runPaired(client *pumplink.Client) {
	addrs, err := client.PairedAddresses()
	if err != nil {
		fmt.Fprintf(os.Stderr, "paired addresses: %v\n", err)
		os.Exit(1)
	}
	if len(addrs) == 0 {
		fmt.Println("no paired devices")
		return
	}
	for _, addr := range addrs {
		fmt.Println(addr)
	}
}

func runName(client *pumplink.Client) {
	name, err := client.AdapterName()
	if err != nil {
		fmt.Fprintf(os.Stderr, "adapter name: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(name)
}

func runUnpair(client *pumplink.Client, device string) {
	addr := mustAddress(device)
	if err := client.Unpair(addr); err != nil {
		fmt.Fprintf(os.Stderr, "unpair: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("unpaired %s\n", addr)
}

func runConnect(client *pumplink.Client, device string) {
	addr := mustAddress(device)
	dev, err := client.Device(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create device handle: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	// Abort an in-flight connect (and any blocked I/O) on Ctrl-C.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		dev.Disconnect()
	}()

	fmt.Printf("connecting to %s on channel %d...\n", addr, dev.Channel())
	if err := dev.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("connected; stdin lines are sent raw, received bytes are hex-dumped")

	go func() {
		buf := make([]byte, 512)
		for {
			n, err := dev.Receive(buf)
			if err != nil {
				fmt.Fprintf(os.Stderr, "receive: %v\n", err)
				return
			}
			if n == 0 {
				fmt.Println("peer closed the connection")
				return
			}
			fmt.Printf("RX %s\n", hex.EncodeToString(buf[:n]))
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := dev.Send(scanner.Bytes()); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			return
		}
	}
}

func mustAddress(s string) pumplink.Address {
	if s == "" {
		fmt.Fprintln(os.Stderr, "--device is required in this mode")
		os.Exit(1)
	}
	addr, err := pumplink.ParseAddress(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad --device: %v\n", err)
		os.Exit(1)
	}
	return addr
}
