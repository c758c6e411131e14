// Command test-scan is a manual test for discovery and the link event stream.
// Run it near a controller to see advertisements and state changes.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-scan [-mode idle|manual] [-connect ID]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/accessms/doorlink/internal/ble"
)

func main() {
	mode := flag.String("mode", "idle", "discovery mode: idle or manual")
	connect := flag.String("connect", "", "connect to this peripheral ID once it is seen")
	flag.Parse()

	m := ble.ModeIdle
	if *mode == "manual" {
		m = ble.ModeManual
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	link := ble.NewLink(ble.NewTinyGoAdapter(), ble.DefaultLinkOptions(), nil)
	events, unsub := link.Subscribe(128)
	defer unsub()

	go func() {
		if err := link.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	}()

	link.SetMode(m, "")
	link.StartScan()
	fmt.Printf("Scanning in %q mode...\n", m)
	fmt.Println("Press Ctrl+C to exit.")

	connecting := false
	for ev := range events {
		switch ev.Kind {
		case ble.EventStateChanged:
			fmt.Printf("--- state: %s\n", ev.State)
		case ble.EventStatus:
			fmt.Printf("    %s\n", ev.Text)
		case ble.EventDiscovered:
			p := ev.Peripheral
			fmt.Printf(">>> %-20q %s %4d dBm svc=%s\n", p.Name, p.ID, p.RSSI, p.ServiceUUID)
			if *connect != "" && p.ID == *connect && !connecting {
				connecting = true
				link.Connect(*p)
			}
		case ble.EventMessage:
			fmt.Printf("<<< %q\n", ev.Text)
		case ble.EventError:
			fmt.Printf("!!! %v\n", ev.Err)
		}
	}
	fmt.Println("Done.")
}
