package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/accessms/doorlink/internal/access"
	"github.com/accessms/doorlink/internal/ble"
	"github.com/accessms/doorlink/internal/config"
	"github.com/accessms/doorlink/internal/store"
)

const usageText = `usage: doorlink [-config path] <command> [args]

commands:
  init              write a default config file
  profile [flags]   save the credential sent to controllers
  scan [-all]       list nearby door controllers
  pair [id]         bind a controller (strongest nearby if id is omitted)
  run               authenticate against the bound controller; type
                    "in" or "out" to record a work log and finish early
  unpair            forget the bound controller
  status            show the bound controller, profile and recent logs
`

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/doorlink/config.yaml)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	cmd := flag.Arg(0)
	var args []string
	if flag.NArg() > 1 {
		args = flag.Args()[1:]
	}
	if cmd == "" {
		flag.Usage()
		os.Exit(2)
	}

	if cmd == "init" {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	st, err := store.Open(cfg.Store.Path, []byte(cfg.Store.SealSecret), logger)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "profile":
		err = runProfile(ctx, st, args)
	case "scan":
		err = runScan(ctx, cfg, logger, args)
	case "pair":
		err = runPair(ctx, cfg, st, logger, args)
	case "run":
		err = runSession(ctx, cfg, st, logger)
	case "unpair":
		err = st.DeletePairedDevice(ctx)
		if err == nil {
			log.Println("Controller forgotten")
		}
	case "status":
		err = runStatus(ctx, st)
	default:
		flag.Usage()
		st.Close()
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		st.Close()
		log.Fatalf("%s: %v", cmd, err)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults (run 'doorlink init' to create one)")
	return config.Default(), nil
}

func runProfile(ctx context.Context, st *store.SQLite, args []string) error {
	fs := flag.NewFlagSet("profile", flag.ExitOnError)
	name := fs.String("name", "", "full name")
	department := fs.String("department", "", "department")
	company := fs.String("company", "", "company")
	card := fs.String("card", "", "card ID sent to the controller (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *card == "" {
		fs.Usage()
		return errors.New("-card is required")
	}
	cred := store.Credential{Name: *name, Department: *department, Company: *company, CardID: *card}
	if err := st.SaveCredential(ctx, cred); err != nil {
		return err
	}
	log.Println("Profile saved")
	return nil
}

// startLink runs a link on the platform adapter. The returned function
// cancels it and waits for shutdown.
func startLink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ble.Link, func()) {
	link := ble.NewLink(ble.NewTinyGoAdapter(), cfg.BLE.LinkOptions(), logger)
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := link.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ERROR: bluetooth: %v", err)
		}
	}()
	return link, func() {
		cancel()
		<-link.Done()
	}
}

func runScan(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	all := fs.Bool("all", false, "show every device, not just door controllers")
	if err := fs.Parse(args); err != nil {
		return err
	}

	link, shutdown := startLink(ctx, cfg, logger)
	defer shutdown()
	events, unsub := link.Subscribe(64)
	defer unsub()

	mode := ble.ModeManual
	if *all {
		mode = ble.ModeIdle
	}
	link.SetMode(mode, "")
	link.StartScan()
	log.Printf("Scanning for %s...", cfg.BLE.ScanTimeout)

	timeout := time.After(cfg.BLE.ScanTimeout)
	seen := make(map[string]bool)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timeout:
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if ev.Kind == ble.EventDiscovered && !seen[ev.Peripheral.ID] {
				seen[ev.Peripheral.ID] = true
				log.Printf("Found %s", describe(*ev.Peripheral))
			}
			if ev.Kind == ble.EventError {
				return ev.Err
			}
		}
	}
	link.StopScan()

	peripherals := link.Peripherals()
	fmt.Printf("%d device(s):\n", len(peripherals))
	for _, p := range peripherals {
		fmt.Printf("  %s\n", describe(p))
	}
	return nil
}

func runPair(ctx context.Context, cfg *config.Config, st *store.SQLite, logger *slog.Logger, args []string) error {
	if err := cfg.RequireKey(true); err != nil {
		return err
	}
	var target string
	if len(args) > 0 {
		target = args[0]
	}

	pairer, err := access.NewPairer(st, cfg.Access.PairingOptions(), logger)
	if err != nil {
		return err
	}

	link, shutdown := startLink(ctx, cfg, logger)
	defer shutdown()
	events, unsub := link.Subscribe(64)
	defer unsub()

	link.SetDriver(pairer)
	link.SetMode(ble.ModeManual, "")
	link.StartScan()
	log.Println("Looking for door controllers...")

	p, err := pickPeripheral(ctx, link, events, target, cfg.BLE.ScanTimeout)
	if err != nil {
		return err
	}
	log.Printf("Pairing with %s", describe(p))
	link.Connect(p)

	done := make(chan error, 1)
	go func() { done <- pairer.Wait(ctx) }()
	for {
		select {
		case err := <-done:
			if err == nil {
				log.Printf("Paired with %s", describe(p))
			}
			return err
		case ev, ok := <-events:
			if !ok {
				return <-done
			}
			printEvent(ev)
		}
	}
}

// pickPeripheral waits for target to be advertised, or with no target
// returns the strongest controller seen before the timeout.
func pickPeripheral(ctx context.Context, link *ble.Link, events <-chan ble.Event, target string, timeout time.Duration) (ble.Peripheral, error) {
	deadline := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ble.Peripheral{}, ctx.Err()
		case <-deadline:
			if target == "" {
				if found := link.Peripherals(); len(found) > 0 {
					return found[0], nil
				}
				return ble.Peripheral{}, errors.New("no door controller found")
			}
			return ble.Peripheral{}, fmt.Errorf("controller %s not found", target)
		case ev, ok := <-events:
			if !ok {
				return ble.Peripheral{}, errors.New("bluetooth stopped")
			}
			switch ev.Kind {
			case ble.EventError:
				return ble.Peripheral{}, ev.Err
			case ble.EventDiscovered:
				if target != "" && strings.EqualFold(ev.Peripheral.ID, target) {
					return *ev.Peripheral, nil
				}
			}
		}
	}
}

func runSession(ctx context.Context, cfg *config.Config, st *store.SQLite, logger *slog.Logger) error {
	if err := cfg.RequireKey(false); err != nil {
		return err
	}
	dev, err := st.PairedDevice(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return errors.New("no controller bound; run 'doorlink pair' first")
	}
	if err != nil {
		return err
	}
	if _, err := st.Credential(ctx); errors.Is(err, store.ErrNotFound) {
		log.Println("WARNING: no profile saved; run 'doorlink profile -card ...'")
	}

	auth, err := access.NewAuthenticator(st, cfg.Access.SessionOptions(), access.ForegroundHost{}, logger)
	if err != nil {
		return err
	}

	link, shutdown := startLink(ctx, cfg, logger)
	defer shutdown()
	events, unsub := link.Subscribe(64)
	defer unsub()

	link.SetDriver(auth)
	link.SetBinding(boundID(st))
	link.SetMode(ble.ModeAuto, dev.ID)
	link.StartScan()
	log.Printf("Waiting for %s (%s). Type 'in' or 'out' to log work, Ctrl+C to quit.", dev.Name, dev.ID)

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			log.Println("Shutting down...")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(ev)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			recordWork(ctx, st, auth, line)
		}
	}
}

// boundID reads the paired controller from the store, so unpair or a new
// pair from another process is picked up on the next scan.
func boundID(st *store.SQLite) ble.BindingFunc {
	return func(ctx context.Context) (string, error) {
		dev, err := st.PairedDevice(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return dev.ID, nil
	}
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- strings.TrimSpace(sc.Text())
	}
}

func recordWork(ctx context.Context, st *store.SQLite, auth *access.Authenticator, line string) {
	var content string
	switch strings.ToLower(line) {
	case "in":
		content = store.CheckIn
	case "out":
		content = store.CheckOut
	case "":
		return
	default:
		log.Printf("Unknown input %q (want 'in' or 'out')", line)
		return
	}

	w := store.NewWorkLog(content, time.Now())
	if err := st.AddWorkLog(ctx, w); err != nil {
		log.Printf("ERROR: saving work log: %v", err)
		return
	}
	log.Printf("Recorded %s at %s", w.Content, w.CreatedAt.Format(time.Kitchen))

	if err := auth.FinishNow(); err != nil && !errors.Is(err, access.ErrNotCounting) {
		log.Printf("ERROR: finishing session: %v", err)
	}
}

func runStatus(ctx context.Context, st *store.SQLite) error {
	fmt.Println("=== doorlink ===")
	dev, err := st.PairedDevice(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Println("  Controller: (none)")
	case err != nil:
		return err
	default:
		rssi := "n/a"
		if dev.LastRSSI != nil {
			rssi = fmt.Sprintf("%d dBm", *dev.LastRSSI)
		}
		fmt.Printf("  Controller: %s (%s), last RSSI %s\n", dev.Name, dev.ID, rssi)
	}

	cred, err := st.Credential(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Println("  Profile:    (none)")
	case err != nil:
		return err
	default:
		fmt.Printf("  Profile:    %s, %s / %s, card %s\n", cred.Name, cred.Department, cred.Company, maskCard(cred.CardID))
	}

	logs, err := st.WorkLogs(ctx, 5)
	if err != nil {
		return err
	}
	fmt.Println("  Recent work logs:")
	if len(logs) == 0 {
		fmt.Println("    (none)")
	}
	for _, w := range logs {
		fmt.Printf("    %s  %s\n", w.CreatedAt.Format("2006-01-02 15:04"), w.Content)
	}
	fmt.Println("================")
	return nil
}

func printEvent(ev ble.Event) {
	switch ev.Kind {
	case ble.EventStatus:
		log.Println(ev.Text)
	case ble.EventCountdown:
		if ev.Remaining%5 == 0 || ev.Remaining <= 3 {
			log.Printf("Disconnecting in %ds", ev.Remaining)
		}
	case ble.EventApproved:
		log.Println("Access approved")
	case ble.EventRefused:
		log.Println("Access refused")
	case ble.EventPaired:
		log.Println("Controller bound")
	case ble.EventError:
		log.Printf("ERROR: %v", ev.Err)
	}
}

func describe(p ble.Peripheral) string {
	name := p.Name
	if name == "" {
		name = "(unnamed)"
	}
	return fmt.Sprintf("%-20s %s  %d dBm", name, p.ID, p.RSSI)
}

func maskCard(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
}
