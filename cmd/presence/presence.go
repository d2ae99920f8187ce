package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/presence.report/internal/api"
	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/health"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/presence"
	"github.com/banshee-data/presence.report/internal/publish"
	"github.com/banshee-data/presence.report/internal/scan"
	"github.com/banshee-data/presence.report/internal/serialmux"
	"github.com/banshee-data/presence.report/internal/timeutil"
	"github.com/banshee-data/presence.report/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Play the fixture file instead of opening a serial port")
	fixturePath = flag.String("fixture", "fixtures/adverts.txt", "Fixture file used in dev mode")
	loopFixture = flag.Bool("loop", true, "Repeat the fixture file forever in dev mode")
	replayPath  = flag.String("replay", "", "Replay a pcap of HCI traffic instead of scanning")
	port        = flag.String("port", "/dev/ttyACM0", "Serial port of the BLE sniffer (ignored in dev and replay modes)")
	baud        = flag.Int("baud", 0, "Serial baud rate (overrides config)")
	listen      = flag.String("listen", ":8080", "HTTP listen address (empty disables the API)")
	dbPath      = flag.String("db", "presence.db", "sqlite database path (empty disables storage)")
	configPath  = flag.String("config", "", "JSON config file (defaults apply to omitted fields)")
	site        = flag.String("site", "", "Site name used in MQTT topics (overrides config)")
	interval    = flag.Duration("interval", 0, "Time between scan cycles (overrides config)")
	scanTimeout = flag.Duration("scan-timeout", 0, "Length of each scan window (overrides config)")
	ceiling     = flag.Float64("ceiling", 0, "Ignore devices estimated further than this many metres (overrides config)")
	threshold   = flag.Float64("threshold", 0, "Devices closer than this many metres count as one person (overrides config)")
	refPower    = flag.Int("ref-power", 0, "Expected RSSI at one metre in dBm (overrides config)")
	mqttAddr    = flag.String("mqtt", "", "Listen address of the embedded MQTT broker, e.g. :1883 (empty disables)")
	healthAddr  = flag.String("health", "", "Listen address of the gRPC health service, e.g. :50051 (empty disables)")
	plotPath    = flag.String("plot", "", "Write a PNG of people per cycle here on shutdown")
	verbose     = flag.Bool("verbose", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// options is everything run needs, resolved from flags and config.
type options struct {
	Dev        bool
	Fixture    string
	Loop       bool
	Replay     string
	Port       string
	Listen     string
	DBPath     string
	MQTTAddr   string
	HealthAddr string
	PlotPath   string
	Config     *config.PresenceConfig

	// Report receives the final device table.
	Report io.Writer
	// Ready, when set, is called once the coordinator is about to start.
	Ready func(*presence.Coordinator)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetVerbose(*verbose)

	cfg := config.DefaultPresenceConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadPresenceConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	applyFlagOverrides(cfg, set)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log.Printf("presence %s starting", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, options{
		Dev:        *devMode,
		Fixture:    *fixturePath,
		Loop:       *loopFixture,
		Replay:     *replayPath,
		Port:       *port,
		Listen:     *listen,
		DBPath:     *dbPath,
		MQTTAddr:   *mqttAddr,
		HealthAddr: *healthAddr,
		PlotPath:   *plotPath,
		Config:     cfg,
		Report:     os.Stdout,
	})
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// applyFlagOverrides copies explicitly set flags into cfg.
func applyFlagOverrides(cfg *config.PresenceConfig, set map[string]bool) {
	if set["site"] {
		cfg.Site = site
	}
	if set["interval"] {
		s := interval.String()
		cfg.Interval = &s
	}
	if set["scan-timeout"] {
		s := scanTimeout.String()
		cfg.ScanTimeout = &s
	}
	if set["ceiling"] {
		cfg.DistanceCeiling = ceiling
	}
	if set["threshold"] {
		cfg.ProximityThreshold = threshold
	}
	if set["ref-power"] {
		cfg.ReferencePower = refPower
	}
	if set["baud"] {
		cfg.BaudRate = baud
	}
}

// stopWhenExhausted cancels the run once a finite scanner has nothing left.
type stopWhenExhausted struct {
	cancel context.CancelFunc
}

func (s stopWhenExhausted) HandleCycle(context.Context, presence.CycleResult) error { return nil }

func (s stopWhenExhausted) HandleScanError(_ context.Context, err error) {
	if errors.Is(err, scan.ErrClosed) {
		log.Printf("scanner exhausted, stopping")
		s.cancel()
	}
}

func run(ctx context.Context, opts options) error {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultPresenceConfig()
	}
	if opts.Report == nil {
		opts.Report = io.Discard
	}
	siteName := cfg.GetSite()
	coordCfg := presence.CoordinatorConfig{
		Interval:           cfg.GetInterval(),
		ScanTimeout:        cfg.GetScanTimeout(),
		DistanceCeiling:    cfg.GetDistanceCeiling(),
		ProximityThreshold: cfg.GetProximityThreshold(),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var clock timeutil.Clock = timeutil.RealClock{}

	// pick a scanner; the serial mux is always present so its admin routes
	// can be mounted, but only talks to hardware in live mode
	var (
		scanner presence.Scanner
		bleMux  serialmux.SerialMuxInterface
		finite  bool
	)
	switch {
	case opts.Replay != "":
		rs, err := scan.OpenReplay(opts.Replay)
		if err != nil {
			return err
		}
		defer rs.Close()
		scanner, clock, finite = rs, rs.Clock(), true
		bleMux = serialmux.NewDisabledSerialMux(opts.Replay)
		log.Printf("replaying %s in %s windows", opts.Replay, coordCfg.ScanTimeout)
	case opts.Dev:
		fs, err := scan.OpenFixture(opts.Fixture, opts.Loop)
		if err != nil {
			return err
		}
		scanner, finite = fs, !opts.Loop
		bleMux = serialmux.NewDisabledSerialMux(opts.Fixture)
		log.Printf("dev mode: playing %d windows from %s", fs.Windows(), opts.Fixture)
	default:
		m, err := serialmux.NewRealSerialMux(opts.Port, serialmux.PortOptions{BaudRate: cfg.GetBaudRate()})
		if err != nil {
			return fmt.Errorf("failed to open BLE sniffer: %w", err)
		}
		if err := m.Initialize(); err != nil {
			m.Close()
			return fmt.Errorf("failed to initialize BLE sniffer: %w", err)
		}
		log.Printf("initialized BLE sniffer on %s", opts.Port)
		scanner, bleMux = scan.NewSerialScanner(m, clock), m
	}
	defer bleMux.Close()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bleMux.Monitor(ctx); err != nil && !presence.IsStopped(err) {
			// no more lines will arrive; stop so a supervisor can restart us
			log.Printf("failed to monitor serial port: %v", err)
			cancel()
		}
		log.Print("monitor routine terminated")
	}()

	var sinks []presence.CycleSink
	if finite {
		sinks = append(sinks, stopWhenExhausted{cancel: cancel})
	}

	var (
		store    *db.DB
		recorder *db.SessionRecorder
	)
	if opts.DBPath != "" {
		var err error
		store, err = db.NewDB(opts.DBPath)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer store.Close()
		recorder, err = store.StartSession(ctx, siteName, float64(cfg.GetReferencePower()), coordCfg, clock.Now())
		if err != nil {
			return err
		}
		log.Printf("recording session %s to %s", recorder.Session().ID, opts.DBPath)
		sinks = append(sinks, recorder)
	}

	if opts.MQTTAddr != "" {
		broker, err := publish.NewBroker(publish.Options{Addr: opts.MQTTAddr, Site: siteName})
		if err != nil {
			return err
		}
		if err := broker.Start(); err != nil {
			return err
		}
		defer broker.Close()
		log.Printf("MQTT broker listening on %s, publishing %s", opts.MQTTAddr, broker.CountTopic())
		sinks = append(sinks, broker)
	}

	if opts.HealthAddr != "" {
		hs := health.NewServer(opts.HealthAddr)
		if err := hs.Start(); err != nil {
			return err
		}
		defer hs.Stop()
		sinks = append(sinks, hs)
	}

	var plotter *presence.PeoplePlotter
	if opts.PlotPath != "" {
		plotter = presence.NewPeoplePlotter(siteName, opts.PlotPath)
		sinks = append(sinks, plotter)
	}

	registry := presence.NewRegistry(float64(cfg.GetReferencePower()))
	coord := presence.NewCoordinator(scanner, registry, coordCfg,
		presence.WithClock(clock),
		presence.WithSinks(sinks...),
	)

	if opts.Listen != "" {
		var sessionID string
		if recorder != nil {
			sessionID = recorder.Session().ID
		}
		mux := api.NewServer(coord, store, sessionID, siteName).ServeMux()
		bleMux.AttachAdminRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach database admin routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:    opts.Listen,
			Handler: api.LoggingMiddleware(mux),
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("HTTP server error: %v", err)
					cancel()
				}
			}()

			<-ctx.Done()
			log.Println("shutting down HTTP server...")
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancelShutdown()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				if err := server.Close(); err != nil {
					log.Printf("HTTP server force close error: %v", err)
				}
			}
			log.Printf("HTTP server routine stopped")
		}()
	}

	if opts.Ready != nil {
		opts.Ready(coord)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := coord.Run(ctx); !presence.IsStopped(err) {
			log.Printf("scan loop stopped: %v", err)
		}
		log.Print("scan routine terminated")
	}()

	wg.Wait()

	// the coordinator has stopped, so the registry is final
	if err := presence.WriteReport(opts.Report, registry); err != nil {
		log.Printf("failed to write report: %v", err)
	}
	if recorder != nil {
		if err := recorder.End(context.Background(), registry.Snapshot(), clock.Now()); err != nil {
			log.Printf("failed to close session: %v", err)
		}
	}
	if plotter != nil {
		if err := plotter.Save(); err != nil {
			log.Printf("failed to save plot: %v", err)
		} else if plotter.Len() > 0 {
			log.Printf("wrote %s", opts.PlotPath)
		}
	}
	return nil
}
