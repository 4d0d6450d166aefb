package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/spf13/cobra"
	"tailscale.com/tsweb"
	"tinygo.org/x/bluetooth"

	"github.com/banshee-data/pulsebed/internal/api"
	"github.com/banshee-data/pulsebed/internal/ble"
	"github.com/banshee-data/pulsebed/internal/companion"
	"github.com/banshee-data/pulsebed/internal/config"
	"github.com/banshee-data/pulsebed/internal/db"
	"github.com/banshee-data/pulsebed/internal/engine"
	"github.com/banshee-data/pulsebed/internal/library"
	"github.com/banshee-data/pulsebed/internal/linkmux"
	"github.com/banshee-data/pulsebed/internal/mixgraph"
	"github.com/banshee-data/pulsebed/internal/monitoring"
	"github.com/banshee-data/pulsebed/internal/publish"
	"github.com/banshee-data/pulsebed/internal/ring"
	"github.com/banshee-data/pulsebed/internal/state"
	"github.com/banshee-data/pulsebed/internal/telemetry"
	"github.com/banshee-data/pulsebed/internal/version"
)

const (
	sampleRate     = beep.SampleRate(44100)
	recorderLimit  = 500
	shutdownWait   = time.Second
	defaultListen  = ":8080"
	defaultDBPath  = "pulsebed.db"
	defaultReplay  = 100 * time.Millisecond
	toneSeconds    = 20
	narrationLines = 200
)

// Ring link sources for --ring.
const (
	ringBLE    = "ble"
	ringSerial = "serial"
	ringSim    = "sim"
	ringReplay = "replay"
	ringNone   = "none"
)

type runFlags struct {
	listen     string
	dbPath     string
	configPath string
	watch      bool
	tracksDir  string
	tone       bool
	seed       int64
	autostart  bool

	ring           string
	ringAddress    string
	ringName       string
	serialPort     string
	baudRate       int
	dataBits       int
	stopBits       int
	parity         string
	replayPath     string
	replayInterval time.Duration
	simBPM         int

	companion        bool
	companionAddress string
	companionName    string

	natsURL    string
	natsPrefix string

	debug bool
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the ring and serve the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.listen, "listen", defaultListen, "HTTP listen address")
	fl.StringVar(&f.dbPath, "db", defaultDBPath, "SQLite database path; empty disables presets and the device registry")
	fl.StringVar(&f.configPath, "config", "", "settings JSON file (see "+config.DefaultConfigPath+")")
	fl.BoolVar(&f.watch, "watch", false, "reload --config when it changes")
	fl.StringVar(&f.tracksDir, "tracks", "", "directory of audio files to schedule")
	fl.BoolVar(&f.tone, "tone", false, "add a generated test tone to the library")
	fl.Int64Var(&f.seed, "seed", 0, "random seed for reproducible scheduling (0 uses the config seed or a random one)")
	fl.BoolVar(&f.autostart, "autostart", false, "start the soundscape once the library is loaded")

	fl.StringVar(&f.ring, "ring", ringBLE, "ring link: ble, serial, sim, replay or none")
	fl.StringVar(&f.ringAddress, "ring-address", "", "BLE address of the ring")
	fl.StringVar(&f.ringName, "ring-name", "", "advertised name prefix of the ring")
	fl.StringVar(&f.serialPort, "port", "/dev/ttyUSB0", "serial port of the BLE bridge (--ring=serial)")
	fl.IntVar(&f.baudRate, "baud", linkmux.DefaultBaudRate, "bridge baud rate (--ring=serial)")
	fl.IntVar(&f.dataBits, "data-bits", 8, "bridge data bits (--ring=serial)")
	fl.IntVar(&f.stopBits, "stop-bits", 1, "bridge stop bits (--ring=serial)")
	fl.StringVar(&f.parity, "parity", "N", "bridge parity: N, E or O (--ring=serial)")
	fl.StringVar(&f.replayPath, "replay", "", "frame capture to replay (--ring=replay)")
	fl.DurationVar(&f.replayInterval, "replay-interval", defaultReplay, "delay between replayed frames")
	fl.IntVar(&f.simBPM, "sim-bpm", 72, "heart rate of the simulated ring (--ring=sim)")

	fl.BoolVar(&f.companion, "companion", false, "connect to the vibration companion over BLE")
	fl.StringVar(&f.companionAddress, "companion-address", "", "BLE address of the companion")
	fl.StringVar(&f.companionName, "companion-name", ble.DefaultCompanionName, "advertised name prefix of the companion")

	fl.StringVar(&f.natsURL, "nats", "", "NATS server URL for publishing telemetry and narration")
	fl.StringVar(&f.natsPrefix, "nats-prefix", publish.DefaultPrefix, "NATS subject prefix")

	fl.BoolVar(&f.debug, "debug", false, "write diagnostic logs to stderr")
	return cmd
}

func (f *runFlags) validate() error {
	switch f.ring {
	case ringBLE, ringSim, ringNone:
	case ringSerial:
		if _, err := f.portOptions().Normalize(); err != nil {
			return err
		}
	case ringReplay:
		if f.replayPath == "" {
			return errors.New("--ring=replay needs --replay")
		}
	default:
		return fmt.Errorf("unknown --ring %q (want ble, serial, sim, replay or none)", f.ring)
	}
	if f.watch && f.configPath == "" {
		return errors.New("--watch needs --config")
	}
	return nil
}

func (f *runFlags) portOptions() linkmux.PortOptions {
	return linkmux.PortOptions{BaudRate: f.baudRate, DataBits: f.dataBits, StopBits: f.stopBits, Parity: f.parity}
}

// ringDeviceAddress is the device registry key for the configured ring link.
func (f *runFlags) ringDeviceAddress() string {
	switch f.ring {
	case ringSerial:
		return f.serialPort
	case ringReplay:
		return f.replayPath
	case ringSim:
		return "sim"
	}
	if f.ringAddress != "" {
		return f.ringAddress
	}
	if f.ringName != "" {
		return "name:" + f.ringName
	}
	return "auto"
}

// ringDialer builds the link source selected by --ring. A nil Dialer means
// run without a ring.
func (f *runFlags) ringDialer(rng *rand.Rand) (linkmux.Dialer, error) {
	switch f.ring {
	case ringBLE:
		return ble.RingDialer(bluetooth.DefaultAdapter, ble.RingOptions{
			Match: ble.Match{Address: f.ringAddress, Name: f.ringName},
		}), nil
	case ringSerial:
		return linkmux.SerialDialer(f.serialPort, f.portOptions()), nil
	case ringSim:
		return linkmux.SimDialer(linkmux.SimOptions{Rand: rng, BPM: f.simBPM}), nil
	case ringReplay:
		return linkmux.ReplayDialer(f.replayPath, f.replayInterval, nil)
	}
	return nil, nil
}

// loadSettings layers --config over the defaults, then the active preset
// over both. The --seed flag wins over any stored seed.
func (f *runFlags) loadSettings(store *db.DB) (*config.Settings, error) {
	settings := config.DefaultSettings()
	if f.configPath != "" {
		loaded, err := config.LoadSettings(f.configPath)
		if err != nil {
			return nil, err
		}
		settings = settings.Merge(loaded)
	}
	if store != nil {
		active, err := store.ActivePreset()
		if err != nil {
			return nil, fmt.Errorf("active preset: %w", err)
		}
		if active != nil {
			log.Printf("Applying preset %q", active.Name)
			settings = settings.Merge(active.Settings)
		}
	}
	if f.seed != 0 {
		settings = settings.Merge(&config.Settings{Seed: &f.seed})
	}
	return settings, nil
}

// Each consumer gets its own stream; *rand.Rand is not safe for
// concurrent use.
const (
	streamEngine uint64 = iota + 1
	streamCompanion
	streamSim
)

// newRand seeds from settings when a seed is set so runs can be replayed.
func newRand(settings *config.Settings, stream uint64) *rand.Rand {
	if seed, ok := settings.GetSeed(); ok {
		return rand.New(rand.NewPCG(uint64(seed), stream))
	}
	return rand.New(rand.NewPCG(rand.Uint64(), stream))
}

func (f *runFlags) loadLibrary() (*library.Library, error) {
	lib := library.New()
	if f.tracksDir != "" {
		blobs, err := library.ReadDir(f.tracksDir)
		if err != nil {
			return nil, err
		}
		if err := lib.Load(blobs); err != nil {
			return nil, err
		}
	}
	if f.tone {
		tracks := append(lib.Tracks(), library.ToneTrack("tone-a3", sampleRate, toneSeconds, 220))
		lib = library.New(tracks...)
	}
	log.Printf("Library loaded: %d tracks", lib.Len())
	return lib, nil
}

func run(ctx context.Context, f *runFlags) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !f.debug {
		linkmux.SetLogWriters(log.Writer(), io.Discard, io.Discard)
		ring.SetLogWriters(log.Writer(), io.Discard, io.Discard)
	}

	var store *db.DB
	if f.dbPath != "" {
		var err error
		if store, err = db.NewDB(f.dbPath); err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()
	}

	settings, err := f.loadSettings(store)
	if err != nil {
		return err
	}

	lib, err := f.loadLibrary()
	if err != nil {
		return err
	}

	feed := monitoring.NewFeed(narrationLines, nil)
	defer feed.Close()

	mixer := mixgraph.NewMixer(nil, sampleRate)
	if err := mixer.Open(); err != nil {
		log.Printf("Audio output unavailable, scheduling silently: %v", err)
	}
	defer mixer.Close()
	graph := mixgraph.NewRecorder(mixer, recorderLimit)

	es := settings.Engine()
	eng := engine.New(graph, lib, engine.Options{Rand: newRand(settings, streamEngine), Narrate: feed.Say, Settings: &es})
	defer eng.Stop()

	dispatcher := &telemetry.Dispatcher{}
	vitals := state.New(nil, state.Options{
		Window:      settings.GetHRWindow(),
		StaleAfter:  settings.GetHRStaleAfter(),
		MotionAlpha: settings.GetMotionAlpha(),
	})
	vitals.AddListener(eng)
	defer vitals.Attach(dispatcher)()

	dial, err := f.ringDialer(newRand(settings, streamSim))
	if err != nil {
		return err
	}
	var links *linkmux.Mux
	if dial == nil {
		links = linkmux.NewDisabledMux()
	} else {
		links = linkmux.NewMux(dial, nil)
	}
	defer links.Close()

	session := ring.NewSession(links, dispatcher, ring.Options{
		HRInterval:     settings.GetHRRequestInterval(),
		KeepAlive:      settings.GetKeepAliveInterval(),
		HRRefreshAfter: settings.GetHRRefreshAfter(),
		AutoRaw:        true,
		OnReconnect:    vitals.Reset,
		Narrate:        feed.Say,
	})
	defer session.Stop()
	links.Handle(session.HandleNotification)
	links.Watch(session.SetConnected)
	if store != nil {
		links.Watch(func(up bool) {
			if !up {
				return
			}
			if _, err := store.RecordConnect(db.DeviceRing, f.ringDeviceAddress(), f.ringName, time.Now()); err != nil {
				log.Printf("Failed to record ring connect: %v", err)
			}
		})
	}

	// The status endpoint distinguishes "no companion" from a nil pointer.
	var companionAPI api.Companion
	if f.companion {
		ctrl, err := connectCompanion(ctx, f, settings, newRand(settings, streamCompanion), feed, store)
		if err != nil {
			log.Printf("Companion unavailable: %v", err)
		} else {
			defer ctrl.Close()
			companionAPI = ctrl
		}
	}

	if f.natsURL != "" {
		nc, err := publish.Connect(f.natsURL, "pulsebed")
		if err != nil {
			log.Printf("NATS unavailable, not publishing: %v", err)
		} else {
			defer nc.Drain()
			pub := publish.New(nc, f.natsPrefix, nil)
			defer pub.Attach(dispatcher)()
			defer pub.Follow(feed)()
			log.Printf("Publishing to %s under %q", f.natsURL, f.natsPrefix)
		}
	}

	srv := api.NewServer(api.Options{
		Engine:    eng,
		Vitals:    vitals,
		Ring:      session,
		Companion: companionAPI,
		DB:        store,
		Feed:      feed,
		Settings:  settings,
	})
	mux := srv.ServeMux()
	links.AttachAdminRoutes(mux)
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			return err
		}
	}
	attachEngineRoutes(mux, eng, lib, mixer, graph)

	if f.autostart {
		if err := eng.Start(); err != nil {
			log.Printf("Autostart failed: %v", err)
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := links.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ring link stopped: %v", err)
		}
	}()

	if f.watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.Watch(ctx, f.configPath, func(s *config.Settings) {
				log.Printf("Reloaded %s", f.configPath)
				srv.ApplySettings(s)
			})
			if err != nil {
				log.Printf("config watch stopped: %v", err)
			}
		}()
	}

	server := &http.Server{
		Addr:    f.listen,
		Handler: api.LoggingMiddleware(mux),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	log.Printf("pulsebed %s listening on %s (ring=%s)", version.Version, f.listen, f.ring)

	<-ctx.Done()
	log.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
	return nil
}

func connectCompanion(ctx context.Context, f *runFlags, settings *config.Settings, rng *rand.Rand, feed *monitoring.Feed, store *db.DB) (*companion.Controller, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	t, err := ble.ConnectCompanion(connectCtx, bluetooth.DefaultAdapter, ble.Match{
		Address: f.companionAddress,
		Name:    f.companionName,
	})
	if err != nil {
		return nil, err
	}
	if store != nil {
		addr := f.companionAddress
		if addr == "" {
			addr = "name:" + f.companionName
		}
		if _, err := store.RecordConnect(db.DeviceCompanion, addr, f.companionName, time.Now()); err != nil {
			log.Printf("Failed to record companion connect: %v", err)
		}
	}
	return companion.NewController(t, companion.Options{
		Rand:        rng,
		Gap:         settings.GetCompanionGap(),
		BatteryPoll: settings.GetBatteryPollInterval(),
		OnBattery: func(percent int, ok bool) {
			if ok {
				monitoring.Logf("companion battery %d%%", percent)
			}
		},
		OnError: func(err error) { feed.Sayf("Companion error: %v", err) },
		Narrate: feed.Say,
	}), nil
}

// attachEngineRoutes adds the scheduler's pages to /debug/.
func attachEngineRoutes(mux *http.ServeMux, eng *engine.Engine, lib *library.Library, mixer *mixgraph.Mixer, graph *mixgraph.Recorder) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Engine state", func() any { return eng.State().String() })
	debug.KVFunc("Build", func() any { return version.String() })
	debug.KVFunc("Library", func() any { return strings.Join(lib.Names(), ", ") })
	debug.HandleFunc("voices", "Voices playing now", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		now := time.Now()
		for _, v := range mixer.Voices(now) {
			name := "-"
			if t := v.Track(); t != nil {
				name = t.Name
			}
			fmt.Fprintf(w, "%s %s rate=%.3f gain=%.3f offset=%s\n", v.ID(), name, v.Rate(), v.Gain().ValueAt(now), v.Offset())
		}
	})
	debug.HandleFunc("mixgraph", "Recent audio graph commands", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, c := range graph.Commands() {
			fmt.Fprintln(w, c.String())
		}
	})
}
