package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hmelgaard/oceandash/internal/aanderaa"
	"github.com/hmelgaard/oceandash/internal/engine"
	"github.com/hmelgaard/oceandash/internal/recorder"
	"github.com/hmelgaard/oceandash/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/oceandash/config.yaml", "Path to config file")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	demo := flag.Bool("demo", false, "Run with simulated sensors instead of serial ports")
	scan := flag.Bool("scan", false, "Probe all serial ports, print a suggested config and exit")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	if *scan {
		runScan()
		return
	}

	log.Println("[main] oceandash starting")

	cfg := server.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	baselines := engine.OpenBaselineStore(cfg.ResolveStatePath())
	eng := engine.New(baselines, cfg.BaroKPa)
	rec := recorder.New(recorder.Config{
		Enabled: cfg.Recording.Enabled,
		Path:    cfg.Recording.Path,
	})
	defer rec.Close()

	sensors := buildSensors(cfg, *demo)
	if len(sensors) == 0 {
		log.Println("[main] no sensors configured; run with -scan to discover ports")
	}

	events := make(chan aanderaa.Event, 256)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for _, s := range sensors {
		wg.Add(1)
		go func(s *aanderaa.Sensor) {
			defer wg.Done()
			if !s.IsConnected() {
				if !connectWithRetry(ctx, s, 10) {
					return
				}
			}
			aanderaa.RunReader(stop, s, events)
		}(s)
	}

	go func() {
		<-ctx.Done()
		close(stop)
	}()

	srv := server.New(cfg, sensors, eng, baselines, rec)

	// Drain loop: batch whatever accumulated since the last tick, enrich,
	// record, broadcast.
	go func() {
		ticker := time.NewTicker(300 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			drain:
				for {
					select {
					case ev := <-events:
						eng.Process(&ev)
						rec.Record(&ev)
						srv.Broadcast(&ev)
					default:
						break drain
					}
				}
			}
		}
	}()

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
	// Whatever ended the server ends the readers too.
	cancel()

	wg.Wait()
	for _, s := range sensors {
		s.Disconnect()
	}
}

// buildSensors creates the sensor handles. In demo mode each configured (or
// default) channel is backed by a simulated port and connected immediately.
func buildSensors(cfg *server.Config, demo bool) []*aanderaa.Sensor {
	if demo {
		return buildDemoSensors()
	}

	var sensors []*aanderaa.Sensor
	for _, sc := range cfg.Sensors {
		sensors = append(sensors, aanderaa.NewSensor(aanderaa.Config{
			ComPort:  sc.ComPort,
			Name:     sc.Name,
			BaudRate: sc.BaudRate,
			Type:     aanderaa.ParseSensorType(sc.SensorType),
		}))
	}
	return sensors
}

func buildDemoSensors() []*aanderaa.Sensor {
	specs := []struct {
		port, product, serialNo string
		interval                time.Duration
	}{
		{"DEMO1", "4330", "55", 2 * time.Second},
		{"DEMO2", "5819", "143", 2 * time.Second},
		{"DEMO3", "4117B", "2378", 1 * time.Second},
	}

	var sensors []*aanderaa.Sensor
	for _, sp := range specs {
		s := aanderaa.NewSensor(aanderaa.Config{ComPort: sp.port})
		p := aanderaa.NewDemoPort(sp.product, sp.serialNo, sp.interval)
		if err := s.ConnectPort(p); err != nil {
			log.Printf("[%s] demo connect failed: %v", sp.port, err)
			continue
		}
		sensors = append(sensors, s)
	}
	return sensors
}

// runScan probes every serial port on the machine and prints a config
// fragment for the sensors that answered.
func runScan() {
	ports, err := aanderaa.ListPorts()
	if err != nil {
		log.Fatalf("[scan] list ports: %v", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return
	}
	fmt.Printf("Probing %d port(s)...\n", len(ports))

	sensors := aanderaa.IdentifyPorts()
	defer func() {
		for _, s := range sensors {
			s.Disconnect()
		}
	}()

	if len(sensors) == 0 {
		fmt.Println("No Aanderaa sensors identified.")
		return
	}

	for _, s := range sensors {
		fmt.Printf("  %s: %s (product %s, SN %s, %s)\n",
			s.ComPort(), s.Name(), s.ProductNumber(), s.SerialNumber(), s.Mode())
	}

	cfg := server.SuggestConfig(sensors)
	out, err := server.SuggestYAML(cfg)
	if err != nil {
		log.Fatalf("[scan] render config: %v", err)
	}
	fmt.Println("\nSuggested config:")
	fmt.Println(out)
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, s *aanderaa.Sensor, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		if err := s.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					s.ComPort(), attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					s.ComPort(), attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected as %s (attempt %d)", s.ComPort(), s.Name(), attempt+1)
			return true
		}
	}
}
