package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/itohio/goqcm/pkg/config"
	"github.com/itohio/goqcm/pkg/connector"
	"github.com/itohio/goqcm/pkg/event"
	"github.com/itohio/goqcm/pkg/mqttsink"
	"github.com/itohio/goqcm/pkg/qcm"
)

func main() {
	var (
		portFlag    = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		configFlag  = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag    = flag.Bool("mock", false, "Use simulated device instead of serial port")
		nominalFlag = flag.Int("nominal", 0, "Quartz crystal nominal frequency in Hz (overrides config)")
		listFlag    = flag.Bool("list", false, "List serial ports and exit")
	)
	flag.Parse()

	if *listFlag {
		if err := listPorts(); err != nil {
			log.Fatal(err)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Override serial port if provided via command line
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}

	// Override nominal frequency if provided via command line
	if *nominalFlag > 0 {
		cfg.Conditioner.NominalFrequency = *nominalFlag
	}

	logger, logCloser, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mockFlag, logger); err != nil {
		logger.Error("exiting", slog.Any("error", err))
		stop()
		if logCloser != nil {
			logCloser.Close()
		}
		os.Exit(1)
	}
}

// run connects the device, negotiates its identity and streams conditioned
// values until ctx is done.
func run(ctx context.Context, cfg *config.Config, useMock bool, logger *slog.Logger) error {
	var device qcm.Device
	if useMock {
		device = qcm.NewMock(&cfg.Mock)
	} else {
		device = qcm.NewSerial(cfg.Serial.Port, cfg.Serial.BaudRate, logger)
	}

	if err := device.Connect(); err != nil {
		return err
	}
	defer device.Close()

	conn := connector.New(cfg, logger)
	conn.Subscribe(newValueLogger(logger))

	if cfg.MQTT.Enabled {
		publisher, err := mqttsink.Dial(ctx, cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		conn.Subscribe(publisher)
	}

	deviceID, err := conn.Attach(ctx, device)
	if err != nil {
		if errors.Is(err, connector.ErrTimeout) {
			return fmt.Errorf("device on %s did not answer: %w", cfg.Serial.Port, err)
		}
		return err
	}
	defer conn.Detach()

	logger.Info("monitoring",
		slog.String("device_id", deviceID),
		slog.Int("nominal_frequency", conn.NominalFrequency()),
	)

	<-ctx.Done()
	return nil
}

// newValueLogger logs every conditioned value.
func newValueLogger(logger *slog.Logger) event.Listener {
	return event.ListenerFunc(func(ev event.Event) error {
		logger.Info("value",
			slog.String("device_id", ev.SourceID),
			slog.Float64("frequency", ev.Value.Frequency),
			slog.Float64("temperature", ev.Value.Temperature),
		)
		return nil
	})
}

func listPorts() error {
	ports, err := qcm.Ports()
	if err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Println(p.Description)
	}
	return nil
}
