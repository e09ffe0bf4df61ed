// Command embusd launches a demonstration bus runtime: it wires telemetry,
// starts a bus from configuration, and exercises it with sample publishers and
// listeners until a shutdown signal arrives.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/kestrelworks/embus/config"
	"github.com/kestrelworks/embus/core/bus"
	"github.com/kestrelworks/embus/core/events"
	"github.com/kestrelworks/embus/internal/observability"
	"github.com/kestrelworks/embus/internal/telemetry"
)

const (
	defaultConfigPath  = "config/bus.yaml"
	busLoggerPrefix    = "embusd "
	shutdownTimeout    = 10 * time.Second
	publishInterval    = 250 * time.Millisecond
	topicSensorReading = events.Topic(1)
	topicHeartbeat     = events.Topic(2)
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newBusLogger()
	observability.SetLogger(observability.NewStdLogger(logger, os.Getenv("EMBUS_DEBUG") != ""))

	cfg, loadedFromFile, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: topics=%d, inbox=%d", cfg.TopicCount, cfg.InboxDepth)

	telemetryProvider, err := initTelemetry(ctx, logger)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	b, err := bus.New(cfg)
	if err != nil {
		logger.Fatalf("initialise bus: %v", err)
	}

	var lifecycle conc.WaitGroup
	startDemoListeners(ctx, &lifecycle, logger, b)
	startDemoPublishers(ctx, &lifecycle, logger, b)

	logger.Print("bus started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	lifecycle.Wait()

	if table, err := b.ListenerTable(); err == nil {
		logger.Printf("final listener table:\n%s", table)
	}
	if latency, err := b.LatencyTable(); err == nil {
		logger.Printf("per-topic latency:\n%s", latency)
	}
	for _, info := range b.PoolStats() {
		logger.Printf("pool %s: in_use=%d high_water=%d", info.Name, info.InUse, info.HighWater)
	}

	if err := b.Close(shutdownCtx); err != nil {
		logger.Printf("bus shutdown: %v", err)
	}
	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	logger.Print("shutdown completed")
}

func parseFlags() string {
	cfgPath := flag.String("config", defaultConfigPath, fmt.Sprintf("Path to bus configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newBusLogger() *log.Logger {
	return log.New(os.Stdout, busLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger) (*telemetry.Provider, error) {
	cfg := telemetry.DefaultConfig()
	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func startDemoListeners(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, b *bus.Bus) {
	sensorLog := bus.NewCallbackListener("sensor-log", func(msg *events.Message) {
		if len(msg.Payload) >= 4 {
			logger.Printf("sensor reading: %d", binary.BigEndian.Uint32(msg.Payload))
		}
	})
	if err := b.Attach(sensorLog); err != nil {
		logger.Fatalf("attach sensor-log: %v", err)
	}
	if err := b.SubscribeOne(sensorLog, topicSensorReading); err != nil {
		logger.Fatalf("subscribe sensor-log: %v", err)
	}

	heartbeats := bus.NewQueueListener("heartbeat-sink", 16, 0)
	if err := b.Attach(heartbeats); err != nil {
		logger.Fatalf("attach heartbeat-sink: %v", err)
	}
	if err := b.SubscribeOne(heartbeats, topicHeartbeat); err != nil {
		logger.Fatalf("subscribe heartbeat-sink: %v", err)
	}

	lifecycle.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-heartbeats.Queue():
				logger.Printf("heartbeat from publisher %d", msg.PublisherID)
				b.ReleaseEvent(msg, heartbeats)
			}
		}
	})
}

func startDemoPublishers(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, b *bus.Bus) {
	lifecycle.Go(func() {
		ticker := time.NewTicker(publishInterval)
		defer ticker.Stop()
		reading := uint32(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reading++
				buf := make([]byte, 4)
				binary.BigEndian.PutUint32(buf, reading)
				// Retain the latest reading so late subscribers catch up.
				if err := b.Publish(events.NewMessage(topicSensorReading, buf), bus.Retain); err != nil {
					logger.Printf("publish sensor reading: %v", err)
					return
				}
			}
		}
	})

	lifecycle.Go(func() {
		ticker := time.NewTicker(publishInterval * 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				msg := b.AllocEventOwned(0, topicHeartbeat, 0x001)
				if msg == nil {
					logger.Print("heartbeat pool exhausted")
					continue
				}
				if err := b.PublishWithRetry(ctx, msg, bus.NoRetain, time.Second); err != nil {
					logger.Printf("publish heartbeat: %v", err)
				}
				b.ReleaseEvent(msg, nil)
			}
		}
	})
}
