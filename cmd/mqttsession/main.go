// mqttsession is an interactive MQTT client.
//
// It keeps one broker session alive with a watchdog, prints every received
// message and accepts publish/subscribe commands on a readline prompt.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/rkek9501/MqttClient/internal/infrastructure/config"
	"github.com/rkek9501/MqttClient/internal/infrastructure/database"
	"github.com/rkek9501/MqttClient/internal/infrastructure/influxdb"
	"github.com/rkek9501/MqttClient/internal/infrastructure/logging"
	"github.com/rkek9501/MqttClient/internal/infrastructure/mqtt"
	"github.com/rkek9501/MqttClient/internal/journal"
	"github.com/rkek9501/MqttClient/internal/session"
	"github.com/rkek9501/MqttClient/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// defaultConfigPath is used when MQTTSESSION_CONFIG is not set.
	defaultConfigPath = "configs/config.yaml"

	// shutdownTimeout bounds the final disconnect, settle delay included.
	shutdownTimeout = 10 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	configPath, explicit := getConfigPath()
	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		HistoryLimit:    200,
	})
	if err != nil {
		return fmt.Errorf("starting console: %w", err)
	}
	defer rl.Close() //nolint:errcheck // Best effort terminal restore

	log := logging.NewWithWriter(cfg.Logging, version, rl.Stderr())
	log.Info("starting mqtt session client",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", configPath,
	)

	sm := session.NewStateMachine()

	// Telemetry (optional)
	var telemetry session.Telemetry
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB, cfg.Broker.ClientID)
		if influxErr != nil {
			log.Warn("influxdb unavailable, telemetry disabled", "error", influxErr)
		} else {
			defer func() {
				log.Info("closing influxdb")
				influxClient.Close() //nolint:errcheck // Close never fails
			}()
			influxClient.SetOnError(func(err error) {
				log.Warn("influxdb write failed", "error", err)
			})
			telemetry = influxClient
			log.Info("influxdb connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		}
	}

	// Journal (optional)
	var (
		history  journal.Repository
		recorder *journal.Recorder
	)
	if cfg.Journal.Enabled {
		db, dbErr := database.Open(ctx, database.Config{
			Path:        cfg.Journal.Path,
			WALMode:     cfg.Journal.WALMode,
			BusyTimeout: cfg.Journal.BusyTimeout,
		})
		if dbErr != nil {
			return fmt.Errorf("opening journal: %w", dbErr)
		}
		defer func() {
			log.Info("closing journal")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing journal", "error", closeErr)
			}
		}()

		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}

		repo := journal.NewSQLiteRepository(db.DB)
		history = repo
		recorder = journal.NewRecorder(repo, cfg.Broker.ClientID, log)
		log.Info("journal opened", "path", cfg.Journal.Path)
	}

	transport := mqtt.New()
	transport.SetLogger(log)

	disp := session.NewDispatcher(sm, session.DispatcherOptions{
		QueueSize: cfg.Session.QueueSize,
		Logger:    log,
		Telemetry: telemetry,
	})

	sess, err := session.New(transport, sm, disp, sessionOptions(cfg, log, telemetry))
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	disp.HandleMessages(session.ReportTo(rl.Stdout()))
	disp.HandleDisconnects(reportDisconnect(rl.Stdout()))
	if recorder != nil {
		recorder.Attach(sm, disp, sess)
	}

	wd := session.NewWatchdog(sm, sess, cfg.Session.WatchdogInterval, log)

	runCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
	}
	start(disp.Run)
	start(wd.Run)
	if recorder != nil {
		start(recorder.Run)
	}

	defer func() {
		shutdown(sess, sm, log)
		stop()
		wg.Wait()
		if recorder != nil {
			if dropped, failed := recorder.Stats(); dropped+failed > 0 {
				log.Warn("journal entries lost", "dropped", dropped, "failed", failed)
			}
		}
		log.Info("mqtt session client stopped")
	}()

	params := brokerParams(cfg)
	if connectErr := sess.Connect(ctx, params); connectErr != nil {
		fmt.Fprintf(rl.Stdout(), "Not Connected\n%v\n", connectErr)
	} else {
		fmt.Fprintln(rl.Stdout(), "connect!")
	}

	// Readline blocks outside of ctx; closing it is the only way out on a signal.
	go func() {
		<-runCtx.Done()
		rl.Close() //nolint:errcheck // Unblocks Readline
	}()

	c := &console{
		sess:       sess,
		sm:         sm,
		watchdog:   wd,
		dispatcher: disp,
		history:    history,
		params:     params,
		defaultQoS: session.QoS(cfg.Session.QoS), // #nosec G115 -- validated 0..2 by config
		out:        rl.Stdout(),
	}
	return c.loop(ctx, rl)
}

// getConfigPath returns the configuration file path.
// Checks MQTTSESSION_CONFIG environment variable first, then uses default.
// explicit reports whether the path came from the environment.
func getConfigPath() (path string, explicit bool) {
	if path := os.Getenv("MQTTSESSION_CONFIG"); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// loadConfig requires an explicitly named file to exist; the default file
// is optional.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if explicit {
		return config.Load(path)
	}
	return config.LoadOptional(path)
}

// brokerParams converts the broker section into session parameters.
func brokerParams(cfg *config.Config) session.Params {
	return session.Params{
		Host:           cfg.Broker.Host,
		Port:           cfg.Broker.Port,
		ClientID:       cfg.Broker.ClientID,
		Username:       cfg.Auth.Username,
		Password:       cfg.Auth.Password,
		TLS:            cfg.Broker.TLS,
		KeepAlive:      cfg.Broker.KeepAlive,
		PresencePrefix: cfg.Session.PresencePrefix,
	}
}

// sessionOptions converts the session section into session.Options.
func sessionOptions(cfg *config.Config, log session.Logger, telemetry session.Telemetry) session.Options {
	subs := make([]session.Subscription, 0, len(cfg.Session.Subscriptions))
	for _, s := range cfg.Session.Subscriptions {
		subs = append(subs, session.Subscription{
			Filter: s.Filter,
			QoS:    session.QoS(s.QoS), // #nosec G115 -- validated 0..2 by config
		})
	}

	return session.Options{
		Subscriptions:     subs,
		PublishQoS:        session.QoS(cfg.Session.QoS), // #nosec G115 -- validated 0..2 by config
		SettleDelay:       cfg.Session.SettleDelay,
		OperationTimeout:  cfg.Session.OperationTimeout,
		RetryFirstConnect: cfg.Session.RetryFirstConnect,
		StickyDisconnect:  cfg.Session.StickyDisconnect,
		Logger:            log,
		Telemetry:         telemetry,
	}
}

// reportDisconnect prints transport drops the way received messages are printed.
func reportDisconnect(w io.Writer) session.DisconnectHandler {
	return func(ev session.DisconnectEvent) {
		if !ev.Unexpected {
			fmt.Fprintln(w, "Disconnected!")
			return
		}
		if ev.Reason != nil {
			fmt.Fprintf(w, "[Disconnected] Reason %v\n", ev.Reason)
			return
		}
		fmt.Fprintln(w, "[Disconnected]")
	}
}

// shutdown disconnects unless the user already did.
func shutdown(sess *session.Session, sm *session.StateMachine, log *logging.Logger) {
	snap := sm.Snapshot()
	if snap.Status == session.StatusInit ||
		(snap.Status == session.StatusDisconnected && snap.Cause == session.CauseLocal) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info("disconnecting from MQTT")
	if err := sess.Disconnect(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("error disconnecting", "error", err)
	}
}
