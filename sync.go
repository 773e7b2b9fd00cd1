package pgsync

import (
	"context"
	goerrors "errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vskurikhin/go-pg-sync/config"
	"github.com/vskurikhin/go-pg-sync/decode"
	"github.com/vskurikhin/go-pg-sync/internal/http"
	"github.com/vskurikhin/go-pg-sync/internal/metric"
	"github.com/vskurikhin/go-pg-sync/logger"
	"github.com/vskurikhin/go-pg-sync/pq"
	"github.com/vskurikhin/go-pg-sync/pq/connmgr"
	"github.com/vskurikhin/go-pg-sync/pq/replication"
	"github.com/vskurikhin/go-pg-sync/pq/slot"
	"github.com/vskurikhin/go-pg-sync/scan"
	"github.com/vskurikhin/go-pg-sync/state"
)

type Engine interface {
	Start(ctx context.Context) error
	WaitUntilReady(ctx context.Context) error
	Close()
	GetConfig() *config.Config
	SetMetricCollectors(collectors ...prometheus.Collector)
}

type engine struct {
	cfg                *config.Config
	streams            []scan.Stream
	writer             state.Writer
	manager            *connmgr.Manager
	capabilities       *connmgr.Capabilities
	decoder            *decode.Decoder
	emitter            *state.Emitter
	scanner            *scan.Scanner
	metric             metric.Metric
	prometheusRegistry metric.Registry
	server             http.Server
	slot               *slot.Slot
	slotName           string

	cancelCh chan os.Signal
	readyCh  chan struct{}
}

func NewEngineWithConfigFile(ctx context.Context, configFilePath string, streams []scan.Stream, writer state.Writer, initial map[string]state.Bookmark) (Engine, error) {
	var cfg config.Config
	var err error

	if strings.HasSuffix(configFilePath, ".json") {
		cfg, err = config.ReadConfigJSON(configFilePath)
	} else {
		cfg, err = config.ReadConfigYAML(configFilePath)
	}
	if err != nil {
		return nil, err
	}

	return NewEngine(ctx, cfg, streams, writer, initial)
}

// NewEngine wires one sync run: every shared resource is constructed here and
// passed down explicitly, never held in package state.
func NewEngine(_ context.Context, cfg config.Config, streams []scan.Stream, writer state.Writer, initial map[string]state.Bookmark) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation")
	}

	cfg.SetDefault()
	cfg.Print()

	logger.InitLogger(cfg.Logger.Logger)

	if writer == nil {
		return nil, errors.New("output writer is required")
	}

	slotName := cfg.Slot.ResolveName(cfg.Database)
	m := metric.NewMetric(slotName)

	manager := connmgr.NewManager(cfg.DSNFor)
	capabilities := connmgr.NewCapabilities(manager)
	decoder := decode.NewDecoder(manager, capabilities, m, cfg.ScanIdentity(), cfg.Decode.Permissive)
	emitter := state.NewEmitter(writer, m, initial, cfg.Logical.SnapshotInterval())
	scanner := scan.NewScanner(manager, cfg, m, decoder, emitter)
	prometheusRegistry := metric.NewRegistry(m)

	e := &engine{
		cfg:                &cfg,
		streams:            streams,
		writer:             writer,
		manager:            manager,
		capabilities:       capabilities,
		decoder:            decoder,
		emitter:            emitter,
		scanner:            scanner,
		metric:             m,
		prometheusRegistry: prometheusRegistry,
		slotName:           slotName,

		cancelCh: make(chan os.Signal, 1),
		readyCh:  make(chan struct{}, 1),
	}
	e.server = http.NewServer(cfg, prometheusRegistry, e)

	return e, nil
}

// Start runs every stream as a sequential, non-overlapping pass: cursor scans
// first, then the log-based pass. An error local to one stream never aborts
// its siblings. The final combined snapshot and the connection manager's
// disposal run on every exit path.
func (e *engine) Start(ctx context.Context) (err error) {
	signal.Notify(e.cancelCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		if _, ok := <-e.cancelCh; ok {
			logger.Info("stop signal received")
		}
		cancel()
	}()

	go e.server.Listen()

	runStart := time.Now()

	defer func() {
		e.manager.Dispose(context.Background())
		if ferr := e.emitter.Final(); ferr != nil {
			logger.Error("final snapshot", "error", ferr)
			if err == nil {
				err = ferr
			}
		}
	}()

	e.readyCh <- struct{}{}

	var failed []string

	for _, stream := range e.streams {
		if stream.Mode == scan.LogBased {
			continue
		}

		if ctx.Err() != nil {
			break
		}

		if serr := e.scanner.Sync(ctx, stream); serr != nil {
			logger.Error("stream sync failed", "stream", stream.ID(), "error", serr)
			failed = append(failed, stream.ID())
		}
	}

	if e.hasLogBasedStreams() && ctx.Err() == nil {
		if serr := e.runLogBased(ctx, runStart); serr != nil {
			logger.Error("log-based sync failed", "error", serr)
			failed = append(failed, "log-based")
		}
	}

	if len(failed) > 0 {
		return errors.Newf("sync run finished with failed streams: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (e *engine) runLogBased(ctx context.Context, runStart time.Time) error {
	conn, err := pq.NewConnection(ctx, e.cfg.ReplicationDSN())
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close(context.Background())
		logger.Info("replication connection closed")
	}()

	system, err := pq.IdentifySystem(ctx, conn)
	if err != nil {
		return err
	}
	logger.Info("system identification", "systemID", system.SystemID, "timeline", system.Timeline, "xLogPos", system.LoadXLogPos().String(), "database", system.Database)

	e.slot = slot.NewSlot(conn, e.slotName, e.metric)

	consumer := replication.NewConsumer(conn, *e.cfg, e.metric, e.decoder, e.emitter, e.slot, e.startLSN(), runStart)
	return consumer.Run(ctx)
}

// startLSN is the lowest LSN bookmark previously persisted for any log-based
// stream; streaming resumes there so no committed change is skipped.
func (e *engine) startLSN() pq.LSN {
	var start pq.LSN
	for _, stream := range e.streams {
		if stream.Mode != scan.LogBased {
			continue
		}

		b, ok := e.emitter.Bookmark(stream.ID())
		if !ok || b.LSN == nil {
			continue
		}
		if start == 0 || *b.LSN < start {
			start = *b.LSN
		}
	}
	return start
}

func (e *engine) hasLogBasedStreams() bool {
	for _, stream := range e.streams {
		if stream.Mode == scan.LogBased {
			return true
		}
	}
	return false
}

func (e *engine) WaitUntilReady(ctx context.Context) error {
	select {
	case <-e.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *engine) Close() {
	if !isClosed(e.cancelCh) {
		close(e.cancelCh)
	}
	if !isClosed(e.readyCh) {
		close(e.readyCh)
	}

	e.server.Shutdown()
}

func (e *engine) GetConfig() *config.Config {
	return e.cfg
}

func (e *engine) SetMetricCollectors(metricCollectors ...prometheus.Collector) {
	e.prometheusRegistry.AddMetricCollectors(metricCollectors...)
}

// Info satisfies the observability server's slot info endpoint; available
// once the log-based pass has attached the slot.
func (e *engine) Info(ctx context.Context) (*slot.Info, error) {
	if e.slot == nil {
		return nil, goerrors.New("replication slot not attached")
	}
	return e.slot.Info(ctx)
}

func isClosed[T any](ch <-chan T) bool {
	select {
	case <-ch:
		return true
	default:
	}

	return false
}
