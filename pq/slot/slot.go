package slot

import (
	"context"
	goerrors "errors"
	"fmt"

	"github.com/go-playground/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/vskurikhin/go-pg-sync/internal/metric"
	"github.com/vskurikhin/go-pg-sync/logger"
	"github.com/vskurikhin/go-pg-sync/pq"
)

var (
	ErrSlotNotExists  = goerrors.New("replication slot does not exist")
	ErrPluginMismatch = goerrors.New("replication slot is bound to a different decoding plugin")
	ErrSlotInUse      = goerrors.New("replication slot is in use by another consumer")
)

var typeMap = pgtype.NewMap()

// Slot observes, creates and attaches the engine's logical replication slot.
// The slot itself persists in the source database across runs.
type Slot struct {
	conn      pq.Connection
	metric    metric.Metric
	statusSQL string
	name      string
}

func NewSlot(conn pq.Connection, name string, m metric.Metric) *Slot {
	query := fmt.Sprintf("SELECT slot_name, plugin, slot_type, active, active_pid, restart_lsn, confirmed_flush_lsn, wal_status, PG_CURRENT_WAL_LSN() AS current_lsn FROM pg_replication_slots WHERE slot_name = '%s';", name)

	return &Slot{
		conn:      conn,
		metric:    m,
		statusSQL: query,
		name:      name,
	}
}

// Attach resolves the slot for this run: reuse a compatible existing slot,
// create one when allowed, fail on plugin mismatch or a concurrent consumer.
func (s *Slot) Attach(ctx context.Context, createIfNotExists bool) (*Info, error) {
	info, err := s.Info(ctx)
	if err != nil {
		if !goerrors.Is(err, ErrSlotNotExists) {
			return nil, errors.Wrap(err, "replication slot info")
		}
		if !createIfNotExists {
			return nil, err
		}
		return s.create(ctx)
	}

	if info.Plugin != Plugin {
		return nil, errors.Wrap(ErrPluginMismatch, fmt.Sprintf("slot %s uses %s, need %s", s.name, info.Plugin, Plugin))
	}

	if info.Active {
		return nil, errors.Wrap(ErrSlotInUse, fmt.Sprintf("slot %s held by pid %d", s.name, info.ActivePID))
	}

	logger.Info("replication slot reused", "name", s.name, "restartLSN", info.RestartLSN.String())
	return info, nil
}

func (s *Slot) create(ctx context.Context) (*Info, error) {
	sql := fmt.Sprintf("CREATE_REPLICATION_SLOT %s LOGICAL %s", s.name, Plugin)
	resultReader := s.conn.Exec(ctx, sql)
	if _, err := resultReader.ReadAll(); err != nil {
		return nil, errors.Wrap(err, "replication slot create result")
	}

	if err := resultReader.Close(); err != nil {
		return nil, errors.Wrap(err, "replication slot create result reader close")
	}

	logger.Info("replication slot created", "name", s.name, "plugin", Plugin)

	return s.Info(ctx)
}

func (s *Slot) Info(ctx context.Context) (*Info, error) {
	resultReader := s.conn.Exec(ctx, s.statusSQL)
	results, err := resultReader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "replication slot info result")
	}

	if len(results) == 0 || len(results[0].Rows) == 0 {
		return nil, ErrSlotNotExists
	}

	slotInfo, err := decodeSlotInfoResult(results[0])
	if err != nil {
		return nil, errors.Wrap(err, "replication slot info result decode")
	}

	if slotInfo.Type != Logical {
		return nil, errors.Newf("'%s' replication slot must be logical but it is %s", slotInfo.Name, slotInfo.Type)
	}

	return slotInfo, nil
}

// PublishMetrics pushes the latest slot observability gauges.
func (s *Slot) PublishMetrics(ctx context.Context) {
	slotInfo, err := s.Info(ctx)
	if err != nil {
		logger.Error("slot metrics", "error", err)
		return
	}

	s.metric.SetSlotActivity(slotInfo.Active)
	s.metric.SetSlotCurrentLSN(float64(slotInfo.CurrentLSN))
	s.metric.SetSlotConfirmedFlushLSN(float64(slotInfo.ConfirmedFlushLSN))
	s.metric.SetSlotRetainedWALSize(float64(slotInfo.RetainedWALSize))
	s.metric.SetSlotLag(float64(slotInfo.Lag))
}

func decodeSlotInfoResult(result *pgconn.Result) (*Info, error) {
	var slotInfo Info
	for i, fd := range result.FieldDescriptions {
		v, err := decodeTextColumnData(result.Rows[0][i], fd.DataTypeOID)
		if err != nil {
			return nil, err
		}

		if v == nil {
			continue
		}

		switch fd.Name {
		case "slot_name":
			slotInfo.Name = v.(string)
		case "plugin":
			slotInfo.Plugin = v.(string)
		case "slot_type":
			slotInfo.Type = Type(v.(string))
		case "active":
			slotInfo.Active = v.(bool)
		case "active_pid":
			slotInfo.ActivePID = v.(int32)
		case "restart_lsn":
			slotInfo.RestartLSN, _ = pq.ParseLSN(v.(string))
		case "confirmed_flush_lsn":
			slotInfo.ConfirmedFlushLSN, _ = pq.ParseLSN(v.(string))
		case "wal_status":
			slotInfo.WalStatus = v.(string)
		case "current_lsn":
			slotInfo.CurrentLSN, _ = pq.ParseLSN(v.(string))
		}
	}

	slotInfo.RetainedWALSize = slotInfo.CurrentLSN - slotInfo.RestartLSN
	slotInfo.Lag = slotInfo.CurrentLSN - slotInfo.ConfirmedFlushLSN

	return &slotInfo, nil
}

func decodeTextColumnData(data []byte, dataType uint32) (interface{}, error) {
	if dt, ok := typeMap.TypeForOID(dataType); ok {
		return dt.Codec.DecodeValue(typeMap, dataType, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}
