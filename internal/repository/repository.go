// Package repository is the pgx/v5-based persistence layer over
// TimescaleDB/PostgreSQL: vehicle, vehicle_history (a hypertable
// partitioned on recorded_at), and vehicle_last_location. It is
// standardized on pgx/v5 + pgxpool (matching the teacher's go.mod and
// cmd/server/main.go), generalizing the hypertable/compression/
// retention DDL style the teacher's internal/repository used over
// database/sql + lib/pq.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleettrack/ingestion-core/internal/models"
)

const (
	vehicleTable      = "vehicle"
	historyTable      = "vehicle_history"
	lastLocationTable = "vehicle_last_location"
)

// Config configures hypertable chunking, compression, and retention for
// vehicle_history, mirroring the teacher's RepositoryConfig shape.
type Config struct {
	Schema             string
	ChunkInterval      time.Duration
	CompressionEnabled bool
	RetentionEnabled   bool
	RetentionPeriod    time.Duration
}

// Repository wraps a pgxpool.Pool and provides the ingestion core's
// vehicle/history/last-location persistence operations.
type Repository struct {
	pool *pgxpool.Pool
	cfg  Config
}

// New constructs a Repository and ensures its schema exists.
func New(ctx context.Context, pool *pgxpool.Pool, cfg Config) (*Repository, error) {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	r := &Repository{pool: pool, cfg: cfg}
	if err := r.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return r, nil
}

func (r *Repository) qualify(table string) string {
	return fmt.Sprintf(`"%s"."%s"`, r.cfg.Schema, table)
}

func (r *Repository) initSchema(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, r.cfg.Schema),
		`CREATE EXTENSION IF NOT EXISTS timescaledb`,
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			imei TEXT PRIMARY KEY,
			device_id TEXT,
			vehicle_number TEXT,
			vehicle_id TEXT UNIQUE NOT NULL
		)`, r.qualify(vehicleTable)),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_device_id ON %s (device_id) WHERE device_id IS NOT NULL`, vehicleTable, r.qualify(vehicleTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			vehicle_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			imei TEXT NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			speed DOUBLE PRECISION,
			heading DOUBLE PRECISION,
			ignition TEXT,
			status TEXT,
			vehicle_status TEXT,
			gsm_strength INTEGER,
			raw_timestamp TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			additional_data TEXT,
			geo GEOGRAPHY(Point, 4326) NOT NULL
		)`, r.qualify(historyTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			imei TEXT,
			device_id TEXT,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			speed DOUBLE PRECISION,
			heading DOUBLE PRECISION,
			status TEXT,
			ignition TEXT,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (imei, device_id)
		)`, r.qualify(lastLocationTable)),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}

	chunkInterval := r.cfg.ChunkInterval
	if chunkInterval <= 0 {
		chunkInterval = 24 * time.Hour
	}
	// create_hypertable and policy calls may legitimately fail once the
	// table is already a hypertable or the policy already exists; these
	// are advisory and not fatal to startup, matching the teacher's
	// best-effort handling of the same calls.
	hypertableSQL := fmt.Sprintf(
		`SELECT create_hypertable('%s', 'recorded_at', chunk_time_interval => INTERVAL '%d seconds', if_not_exists => TRUE)`,
		r.qualify(historyTable), int64(chunkInterval.Seconds()),
	)
	_, _ = tx.Exec(ctx, hypertableSQL)

	if r.cfg.CompressionEnabled {
		_, _ = tx.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s SET (timescaledb.compress)`, r.qualify(historyTable)))
		_, _ = tx.Exec(ctx, fmt.Sprintf(`SELECT add_compression_policy('%s', INTERVAL '7 days')`, r.qualify(historyTable)))
	}
	if r.cfg.RetentionEnabled {
		period := r.cfg.RetentionPeriod
		if period <= 0 {
			period = 90 * 24 * time.Hour
		}
		_, _ = tx.Exec(ctx, fmt.Sprintf(`SELECT add_retention_policy('%s', INTERVAL '%d seconds')`, r.qualify(historyTable), int64(period.Seconds())))
	}

	spatialIdxSQL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_geo ON %s USING GIST (geo)`, historyTable, r.qualify(historyTable))
	if _, err := tx.Exec(ctx, spatialIdxSQL); err != nil {
		return fmt.Errorf("create spatial index: %w", err)
	}

	return tx.Commit(ctx)
}

// VehicleByIMEI resolves a Vehicle row by its imei key.
func (r *Repository) VehicleByIMEI(ctx context.Context, imei string) (*models.Vehicle, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT imei, COALESCE(device_id,''), vehicle_number, vehicle_id FROM %s WHERE imei = $1`, r.qualify(vehicleTable)), imei)
	v := &models.Vehicle{}
	if err := row.Scan(&v.IMEI, &v.DeviceID, &v.VehicleNumber, &v.VehicleID); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// BindDeviceID persists the first-time device binding for a vehicle
// (I3): it only succeeds if device_id is currently null or already
// equal to deviceID.
func (r *Repository) BindDeviceID(ctx context.Context, imei, deviceID string) error {
	cmdTag, err := r.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET device_id = $1 WHERE imei = $2 AND (device_id IS NULL OR device_id = $1)`,
		r.qualify(vehicleTable)), deviceID, imei)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return models.ErrDeviceIDMismatch
	}
	return nil
}

// BatchSaveHistory bulk-inserts HistoryRecords using pgx.Batch, in the
// style of the teacher's BatchSaveLocations, falling back to
// per-record insert within a new transaction on bulk failure.
func (r *Repository) BatchSaveHistory(ctx context.Context, records []*models.HistoryRecord) (saved, failed int, err error) {
	if len(records) == 0 {
		return 0, 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, len(records), err
	}

	insertSQL := fmt.Sprintf(`INSERT INTO %s
		(id, vehicle_id, device_id, imei, latitude, longitude, speed, heading, ignition, status, vehicle_status, gsm_strength, raw_timestamp, recorded_at, additional_data, geo)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, ST_SetSRID(ST_Point($6,$5),4326)::geography)`,
		r.qualify(historyTable))

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(insertSQL,
			rec.ID, rec.VehicleID, rec.DeviceID, rec.IMEI, rec.Latitude, rec.Longitude,
			rec.Speed, rec.Heading, rec.Ignition, rec.Status, rec.VehicleStatus, rec.GSMStrength,
			rec.RawTimestamp, rec.RecordedAt, rec.AdditionalData,
		)
	}

	br := tx.SendBatch(ctx, batch)
	bulkErr := func() error {
		for range records {
			if _, execErr := br.Exec(); execErr != nil {
				return execErr
			}
		}
		return nil
	}()
	closeErr := br.Close()
	if bulkErr == nil && closeErr == nil {
		if err := tx.Commit(ctx); err != nil {
			return 0, len(records), err
		}
		return len(records), 0, nil
	}

	_ = tx.Rollback(ctx)
	return r.saveHistoryIndividually(ctx, records, insertSQL)
}

func (r *Repository) saveHistoryIndividually(ctx context.Context, records []*models.HistoryRecord, insertSQL string) (saved, failed int, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, len(records), err
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		_, execErr := tx.Exec(ctx, insertSQL,
			rec.ID, rec.VehicleID, rec.DeviceID, rec.IMEI, rec.Latitude, rec.Longitude,
			rec.Speed, rec.Heading, rec.Ignition, rec.Status, rec.VehicleStatus, rec.GSMStrength,
			rec.RawTimestamp, rec.RecordedAt, rec.AdditionalData,
		)
		if execErr != nil {
			failed++
			continue
		}
		saved++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, len(records), err
	}
	return saved, failed, nil
}

// UpsertLastLocation writes the latest location for a vehicle as one
// upsert keyed on the (imei, device_id) pair; an existing row is updated
// only when its updated_at is older than the incoming timestamp. Rows
// are not looked up by imei alone or by deviceId alone.
func (r *Repository) UpsertLastLocation(ctx context.Context, loc *models.LastLocation) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (imei, device_id, latitude, longitude, speed, heading, status, ignition, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (imei, device_id) DO UPDATE SET
			latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
			speed = EXCLUDED.speed, heading = EXCLUDED.heading,
			status = EXCLUDED.status, ignition = EXCLUDED.ignition,
			updated_at = EXCLUDED.updated_at
		WHERE %s.updated_at < EXCLUDED.updated_at`,
		r.qualify(lastLocationTable), r.qualify(lastLocationTable)),
		loc.IMEI, loc.DeviceID, loc.Latitude, loc.Longitude, loc.Speed, loc.Heading, loc.Status, loc.Ignition, loc.Timestamp,
	)
	return err
}

// ManageRetention deletes vehicle_history rows older than the
// configured retention period, the pgx equivalent of the teacher's
// manageRetention compress/delete pass.
func (r *Repository) ManageRetention(ctx context.Context) error {
	if !r.cfg.RetentionEnabled {
		return nil
	}
	period := r.cfg.RetentionPeriod
	if period <= 0 {
		period = 90 * 24 * time.Hour
	}
	_, err := r.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE recorded_at < NOW() - INTERVAL '%d seconds'`,
		r.qualify(historyTable), int64(period.Seconds())))
	return err
}

// Close releases the underlying connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}
