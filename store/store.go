package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable record of rentals, processed commands, and telemetry
// samples. It is the source of truth across agent restarts: the orchestrator
// never allocates a GPU or starts a container unless the matching state
// change has been written here first.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

func NewStore(logger lager.Logger, dbPath string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, hostagent.NewError(hostagent.CodePersistence, "failed to open database: %s", err)
	}

	// sqlite allows one writer; a small pool covers concurrent readers.
	db.SetMaxOpenConns(4)

	s := &Store{db: db, clock: clk}

	if err := s.initTables(); err != nil {
		db.Close()
		return nil, hostagent.NewError(hostagent.CodePersistence, "failed to initialize tables: %s", err)
	}

	logger.Info("store-initialized", lager.Data{"path": dbPath})

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rentals (
		id TEXT PRIMARY KEY,
		gpu_type TEXT NOT NULL,
		gpu_id TEXT NOT NULL DEFAULT '',
		container_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		image TEXT NOT NULL DEFAULT '',
		instance_name TEXT NOT NULL DEFAULT '',
		auth_type TEXT NOT NULL DEFAULT '',
		credential TEXT NOT NULL DEFAULT '',
		port_mappings TEXT NOT NULL DEFAULT '{}',
		environment TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		duration INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		terminated_at INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_rentals_state ON rentals(state);
	CREATE INDEX IF NOT EXISTS idx_rentals_expires_at ON rentals(expires_at);

	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS gpu_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gpu_id TEXT NOT NULL,
		utilization REAL NOT NULL,
		vram_used INTEGER NOT NULL,
		temperature REAL NOT NULL,
		power_draw REAL NOT NULL,
		fan_speed REAL NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_gpu_metrics_recorded_at ON gpu_metrics(recorded_at);

	CREATE TABLE IF NOT EXISTS health_checks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		is_healthy INTEGER NOT NULL,
		status TEXT NOT NULL,
		temperature_ok INTEGER NOT NULL,
		power_ok INTEGER NOT NULL,
		network_ok INTEGER NOT NULL,
		storage_ok INTEGER NOT NULL,
		gpu_performance_score REAL NOT NULL,
		system_stability_score REAL NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_health_checks_recorded_at ON health_checks(recorded_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RentalUpdate carries the optional column changes applied alongside a state
// transition.
type RentalUpdate struct {
	ContainerID   *string
	PortMappings  map[string]string
	ExpiresAt     *time.Time
	TerminatedAt  *time.Time
	FailureReason *string
}

func (s *Store) CreateRental(logger lager.Logger, rental hostagent.Rental) error {
	ports, err := json.Marshal(orEmpty(rental.PortMappings))
	if err != nil {
		return persistenceErr("marshal port mappings", err)
	}
	env, err := json.Marshal(orEmpty(rental.Env))
	if err != nil {
		return persistenceErr("marshal environment", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO rentals
			(id, gpu_type, gpu_id, container_id, state, image, instance_name,
			 auth_type, credential, port_mappings, environment,
			 created_at, duration, expires_at, terminated_at, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, '')`,
		rental.ID, rental.GPUType, rental.GPUID, rental.ContainerID,
		string(rental.State), rental.Image, rental.InstanceName,
		string(rental.Auth.Type), rental.Auth.Credential,
		string(ports), string(env),
		rental.CreatedAt.UnixNano(), int64(rental.Duration),
	)
	if err != nil {
		logger.Error("failed-creating-rental", err, lager.Data{"rental-id": rental.ID})
		return persistenceErr("insert rental", err)
	}

	return nil
}

// TransitionRental moves a rental from one state to another, applying the
// update atomically. It fails with ErrInvalidTransition when the persisted
// state is not `from`, which is what makes concurrent terminate calls and
// sweeper overlap safe. expires_at is write-once.
func (s *Store) TransitionRental(logger lager.Logger, rentalID string, from, to hostagent.RentalState, update RentalUpdate) (hostagent.Rental, error) {
	if !from.CanTransitionTo(to) {
		return hostagent.Rental{}, hostagent.ErrInvalidTransition
	}

	tx, err := s.db.Begin()
	if err != nil {
		return hostagent.Rental{}, persistenceErr("begin transaction", err)
	}
	defer tx.Rollback()

	rental, err := scanRental(tx.QueryRow(selectRental+` WHERE id = ?`, rentalID))
	if err != nil {
		return hostagent.Rental{}, err
	}

	if rental.State != from {
		logger.Debug("rental-state-changed-underfoot", lager.Data{
			"rental-id": rentalID,
			"expected":  from,
			"actual":    rental.State,
		})
		return hostagent.Rental{}, hostagent.ErrInvalidTransition
	}

	rental.State = to
	if update.ContainerID != nil {
		rental.ContainerID = *update.ContainerID
	}
	if update.PortMappings != nil {
		rental.PortMappings = update.PortMappings
	}
	if update.ExpiresAt != nil && rental.ExpiresAt.IsZero() {
		rental.ExpiresAt = *update.ExpiresAt
	}
	if update.TerminatedAt != nil {
		rental.TerminatedAt = *update.TerminatedAt
	}
	if update.FailureReason != nil {
		rental.FailureReason = *update.FailureReason
	}

	ports, err := json.Marshal(orEmpty(rental.PortMappings))
	if err != nil {
		return hostagent.Rental{}, persistenceErr("marshal port mappings", err)
	}

	_, err = tx.Exec(`
		UPDATE rentals
		SET state = ?, container_id = ?, port_mappings = ?, expires_at = ?,
		    terminated_at = ?, failure_reason = ?
		WHERE id = ? AND state = ?`,
		string(rental.State), rental.ContainerID, string(ports),
		unixOrZero(rental.ExpiresAt), unixOrZero(rental.TerminatedAt),
		rental.FailureReason, rentalID, string(from),
	)
	if err != nil {
		logger.Error("failed-transitioning-rental", err, lager.Data{"rental-id": rentalID})
		return hostagent.Rental{}, persistenceErr("update rental", err)
	}

	if err := tx.Commit(); err != nil {
		return hostagent.Rental{}, persistenceErr("commit transaction", err)
	}

	return rental, nil
}

func (s *Store) LookupRental(logger lager.Logger, rentalID string) (hostagent.Rental, error) {
	return scanRental(s.db.QueryRow(selectRental+` WHERE id = ?`, rentalID))
}

// ActiveRentals returns every rental that has not reached a terminal state.
func (s *Store) ActiveRentals(logger lager.Logger) ([]hostagent.Rental, error) {
	return s.queryRentals(logger, selectRental+` WHERE state NOT IN (?, ?) ORDER BY created_at`,
		string(hostagent.RentalStateTerminated), string(hostagent.RentalStateFailed))
}

// ExpiredRentals returns running/ready rentals whose expires_at has passed.
func (s *Store) ExpiredRentals(logger lager.Logger, now time.Time) ([]hostagent.Rental, error) {
	return s.queryRentals(logger, selectRental+`
		WHERE state IN (?, ?) AND expires_at > 0 AND expires_at <= ?
		ORDER BY expires_at`,
		string(hostagent.RentalStateRunning), string(hostagent.RentalStateReady),
		now.UnixNano())
}

func (s *Store) queryRentals(logger lager.Logger, query string, args ...interface{}) ([]hostagent.Rental, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		logger.Error("failed-querying-rentals", err)
		return nil, persistenceErr("query rentals", err)
	}
	defer rows.Close()

	rentals := []hostagent.Rental{}
	for rows.Next() {
		rental, err := scanRental(rows)
		if err != nil {
			return nil, err
		}
		rentals = append(rentals, rental)
	}

	return rentals, rows.Err()
}

const selectRental = `
	SELECT id, gpu_type, gpu_id, container_id, state, image, instance_name,
	       auth_type, credential, port_mappings, environment,
	       created_at, duration, expires_at, terminated_at, failure_reason
	FROM rentals`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRental(row rowScanner) (hostagent.Rental, error) {
	var (
		rental                                  hostagent.Rental
		state, authType, ports, env             string
		createdAt, expiresAt, terminatedAt, dur int64
	)

	err := row.Scan(
		&rental.ID, &rental.GPUType, &rental.GPUID, &rental.ContainerID,
		&state, &rental.Image, &rental.InstanceName,
		&authType, &rental.Auth.Credential, &ports, &env,
		&createdAt, &dur, &expiresAt, &terminatedAt, &rental.FailureReason,
	)
	if err == sql.ErrNoRows {
		return hostagent.Rental{}, hostagent.ErrRentalNotFound
	}
	if err != nil {
		return hostagent.Rental{}, persistenceErr("scan rental", err)
	}

	rental.State = hostagent.RentalState(state)
	rental.Auth.Type = hostagent.AuthType(authType)
	rental.CreatedAt = time.Unix(0, createdAt)
	rental.Duration = time.Duration(dur)
	if expiresAt > 0 {
		rental.ExpiresAt = time.Unix(0, expiresAt)
	}
	if terminatedAt > 0 {
		rental.TerminatedAt = time.Unix(0, terminatedAt)
	}

	if err := json.Unmarshal([]byte(ports), &rental.PortMappings); err != nil {
		return hostagent.Rental{}, persistenceErr("unmarshal port mappings", err)
	}
	if err := json.Unmarshal([]byte(env), &rental.Env); err != nil {
		return hostagent.Rental{}, persistenceErr("unmarshal environment", err)
	}

	return rental, nil
}

// CommandResult returns the stored result for a command id, if the command
// was already processed. This is the dedupe check: a processed command id
// must never reach the orchestrator a second time.
func (s *Store) CommandResult(logger lager.Logger, commandID string) (hostagent.CommandResult, bool, error) {
	var (
		success int
		message string
	)

	err := s.db.QueryRow(
		`SELECT success, message FROM commands WHERE id = ? AND processed = 1`,
		commandID,
	).Scan(&success, &message)
	if err == sql.ErrNoRows {
		return hostagent.CommandResult{}, false, nil
	}
	if err != nil {
		logger.Error("failed-looking-up-command", err, lager.Data{"command-id": commandID})
		return hostagent.CommandResult{}, false, persistenceErr("query command", err)
	}

	return hostagent.CommandResult{
		CommandID: commandID,
		Success:   success == 1,
		Message:   message,
	}, true, nil
}

func (s *Store) RecordCommandResult(logger lager.Logger, command hostagent.Command, result hostagent.CommandResult) error {
	success := 0
	if result.Success {
		success = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO commands (id, type, payload, received_at, processed, success, message)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET processed = 1, success = excluded.success, message = excluded.message`,
		command.ID, command.Type, string(command.Payload),
		command.ReceivedAt.UnixNano(), success, result.Message,
	)
	if err != nil {
		logger.Error("failed-recording-command-result", err, lager.Data{"command-id": command.ID})
		return persistenceErr("insert command", err)
	}

	return nil
}

func (s *Store) AppendGPUMetrics(logger lager.Logger, sample hostagent.GPUMetrics) error {
	_, err := s.db.Exec(`
		INSERT INTO gpu_metrics (gpu_id, utilization, vram_used, temperature, power_draw, fan_speed, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sample.GPUID, sample.UtilizationPct, sample.VRAMUsedMB,
		sample.TemperatureC, sample.PowerDrawW, sample.FanSpeedPct,
		sample.Timestamp.UnixNano(),
	)
	if err != nil {
		logger.Error("failed-appending-gpu-metrics", err, lager.Data{"gpu-id": sample.GPUID})
		return persistenceErr("insert gpu metrics", err)
	}
	return nil
}

func (s *Store) AppendHealthSnapshot(logger lager.Logger, snapshot hostagent.HealthSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO health_checks
			(is_healthy, status, temperature_ok, power_ok, network_ok, storage_ok,
			 gpu_performance_score, system_stability_score, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		boolInt(snapshot.IsHealthy), snapshot.Status,
		boolInt(snapshot.TemperatureOK), boolInt(snapshot.PowerOK),
		boolInt(snapshot.NetworkOK), boolInt(snapshot.StorageOK),
		snapshot.GPUPerformanceScore, snapshot.SystemStabilityScore,
		snapshot.Timestamp.UnixNano(),
	)
	if err != nil {
		logger.Error("failed-appending-health-snapshot", err)
		return persistenceErr("insert health snapshot", err)
	}
	return nil
}

// PruneTelemetry deletes metric and health rows older than the cutoff.
func (s *Store) PruneTelemetry(logger lager.Logger, cutoff time.Time) (int64, error) {
	var pruned int64

	for _, table := range []string{"gpu_metrics", "health_checks"} {
		res, err := s.db.Exec(
			fmt.Sprintf(`DELETE FROM %s WHERE recorded_at < ?`, table),
			cutoff.UnixNano(),
		)
		if err != nil {
			logger.Error("failed-pruning-telemetry", err, lager.Data{"table": table})
			return pruned, persistenceErr("prune "+table, err)
		}
		n, _ := res.RowsAffected()
		pruned += n
	}

	return pruned, nil
}

func persistenceErr(op string, err error) error {
	return hostagent.NewError(hostagent.CodePersistence, "%s: %s", op, err)
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
