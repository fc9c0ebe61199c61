package telemetry

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pthm-cable/racer/fitness"
)

// MetricsDB stores run metrics in SQLite for later querying.
type MetricsDB struct {
	conn  *sqlx.DB
	runID string
}

// OpenMetricsDB opens or creates a metrics database. Returns nil if path is
// empty (database disabled).
func OpenMetricsDB(path, runID string) (*MetricsDB, error) {
	if path == "" {
		return nil, nil
	}
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &MetricsDB{conn: conn, runID: runID}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate metrics db: %w", err)
	}
	return db, nil
}

func (db *MetricsDB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS generations (
		run_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		best REAL NOT NULL,
		mean REAL NOT NULL,
		median REAL NOT NULL,
		worst REAL NOT NULL,
		stddev REAL NOT NULL,
		best_genome INTEGER NOT NULL,
		species INTEGER NOT NULL,
		vehicles INTEGER NOT NULL,
		crashes INTEGER NOT NULL,
		timeouts INTEGER NOT NULL,
		finishes INTEGER NOT NULL,
		faults INTEGER NOT NULL,
		mean_checkpoints REAL NOT NULL,
		ticks INTEGER NOT NULL,
		level INTEGER NOT NULL,
		level_name TEXT NOT NULL,
		weather TEXT NOT NULL,
		time TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, generation)
	);

	CREATE TABLE IF NOT EXISTS fitness (
		run_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		genome_id INTEGER NOT NULL,
		aggregate REAL NOT NULL,
		distance REAL NOT NULL,
		checkpoints REAL NOT NULL,
		smoothness REAL NOT NULL,
		efficiency REAL NOT NULL,
		centering REAL NOT NULL,
		laps INTEGER NOT NULL,
		ticks INTEGER NOT NULL,
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS crashes (
		run_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		genome_id INTEGER NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		tick INTEGER NOT NULL,
		level INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS curriculum (
		run_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		from_level INTEGER NOT NULL,
		to_level INTEGER NOT NULL,
		name TEXT NOT NULL,
		best REAL NOT NULL,
		time TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fitness_gen ON fitness(run_id, generation);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// WriteSummary upserts a generation row. A resumed run that repeats a
// generation replaces the earlier row.
func (db *MetricsDB) WriteSummary(s GenerationSummary) error {
	if db == nil {
		return nil
	}
	s.RunID = db.runID
	_, err := db.conn.NamedExec(`INSERT INTO generations
		(run_id, generation, best, mean, median, worst, stddev, best_genome, species, vehicles,
		 crashes, timeouts, finishes, faults, mean_checkpoints, ticks, level, level_name, weather, time)
		VALUES (:run_id, :generation, :best, :mean, :median, :worst, :stddev, :best_genome, :species, :vehicles,
		 :crashes, :timeouts, :finishes, :faults, :mean_checkpoints, :ticks, :level, :level_name, :weather, :time)
		ON CONFLICT(run_id, generation) DO UPDATE SET
		 best=excluded.best, mean=excluded.mean, median=excluded.median, worst=excluded.worst,
		 stddev=excluded.stddev, best_genome=excluded.best_genome, species=excluded.species,
		 vehicles=excluded.vehicles, crashes=excluded.crashes, timeouts=excluded.timeouts,
		 finishes=excluded.finishes, faults=excluded.faults, mean_checkpoints=excluded.mean_checkpoints,
		 ticks=excluded.ticks, level=excluded.level, level_name=excluded.level_name,
		 weather=excluded.weather, time=excluded.time`, s)
	if err != nil {
		return fmt.Errorf("insert generation %d: %w", s.Generation, err)
	}
	return nil
}

// WriteRecords inserts one fitness row per vehicle in a single transaction.
func (db *MetricsDB) WriteRecords(generation int, records []fitness.Record) error {
	if db == nil || len(records) == 0 {
		return nil
	}
	tx, err := db.conn.Beginx()
	if err != nil {
		return fmt.Errorf("begin fitness tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM fitness WHERE run_id = ? AND generation = ?`, db.runID, generation); err != nil {
		return fmt.Errorf("clear fitness: %w", err)
	}
	stmt, err := tx.Preparex(`INSERT INTO fitness
		(run_id, generation, genome_id, aggregate, distance, checkpoints, smoothness, efficiency, centering, laps, ticks, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare fitness insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range FitnessRows(generation, records) {
		if _, err := stmt.Exec(db.runID, r.Generation, r.GenomeID, r.Aggregate, r.Distance, r.Checkpoints,
			r.Smoothness, r.Efficiency, r.Centering, r.Laps, r.Ticks, r.Status); err != nil {
			return fmt.Errorf("insert fitness %d: %w", r.GenomeID, err)
		}
	}
	return tx.Commit()
}

// WriteCrashes inserts crash positions.
func (db *MetricsDB) WriteCrashes(generation int, crashes []Crash) error {
	if db == nil || len(crashes) == 0 {
		return nil
	}
	tx, err := db.conn.Beginx()
	if err != nil {
		return fmt.Errorf("begin crash tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range crashes {
		if _, err := tx.Exec(`INSERT INTO crashes (run_id, generation, genome_id, x, y, tick, level)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, db.runID, generation, c.GenomeID, c.X, c.Y, c.Tick, c.Level); err != nil {
			return fmt.Errorf("insert crash: %w", err)
		}
	}
	return tx.Commit()
}

// WriteLevelChange inserts a curriculum advance.
func (db *MetricsDB) WriteLevelChange(c LevelChange) error {
	if db == nil {
		return nil
	}
	_, err := db.conn.Exec(`INSERT INTO curriculum (run_id, generation, from_level, to_level, name, best, time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, db.runID, c.Generation, c.From, c.To, c.Name, c.Best, c.Time)
	if err != nil {
		return fmt.Errorf("insert level change: %w", err)
	}
	return nil
}

// GenerationBest is one row of the best-fitness history.
type GenerationBest struct {
	Generation int     `db:"generation"`
	Best       float64 `db:"best"`
	Mean       float64 `db:"mean"`
	Level      int     `db:"level"`
}

// History returns the run's best and mean fitness per generation in order.
func (db *MetricsDB) History() ([]GenerationBest, error) {
	if db == nil {
		return nil, nil
	}
	var rows []GenerationBest
	if err := db.conn.Select(&rows, `SELECT generation, best, mean, level FROM generations
		WHERE run_id = ? ORDER BY generation`, db.runID); err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	return rows, nil
}

// CrashCount returns the number of recorded crashes for the run.
func (db *MetricsDB) CrashCount() (int, error) {
	if db == nil {
		return 0, nil
	}
	var n int
	if err := db.conn.Get(&n, `SELECT COUNT(*) FROM crashes WHERE run_id = ?`, db.runID); err != nil {
		return 0, fmt.Errorf("count crashes: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (db *MetricsDB) Close() error {
	if db == nil {
		return nil
	}
	return db.conn.Close()
}
