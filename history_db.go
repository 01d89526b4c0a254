package esteps

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const historyQuery = `SELECT databaseId, created, filamentName, filamentType,
	hotendTemperature, oldESteps, newESteps
	FROM calib_estepscalibrationmodel
	ORDER BY created DESC, databaseId DESC`

// HistoryDB reads calibration records straight from the plugin's sqlite
// database. It never writes.
type HistoryDB struct {
	path string
	db   *sql.DB
}

// OpenHistoryDB opens the database at path read-only
func OpenHistoryDB(path string) (*HistoryDB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "calibration database %s", path)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open calibration database %s", path)
	}
	db.SetMaxOpenConns(1)
	return &HistoryDB{path: path, db: db}, nil
}

// Path returns the database file
func (h *HistoryDB) Path() string {
	return h.path
}

// LoadHistory returns all records, newest first
func (h *HistoryDB) LoadHistory(ctx context.Context) ([]CalibrationRecord, error) {
	rows, err := h.db.QueryContext(ctx, historyQuery)
	if err != nil {
		return nil, queryFault("cannot read calibration history", err)
	}
	defer rows.Close()

	var records []CalibrationRecord
	for rows.Next() {
		var (
			rec        CalibrationRecord
			created    any
			name, kind sql.NullString
			temp       sql.NullFloat64
			oldE, newE sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &created, &name, &kind, &temp, &oldE, &newE); err != nil {
			return nil, queryFault("cannot read calibration history", err)
		}
		if rec.CreatedAt, err = scanTime(created); err != nil {
			return nil, protocolFault(errors.Wrapf(err, "record %d", rec.ID))
		}
		rec.FilamentName = name.String
		rec.FilamentType = normalizeFilamentType(kind.String)
		rec.HotendTemp = temp.Float64
		rec.OldESteps = oldE.Float64
		rec.NewESteps = newE.Float64
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFault("cannot read calibration history", err)
	}
	return records, nil
}

// Close releases the database handle
func (h *HistoryDB) Close() error {
	return h.db.Close()
}

// scanTime handles the column types the sqlite driver may return for a
// DATETIME column
func scanTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case string:
		return parseTimestamp(t)
	case []byte:
		return parseTimestamp(string(t))
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case float64:
		sec, frac := int64(t), t-float64(int64(t))
		return time.Unix(sec, int64(frac*1e9)).UTC(), nil
	default:
		return time.Time{}, errors.Errorf("unsupported timestamp type %T", v)
	}
}
