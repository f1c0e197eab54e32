// Package audit — audit.go
//
// BoltDB-backed decision ledger for the GCS fleet decision engine.
//
// Schema (BoltDB bucket layout):
//
//	/decisions
//	    key:   UTC RFC3339 timestamp with fixed 9-digit nanoseconds + "_" + cycle sequence  [monotonic, sortable]
//	    value: JSON-encoded DecisionRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent
//     writers); the OODA engine already serializes cycles with its own
//     mutex, so writes here are naturally serialized too.
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//
// Retention:
//   - Decision entries older than RetentionDays are pruned on startup and
//     may be pruned again by the embedding application on a schedule.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The caller should refuse to start rather than run
//     without an audit trail.
//   - A failing write inside OnDecision is logged and swallowed: the
//     engine's decision semantics never depend on whether the audit
//     write succeeded (spec §9, "dashboard bridge is not part of the
//     core").
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/gcs-fleet/decision-engine/internal/model"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketDecisions = "decisions"
	bucketMeta      = "meta"
)

// DecisionRecord is the persisted form of one OODADecision.
type DecisionRecord struct {
	Timestamp       time.Time          `json:"timestamp"`
	Strategy        string             `json:"strategy"`
	Plan            map[string][]int64 `json:"plan"`
	Rationale       string             `json:"rationale"`
	Metrics         map[string]float64 `json:"metrics"`
	TotalDurationMS float64            `json:"total_duration_ms"`
}

// Ledger wraps a BoltDB instance with typed accessors for decision
// records, and implements ooda.Observer so it can attach directly to an
// Engine.
type Ledger struct {
	db            *bolt.DB
	retentionDays int
	logger        *zap.Logger
	seq           int64
}

// Open opens (or creates) the BoltDB database at path, initializing
// buckets and verifying the schema version.
func Open(path string, retentionDays int, logger *zap.Logger) (*Ledger, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: bolt.Open(%q): %w", path, err)
	}

	l := &Ledger{db: bdb, retentionDays: retentionDays, logger: logger}

	if err := l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDecisions, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit: database initialisation failed: %w", err)
	}

	if err := l.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) checkSchemaVersion() error {
	return l.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("audit: schema version mismatch: database has %q, engine requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func decisionKey(t time.Time, seq int64) []byte {
	// Fixed-width nanoseconds (RFC3339Nano trims trailing zeros) so that
	// byte order of keys matches chronological order.
	return []byte(fmt.Sprintf("%s_%010d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), seq))
}

// Append writes one decision record, using a single ACID write
// transaction.
func (l *Ledger) Append(now time.Time, d model.OODADecision) error {
	l.seq++
	record := DecisionRecord{
		Timestamp:       now.UTC(),
		Strategy:        d.Strategy.String(),
		Plan:            planToJSON(d.Plan),
		Rationale:       d.Rationale,
		Metrics:         d.Metrics,
		TotalDurationMS: d.TotalDurationMS,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit: Append marshal: %w", err)
	}

	key := decisionKey(now, l.seq)
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDecisions))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("audit: Append bolt.Put: %w", err)
		}
		return nil
	})
}

func planToJSON(plan model.ReallocationPlan) map[string][]int64 {
	out := make(map[string][]int64, len(plan))
	for v, ids := range plan {
		ints := make([]int64, len(ids))
		for i, id := range ids {
			ints[i] = int64(id)
		}
		out[fmt.Sprintf("%d", int64(v))] = ints
	}
	return out
}

// PruneOld deletes decision entries older than the configured retention
// window. Returns the number of entries deleted.
func (l *Ledger) PruneOld(now time.Time) (int, error) {
	cutoff := now.UTC().AddDate(0, 0, -l.retentionDays)
	cutoffKey := decisionKey(cutoff, 0)

	var deleted int
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDecisions))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("audit: PruneOld delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadAll returns every decision record in chronological order. For
// operational inspection; not called on the hot path.
func (l *Ledger) ReadAll() ([]DecisionRecord, error) {
	var records []DecisionRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDecisions))
		return b.ForEach(func(_, v []byte) error {
			var rec DecisionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// Count returns the current number of persisted decision records.
func (l *Ledger) Count() (int, error) {
	n := 0
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDecisions))
		return b.ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// OnPhaseTransition implements ooda.Observer. The audit ledger records
// only completed decisions, not individual phase timings.
func (l *Ledger) OnPhaseTransition(phase string, duration time.Duration, timedOut bool) {}

// OnDecision implements ooda.Observer. A failing write is logged and
// swallowed: the engine's decision semantics never depend on it.
func (l *Ledger) OnDecision(d model.OODADecision) {
	if err := l.Append(time.Now(), d); err != nil {
		l.logger.Error("audit: failed to persist decision", zap.Error(err))
	}
}
