// Package store persists the bijective message-identifier map that ties a
// euphoria message to its mirrored instant counterpart and vice versa. Reply
// threading and historical log translation both run through this map.
//
// Rows may be half-filled: a message that has been observed but whose mirror
// has not been acknowledged yet keeps a NULL counterpart, and a counterpart
// synthesized for log translation keeps its NULL euphoria side until the real
// mirror lands. Callers that need a translation that does not exist yet
// register a watcher and are notified once the row completes.
//
// The store holds exactly one SQLite connection and serializes every call
// through its own mutex; watcher callbacks are collected under the lock but
// invoked only after it is released, so a callback may immediately call back
// into the store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/jmoiron/sqlx"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/instabridge/instabridge/internal/idcodec"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrSynthesizeEuphoriaID is returned when a caller requests creation of
	// a euphoria counterpart. Euphoria ids are assigned by the euphoria
	// server alone; only instant counterparts can be synthesized locally.
	ErrSynthesizeEuphoriaID = errors.New("store: euphoria ids cannot be synthesized")

	// ErrSequenceExhausted is returned when all sequence slots for a
	// message's millisecond are already claimed, so no instant counterpart
	// can be synthesized for it.
	ErrSequenceExhausted = errors.New("store: id synthesis sequence exhausted")
)

// -------------------------------------------------------------------------
// Side — column selector
// -------------------------------------------------------------------------

// Side selects one column of the identifier map: the side the given keys
// belong to. Counterparts always come from the opposite column.
type Side uint8

const (
	// SideEuphoria keys are euphoria snowflakes (base-36).
	SideEuphoria Side = iota

	// SideInstant keys are instant ids (16 uppercase hex digits).
	SideInstant
)

// String returns the column name, which doubles as the log label.
func (s Side) String() string {
	switch s {
	case SideEuphoria:
		return "euphoria"
	case SideInstant:
		return "instant"
	default:
		return "unknown"
	}
}

// other returns the opposite side.
func (s Side) other() Side {
	if s == SideEuphoria {
		return SideInstant
	}
	return SideEuphoria
}

// -------------------------------------------------------------------------
// Metrics
// -------------------------------------------------------------------------

// MetricsReporter receives store instrumentation. Implemented by the metrics
// collector; a no-op implementation is used when none is attached.
type MetricsReporter interface {
	IncSynthesized()
	SetPendingWatchers(n int)
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) IncSynthesized() {}

func (noopMetrics) SetPendingWatchers(int) {}

// -------------------------------------------------------------------------
// Store Options — functional options pattern
// -------------------------------------------------------------------------

// StoreOption configures optional Store parameters.
type StoreOption func(*Store)

// WithMetrics attaches a MetricsReporter to the store. If mr is nil, the
// default no-op reporter is kept.
func WithMetrics(mr MetricsReporter) StoreOption {
	return func(s *Store) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// WithSynchronous applies PRAGMA synchronous = mode after opening. Modes
// that are not a single alphanumeric word are ignored with a warning, since
// the value reaches us from the environment.
func WithSynchronous(mode string) StoreOption {
	return func(s *Store) {
		s.synchronous = mode
	}
}

// syncModeRe guards the PRAGMA value; it is interpolated into the statement
// because SQLite does not take pragma values as bind parameters.
var syncModeRe = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// -------------------------------------------------------------------------
// Store
// -------------------------------------------------------------------------

const createTableSQL = `
CREATE TABLE IF NOT EXISTS id_map (
	euphoria TEXT UNIQUE,
	instant  TEXT UNIQUE
)`

// watchKey identifies the id a watcher waits on.
type watchKey struct {
	side Side
	id   string
}

// firing is one deferred watcher invocation, collected under the mutex and
// run after release.
type firing struct {
	cb    func(string)
	value string
}

// Store is the persistent id map. All methods are safe for concurrent use.
type Store struct {
	logger      *slog.Logger
	metrics     MetricsReporter
	synchronous string

	mu       sync.Mutex
	db       *sqlx.DB
	watchers map[watchKey][]func(string)
	pending  int
}

// Open opens (or creates) the id map at path; an empty path keeps the map
// in memory, losing it on restart. Startup drops rows that are null on both
// sides, which accumulate from interrupted sends.
func Open(path string, logger *slog.Logger, opts ...StoreOption) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening id map database: %w", err)
	}

	// A single connection serializes all statements and keeps an in-memory
	// database from forking into independent copies per connection.
	db.SetMaxOpenConns(1)

	s := &Store{
		logger:   logger.With(slog.String("component", "store")),
		metrics:  noopMetrics{},
		db:       db,
		watchers: make(map[watchKey][]func(string)),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.synchronous != "" {
		if !syncModeRe.MatchString(s.synchronous) {
			s.logger.Warn("ignoring malformed synchronous mode",
				slog.String("mode", s.synchronous))
		} else if _, err := db.Exec("PRAGMA synchronous = " + s.synchronous); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying synchronous pragma: %w", err)
		}
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating id map table: %w", err)
	}

	dropped, err := s.GC()
	if err != nil {
		db.Close()
		return nil, err
	}
	if dropped > 0 {
		s.logger.Info("dropped empty id rows", slog.Int64("rows", dropped))
	}

	return s, nil
}

// Close releases the database handle. Watchers still pending never fire.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.pending; n > 0 {
		s.logger.Debug("closing with unresolved watchers", slog.Int("watchers", n))
	}
	return s.db.Close()
}

// TranslateIDs looks up the counterpart of every given id. Ids without a
// counterpart map to "" unless create is set, in which case an instant
// counterpart is synthesized for each missing euphoria key (create on
// SideInstant is ErrSynthesizeEuphoriaID). The whole call is one
// transaction.
func (s *Store) TranslateIDs(side Side, ids []string, create bool) (map[string]string, error) {
	if create && side == SideInstant {
		return nil, ErrSynthesizeEuphoriaID
	}

	out := make(map[string]string, len(ids))
	var fired []firing

	err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning translate transaction: %w", err)
		}
		defer tx.Rollback()

		var completed [][2]string
		for _, id := range ids {
			if id == "" {
				continue
			}
			if _, done := out[id]; done {
				continue
			}

			counterpart, rowExists, err := lookupTx(tx, side, id)
			if err != nil {
				return err
			}
			if counterpart != "" || !create {
				out[id] = counterpart
				continue
			}

			synth, err := s.synthesizeTx(tx, id, rowExists)
			if err != nil {
				return err
			}
			out[id] = synth
			completed = append(completed, [2]string{id, synth})
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing translate transaction: %w", err)
		}
		for _, p := range completed {
			fired = append(fired, s.completeLocked(p[0], p[1])...)
		}
		return nil
	}()
	if err != nil {
		return nil, err
	}

	for _, f := range fired {
		f.cb(f.value)
	}
	return out, nil
}

// TranslateID is the single-id form of TranslateIDs.
func (s *Store) TranslateID(side Side, id string, create bool) (string, error) {
	m, err := s.TranslateIDs(side, []string{id}, create)
	if err != nil {
		return "", err
	}
	return m[id], nil
}

// UpdateIDs upserts one row per pair, keyed by side; a "" counterpart stores
// NULL. Conflicts replace the existing row. Watchers fire for every row the
// call completes.
func (s *Store) UpdateIDs(side Side, pairs map[string]string) error {
	var fired []firing

	err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning update transaction: %w", err)
		}
		defer tx.Rollback()

		var completed [][2]string
		for key, counterpart := range pairs {
			aID, bID := key, counterpart
			if side == SideInstant {
				aID, bID = counterpart, key
			}

			if _, err := tx.Exec(
				"INSERT OR REPLACE INTO id_map (euphoria, instant) VALUES (?, ?)",
				nullable(aID), nullable(bID),
			); err != nil {
				return fmt.Errorf("upserting id pair (%q, %q): %w", aID, bID, err)
			}
			if aID != "" && bID != "" {
				completed = append(completed, [2]string{aID, bID})
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing update transaction: %w", err)
		}
		for _, p := range completed {
			fired = append(fired, s.completeLocked(p[0], p[1])...)
		}
		return nil
	}()
	if err != nil {
		return err
	}

	for _, f := range fired {
		f.cb(f.value)
	}
	return nil
}

// WatchID delivers the counterpart of id to cb: synchronously when it is
// already known, otherwise from whichever later call completes the row.
func (s *Store) WatchID(side Side, id string, cb func(counterpart string)) error {
	var value string
	var known bool

	err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		var counterpart sql.NullString
		err := s.db.Get(&counterpart,
			"SELECT "+side.other().String()+" FROM id_map WHERE "+side.String()+" = ?", id)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("looking up %s id %q: %w", side, id, err)
		}
		if counterpart.Valid {
			value, known = counterpart.String, true
			return nil
		}

		key := watchKey{side, id}
		s.watchers[key] = append(s.watchers[key], cb)
		s.pending++
		s.metrics.SetPendingWatchers(s.pending)
		return nil
	}()
	if err != nil {
		return err
	}

	if known {
		cb(value)
	}
	return nil
}

// WatchIDs delivers the full id→counterpart mapping to cb once every id has
// resolved. With create set, missing counterparts are synthesized up front
// (per the TranslateIDs rules), so cb runs before WatchIDs returns.
func (s *Store) WatchIDs(side Side, ids []string, create bool, cb func(map[string]string)) error {
	resolved, err := s.TranslateIDs(side, ids, create)
	if err != nil {
		return err
	}

	var missing []string
	for id, counterpart := range resolved {
		if counterpart == "" {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		cb(resolved)
		return nil
	}

	// The last straggler to resolve delivers the aggregate.
	var mu sync.Mutex
	remaining := len(missing)
	for _, id := range missing {
		err := s.WatchID(side, id, func(counterpart string) {
			mu.Lock()
			resolved[id] = counterpart
			remaining--
			done := remaining == 0
			mu.Unlock()

			if done {
				cb(resolved)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SideBounds describes one column of the map.
type SideBounds struct {
	Min   string
	Max   string
	Count int64
}

// Bounds reports the lexicographic min, max, and count of each column,
// ignoring NULLs. Fixed-width id formats make the lexicographic order the
// chronological one.
func (s *Store) Bounds() (Bounds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b Bounds
	for _, side := range []Side{SideEuphoria, SideInstant} {
		col := side.String()
		var row struct {
			Min   sql.NullString `db:"min"`
			Max   sql.NullString `db:"max"`
			Count int64          `db:"count"`
		}
		q := fmt.Sprintf(
			"SELECT MIN(%[1]s) AS min, MAX(%[1]s) AS max, COUNT(%[1]s) AS count FROM id_map", col)
		if err := s.db.Get(&row, q); err != nil {
			return Bounds{}, fmt.Errorf("computing %s bounds: %w", side, err)
		}

		sb := SideBounds{Min: row.Min.String, Max: row.Max.String, Count: row.Count}
		if side == SideEuphoria {
			b.Euphoria = sb
		} else {
			b.Instant = sb
		}
	}
	return b, nil
}

// Bounds pairs the per-side bounds of the map.
type Bounds struct {
	Euphoria SideBounds
	Instant  SideBounds
}

// GC deletes rows that are NULL on both sides and returns how many went.
func (s *Store) GC() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM id_map WHERE euphoria IS NULL AND instant IS NULL")
	if err != nil {
		return 0, fmt.Errorf("collecting empty id rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting collected rows: %w", err)
	}
	return n, nil
}

// -------------------------------------------------------------------------
// Internals
// -------------------------------------------------------------------------

// lookupTx fetches the counterpart of id within tx. rowExists distinguishes
// a missing row from a row whose counterpart is NULL.
func lookupTx(tx *sqlx.Tx, side Side, id string) (counterpart string, rowExists bool, err error) {
	var got sql.NullString
	err = tx.Get(&got,
		"SELECT "+side.other().String()+" FROM id_map WHERE "+side.String()+" = ?", id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("looking up %s id %q: %w", side, id, err)
	}
	return got.String, true, nil
}

// synthesizeTx claims the highest free sequence slot for the euphoria id's
// millisecond, scanning from SeqLimit-1 down to 0 so that synthesized ids
// sort after any real instant id from the same instant.
func (s *Store) synthesizeTx(tx *sqlx.Tx, aID string, rowExists bool) (string, error) {
	ts, err := idcodec.EuphoriaTime(aID)
	if err != nil {
		return "", fmt.Errorf("synthesizing counterpart for %q: %w", aID, err)
	}

	for seq := idcodec.SeqLimit - 1; seq >= 0; seq-- {
		candidate := idcodec.InstantID(ts, seq)

		var n int
		if err := tx.Get(&n, "SELECT COUNT(*) FROM id_map WHERE instant = ?", candidate); err != nil {
			return "", fmt.Errorf("probing candidate %q: %w", candidate, err)
		}
		if n > 0 {
			continue
		}

		if rowExists {
			_, err = tx.Exec("UPDATE id_map SET instant = ? WHERE euphoria = ?", candidate, aID)
		} else {
			_, err = tx.Exec("INSERT INTO id_map (euphoria, instant) VALUES (?, ?)", aID, candidate)
		}
		if err != nil {
			return "", fmt.Errorf("claiming candidate %q: %w", candidate, err)
		}

		s.metrics.IncSynthesized()
		return candidate, nil
	}

	return "", fmt.Errorf("no free sequence slot for %q: %w", aID, ErrSequenceExhausted)
}

// completeLocked collects the watcher invocations for a row that just became
// complete. Call with mu held; run the result after release.
func (s *Store) completeLocked(aID, bID string) []firing {
	var fired []firing

	if cbs, ok := s.watchers[watchKey{SideEuphoria, aID}]; ok {
		delete(s.watchers, watchKey{SideEuphoria, aID})
		s.pending -= len(cbs)
		for _, cb := range cbs {
			fired = append(fired, firing{cb, bID})
		}
	}
	if cbs, ok := s.watchers[watchKey{SideInstant, bID}]; ok {
		delete(s.watchers, watchKey{SideInstant, bID})
		s.pending -= len(cbs)
		for _, cb := range cbs {
			fired = append(fired, firing{cb, aID})
		}
	}

	if len(fired) > 0 {
		s.metrics.SetPendingWatchers(s.pending)
	}
	return fired
}

// nullable maps "" to SQL NULL.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
