package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Kind is the level of an object in the tree.
type Kind string

// Object kinds.
const (
	KindDevice  Kind = "device"
	KindChannel Kind = "channel"
	KindState   Kind = "state"
)

// Value types of state objects.
const (
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeString  = "string"
	TypeJSON    = "json"
)

// Object is one node of the host tree.
type Object struct {
	ID         string   `json:"id"`
	Kind       Kind     `json:"kind"`
	Name       string   `json:"name,omitempty"`
	ValueType  string   `json:"type,omitempty"`
	Role       string   `json:"role,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	Writable   bool     `json:"write"`
	Actionable bool     `json:"actionable,omitempty"`
}

// Value is the stored value of one state.
type Value struct {
	ID        string    `json:"id"`
	Val       any       `json:"val"`
	Ack       bool      `json:"ack"`
	UpdatedAt time.Time `json:"ts"`
}

// CommandHandler receives user writes to actionable states.
type CommandHandler func(ctx context.Context, id string, value any) error

// Mirror receives every stored value.
type Mirror interface {
	PublishState(v Value)
}

// Recorder receives numeric and boolean values as float64.
type Recorder interface {
	RecordState(id string, value float64, ack bool, ts time.Time)
}

// Logger is the logging interface used by the store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Store persists objects and values in SQLite. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger Logger
	now    func() time.Time

	mu        sync.RWMutex
	handlers  []CommandHandler
	mirrors   []Mirror
	recorders []Recorder
}

// NewStore returns a store over a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the store logger.
func (s *Store) SetLogger(l Logger) {
	if l != nil {
		s.logger = l
	}
}

// OnCommand registers a handler for user writes to actionable states.
func (s *Store) OnCommand(h CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// AddMirror registers a mirror for stored values.
func (s *Store) AddMirror(m Mirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrors = append(s.mirrors, m)
}

// AddRecorder registers a recorder for numeric values.
func (s *Store) AddRecorder(r Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorders = append(s.recorders, r)
}

// EnsureObject creates o unless an object with its id already exists.
// An existing object is never modified. Reports whether a row was created.
func (s *Store) EnsureObject(ctx context.Context, o Object) (bool, error) {
	if o.ID == "" {
		return false, fmt.Errorf("%w: empty id", ErrInvalidObject)
	}
	switch o.Kind {
	case KindDevice, KindChannel, KindState:
	default:
		return false, fmt.Errorf("%w: %s: kind %q", ErrInvalidObject, o.ID, o.Kind)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (id, kind, name, value_type, role, unit, min_value, max_value, writable, actionable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		o.ID, string(o.Kind), o.Name, o.ValueType, o.Role, o.Unit,
		nullableFloat(o.Min), nullableFloat(o.Max),
		boolToInt(o.Writable), boolToInt(o.Actionable),
		s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("creating object %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("creating object %s: %w", o.ID, err)
	}
	return n == 1, nil
}

// Object returns the object with id, or ErrUnknownObject.
func (s *Store) Object(ctx context.Context, id string) (Object, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, value_type, role, unit, min_value, max_value, writable, actionable
		FROM objects WHERE id = ?`, id)

	o, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}
	if err != nil {
		return Object{}, fmt.Errorf("reading object %s: %w", id, err)
	}
	return o, nil
}

// Objects lists objects whose id starts with prefix, ordered by id.
func (s *Store) Objects(ctx context.Context, prefix string) ([]Object, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, value_type, role, unit, min_value, max_value, writable, actionable
		FROM objects WHERE substr(id, 1, ?) = ? ORDER BY id`, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning object: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Set stores a value for an existing state object and notifies mirrors
// and recorders.
func (s *Store) Set(ctx context.Context, id string, value any, ack bool) error {
	v, err := s.store(ctx, id, value, ack)
	if err != nil {
		return err
	}
	s.notify(v)
	return nil
}

// Write applies a user write: the value is stored unconfirmed and, when
// the state is actionable, passed to every command handler. Handler
// errors are joined and returned; the stored value is kept either way.
func (s *Store) Write(ctx context.Context, id string, value any) error {
	obj, err := s.Object(ctx, id)
	if err != nil {
		return err
	}
	if obj.Kind != KindState || !obj.Writable {
		return fmt.Errorf("%w: %s", ErrNotWritable, id)
	}

	if err := s.Set(ctx, id, value, false); err != nil {
		return err
	}
	if !obj.Actionable {
		return nil
	}

	s.mu.RLock()
	handlers := append([]CommandHandler(nil), s.handlers...)
	s.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, id, value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the stored value of id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Value, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, value, ack, updated_at FROM states WHERE id = ?`, id)
	v, err := scanValue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Value{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Value{}, fmt.Errorf("reading state %s: %w", id, err)
	}
	return v, nil
}

// List returns every stored value whose id starts with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]Value, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, value, ack, updated_at FROM states
		WHERE substr(id, 1, ?) = ? ORDER BY id`, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("listing states: %w", err)
	}
	defer rows.Close()

	var out []Value
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning state: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ReadValue returns the current value of id. A state without a value
// reports ok=false and no error.
func (s *Store) ReadValue(ctx context.Context, id string) (any, bool, error) {
	v, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v.Val, true, nil
}

func (s *Store) store(ctx context.Context, id string, value any, ack bool) (Value, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return Value{}, fmt.Errorf("encoding value for %s: %w", id, err)
	}
	now := s.now().UTC()

	// The SELECT guards against values for missing or non-state objects.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO states (id, value, ack, updated_at)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM objects WHERE id = ? AND kind = 'state')
		ON CONFLICT(id) DO UPDATE SET value = excluded.value, ack = excluded.ack, updated_at = excluded.updated_at`,
		id, string(encoded), boolToInt(ack), now.Format(timeLayout), id,
	)
	if err != nil {
		return Value{}, fmt.Errorf("storing state %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Value{}, fmt.Errorf("storing state %s: %w", id, err)
	}
	if n == 0 {
		return Value{}, fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}

	var decoded any
	_ = json.Unmarshal(encoded, &decoded)
	return Value{ID: id, Val: decoded, Ack: ack, UpdatedAt: now}, nil
}

func (s *Store) notify(v Value) {
	s.mu.RLock()
	mirrors := append([]Mirror(nil), s.mirrors...)
	recorders := append([]Recorder(nil), s.recorders...)
	s.mu.RUnlock()

	for _, m := range mirrors {
		m.PublishState(v)
	}
	if f, ok := numeric(v.Val); ok {
		for _, r := range recorders {
			r.RecordState(v.ID, f, v.Ack, v.UpdatedAt)
		}
	}
}

// numeric converts decoded JSON numbers and booleans to float64.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(r rowScanner) (Object, error) {
	var (
		o                    Object
		kind                 string
		minV, maxV           sql.NullFloat64
		writable, actionable int
	)
	if err := r.Scan(&o.ID, &kind, &o.Name, &o.ValueType, &o.Role, &o.Unit, &minV, &maxV, &writable, &actionable); err != nil {
		return Object{}, err
	}
	o.Kind = Kind(kind)
	if minV.Valid {
		o.Min = &minV.Float64
	}
	if maxV.Valid {
		o.Max = &maxV.Float64
	}
	o.Writable = writable != 0
	o.Actionable = actionable != 0
	return o, nil
}

func scanValue(r rowScanner) (Value, error) {
	var (
		v       Value
		raw     sql.NullString
		ack     int
		updated string
	)
	if err := r.Scan(&v.ID, &raw, &ack, &updated); err != nil {
		return Value{}, err
	}
	if raw.Valid {
		if err := json.Unmarshal([]byte(raw.String), &v.Val); err != nil {
			return Value{}, fmt.Errorf("decoding %s: %w", v.ID, err)
		}
	}
	v.Ack = ack != 0
	ts, err := time.Parse(timeLayout, updated)
	if err != nil {
		return Value{}, fmt.Errorf("parsing timestamp of %s: %w", v.ID, err)
	}
	v.UpdatedAt = ts
	return v, nil
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
