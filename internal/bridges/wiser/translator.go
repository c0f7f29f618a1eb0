package wiser

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Value ranges accepted by the gateway.
const (
	briMax   = 10000
	levelMax = 10000
	tiltMax  = 9
)

// Flag sets reported per load family.
var (
	dimmerFlags = []string{"over_current", "fading", "noise", "direction", "over_temperature"}
	motorFlags  = []string{"direction", "learning", "moving", "under_current", "over_current", "timeout", "locked"}
)

// StateWrite is one value destined for the host state store.
type StateWrite struct {
	ID    string
	Value any
	Ack   bool
}

// Command is a translated outbound request for one load.
type Command struct {
	ID      string
	Path    StatePath
	LoadID  int
	Payload TargetState
}

// SiblingReader reads current host state values. Implemented by the state store.
type SiblingReader interface {
	ReadValue(ctx context.Context, id string) (value any, ok bool, err error)
}

// Translator maps gateway events to state writes and host writes to gateway commands.
// It holds no mutable state of its own; all lookups go through the registry snapshot.
type Translator struct {
	registry *Registry
	siblings SiblingReader
	logger   Logger
	metrics  Metrics
}

// NewTranslator creates a translator resolving loads through registry.
// siblings may be nil, in which case combined motor commands are always incomplete.
func NewTranslator(registry *Registry, siblings SiblingReader) *Translator {
	return &Translator{
		registry: registry,
		siblings: siblings,
		logger:   noopLogger{},
		metrics:  noopMetrics{},
	}
}

// SetLogger sets the logger used for diagnostics.
func (t *Translator) SetLogger(l Logger) {
	if l != nil {
		t.logger = l
	}
}

// SetMetrics sets the metrics sink.
func (t *Translator) SetMetrics(m Metrics) {
	if m != nil {
		t.metrics = m
	}
}

// TranslateEvent decodes one inbound frame into state writes.
//
// A frame for an unknown (main, sub) pair yields no writes and no error.
// A frame for a load id missing from the registry returns ErrUnknownLoad.
// Undecodable frames return ErrMalformedFrame. In every error case the
// returned slice is empty.
func (t *Translator) TranslateEvent(raw []byte) ([]StateWrite, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	switch {
	case f.Load != nil:
		return t.translateLoad(f.Load)
	case f.Flag != nil:
		if f.Flag.ID == nil {
			return nil, fmt.Errorf("%w: flag event without id", ErrMalformedFrame)
		}
		return []StateWrite{{ID: SystemFlagPath(*f.Flag.ID), Value: normalize(f.Flag.Value), Ack: true}}, nil
	default:
		return nil, fmt.Errorf("%w: neither load nor flag event", ErrMalformedFrame)
	}
}

func (t *Translator) translateLoad(ev *loadEvent) ([]StateWrite, error) {
	if ev.ID == nil {
		return nil, fmt.Errorf("%w: load event without id", ErrMalformedFrame)
	}

	load, err := t.registry.Lookup(*ev.ID)
	if err != nil {
		return nil, err
	}

	variant := load.Variant()
	if u, ok := variant.(Unknown); ok {
		t.logger.Warn("no field map for load type, event ignored",
			"load_id", load.ID,
			"type", string(u.MainType),
			"sub_type", u.SubType,
		)
		t.metrics.Incr("translator.unsupported_type", "type:"+string(u.MainType))
		return nil, nil
	}

	return loadWrites(load, variant, ev.State), nil
}

// loadWrites applies the per-variant field map. Fields absent from the
// frame produce no write.
func loadWrites(l Load, v Variant, s loadState) []StateWrite {
	var out []StateWrite
	put := func(attr string, value any) {
		out = append(out, StateWrite{ID: LoadPath(l, attr).String(), Value: value, Ack: true})
	}
	putInt := func(attr string, p *int) {
		if p != nil {
			put(attr, *p)
		}
	}
	putFlags := func(names []string) {
		for _, name := range names {
			if val, ok := s.Flags[name]; ok {
				put(FlagAttr(name), normalize(val))
			}
		}
	}

	switch v := v.(type) {
	case OnOff:
		if s.Bri != nil {
			if v.SubType == SubDTO {
				put(AttrBri, *s.Bri == briMax)
			} else {
				put(AttrBri, *s.Bri)
			}
		}
	case Dimmer:
		putInt(AttrBri, s.Bri)
		putFlags(dimmerFlags)
	case DALI:
		putInt(AttrBri, s.Bri)
		switch v.SubType {
		case SubTW:
			putInt(AttrCT, s.CT)
		case SubRGB:
			putInt(AttrRed, s.Red)
			putInt(AttrGreen, s.Green)
			putInt(AttrBlue, s.Blue)
			putInt(AttrWhite, s.White)
		}
		putFlags(dimmerFlags)
	case Motor:
		putInt(AttrLevel, s.Level)
		putInt(AttrTilt, s.Tilt)
		if s.Moving != nil {
			put(AttrMoving, *s.Moving)
		}
		putFlags(motorFlags)
	}
	return out
}

// TranslateCommand turns a user write on path into a gateway command.
func (t *Translator) TranslateCommand(ctx context.Context, path StatePath, value any) (Command, error) {
	load, err := t.registry.Lookup(path.LoadID)
	if err != nil {
		return Command{}, err
	}
	if load.Device != path.DeviceID {
		return Command{}, fmt.Errorf("%w: load %d belongs to device %q, not %q",
			ErrUnknownLoad, load.ID, load.Device, path.DeviceID)
	}

	var payload TargetState
	switch v := load.Variant().(type) {
	case OnOff:
		if path.Attribute != AttrBri {
			return Command{}, notActionable(path)
		}
		n, err := toNumber(value)
		if err != nil {
			return Command{}, err
		}
		bri := 0
		if n > 0 {
			bri = briMax
		}
		payload.Bri = &bri

	case Dimmer:
		if path.Attribute != AttrBri {
			return Command{}, notActionable(path)
		}
		if payload.Bri, err = ranged(value, briMax); err != nil {
			return Command{}, err
		}

	case DALI:
		if v.SubType != SubNone {
			return Command{}, fmt.Errorf("%w: outbound dali/%s commands", ErrUnsupported, v.SubType)
		}
		if path.Attribute != AttrBri {
			return Command{}, notActionable(path)
		}
		if payload.Bri, err = ranged(value, briMax); err != nil {
			return Command{}, err
		}

	case Motor:
		switch path.Attribute {
		case AttrLevel:
			payload.Level, err = ranged(value, levelMax)
		case AttrTilt:
			payload.Tilt, err = ranged(value, tiltMax)
		case AttrLTSet:
			payload, err = t.levelTilt(ctx, path)
		default:
			return Command{}, notActionable(path)
		}
		if err != nil {
			return Command{}, err
		}

	case Unknown:
		return Command{}, fmt.Errorf("%w: load type %s/%s", ErrUnsupported, v.MainType, v.SubType)
	}

	return Command{
		ID:      uuid.NewString(),
		Path:    path,
		LoadID:  load.ID,
		Payload: payload,
	}, nil
}

// levelTilt combines the leveltilt.level and leveltilt.tilt siblings.
func (t *Translator) levelTilt(ctx context.Context, path StatePath) (TargetState, error) {
	if t.siblings == nil {
		return TargetState{}, fmt.Errorf("%w: no state reader", ErrIncompleteCommand)
	}

	read := func(attr string, max int) (*int, error) {
		id := StatePath{DeviceID: path.DeviceID, LoadID: path.LoadID, Attribute: attr}.String()
		v, ok, err := t.siblings.ReadValue(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", id, err)
		}
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: %s has no value", ErrIncompleteCommand, id)
		}
		return ranged(v, max)
	}

	level, err := read(AttrLTLevel, levelMax)
	if err != nil {
		return TargetState{}, err
	}
	tilt, err := read(AttrLTTilt, tiltMax)
	if err != nil {
		return TargetState{}, err
	}
	return TargetState{Level: level, Tilt: tilt}, nil
}

func notActionable(path StatePath) error {
	return fmt.Errorf("%w: %s", ErrNotActionable, path)
}

// ranged converts value to an integer in [0, max].
func ranged(value any, max int) (*int, error) {
	n, err := toNumber(value)
	if err != nil {
		return nil, err
	}
	i := int(math.Round(n))
	if i < 0 || i > max {
		return nil, fmt.Errorf("%w: %v outside 0..%d", ErrInvalidValue, value, max)
	}
	return &i, nil
}

// toNumber accepts the value types that arrive from JSON, MQTT and the API.
func toNumber(value any) (float64, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			break
		}
		return v, nil
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, nil
		}
	case string:
		s := strings.TrimSpace(v)
		switch strings.ToLower(s) {
		case "true", "on":
			return 1, nil
		case "false", "off":
			return 0, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %v (%T)", ErrInvalidValue, value, value)
}

// normalize turns integral JSON numbers into ints so flags read as 0/1.
func normalize(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int(f)
	}
	return v
}
