package wiser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/wiser-sync/internal/state"
)

// Bootstrap defaults.
const (
	DefaultBootstrapRetry  = 60 * time.Second
	DefaultRefreshInterval = 6 * time.Hour
)

// Step names one stage of the bootstrap sequence.
type Step string

// Bootstrap steps, in execution order.
const (
	StepDeviceInfo     Step = "device_info"
	StepDeviceTree     Step = "device_tree"
	StepLoadInventory  Step = "load_inventory"
	StepSignalStrength Step = "signal_strength"
	StepJobsFlags      Step = "jobs_flags"
)

// Steps lists the bootstrap sequence in order.
var Steps = []Step{StepDeviceInfo, StepDeviceTree, StepLoadInventory, StepSignalStrength, StepJobsFlags}

// Gateway is the REST surface used by the engine. *Client implements it.
type Gateway interface {
	GetInfo(ctx context.Context) (GatewayInfo, error)
	GetDevices(ctx context.Context) ([]Device, error)
	GetLoads(ctx context.Context) ([]Load, error)
	GetRSSI(ctx context.Context) (int, error)
	GetJobs(ctx context.Context) ([]Job, error)
	GetFlags(ctx context.Context) ([]Flag, error)
	SetTargetState(ctx context.Context, loadID int, target TargetState) error
}

var _ Gateway = (*Client)(nil)

// StateStore is the host data model the engine writes into.
// Implemented by *state.Store.
type StateStore interface {
	SiblingReader
	EnsureObject(ctx context.Context, o state.Object) (bool, error)
	Set(ctx context.Context, id string, value any, ack bool) error
	LogCommand(ctx context.Context, rec state.CommandRecord) error
}

// BootstrapConfig configures a Bootstrap.
type BootstrapConfig struct {
	Gateway  Gateway
	Registry *Registry
	Store    StateStore

	// Clock drives the retry and refresh timers. Defaults to the wall clock.
	Clock clock.Clock

	// RetryInterval separates passes until the first inventory succeeds.
	RetryInterval time.Duration

	// RefreshInterval separates passes afterwards.
	RefreshInterval time.Duration

	// OnSignal receives every successful signal strength reading (optional).
	OnSignal func(dbm int, at time.Time)
}

// StepResult is the outcome of one step of a pass.
type StepResult struct {
	Step Step
	Err  error
}

// PassResult is the outcome of one bootstrap pass.
type PassResult struct {
	Steps []StepResult
}

// Err joins the errors of every failed step.
func (r PassResult) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Step, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Failed reports whether step failed in this pass.
func (r PassResult) Failed(step Step) bool {
	for _, s := range r.Steps {
		if s.Step == step {
			return s.Err != nil
		}
	}
	return false
}

// Bootstrap runs the metadata sequence that populates the registry and the
// host object tree. Objects are created at most once per process; later
// passes only refresh values.
type Bootstrap struct {
	cfg     BootstrapConfig
	logger  Logger
	metrics Metrics

	ready     chan struct{}
	readyOnce sync.Once

	mu         sync.Mutex
	structured map[string]bool
	info       GatewayInfo
	lastPass   time.Time
}

// NewBootstrap creates a sequencer. Gateway, Registry and Store are required.
func NewBootstrap(cfg BootstrapConfig) (*Bootstrap, error) {
	if cfg.Gateway == nil || cfg.Registry == nil || cfg.Store == nil {
		return nil, errors.New("wiser: bootstrap needs a gateway, registry and store")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultBootstrapRetry
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	return &Bootstrap{
		cfg:        cfg,
		logger:     noopLogger{},
		metrics:    noopMetrics{},
		ready:      make(chan struct{}),
		structured: make(map[string]bool),
	}, nil
}

// SetLogger sets the logger used for step diagnostics.
func (b *Bootstrap) SetLogger(l Logger) {
	if l != nil {
		b.logger = l
	}
}

// SetMetrics sets the metrics sink.
func (b *Bootstrap) SetMetrics(m Metrics) {
	if m != nil {
		b.metrics = m
	}
}

// Ready is closed once the first load inventory has been installed.
func (b *Bootstrap) Ready() <-chan struct{} {
	return b.ready
}

// IsReady reports whether Ready has been closed.
func (b *Bootstrap) IsReady() bool {
	select {
	case <-b.ready:
		return true
	default:
		return false
	}
}

// Info returns the last gateway identity read by the device_info step.
func (b *Bootstrap) Info() GatewayInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

// LastPass returns when the last pass finished, zero before the first.
func (b *Bootstrap) LastPass() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPass
}

// Run executes passes until ctx is cancelled: every RetryInterval until
// the first inventory succeeds, then every RefreshInterval.
func (b *Bootstrap) Run(ctx context.Context) {
	for {
		res := b.RunOnce(ctx)
		if err := res.Err(); err != nil && ctx.Err() == nil {
			b.logger.Warn("bootstrap pass incomplete", "error", err)
		}

		wait := b.cfg.RefreshInterval
		if !b.IsReady() {
			wait = b.cfg.RetryInterval
		}

		t := b.cfg.Clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// RunOnce executes every step in order. A failing step is logged and the
// remaining steps still run.
func (b *Bootstrap) RunOnce(ctx context.Context) PassResult {
	steps := []struct {
		step Step
		run  func(context.Context) error
	}{
		{StepDeviceInfo, b.deviceInfo},
		{StepDeviceTree, b.deviceTree},
		{StepLoadInventory, b.loadInventory},
		{StepSignalStrength, b.signalStrength},
		{StepJobsFlags, b.jobsFlags},
	}

	var res PassResult
	for _, s := range steps {
		if ctx.Err() != nil {
			res.Steps = append(res.Steps, StepResult{Step: s.step, Err: ctx.Err()})
			continue
		}
		err := s.run(ctx)
		res.Steps = append(res.Steps, StepResult{Step: s.step, Err: err})
		if err != nil {
			b.logger.Error("bootstrap step failed", "step", string(s.step), "error", err)
			b.metrics.Incr("bootstrap.step_failed", "step:"+string(s.step))
		} else {
			b.logger.Debug("bootstrap step complete", "step", string(s.step))
		}
	}

	b.mu.Lock()
	b.lastPass = b.cfg.Clock.Now()
	b.mu.Unlock()
	return res
}

// PollSignal reads and stores the gateway's signal strength.
func (b *Bootstrap) PollSignal(ctx context.Context) error {
	return b.signalStrength(ctx)
}

// EnsureBase creates the gateway objects needed before the first pass.
func (b *Bootstrap) EnsureBase(ctx context.Context) error {
	return b.ensure(ctx, baseObjects()...)
}

// ensure creates objects not yet structured by this process.
func (b *Bootstrap) ensure(ctx context.Context, objs ...state.Object) error {
	for _, o := range objs {
		b.mu.Lock()
		done := b.structured[o.ID]
		b.mu.Unlock()
		if done {
			continue
		}

		created, err := b.cfg.Store.EnsureObject(ctx, o)
		if err != nil {
			return err
		}
		if created {
			b.metrics.Incr("bootstrap.object_created", "kind:"+string(o.Kind))
		}

		b.mu.Lock()
		b.structured[o.ID] = true
		b.mu.Unlock()
	}
	return nil
}

// setAll writes values with ack=true.
func (b *Bootstrap) setAll(ctx context.Context, values map[string]any) error {
	var errs []error
	for id, v := range values {
		if err := b.cfg.Store.Set(ctx, id, v, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bootstrap) deviceInfo(ctx context.Context) error {
	info, err := b.cfg.Gateway.GetInfo(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.info = info
	b.mu.Unlock()

	objs, values := gatewayInfoObjects(info)
	if err := b.ensure(ctx, objs...); err != nil {
		return err
	}
	return b.setAll(ctx, values)
}

func (b *Bootstrap) deviceTree(ctx context.Context) error {
	devices, err := b.cfg.Gateway.GetDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.ID == "" {
			continue
		}
		objs, values := deviceTreeObjects(d)
		if err := b.ensure(ctx, objs...); err != nil {
			return err
		}
		if err := b.setAll(ctx, values); err != nil {
			return err
		}
	}
	b.metrics.Gauge("bootstrap.devices", float64(len(devices)))
	return nil
}

func (b *Bootstrap) loadInventory(ctx context.Context) error {
	loads, err := b.cfg.Gateway.GetLoads(ctx)
	if err != nil {
		return err
	}
	// Objects exist before the registry routes events to them.
	var errs []error
	structured := make([]Load, 0, len(loads))
	for _, l := range loads {
		if err := b.ensure(ctx, loadObjects(l)...); err != nil {
			errs = append(errs, fmt.Errorf("load %d: %w", l.ID, err))
			continue
		}
		structured = append(structured, l)
	}

	b.cfg.Registry.Replace(loads)
	b.metrics.Gauge("registry.loads", float64(len(loads)))

	for _, l := range structured {
		if err := b.setAll(ctx, loadValues(l)); err != nil {
			errs = append(errs, fmt.Errorf("load %d: %w", l.ID, err))
		}
	}

	// The registry is live even if some objects could not be written.
	b.readyOnce.Do(func() {
		b.logger.Info("load inventory installed", "loads", len(loads))
		close(b.ready)
	})
	return errors.Join(errs...)
}

func (b *Bootstrap) signalStrength(ctx context.Context) error {
	dbm, err := b.cfg.Gateway.GetRSSI(ctx)
	if err != nil {
		return err
	}
	if err := b.ensure(ctx, rssiObject()); err != nil {
		return err
	}
	if err := b.cfg.Store.Set(ctx, PathRSSI, dbm, true); err != nil {
		return err
	}
	b.metrics.Gauge("gateway.rssi", float64(dbm))
	if b.cfg.OnSignal != nil {
		b.cfg.OnSignal(dbm, b.cfg.Clock.Now())
	}
	return nil
}

func (b *Bootstrap) jobsFlags(ctx context.Context) error {
	if err := b.ensure(ctx, systemObjects()...); err != nil {
		return err
	}

	var errs []error

	jobs, err := b.cfg.Gateway.GetJobs(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("jobs: %w", err))
	}
	for _, j := range jobs {
		if err := b.ensure(ctx, jobObject(j)); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.cfg.Store.Set(ctx, JobPath(j.ID), jobValue(j), true); err != nil {
			errs = append(errs, err)
		}
	}

	flags, err := b.cfg.Gateway.GetFlags(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("flags: %w", err))
	}
	for _, f := range flags {
		if err := b.ensure(ctx, flagObject(f)); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.cfg.Store.Set(ctx, SystemFlagPath(f.ID), normalize(f.Value), true); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
