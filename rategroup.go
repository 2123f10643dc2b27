// rategroup.go: Periodic rate groups, overrun detection and the tick driver
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
)

// SchedSchema is the argument schema of scheduling input ports: the
// cycle counter of the calling rate group.
var SchedSchema = NewSchema(Field{Name: "context", Type: FieldU32})

// RateGroupConfig configures a rate group
type RateGroupConfig struct {
	Name     string
	Period   time.Duration
	Divisor  int // Fire on every Divisor-th base tick of a Driver
	Reporter Reporter
	OnFault  FaultHandler
}

// RateGroupStats is a read-only snapshot of a rate group
type RateGroupStats struct {
	Name      string        `json:"name" yaml:"name"`
	Period    time.Duration `json:"period" yaml:"period"`
	Divisor   int           `json:"divisor" yaml:"divisor"`
	Members   []string      `json:"members" yaml:"members"`
	Cycles    uint64        `json:"cycles" yaml:"cycles"`
	LastCycle time.Duration `json:"last_cycle" yaml:"last_cycle"`
	MaxCycle  time.Duration `json:"max_cycle" yaml:"max_cycle"`
	Overruns  uint64        `json:"overruns" yaml:"overruns"`
	Slips     uint64        `json:"slips" yaml:"slips"`
	LastTick  time.Time     `json:"last_tick" yaml:"last_tick"`
}

// RateGroup invokes the scheduling ports of its members in a fixed order
// once per tick.
type RateGroup struct {
	name     string
	period   time.Duration
	divisor  int
	reporter Reporter
	onFault  FaultHandler

	members []*InputPort
	sealed  atomic.Bool
	busy    atomic.Bool
	argv    [1]Value

	cycles    atomic.Uint64
	lastCycle atomic.Int64
	maxCycle  atomic.Int64
	overruns  atomic.Uint64
	slips     atomic.Uint64
	lastTick  atomic.Int64
}

// NewRateGroup builds an empty rate group.
func NewRateGroup(config RateGroupConfig) (*RateGroup, error) {
	if strings.TrimSpace(config.Name) == "" {
		return nil, errors.New(ErrCodeConfiguration, "rate group name is required")
	}
	if config.Period <= 0 {
		return nil, errors.New(ErrCodeConfiguration, "rate group period must be positive").
			WithContext("rate_group", config.Name)
	}
	if config.Divisor < 0 {
		return nil, errors.New(ErrCodeConfiguration, "rate group divisor must not be negative").
			WithContext("rate_group", config.Name)
	}
	if config.Divisor == 0 {
		config.Divisor = 1
	}
	reporter := config.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}
	return &RateGroup{
		name:     config.Name,
		period:   config.Period,
		divisor:  config.Divisor,
		reporter: reporter,
		onFault:  config.OnFault,
	}, nil
}

func (g *RateGroup) Name() string          { return g.name }
func (g *RateGroup) Period() time.Duration { return g.period }
func (g *RateGroup) Divisor() int          { return g.divisor }
func (g *RateGroup) Busy() bool            { return g.busy.Load() }

// Members returns the member ports in call order.
func (g *RateGroup) Members() []*InputPort {
	return append([]*InputPort(nil), g.members...)
}

// AddMember appends a scheduling port. The order of AddMember calls is the
// call order of every cycle.
func (g *RateGroup) AddMember(in *InputPort) error {
	if g.sealed.Load() {
		return errors.New(ErrCodeConfiguration, "rate group members are fixed after start").
			WithContext("rate_group", g.name)
	}
	if in == nil {
		return errors.New(ErrCodeConfiguration, "nil rate group member").
			WithContext("rate_group", g.name)
	}
	if !in.schema.Equal(SchedSchema) {
		return errors.New(ErrCodeConfiguration, "rate group member must take the scheduling schema").
			WithContext("rate_group", g.name).
			WithContext("port", in.FullName()).
			WithContext("schema", in.schema.String())
	}
	for _, m := range g.members {
		if m == in {
			return errors.New(ErrCodeConfiguration, "duplicate rate group member").
				WithContext("rate_group", g.name).
				WithContext("port", in.FullName())
		}
	}
	g.members = append(g.members, in)
	return nil
}

func (g *RateGroup) seal() { g.sealed.Store(true) }

// Tick runs one pass over all members. A tick that arrives while a pass is
// still running is a slip: it is counted as an overrun, reported and
// dropped. A pass that takes longer than the period is an overrun and
// returns ErrCodeOverrun. Member failures do not stop the pass; the first
// one is returned.
func (g *RateGroup) Tick() error {
	if !g.busy.CompareAndSwap(false, true) {
		return g.slip()
	}
	defer g.busy.Store(false)

	g.seal()
	cycle := g.cycles.Add(1)
	g.lastTick.Store(timecache.CachedTimeNano())
	g.argv[0] = U32(uint32(cycle)) // #nosec G115 -- wraps by design of the u32 context

	start := time.Now()
	var first error
	for _, m := range g.members {
		if _, err := m.deliver(g.argv[:], nil); err != nil && first == nil {
			first = err
		}
	}
	span := time.Since(start)

	g.lastCycle.Store(int64(span))
	if int64(span) > g.maxCycle.Load() {
		g.maxCycle.Store(int64(span))
	}

	if span > g.period {
		g.overruns.Add(1)
		err := errors.New(ErrCodeOverrun, "rate group cycle exceeded its period").
			WithContext("rate_group", g.name).
			WithContext("cycle", cycle).
			WithContext("span", span.String()).
			WithContext("period", g.period.String())
		g.reporter.ReportEvent(EventWarn, EventRateGroupOverrun, g.name, map[string]interface{}{
			"cycle":     cycle,
			"span_ns":   int64(span),
			"period_ns": int64(g.period),
		})
		if g.onFault != nil {
			g.onFault(err, g.name)
		}
		if first == nil {
			first = err
		}
	}
	return first
}

func (g *RateGroup) slip() error {
	g.slips.Add(1)
	g.overruns.Add(1)
	err := errors.New(ErrCodeOverrun, "tick arrived while the previous cycle was running").
		WithContext("rate_group", g.name)
	g.reporter.ReportEvent(EventWarn, EventRateGroupSlip, g.name, map[string]interface{}{
		"cycle": g.cycles.Load(),
	})
	if g.onFault != nil {
		g.onFault(err, g.name)
	}
	return err
}

// Stats returns a snapshot of the rate group counters.
func (g *RateGroup) Stats() RateGroupStats {
	members := make([]string, len(g.members))
	for i, m := range g.members {
		members[i] = m.FullName()
	}
	var last time.Time
	if ns := g.lastTick.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return RateGroupStats{
		Name:      g.name,
		Period:    g.period,
		Divisor:   g.divisor,
		Members:   members,
		Cycles:    g.cycles.Load(),
		LastCycle: time.Duration(g.lastCycle.Load()),
		MaxCycle:  time.Duration(g.maxCycle.Load()),
		Overruns:  g.overruns.Load(),
		Slips:     g.slips.Load(),
		LastTick:  last,
	}
}

// DriverStats is a read-only snapshot of a driver
type DriverStats struct {
	BaseTick time.Duration `json:"base_tick" yaml:"base_tick"`
	Ticks    uint64        `json:"ticks" yaml:"ticks"`
	Running  bool          `json:"running" yaml:"running"`
}

type driverGroup struct {
	group  *RateGroup
	signal chan struct{}
}

// Driver fans a base tick out to rate groups. Each group fires on every
// Divisor-th base tick in its own goroutine, so a slow group never delays
// another one.
type Driver struct {
	base   time.Duration
	groups []driverGroup

	ticks     atomic.Uint64
	running   atomic.Bool
	looping   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
	wg        sync.WaitGroup
}

// NewDriver builds a driver for the given groups. base is the period of
// Run's ticker; it may be zero when ticks come from Tick only.
func NewDriver(base time.Duration, groups ...*RateGroup) (*Driver, error) {
	if base < 0 {
		return nil, errors.New(ErrCodeConfiguration, "driver base tick must not be negative")
	}
	d := &Driver{
		base:      base,
		groups:    make([]driverGroup, 0, len(groups)),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	for _, g := range groups {
		if g == nil {
			return nil, errors.New(ErrCodeConfiguration, "nil rate group")
		}
		if base > 0 && g.period != base*time.Duration(g.divisor) {
			return nil, errors.New(ErrCodeConfiguration, "rate group period is not its divisor times the base tick").
				WithContext("rate_group", g.name).
				WithContext("period", g.period.String()).
				WithContext("base", base.String()).
				WithContext("divisor", g.divisor)
		}
		d.groups = append(d.groups, driverGroup{group: g, signal: make(chan struct{}, 1)})
	}
	return d, nil
}

// Start launches one goroutine per group.
func (d *Driver) Start() error {
	select {
	case <-d.stopCh:
		return errors.New(ErrCodeNotRunning, "driver was stopped")
	default:
	}
	if !d.running.CompareAndSwap(false, true) {
		return errors.New(ErrCodeConfiguration, "driver already running")
	}
	for i := range d.groups {
		dg := d.groups[i]
		dg.group.seal()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-dg.signal:
					_ = dg.group.Tick() // Reported by the group
				case <-d.stopCh:
					return
				}
			}
		}()
	}
	return nil
}

// Tick delivers one base tick. Ticks are ignored until Start. A group
// whose previous cycle is still running or still pending registers a slip
// instead of queuing the tick.
func (d *Driver) Tick() {
	if !d.running.Load() {
		return
	}
	n := d.ticks.Add(1)
	for i := range d.groups {
		dg := &d.groups[i]
		if n%uint64(dg.group.divisor) != 0 { // #nosec G115 -- divisor positive
			continue
		}
		if dg.group.busy.Load() {
			_ = dg.group.slip()
			continue
		}
		select {
		case dg.signal <- struct{}{}:
		default:
			_ = dg.group.slip()
		}
	}
}

// Run starts the driver and ticks it every base period until ctx is done
// or Stop is called.
func (d *Driver) Run(ctx context.Context) error {
	if d.base <= 0 {
		return errors.New(ErrCodeConfiguration, "driver has no base tick to run on")
	}
	if err := d.Start(); err != nil {
		return err
	}
	d.looping.Store(true)
	defer close(d.stoppedCh)

	ticker := time.NewTicker(d.base)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.Tick()
		case <-ctx.Done():
			d.shutdown()
			return ctx.Err()
		case <-d.stopCh:
			d.wg.Wait()
			return nil
		}
	}
}

func (d *Driver) shutdown() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.running.Store(false)
}

// Stop halts the group goroutines and, when Run is active, waits for it
// to return. A stopped driver cannot be restarted.
func (d *Driver) Stop() {
	if !d.running.Load() {
		d.stopOnce.Do(func() { close(d.stopCh) })
		return
	}
	d.shutdown()
	if d.looping.Load() {
		<-d.stoppedCh
	}
}

// Stats returns a snapshot of the driver counters.
func (d *Driver) Stats() DriverStats {
	return DriverStats{
		BaseTick: d.base,
		Ticks:    d.ticks.Load(),
		Running:  d.running.Load(),
	}
}
