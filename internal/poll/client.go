// Package poll implements the cyclic client: read every configured group,
// optionally clear an active alarm and bump a counter, sleep, repeat.
package poll

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"go.uber.org/zap"
)

const DefaultInterval = 5 * time.Second

// AlarmClear describes the conditional write issued after the reads.
type AlarmClear struct {
	// Group names the group whose result holds the alarm value
	Group string
	// Index of the alarm value inside that group's result
	Index    int
	Target   transport.Target
	Inactive types.Value
}

// Counter reads one value, adds Step modulo Modulo and writes the result back
// to Target. Modulo 0 means no wrap.
type Counter struct {
	Group  string
	Index  int
	Target transport.Target
	Step   float64
	Modulo float64
}

// Next returns the value written after current was read.
func (c *Counter) Next(current types.Value) types.Value {
	next := current.Float() + c.Step
	if c.Modulo > 0 {
		next = math.Mod(next, c.Modulo)
		if next < 0 {
			next += c.Modulo
		}
	}
	return types.AnalogValue(next)
}

type Config struct {
	Groups      []transport.Group
	Interval    time.Duration
	ReadTimeout time.Duration
	AlarmClear  *AlarmClear
	Counter     *Counter
	Retry       transport.RetryPolicy
	// Once beendet Run nach dem ersten Zyklus
	Once bool
}

// Sink receives every successful group read.
type Sink interface {
	Observe(result GroupResult)
}

type SinkFunc func(result GroupResult)

func (f SinkFunc) Observe(result GroupResult) { f(result) }

type Client struct {
	adapter transport.Adapter
	cfg     Config
	logger  *zap.Logger
	sink    Sink
	cycles  atomic.Uint64
}

func NewClient(adapter transport.Adapter, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if ac := cfg.AlarmClear; ac != nil {
		if err := checkIndex(cfg.Groups, "alarm_clear", ac.Group, ac.Index); err != nil {
			return nil, err
		}
	}
	if ct := cfg.Counter; ct != nil {
		if err := checkIndex(cfg.Groups, "counter", ct.Group, ct.Index); err != nil {
			return nil, err
		}
	}

	return &Client{
		adapter: adapter,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

func checkIndex(groups []transport.Group, section, name string, index int) error {
	for _, g := range groups {
		if g.Name != name {
			continue
		}
		if index < 0 || index >= g.Size() {
			return &types.ConfigError{Section: section, Key: "index",
				Err: fmt.Errorf("index %d outside group %s of size %d", index, g.Name, g.Size())}
		}
		return nil
	}
	return &types.ConfigError{Section: section, Key: "group", Err: fmt.Errorf("unknown group %q", name)}
}

func (c *Client) SetSink(s Sink) {
	c.sink = s
}

func (c *Client) Cycles() uint64 {
	return c.cycles.Load()
}

// Run connects, then cycles until ctx is cancelled. The adapter is
// disconnected on every return path, including a failed connect.
func (c *Client) Run(ctx context.Context) error {
	defer func() {
		if err := c.adapter.Disconnect(); err != nil {
			c.logger.Warn("Disconnect failed", zap.String("adapter", c.adapter.Name()), zap.Error(err))
		}
		c.logger.Info("Poll client stopped",
			zap.String("adapter", c.adapter.Name()),
			zap.Uint64("cycles", c.cycles.Load()))
	}()

	if err := transport.ConnectWithRetry(ctx, c.adapter, c.cfg.Retry, c.logger); err != nil {
		return err
	}

	c.logger.Info("Poll client started",
		zap.String("adapter", c.adapter.Name()),
		zap.Int("groups", len(c.cfg.Groups)),
		zap.Duration("interval", c.cfg.Interval),
		zap.Bool("alarm_clear", c.cfg.AlarmClear != nil),
		zap.Bool("counter", c.cfg.Counter != nil))

	for {
		c.Cycle(ctx)
		if c.cfg.Once {
			return nil
		}

		timer := time.NewTimer(c.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Cycle runs one poll cycle. Errors never escape it; they are logged and
// recorded in the report.
func (c *Client) Cycle(ctx context.Context) Report {
	report := Report{Cycle: c.cycles.Add(1), Started: time.Now()}

	for _, group := range c.cfg.Groups {
		if ctx.Err() != nil {
			break
		}
		report.Results = append(report.Results, c.readGroup(ctx, group))
	}

	if ac := c.cfg.AlarmClear; ac != nil && ctx.Err() == nil {
		if res, ok := report.Result(ac.Group); ok {
			report.AlarmWrite = c.clearAlarm(ctx, ac, res)
		}
	}
	if ct := c.cfg.Counter; ct != nil && ctx.Err() == nil {
		if res, ok := report.Result(ct.Group); ok {
			report.CounterWrite = c.bumpCounter(ctx, ct, res)
		}
	}

	report.Duration = time.Since(report.Started)
	return report
}

func (c *Client) readGroup(ctx context.Context, group transport.Group) GroupResult {
	res := GroupResult{Group: group}

	if group.Size() == 0 {
		res.Skipped = true
		c.logger.Debug("Group skipped", zap.String("group", group.Name))
		return res
	}

	readCtx := ctx
	if c.cfg.ReadTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, c.cfg.ReadTimeout)
		defer cancel()
	}

	values, err := c.adapter.ReadGroup(readCtx, group)
	if err != nil {
		res.Err = err
		c.logger.Error("Group read failed",
			zap.String("adapter", c.adapter.Name()),
			zap.String("group", group.String()),
			zap.String("kind", transport.Classify(err)),
			zap.Error(err))
		return res
	}

	res.Values = values
	c.logger.Info("Group read",
		zap.String("adapter", c.adapter.Name()),
		zap.String("group", group.String()),
		zap.Any("values", values))

	if c.sink != nil {
		c.sink.Observe(res)
	}
	return res
}

// clearAlarm issues at most one write and only if the alarm read succeeded
// and reports an active alarm.
func (c *Client) clearAlarm(ctx context.Context, ac *AlarmClear, res GroupResult) *WriteResult {
	if !res.OK() {
		c.logger.Debug("Alarm clear skipped, alarm read unavailable", zap.String("group", ac.Group))
		return nil
	}
	if ac.Index >= len(res.Values) {
		c.logger.Warn("Alarm clear skipped, short read",
			zap.String("group", ac.Group),
			zap.Int("index", ac.Index),
			zap.Int("values", len(res.Values)))
		return nil
	}

	current := res.Values[ac.Index]
	if !current.IsActive() {
		return nil
	}

	inactive := ac.Inactive
	if ac.Target.WriteOnCondition != nil {
		inactive = *ac.Target.WriteOnCondition
	}

	wr := &WriteResult{Target: ac.Target, Value: inactive}
	wr.Err = c.adapter.WriteValue(ctx, ac.Target, inactive)
	if wr.Err != nil {
		c.logger.Error("Alarm clear failed",
			zap.String("target", ac.Target.Address),
			zap.String("kind", transport.Classify(wr.Err)),
			zap.Error(wr.Err))
		return wr
	}

	c.logger.Info("Alarm cleared",
		zap.String("target", ac.Target.Address),
		zap.Stringer("previous", current),
		zap.Stringer("written", inactive))
	return wr
}

// bumpCounter schreibt nur nach erfolgreichem Lesen, sonst würde ein alter
// Zählerstand überschrieben
func (c *Client) bumpCounter(ctx context.Context, ct *Counter, res GroupResult) *WriteResult {
	if !res.OK() || ct.Index >= len(res.Values) {
		c.logger.Debug("Counter write skipped, counter read unavailable", zap.String("group", ct.Group))
		return nil
	}

	current := res.Values[ct.Index]
	next := ct.Next(current)

	wr := &WriteResult{Target: ct.Target, Value: next}
	wr.Err = c.adapter.WriteValue(ctx, ct.Target, next)
	if wr.Err != nil {
		c.logger.Error("Counter write failed",
			zap.String("target", ct.Target.Address),
			zap.String("kind", transport.Classify(wr.Err)),
			zap.Error(wr.Err))
		return wr
	}

	c.logger.Info("Counter written",
		zap.String("target", ct.Target.Address),
		zap.Stringer("previous", current),
		zap.Stringer("written", next))
	return wr
}
