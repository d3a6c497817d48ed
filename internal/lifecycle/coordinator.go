// Package lifecycle reports drain outcomes back to the Auto Scaling group
// and keeps the lifecycle hook alive while the drain runs.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lawliet89/nomad-drain/internal/event"
)

// Outcome is the lifecycle action result reported to the Auto Scaling
// group.
type Outcome string

const (
	// OutcomeComplete lets the scale-in proceed.
	OutcomeComplete Outcome = "CONTINUE"
	// OutcomeAbandon fails the scale-in for this instance. It is the
	// conservative default: never terminate a node that may still hold
	// live allocations.
	OutcomeAbandon Outcome = "ABANDON"
)

// State of a single invocation.
type State string

const (
	StateStarted        State = "started"
	StateAuthenticating State = "authenticating"
	StateDraining       State = "draining"
	StateReporting      State = "reporting"
	StateDone           State = "done"
)

// ErrAlreadyReported means a second outcome was reported for the same
// lifecycle action token. The token is single-use; this is a programming
// error, not something to retry.
var ErrAlreadyReported = errors.New("lifecycle outcome already reported for this action token")

// AutoScalingAPI is the subset of the Auto Scaling client the coordinator
// uses.
type AutoScalingAPI interface {
	CompleteLifecycleActionWithContext(aws.Context, *autoscaling.CompleteLifecycleActionInput, ...request.Option) (*autoscaling.CompleteLifecycleActionOutput, error)
	RecordLifecycleActionHeartbeatWithContext(aws.Context, *autoscaling.RecordLifecycleActionHeartbeatInput, ...request.Option) (*autoscaling.RecordLifecycleActionHeartbeatOutput, error)
	DescribeLifecycleHooksWithContext(aws.Context, *autoscaling.DescribeLifecycleHooksInput, ...request.Option) (*autoscaling.DescribeLifecycleHooksOutput, error)
}

// Config for the coordinator.
type Config struct {
	// SafetyMargin is subtracted from the hook timeout so the outcome can
	// be reported before the hook expires on its own.
	SafetyMargin time.Duration
	// HeartbeatThreshold is the remaining budget below which heartbeats
	// are issued.
	HeartbeatThreshold time.Duration
	// MaxHeartbeats bounds heartbeat emission; the Auto Scaling group
	// enforces its own cap as well.
	MaxHeartbeats int
	// DefaultHookTimeout is used when the hook's configured timeout
	// cannot be looked up.
	DefaultHookTimeout time.Duration
}

// Coordinator owns the invocation's deadline and its one lifecycle outcome.
// The deadline is computed exactly once at Start and consulted everywhere
// else; nothing recomputes it from the wall clock.
type Coordinator struct {
	api    AutoScalingAPI
	detail *event.Detail
	cfg    Config
	logger zerolog.Logger

	mu            sync.Mutex
	state         State
	deadline      time.Time
	heartbeats    int
	lastHeartbeat time.Time
	reported      bool
	inflight      sync.WaitGroup
}

// NewCoordinator builds a Coordinator for one lifecycle event.
func NewCoordinator(api AutoScalingAPI, detail *event.Detail, cfg Config, logger zerolog.Logger) *Coordinator {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 30 * time.Second
	}
	if cfg.HeartbeatThreshold <= 0 {
		cfg.HeartbeatThreshold = time.Minute
	}
	if cfg.MaxHeartbeats <= 0 {
		cfg.MaxHeartbeats = 10
	}
	if cfg.DefaultHookTimeout <= 0 {
		cfg.DefaultHookTimeout = 10 * time.Minute
	}
	return &Coordinator{
		api:    api,
		detail: detail,
		cfg:    cfg,
		logger: logger,
		state:  StateStarted,
	}
}

// Start fixes the invocation deadline: the lifecycle hook's heartbeat
// timeout, clamped to the Lambda context deadline when one is set, minus
// the safety margin.
func (c *Coordinator) Start(ctx context.Context) time.Time {
	budget := c.hookTimeout(ctx)
	if ctxDeadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(ctxDeadline); remaining < budget {
			budget = remaining
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = time.Now().Add(budget - c.cfg.SafetyMargin)
	c.logger.Info().
		Time("deadline", c.deadline).
		Dur("budget", budget).
		Msg("invocation deadline fixed")
	return c.deadline
}

func (c *Coordinator) hookTimeout(ctx context.Context) time.Duration {
	out, err := c.api.DescribeLifecycleHooksWithContext(ctx, &autoscaling.DescribeLifecycleHooksInput{
		AutoScalingGroupName: aws.String(c.detail.AutoScalingGroupName),
		LifecycleHookNames:   aws.StringSlice([]string{c.detail.LifecycleHookName}),
	})
	if err != nil || len(out.LifecycleHooks) != 1 || out.LifecycleHooks[0].HeartbeatTimeout == nil {
		c.logger.Warn().Err(err).
			Dur("default", c.cfg.DefaultHookTimeout).
			Msg("could not determine lifecycle hook timeout; using default")
		return c.cfg.DefaultHookTimeout
	}
	return time.Duration(aws.Int64Value(out.LifecycleHooks[0].HeartbeatTimeout)) * time.Second
}

// Deadline returns the fixed invocation deadline. Zero before Start.
func (c *Coordinator) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

// Transition records a state change. Pure bookkeeping for logs.
func (c *Coordinator) Transition(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	c.logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("state transition")
}

// MaybeHeartbeat extends the lifecycle hook when the remaining budget has
// dropped below the threshold, at most once per threshold window. Emission
// is asynchronous and best-effort: failures are logged and never abort the
// drain. No heartbeat is issued once the outcome has been reported.
func (c *Coordinator) MaybeHeartbeat(ctx context.Context) {
	c.mu.Lock()
	remaining := time.Until(c.deadline)
	switch {
	case c.reported,
		c.heartbeats >= c.cfg.MaxHeartbeats,
		remaining <= 0, // too late to buy time
		remaining > c.cfg.HeartbeatThreshold,
		!c.lastHeartbeat.IsZero() && time.Since(c.lastHeartbeat) < c.cfg.HeartbeatThreshold:
		c.mu.Unlock()
		return
	default:
		c.heartbeats++
		c.lastHeartbeat = time.Now()
	}
	count := c.heartbeats
	c.inflight.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()

		c.mu.Lock()
		decided := c.reported
		c.mu.Unlock()
		if decided {
			return
		}

		_, err := c.api.RecordLifecycleActionHeartbeatWithContext(ctx, &autoscaling.RecordLifecycleActionHeartbeatInput{
			AutoScalingGroupName: aws.String(c.detail.AutoScalingGroupName),
			InstanceId:           aws.String(c.detail.EC2InstanceID),
			LifecycleActionToken: aws.String(c.detail.LifecycleActionToken),
			LifecycleHookName:    aws.String(c.detail.LifecycleHookName),
		})
		if err != nil {
			c.logger.Warn().Err(err).Int("heartbeat", count).Msg("lifecycle heartbeat failed")
			return
		}
		c.logger.Info().Int("heartbeat", count).Msg("lifecycle hook heartbeat recorded")
	}()
}

// Report submits the terminal outcome. The lifecycle action token is
// single-use: exactly one outcome per event, and further heartbeats are
// disallowed from the moment the outcome is decided.
func (c *Coordinator) Report(ctx context.Context, outcome Outcome) error {
	c.mu.Lock()
	if c.reported {
		c.mu.Unlock()
		return ErrAlreadyReported
	}
	c.reported = true
	c.state = StateReporting
	c.mu.Unlock()

	// Wait for any heartbeat already past its reported-check so it cannot
	// land after the single-use action token is consumed. Heartbeat
	// goroutines never call Report, so this cannot deadlock.
	c.inflight.Wait()

	c.logger.Info().Str("outcome", string(outcome)).Msg("reporting lifecycle outcome")
	_, err := c.api.CompleteLifecycleActionWithContext(ctx, &autoscaling.CompleteLifecycleActionInput{
		AutoScalingGroupName:  aws.String(c.detail.AutoScalingGroupName),
		InstanceId:            aws.String(c.detail.EC2InstanceID),
		LifecycleActionResult: aws.String(string(outcome)),
		LifecycleActionToken:  aws.String(c.detail.LifecycleActionToken),
		LifecycleHookName:     aws.String(c.detail.LifecycleHookName),
	})
	if err != nil {
		return errors.WithMessage(err, "CompleteLifecycleAction")
	}

	c.Transition(StateDone)
	return nil
}

// Heartbeats returns how many heartbeats have been issued.
func (c *Coordinator) Heartbeats() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeats
}
