// Package nomadnode resolves the Nomad node backing an EC2 instance and
// drains it.
package nomadnode

import (
	"context"
	"fmt"
	"time"

	nomadapi "github.com/hashicorp/nomad/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lawliet89/nomad-drain/internal/secret"
)

// Nomad fingerprints the backing EC2 instance into this node attribute.
const instanceIDAttribute = "unique.platform.aws.instance-id"

const (
	nodeStatusReady = "ready"
	nodeStatusDown  = "down"
)

// State of a drain as observed from the scheduler.
type State string

const (
	// StatePending means the drain has been requested but the scheduler
	// has not started it yet.
	StatePending State = "pending"
	// StateDraining means allocations are still being migrated away.
	StateDraining State = "draining"
	// StateComplete means the node holds no live allocations and the drain
	// strategy has been cleared.
	StateComplete State = "complete"
	// StateFailed means the scheduler cannot finish the drain, e.g. the
	// node went down with allocations still on it.
	StateFailed State = "failed"
)

// Status is a point-in-time observation of the drain.
type Status struct {
	State                State
	AllocationsRemaining int
}

// Terminal reports whether the drain reached a final state.
func (s Status) Terminal() bool {
	return s.State == StateComplete || s.State == StateFailed
}

// Incomplete reports whether the drain was still in progress when it was
// last observed. An incomplete drain at the deadline is not an error; the
// caller decides the lifecycle outcome.
func (s Status) Incomplete() bool {
	return !s.Terminal()
}

// DrainError is a failed drain operation. Ambiguous marks a resolution that
// matched more than one node, which must never be retried or guessed at.
type DrainError struct {
	Op        string
	Err       error
	Ambiguous bool
}

func (e *DrainError) Error() string {
	return fmt.Sprintf("nomad drain: %s: %s", e.Op, e.Err)
}

func (e *DrainError) Unwrap() error {
	return e.Err
}

// Config for the drain client.
type Config struct {
	// Address of the Nomad server, scheme included.
	Address string
	// Token authenticates against Nomad's API. Empty disables the token
	// header, for ACL-less clusters.
	Token secret.Secret
	// PollInterval between drain status observations.
	PollInterval time.Duration
	// DrainDeadline is passed to Nomad as the force deadline of the drain.
	DrainDeadline time.Duration
	// IgnoreSystemJobs leaves system job allocations in place during the
	// drain.
	IgnoreSystemJobs bool
	// MaxPollFailures bounds consecutive transient poll errors before the
	// drain is declared lost.
	MaxPollFailures int
}

// Drainer drives a node drain through the Nomad API.
type Drainer struct {
	cfg    Config
	client *nomadapi.Client
	logger zerolog.Logger
}

// New constructs a Drainer for the given cluster.
func New(cfg Config, logger zerolog.Logger) (*Drainer, error) {
	if cfg.Address == "" {
		return nil, errors.New("nomad address must not be empty")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = 10 * time.Minute
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 3
	}

	ncfg := nomadapi.DefaultConfig()
	ncfg.Address = cfg.Address
	ncfg.SecretID = cfg.Token.Value()
	client, err := nomadapi.NewClient(ncfg)
	if err != nil {
		return nil, errors.WithMessage(err, "building Nomad client")
	}
	return &Drainer{cfg: cfg, client: client, logger: logger}, nil
}

// ResolveNode finds the node whose fingerprinted instance id matches
// instanceID. An empty node id with a nil error means no ready node reported
// the instance: it already left the cluster and there is nothing to drain.
// More than one match is fatal.
func (d *Drainer) ResolveNode(ctx context.Context, instanceID string) (string, error) {
	stubs, _, err := d.client.Nodes().List(d.queryOpts(ctx))
	if err != nil {
		return "", &DrainError{Op: "list nodes", Err: err}
	}

	var matches []string
	for _, stub := range stubs {
		if stub.Status != nodeStatusReady {
			continue
		}
		node, _, err := d.client.Nodes().Info(stub.ID, d.queryOpts(ctx))
		if err != nil {
			return "", &DrainError{Op: "node info", Err: err}
		}
		if node.Attributes[instanceIDAttribute] == instanceID {
			matches = append(matches, node.ID)
		}
	}

	switch len(matches) {
	case 0:
		d.logger.Info().Str("instance_id", instanceID).
			Msg("no ready node reports this instance id; treating as already drained")
		return "", nil
	case 1:
		return matches[0], nil
	default:
		return "", &DrainError{
			Op:        "resolve",
			Err:       errors.Errorf("%d nodes report instance id %s", len(matches), instanceID),
			Ambiguous: true,
		}
	}
}

// Drain marks the node ineligible for new allocations and starts a drain
// with the configured deadline.
func (d *Drainer) Drain(ctx context.Context, nodeID string) error {
	d.logger.Info().Str("node_id", nodeID).Msg("marking node ineligible")
	if _, err := d.client.Nodes().ToggleEligibility(nodeID, false, d.writeOpts(ctx)); err != nil {
		return &DrainError{Op: "toggle eligibility", Err: err}
	}

	d.logger.Info().
		Str("node_id", nodeID).
		Dur("drain_deadline", d.cfg.DrainDeadline).
		Bool("ignore_system_jobs", d.cfg.IgnoreSystemJobs).
		Msg("starting node drain")
	_, err := d.client.Nodes().UpdateDrainOpts(nodeID, &nomadapi.DrainOptions{
		DrainSpec: &nomadapi.DrainSpec{
			Deadline:         d.cfg.DrainDeadline,
			IgnoreSystemJobs: d.cfg.IgnoreSystemJobs,
		},
	}, d.writeOpts(ctx))
	if err != nil {
		return &DrainError{Op: "update drain", Err: err}
	}
	return nil
}

// Await polls the drain until it reaches a terminal state or the deadline
// passes, whichever comes first. onPoll is invoked after every successful
// observation, before the next sleep. The status last observed before the
// deadline is returned; it may be incomplete.
func (d *Drainer) Await(ctx context.Context, nodeID string, deadline time.Time, onPoll func(Status)) (Status, error) {
	last := Status{State: StatePending}
	failures := 0

	for {
		status, err := d.observe(ctx, nodeID)
		if err != nil {
			failures++
			if failures >= d.cfg.MaxPollFailures {
				return last, &DrainError{Op: "poll", Err: err}
			}
			d.logger.Warn().Err(err).Int("consecutive_failures", failures).
				Msg("drain status poll failed")
		} else {
			failures = 0
			last = status
			d.logger.Info().
				Str("state", string(status.State)).
				Int("allocations_remaining", status.AllocationsRemaining).
				Msg("drain status")
			if onPoll != nil {
				onPoll(status)
			}
			if status.Terminal() {
				return status, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return last, nil
		}
		sleep := d.cfg.PollInterval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return last, nil
		case <-time.After(sleep):
		}
	}
}

func (d *Drainer) observe(ctx context.Context, nodeID string) (Status, error) {
	node, _, err := d.client.Nodes().Info(nodeID, d.queryOpts(ctx))
	if err != nil {
		return Status{}, errors.WithMessage(err, "node info")
	}
	allocs, _, err := d.client.Nodes().Allocations(nodeID, d.queryOpts(ctx))
	if err != nil {
		return Status{}, errors.WithMessage(err, "node allocations")
	}

	live := 0
	for _, alloc := range allocs {
		switch alloc.ClientStatus {
		case nomadapi.AllocClientStatusPending, nomadapi.AllocClientStatusRunning:
			live++
		}
	}

	switch {
	case node.Status == nodeStatusDown && live > 0:
		return Status{State: StateFailed, AllocationsRemaining: live}, nil
	case node.DrainStrategy != nil:
		return Status{State: StateDraining, AllocationsRemaining: live}, nil
	case live > 0 || node.SchedulingEligibility != nomadapi.NodeSchedulingIneligible:
		// Drain requested but the scheduler has not picked it up yet.
		return Status{State: StatePending, AllocationsRemaining: live}, nil
	default:
		return Status{State: StateComplete}, nil
	}
}

func (d *Drainer) queryOpts(ctx context.Context) *nomadapi.QueryOptions {
	return (&nomadapi.QueryOptions{}).WithContext(ctx)
}

func (d *Drainer) writeOpts(ctx context.Context) *nomadapi.WriteOptions {
	return (&nomadapi.WriteOptions{}).WithContext(ctx)
}
