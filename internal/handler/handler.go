// Package handler wires event parsing, credential exchange, node draining
// and lifecycle reporting into a single Lambda invocation.
package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lawliet89/nomad-drain/internal/event"
	"github.com/lawliet89/nomad-drain/internal/lifecycle"
	"github.com/lawliet89/nomad-drain/internal/nomadnode"
	"github.com/lawliet89/nomad-drain/internal/secret"
	"github.com/lawliet89/nomad-drain/internal/vaultauth"
)

// Result is returned to the Lambda runtime on success.
type Result struct {
	InstanceID string    `json:"instance_id"`
	NodeID     string    `json:"node_id,omitempty"`
	Outcome    string    `json:"outcome"`
	Timestamp  time.Time `json:"timestamp"`
}

// Handler processes one lifecycle notification per invocation. It holds no
// state between invocations; every run authenticates fresh.
type Handler struct {
	cfg    Config
	sess   client.ConfigProvider
	asg    lifecycle.AutoScalingAPI
	logger zerolog.Logger
}

// New constructs a Handler. sess provides AWS credentials for both the
// Vault identity assertion and the Auto Scaling calls.
func New(cfg Config, sess client.ConfigProvider, asg lifecycle.AutoScalingAPI, logger zerolog.Logger) *Handler {
	return &Handler{cfg: cfg, sess: sess, asg: asg, logger: logger}
}

// Handle drives the drain for one lifecycle event. An unparseable event
// fails the invocation outright: without a valid action token there is no
// lifecycle action to report. Every other failure reports ABANDON before
// returning, so the Auto Scaling group is never left waiting on the hook.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (*Result, error) {
	detail, err := event.Parse(raw)
	if err != nil {
		h.logger.Error().Err(err).Msg("unusable trigger payload")
		return nil, err
	}

	logger := h.logger.With().
		Str("instance_id", detail.EC2InstanceID).
		Str("autoscaling_group", detail.AutoScalingGroupName).
		Str("lifecycle_hook", detail.LifecycleHookName).
		Logger()
	logger.Info().Msg("instance is being terminated")
	if detail.NotificationMetadata != "" {
		logger.Debug().Str("notification_metadata", detail.NotificationMetadata).Msg("hook metadata")
	}

	coord := lifecycle.NewCoordinator(h.asg, detail, lifecycle.Config{
		SafetyMargin:       h.cfg.SafetyMargin,
		HeartbeatThreshold: h.cfg.HeartbeatThreshold,
		MaxHeartbeats:      h.cfg.MaxHeartbeats,
		DefaultHookTimeout: h.cfg.DefaultHookTimeout,
	}, logger)
	deadline := coord.Start(ctx)

	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	abandon := func(cause error) (*Result, error) {
		logger.Error().Err(cause).Msg("abandoning lifecycle action")
		if rerr := coord.Report(ctx, lifecycle.OutcomeAbandon); rerr != nil {
			logger.Error().Err(rerr).Msg("reporting ABANDON failed")
		}
		return nil, cause
	}

	coord.Transition(lifecycle.StateAuthenticating)
	var token secret.Secret
	if h.cfg.UseNomadToken {
		exchanger, err := vaultauth.New(vaultauth.Config{
			VaultAddress:    h.cfg.VaultAddress,
			AuthPath:        h.cfg.VaultAuthPath,
			AuthRole:        h.cfg.VaultAuthRole,
			AuthHeaderValue: h.cfg.VaultAuthHeaderValue,
			NomadPath:       h.cfg.VaultNomadPath,
			NomadRole:       h.cfg.VaultNomadRole,
			VaultToken:      h.cfg.VaultToken,
			NomadToken:      h.cfg.NomadToken,
		}, h.sess, logger.With().Str("component", "vaultauth").Logger())
		if err != nil {
			return abandon(err)
		}
		scoped, err := exchanger.Login(dctx)
		if err != nil {
			return abandon(err)
		}
		defer scoped.Revoke(ctx, logger)
		token = scoped.Value
	}

	drainDeadline := h.cfg.DrainDeadline
	if remaining := time.Until(deadline); remaining < drainDeadline {
		drainDeadline = remaining
	}
	drainer, err := nomadnode.New(nomadnode.Config{
		Address:          h.cfg.NomadAddress,
		Token:            token,
		PollInterval:     h.cfg.PollInterval,
		DrainDeadline:    drainDeadline,
		IgnoreSystemJobs: h.cfg.IgnoreSystemJobs,
	}, logger.With().Str("component", "nomadnode").Logger())
	if err != nil {
		return abandon(err)
	}

	coord.Transition(lifecycle.StateDraining)
	nodeID, err := drainer.ResolveNode(dctx, detail.EC2InstanceID)
	if err != nil {
		return abandon(err)
	}
	if nodeID == "" {
		// The node already deregistered; nothing left to drain.
		if err := coord.Report(ctx, lifecycle.OutcomeComplete); err != nil {
			return nil, err
		}
		return h.result(detail, "", lifecycle.OutcomeComplete), nil
	}

	if err := drainer.Drain(dctx, nodeID); err != nil {
		return abandon(err)
	}

	status, err := drainer.Await(dctx, nodeID, deadline, func(nomadnode.Status) {
		coord.MaybeHeartbeat(dctx)
	})
	if err != nil {
		return abandon(err)
	}

	switch {
	case status.State == nomadnode.StateComplete:
		if err := coord.Report(ctx, lifecycle.OutcomeComplete); err != nil {
			return nil, err
		}
		logger.Info().Str("node_id", nodeID).Msg("node drained")
		return h.result(detail, nodeID, lifecycle.OutcomeComplete), nil
	case status.State == nomadnode.StateFailed:
		return abandon(errors.Errorf("scheduler reported drain failed with %d allocations remaining", status.AllocationsRemaining))
	default:
		return abandon(errors.Errorf("deadline reached with drain %s and %d allocations remaining", status.State, status.AllocationsRemaining))
	}
}

func (h *Handler) result(detail *event.Detail, nodeID string, outcome lifecycle.Outcome) *Result {
	return &Result{
		InstanceID: detail.EC2InstanceID,
		NodeID:     nodeID,
		Outcome:    string(outcome),
		Timestamp:  time.Now().UTC(),
	}
}
