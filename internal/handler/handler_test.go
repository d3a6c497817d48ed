package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awscreds "github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lawliet89/nomad-drain/internal/event"
	"github.com/lawliet89/nomad-drain/internal/nomadnode"
)

func triggerEvent(instanceID string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"detail": {
		"LifecycleActionToken": "token-1",
		"AutoScalingGroupName": "nomad-clients",
		"LifecycleHookName": "nomad-drain",
		"EC2InstanceId": %q,
		"LifecycleTransition": "autoscaling:EC2_INSTANCE_TERMINATING"
	}}`, instanceID))
}

type fakeASG struct {
	mu          sync.Mutex
	hookTimeout int64
	completed   []string // lifecycle action results, in order
	heartbeats  int
	lastBeat    time.Time
}

func (f *fakeASG) CompleteLifecycleActionWithContext(_ aws.Context, input *autoscaling.CompleteLifecycleActionInput, _ ...request.Option) (*autoscaling.CompleteLifecycleActionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, aws.StringValue(input.LifecycleActionResult))
	return &autoscaling.CompleteLifecycleActionOutput{}, nil
}

func (f *fakeASG) RecordLifecycleActionHeartbeatWithContext(_ aws.Context, _ *autoscaling.RecordLifecycleActionHeartbeatInput, _ ...request.Option) (*autoscaling.RecordLifecycleActionHeartbeatOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	f.lastBeat = time.Now()
	return &autoscaling.RecordLifecycleActionHeartbeatOutput{}, nil
}

func (f *fakeASG) DescribeLifecycleHooksWithContext(_ aws.Context, _ *autoscaling.DescribeLifecycleHooksInput, _ ...request.Option) (*autoscaling.DescribeLifecycleHooksOutput, error) {
	return &autoscaling.DescribeLifecycleHooksOutput{
		LifecycleHooks: []*autoscaling.LifecycleHook{
			{HeartbeatTimeout: aws.Int64(f.hookTimeout)},
		},
	}, nil
}

func (f *fakeASG) outcomes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

func (f *fakeASG) heartbeatStats() (int, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats, f.lastBeat
}

// fakeCluster serves enough of the Nomad API for a scripted drain. Nodes
// maps node id to instance id; drains records drain requests; the drain
// reports done after completeAfter status polls.
type fakeCluster struct {
	mu            sync.Mutex
	nodes         map[string]string
	drains        []string
	polls         int
	completeAfter int // <0 means the drain never finishes
	nodeDown      bool
}

func (f *fakeCluster) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/nodes", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		stubs := []map[string]interface{}{}
		for id := range f.nodes {
			stubs = append(stubs, map[string]interface{}{"ID": id, "Status": "ready"})
		}
		json.NewEncoder(w).Encode(stubs)
	})
	mux.HandleFunc("/v1/node/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/node/")
		rest := ""
		if i := strings.Index(id, "/"); i >= 0 {
			id, rest = id[:i], id[i:]
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		switch rest {
		case "":
			node := map[string]interface{}{
				"ID":                    id,
				"Status":                "ready",
				"SchedulingEligibility": "ineligible",
				"Attributes":            map[string]string{"unique.platform.aws.instance-id": f.nodes[id]},
			}
			if f.nodeDown {
				node["Status"] = "down"
			} else if len(f.drains) > 0 && !f.drainDone() {
				node["DrainStrategy"] = map[string]interface{}{
					"DrainSpec": map[string]interface{}{"Deadline": int64(time.Minute)},
				}
			}
			json.NewEncoder(w).Encode(node)
		case "/allocations":
			allocs := []map[string]interface{}{}
			if !f.drainDone() {
				allocs = append(allocs, map[string]interface{}{"ID": "alloc-1", "ClientStatus": "running"})
			}
			f.polls++
			json.NewEncoder(w).Encode(allocs)
		case "/eligibility", "/drain":
			if rest == "/drain" {
				f.drains = append(f.drains, id)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"EvalIDs": []string{}})
		default:
			http.NotFound(w, r)
		}
	})
	return httptest.NewServer(mux)
}

func (f *fakeCluster) drainDone() bool {
	return f.completeAfter >= 0 && f.polls >= f.completeAfter
}

func (f *fakeCluster) drainCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drains)
}

func newVaultServer(t *testing.T, logins *int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/aws/login", func(w http.ResponseWriter, r *http.Request) {
		*logins++
		fmt.Fprint(w, `{"auth": {"client_token": "s.vault-token", "lease_duration": 300}}`)
	})
	mux.HandleFunc("/v1/nomad/creds/drainer", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"lease_id": "nomad/creds/drainer/x", "lease_duration": 600, "data": {"secret_id": "nomad-token"}}`)
	})
	mux.HandleFunc("/v1/sys/leases/revoke", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/auth/token/revoke-self", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return httptest.NewServer(mux)
}

func testConfig(nomadAddr string) Config {
	return Config{
		NomadAddress:       nomadAddr,
		UseNomadToken:      false,
		DrainDeadline:      time.Minute,
		PollInterval:       20 * time.Millisecond,
		SafetyMargin:       200 * time.Millisecond,
		HeartbeatThreshold: 500 * time.Millisecond,
		MaxHeartbeats:      10,
		DefaultHookTimeout: time.Minute,
	}
}

func newHandler(t *testing.T, cfg Config, asg *fakeASG) *Handler {
	t.Helper()
	sess := session.Must(session.NewSession(
		aws.NewConfig().
			WithRegion("us-east-1").
			WithCredentials(awscreds.NewStaticCredentials("test_key", "test_secret", "")),
	))
	return New(cfg, sess, asg, zerolog.Nop())
}

func TestDrainCompletesWithinBudget(t *testing.T) {
	cluster := &fakeCluster{nodes: map[string]string{"node-1": "i-123"}, completeAfter: 3}
	nomad := cluster.server()
	defer nomad.Close()

	var logins int
	vault := newVaultServer(t, &logins)
	defer vault.Close()

	asg := &fakeASG{hookTimeout: 60}
	cfg := testConfig(nomad.URL)
	cfg.UseNomadToken = true
	cfg.VaultAddress = vault.URL
	cfg.VaultAuthRole = "drainer"
	cfg.VaultNomadRole = "drainer"

	result, err := newHandler(t, cfg, asg).Handle(context.Background(), triggerEvent("i-123"))
	require.NoError(t, err)

	assert.Equal(t, "i-123", result.InstanceID)
	assert.Equal(t, "node-1", result.NodeID)
	assert.Equal(t, "CONTINUE", result.Outcome)
	assert.Equal(t, 1, logins)
	assert.Equal(t, 1, cluster.drainCount())
	assert.Equal(t, []string{"CONTINUE"}, asg.outcomes(), "lifecycle token consumed exactly once")
}

func TestNodeAlreadyGoneIsIdempotentSuccess(t *testing.T) {
	cluster := &fakeCluster{nodes: map[string]string{"node-2": "i-456"}, completeAfter: 0}
	nomad := cluster.server()
	defer nomad.Close()

	asg := &fakeASG{hookTimeout: 60}
	result, err := newHandler(t, testConfig(nomad.URL), asg).Handle(context.Background(), triggerEvent("i-123"))
	require.NoError(t, err)

	assert.Equal(t, "CONTINUE", result.Outcome)
	assert.Empty(t, result.NodeID)
	assert.Zero(t, cluster.drainCount(), "no drain must be issued for an absent node")
	assert.Equal(t, []string{"CONTINUE"}, asg.outcomes())
}

func TestAmbiguousNodeAbandonsWithoutDraining(t *testing.T) {
	cluster := &fakeCluster{nodes: map[string]string{"node-1": "i-123", "node-2": "i-123"}}
	nomad := cluster.server()
	defer nomad.Close()

	asg := &fakeASG{hookTimeout: 60}
	_, err := newHandler(t, testConfig(nomad.URL), asg).Handle(context.Background(), triggerEvent("i-123"))

	var drainErr *nomadnode.DrainError
	require.True(t, errors.As(err, &drainErr))
	assert.True(t, drainErr.Ambiguous)
	assert.Zero(t, cluster.drainCount(), "an ambiguous target must never be drained")
	assert.Equal(t, []string{"ABANDON"}, asg.outcomes())
}

func TestDeadlineExpiryAbandonsAfterHeartbeat(t *testing.T) {
	cluster := &fakeCluster{nodes: map[string]string{"node-1": "i-123"}, completeAfter: -1}
	nomad := cluster.server()
	defer nomad.Close()

	// One second of budget, 200ms margin: the drain never finishes.
	asg := &fakeASG{hookTimeout: 1}
	start := time.Now()
	_, err := newHandler(t, testConfig(nomad.URL), asg).Handle(context.Background(), triggerEvent("i-123"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadline reached")

	assert.Equal(t, []string{"ABANDON"}, asg.outcomes())
	beats, lastBeat := asg.heartbeatStats()
	assert.Equal(t, 1, beats, "threshold window admits exactly one heartbeat")
	deadline := start.Add(800 * time.Millisecond)
	assert.True(t, lastBeat.Before(deadline), "last heartbeat must precede the deadline")
}

func TestSchedulerReportedFailureAbandons(t *testing.T) {
	cluster := &fakeCluster{nodes: map[string]string{"node-1": "i-123"}, completeAfter: -1, nodeDown: true}
	nomad := cluster.server()
	defer nomad.Close()

	asg := &fakeASG{hookTimeout: 60}
	_, err := newHandler(t, testConfig(nomad.URL), asg).Handle(context.Background(), triggerEvent("i-123"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain failed")
	assert.Equal(t, []string{"ABANDON"}, asg.outcomes())
}

func TestUnknownRoleAbandonsWithoutRetry(t *testing.T) {
	var logins int
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/aws/login", func(w http.ResponseWriter, r *http.Request) {
		logins++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"errors": ["entry for role unknown-role not found"]}`)
	})
	vault := httptest.NewServer(mux)
	defer vault.Close()

	cluster := &fakeCluster{nodes: map[string]string{"node-1": "i-123"}}
	nomad := cluster.server()
	defer nomad.Close()

	asg := &fakeASG{hookTimeout: 60}
	cfg := testConfig(nomad.URL)
	cfg.UseNomadToken = true
	cfg.VaultAddress = vault.URL
	cfg.VaultAuthRole = "unknown-role"
	cfg.VaultNomadRole = "drainer"

	_, err := newHandler(t, cfg, asg).Handle(context.Background(), triggerEvent("i-123"))
	require.Error(t, err)

	assert.Equal(t, 1, logins, "misconfiguration must not be retried")
	assert.Equal(t, []string{"ABANDON"}, asg.outcomes())
	assert.Zero(t, cluster.drainCount())
}

func TestMalformedEventReportsNothing(t *testing.T) {
	asg := &fakeASG{hookTimeout: 60}
	_, err := newHandler(t, testConfig("http://127.0.0.1:1"), asg).Handle(context.Background(), json.RawMessage(`{"detail": {}}`))

	var parseErr *event.ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Empty(t, asg.outcomes(), "no token was parsed, so no lifecycle action may be reported")
	beats, _ := asg.heartbeatStats()
	assert.Zero(t, beats)
}
