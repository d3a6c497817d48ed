package event

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const terminateEvent = `{
	"version": "0",
	"id": "468fe059-f4b7-445f-bb22-2a271b94974d",
	"detail-type": "EC2 Instance-terminate Lifecycle Action",
	"source": "aws.autoscaling",
	"detail": {
		"LifecycleActionToken": "630aa6ed-3f2b-4077-9277-2e61a944cf9d",
		"AutoScalingGroupName": "nomad-clients",
		"LifecycleHookName": "nomad-drain",
		"EC2InstanceId": "i-0123456789abcdef0",
		"LifecycleTransition": "autoscaling:EC2_INSTANCE_TERMINATING",
		"NotificationMetadata": "extra"
	}
}`

func TestParseTerminateEvent(t *testing.T) {
	detail, err := Parse([]byte(terminateEvent))
	require.NoError(t, err)

	assert.Equal(t, "i-0123456789abcdef0", detail.EC2InstanceID)
	assert.Equal(t, "nomad-clients", detail.AutoScalingGroupName)
	assert.Equal(t, "nomad-drain", detail.LifecycleHookName)
	assert.Equal(t, "630aa6ed-3f2b-4077-9277-2e61a944cf9d", detail.LifecycleActionToken)
	assert.Equal(t, "extra", detail.NotificationMetadata)
}

func TestParseBareDetail(t *testing.T) {
	raw := `{
		"LifecycleActionToken": "token",
		"AutoScalingGroupName": "nomad-clients",
		"LifecycleHookName": "nomad-drain",
		"EC2InstanceId": "i-0123456789abcdef0",
		"LifecycleTransition": "autoscaling:EC2_INSTANCE_TERMINATING"
	}`

	detail, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "i-0123456789abcdef0", detail.EC2InstanceID)
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"detail": `))

	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Contains(t, parseErr.Error(), "invalid JSON")
}

func TestParseRejectsLaunchTransition(t *testing.T) {
	raw := `{"detail": {
		"LifecycleActionToken": "token",
		"AutoScalingGroupName": "nomad-clients",
		"LifecycleHookName": "nomad-ready",
		"EC2InstanceId": "i-0123456789abcdef0",
		"LifecycleTransition": "autoscaling:EC2_INSTANCE_LAUNCHING"
	}}`

	_, err := Parse([]byte(raw))

	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Contains(t, parseErr.Error(), "instance terminating")
}

func TestParseRejectsMissingFields(t *testing.T) {
	missing := map[string]string{
		"EC2InstanceId":        `{"detail": {"LifecycleActionToken": "t", "AutoScalingGroupName": "g", "LifecycleHookName": "h", "LifecycleTransition": "autoscaling:EC2_INSTANCE_TERMINATING"}}`,
		"AutoScalingGroupName": `{"detail": {"LifecycleActionToken": "t", "LifecycleHookName": "h", "EC2InstanceId": "i-1", "LifecycleTransition": "autoscaling:EC2_INSTANCE_TERMINATING"}}`,
		"LifecycleHookName":    `{"detail": {"LifecycleActionToken": "t", "AutoScalingGroupName": "g", "EC2InstanceId": "i-1", "LifecycleTransition": "autoscaling:EC2_INSTANCE_TERMINATING"}}`,
		"LifecycleActionToken": `{"detail": {"AutoScalingGroupName": "g", "LifecycleHookName": "h", "EC2InstanceId": "i-1", "LifecycleTransition": "autoscaling:EC2_INSTANCE_TERMINATING"}}`,
	}

	for field, raw := range missing {
		_, err := Parse([]byte(raw))

		var parseErr *ParseError
		require.Truef(t, errors.As(err, &parseErr), "field %s", field)
		assert.Contains(t, parseErr.Error(), field)
	}
}
