// Package event parses the EC2 Auto Scaling lifecycle notification that
// triggers a drain.
package event

import (
	"encoding/json"
	"fmt"
)

// TerminatingTransition is the only lifecycle transition this handler acts
// on. Launch-side hooks have their own helpers.
const TerminatingTransition = "autoscaling:EC2_INSTANCE_TERMINATING"

// CloudwatchLifecycleEvent is the EventBridge envelope delivered to the
// Lambda function.
type CloudwatchLifecycleEvent struct {
	Detail Detail `json:"detail"`
}

// Detail holds the lifecycle action fields. See
// https://docs.aws.amazon.com/autoscaling/ec2/userguide/cloud-watch-events.html
type Detail struct {
	LifecycleActionToken string `json:"LifecycleActionToken"`
	AutoScalingGroupName string `json:"AutoScalingGroupName"`
	LifecycleHookName    string `json:"LifecycleHookName"`
	EC2InstanceID        string `json:"EC2InstanceId"`
	LifecycleTransition  string `json:"LifecycleTransition"`
	NotificationMetadata string `json:"NotificationMetadata"`
}

// ParseError indicates the trigger payload is unusable. There is no valid
// lifecycle action token to report against, so the caller must not attempt
// to complete or abandon the hook.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parsing lifecycle event: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("parsing lifecycle event: %s", e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse decodes and validates a raw lifecycle notification. It accepts
// either the full EventBridge envelope or a bare detail document.
func Parse(raw []byte) (*Detail, error) {
	var envelope CloudwatchLifecycleEvent
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &ParseError{Reason: "invalid JSON", Err: err}
	}

	detail := envelope.Detail
	if detail == (Detail{}) {
		if err := json.Unmarshal(raw, &detail); err != nil {
			return nil, &ParseError{Reason: "invalid JSON", Err: err}
		}
	}

	switch {
	case detail.EC2InstanceID == "":
		return nil, &ParseError{Reason: "missing EC2InstanceId"}
	case detail.AutoScalingGroupName == "":
		return nil, &ParseError{Reason: "missing AutoScalingGroupName"}
	case detail.LifecycleHookName == "":
		return nil, &ParseError{Reason: "missing LifecycleHookName"}
	case detail.LifecycleActionToken == "":
		return nil, &ParseError{Reason: "missing LifecycleActionToken"}
	case detail.LifecycleTransition != TerminatingTransition:
		return nil, &ParseError{
			Reason: fmt.Sprintf("expecting an instance terminating event, got %q", detail.LifecycleTransition),
		}
	}

	return &detail, nil
}
