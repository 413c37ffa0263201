package provisioning

import (
	"net"
	"time"

	"github.com/oshpc/laasd/pkg/taskrun"
)

// pollInterval is how often a reachability poll retries a failed dial,
// matching the short poll loop WaitReachable uses in the original
// rather than a single all-or-nothing attempt.
const pollInterval = 2 * time.Second

// pollUntilReachable dials addr repeatedly until it succeeds or
// deadline elapses, returning the last dial error on timeout.
func pollUntilReachable(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return lastErr
		}
		time.Sleep(pollInterval)
	}
}

// waitReachableTask blocks until endpoint accepts a TCP connection,
// grounded on deploy_booking/set_boot.rs's WaitReachable spawn that
// gates every out-of-band management call on the IPMI endpoint first
// answering.
type waitReachableTask struct {
	Endpoint      string
	TimeoutSeconds int
}

func (waitReachableTask) Identifier() taskrun.TaskIdentifier {
	return taskrun.TaskIdentifier{Name: "provisioning.wait-reachable", Version: 1}
}

func (t waitReachableTask) Run(*taskrun.Context) (any, *taskrun.TaskError) {
	if err := pollUntilReachable(t.Endpoint, time.Duration(t.TimeoutSeconds)*time.Second); err != nil {
		return nil, taskrun.Reason("endpoint %s never became reachable: %v", t.Endpoint, err)
	}
	return t.Endpoint, nil
}

func (t waitReachableTask) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds)*time.Second + 30*time.Second
}

func (waitReachableTask) RetryCount() int { return 0 }

func (t waitReachableTask) Summarize(id string) string {
	return "wait-reachable " + t.Endpoint + " (" + id + ")"
}

// waitHostOSReachableTask blocks until the provisioned host's own SSH
// port answers, the final confirmation step before DeployHost considers
// an instance ready, distinct from waitReachableTask which only ever
// targets out-of-band management endpoints.
type waitHostOSReachableTask struct {
	Address        string // host:port, typically <fqdn>:22
	TimeoutSeconds int
}

func (waitHostOSReachableTask) Identifier() taskrun.TaskIdentifier {
	return taskrun.TaskIdentifier{Name: "provisioning.wait-host-os-reachable", Version: 1}
}

func (t waitHostOSReachableTask) Run(*taskrun.Context) (any, *taskrun.TaskError) {
	if err := pollUntilReachable(t.Address, time.Duration(t.TimeoutSeconds)*time.Second); err != nil {
		return nil, taskrun.Reason("host OS at %s never became reachable: %v", t.Address, err)
	}
	return t.Address, nil
}

func (t waitHostOSReachableTask) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds)*time.Second + 30*time.Second
}

func (waitHostOSReachableTask) RetryCount() int { return 0 }

func (t waitHostOSReachableTask) Summarize(id string) string {
	return "wait-host-os-reachable " + t.Address + " (" + id + ")"
}
