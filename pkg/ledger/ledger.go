package ledger

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/oshpc/laasd/pkg/metrics"
)

// targetRetention bounds how long a committed target ID stays in the
// FSM's recent-targets set before aging out.
const targetRetention = 10 * time.Minute

// Config configures a single-node Log.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Log is a single-node raft-backed commit log recording task-target
// declarations, durable and ordered ahead of the scheduler's own bbolt
// writes. laasd runs exactly one voter: spec.md's explicit non-goal of
// multi-node horizontal scaling means there is never a second node to
// replicate to, so Join/AddVoter/RemoveServer (present on the teacher's
// Manager) have no role here and are not ported.
type Log struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *targetFSM
}

// New constructs a Log over cfg without starting raft; call Bootstrap.
func New(cfg Config) *Log {
	return &Log{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      newTargetFSM(targetRetention),
	}
}

// Bootstrap initializes a new single-node raft cluster rooted at
// l.dataDir, ready to Apply commands immediately afterward.
func (l *Log) Bootstrap() error {
	if err := os.MkdirAll(l.dataDir, 0o755); err != nil {
		return fmt.Errorf("ledger: create data dir: %w", err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(l.nodeID)

	addr, err := net.ResolveTCPAddr("tcp", l.bindAddr)
	if err != nil {
		return fmt.Errorf("ledger: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(l.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("ledger: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(l.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("ledger: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(l.dataDir, "ledger-log.db"))
	if err != nil {
		return fmt.Errorf("ledger: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(l.dataDir, "ledger-stable.db"))
	if err != nil {
		return fmt.Errorf("ledger: create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, l.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("ledger: create raft: %w", err)
	}
	l.raft = r

	future := l.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("ledger: bootstrap cluster: %w", err)
	}
	return nil
}

// apply marshals and commits cmd, recording its round-trip time under
// the ledger apply-duration metric.
func (l *Log) apply(cmd Command) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LedgerApplyDuration)

	if l.raft == nil {
		return fmt.Errorf("ledger: not bootstrapped")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("ledger: marshal command: %w", err)
	}
	future := l.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("ledger: apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// RecordTarget durably logs that id was declared a task target.
func (l *Log) RecordTarget(id string) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return l.apply(Command{Op: opTarget, Data: data})
}

// ForgetTarget durably removes id from the recent-targets set, called
// once a task reaches a terminal state and no longer needs a re-walk
// hint.
func (l *Log) ForgetTarget(id string) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return l.apply(Command{Op: opUntarget, Data: data})
}

// RecentTargets returns every task ID committed as a target within the
// retention window, for Scheduler.ResumeTargets to consult as a re-walk
// hint alongside its own bbolt scan.
func (l *Log) RecentTargets() []string {
	return l.fsm.recent()
}

// IsLeader reports whether this (only) node currently holds raft
// leadership — true once Bootstrap's single-voter election settles.
func (l *Log) IsLeader() bool {
	return l.raft != nil && l.raft.State() == raft.Leader
}

// Stats returns a small snapshot of raft's internal counters, surfaced
// on the status endpoint.
func (l *Log) Stats() map[string]any {
	if l.raft == nil {
		return nil
	}
	metrics.LedgerIsLeader.Set(boolToFloat(l.IsLeader()))
	return map[string]any{
		"state":           l.raft.State().String(),
		"last_log_index":  l.raft.LastIndex(),
		"applied_index":   l.raft.AppliedIndex(),
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Shutdown gracefully stops raft.
func (l *Log) Shutdown() error {
	if l.raft == nil {
		return nil
	}
	future := l.raft.Shutdown()
	return future.Error()
}
