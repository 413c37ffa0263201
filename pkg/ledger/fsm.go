package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// Command is one entry in the commit log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opTarget   = "target"
	opUntarget = "untarget"
)

// targetFSM tracks the set of task IDs most recently declared as
// targets, aged out after retentionWindow so the set stays small
// rather than growing unbounded over a long-lived process.
type targetFSM struct {
	mu             sync.RWMutex
	targets        map[string]time.Time
	retentionWindow time.Duration
}

func newTargetFSM(retention time.Duration) *targetFSM {
	return &targetFSM{targets: make(map[string]time.Time), retentionWindow: retention}
}

func (f *targetFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("ledger: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var id string
	if err := json.Unmarshal(cmd.Data, &id); err != nil {
		return fmt.Errorf("ledger: unmarshal command data: %w", err)
	}

	switch cmd.Op {
	case opTarget:
		f.targets[id] = time.Now()
	case opUntarget:
		delete(f.targets, id)
	default:
		return fmt.Errorf("ledger: unknown command %q", cmd.Op)
	}
	return nil
}

// recent returns every tracked target ID not yet aged out.
func (f *targetFSM) recent() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cutoff := time.Now().Add(-f.retentionWindow)
	out := make([]string, 0, len(f.targets))
	for id, at := range f.targets {
		if at.After(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

func (f *targetFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap := make(map[string]time.Time, len(f.targets))
	for k, v := range f.targets {
		snap[k] = v
	}
	return &targetSnapshot{targets: snap}, nil
}

func (f *targetFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var targets map[string]time.Time
	if err := json.NewDecoder(rc).Decode(&targets); err != nil {
		return fmt.Errorf("ledger: decode snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = targets
	return nil
}

type targetSnapshot struct {
	targets map[string]time.Time
}

func (s *targetSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.targets); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *targetSnapshot) Release() {}
