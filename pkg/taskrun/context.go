package taskrun

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/oshpc/laasd/pkg/types"
)

// Context is threaded through a task's Run call. It carries the spawn
// log used to replay child spawns deterministically after a crash.
type Context struct {
	scheduler *Scheduler
	taskID    string

	spawnLog   []types.SpawnLogEntry
	spawnIndex int
	volatile   bool
}

// TaskID returns the id of the task this context belongs to.
func (c *Context) TaskID() string {
	return c.taskID
}

// SetVolatile empties the spawn log: used between steps where partial
// replay would be unsafe (e.g. between issuing a reboot command and the
// mailbox wait that observes it), forcing every subsequent Spawn in this
// run to enroll a fresh child rather than try to match one from a prior
// attempt.
func (c *Context) SetVolatile() {
	c.volatile = true
	c.spawnLog = nil
	c.spawnIndex = 0
}

func hashArgs(identifier string, params []byte) string {
	h := sha256.New()
	h.Write([]byte(identifier))
	h.Write(params)
	return hex.EncodeToString(h.Sum(nil))
}

// Spawn runs child to completion, blocking the calling task's goroutine
// (not the scheduler) until the child's result slot is written. On
// re-execution after a crash, a spawn whose computed args hash matches
// the log entry at the current index rejoins the existing child instead
// of enrolling a new one; a mismatch truncates the log from this index
// forward.
func (c *Context) Spawn(child Task) (any, *TaskError) {
	identifier := child.Identifier().String()
	params, err := json.Marshal(child)
	if err != nil {
		return nil, Internal(fmt.Sprintf("marshal spawn params: %v", err))
	}
	argsHash := hashArgs(identifier, params)

	if !c.volatile && c.spawnIndex < len(c.spawnLog) {
		entry := c.spawnLog[c.spawnIndex]
		if entry.ArgsHash == argsHash {
			c.spawnIndex++
			return c.scheduler.joinExisting(entry.ChildID)
		}
		c.spawnLog = c.spawnLog[:c.spawnIndex]
	}

	childID, err := c.scheduler.enroll(identifier, params, child)
	if err != nil {
		return nil, Internal(fmt.Sprintf("enroll spawned task: %v", err))
	}
	c.scheduler.target(childID)
	result, terr := c.scheduler.join(childID)

	if !c.volatile {
		c.spawnLog = append(c.spawnLog, types.SpawnLogEntry{ArgsHash: argsHash, ChildID: childID})
		c.spawnIndex++
		_ = c.scheduler.persistSpawnLog(c.taskID, c.spawnLog)
	}
	return result, terr
}
