package taskrun

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := New(db)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

type addTask struct {
	A, B int
}

func (addTask) Identifier() TaskIdentifier   { return TaskIdentifier{Name: "add", Version: 1} }
func (a addTask) Run(*Context) (any, *TaskError) { return a.A + a.B, nil }
func (addTask) Timeout() time.Duration       { return 2 * time.Second }
func (addTask) RetryCount() int              { return 0 }
func (a addTask) Summarize(id string) string { return "add " + id }

type readDepTask struct {
	DepID string
}

func (readDepTask) Identifier() TaskIdentifier { return TaskIdentifier{Name: "read-dep", Version: 1} }
func (r readDepTask) Run(ctx *Context) (any, *TaskError) {
	return r.DepID, nil
}
func (readDepTask) Timeout() time.Duration       { return 2 * time.Second }
func (readDepTask) RetryCount() int              { return 0 }
func (r readDepTask) Summarize(id string) string { return "read-dep " + id }

func TestRunSimpleTaskReturnsResult(t *testing.T) {
	s := newTestScheduler(t)
	result, terr := s.Run(addTask{A: 2, B: 3})
	require.Nil(t, terr)
	require.EqualValues(t, 5, result)
}

// P5: for A -> B, B's body observes A's result as already persisted.
func TestDependencyOrdering(t *testing.T) {
	s := newTestScheduler(t)

	aID, err := s.enroll("add@1", []byte(`{"A":1,"B":1}`), addTask{A: 1, B: 1})
	require.NoError(t, err)
	bID, err := s.enroll("read-dep@1", []byte(`{}`), readDepTask{DepID: aID})
	require.NoError(t, err)

	require.NoError(t, s.Depend(aID, bID))

	s.target(bID)
	_, terr := s.join(aID)
	require.Nil(t, terr)

	result, terr := s.join(bID)
	require.Nil(t, terr)
	require.Equal(t, aID, result)

	a, err := s.getTask(aID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateDone, a.State)
}

func TestDependCycleRejected(t *testing.T) {
	s := newTestScheduler(t)

	aID, err := s.enroll("add@1", []byte(`{}`), addTask{})
	require.NoError(t, err)
	bID, err := s.enroll("add@1", []byte(`{"A":1}`), addTask{A: 1})
	require.NoError(t, err)

	require.NoError(t, s.Depend(aID, bID)) // b depends on a
	err = s.Depend(bID, aID)               // a depends on b: cycle
	require.Error(t, err)
}

type slowTask struct {
	Sleep time.Duration
}

func (slowTask) Identifier() TaskIdentifier { return TaskIdentifier{Name: "slow", Version: 1} }
func (s slowTask) Run(*Context) (any, *TaskError) {
	time.Sleep(s.Sleep)
	return "finished-late", nil
}
func (slowTask) Timeout() time.Duration       { return 30 * time.Millisecond }
func (slowTask) RetryCount() int              { return 0 }
func (s slowTask) Summarize(id string) string { return "slow " + id }

// S3-style: a task whose body outruns its declared timeout completes
// with a Timeout error.
func TestTaskTimeout(t *testing.T) {
	s := newTestScheduler(t)
	_, terr := s.Run(slowTask{Sleep: 300 * time.Millisecond})
	require.NotNil(t, terr)
	require.Equal(t, ErrorKindTimeout, terr.Kind)
}

// S4 / P4: a task cancelled while physically executing later returns a
// real value; the Cancelled result is what sticks, and the late write is
// silently dropped.
func TestCancelWinsOverLateCompletion(t *testing.T) {
	s := newTestScheduler(t)

	id, err := s.enroll("slow@1", []byte(`{}`), slowTask{Sleep: 150 * time.Millisecond})
	require.NoError(t, err)
	s.target(id)

	time.Sleep(20 * time.Millisecond) // let the body start running
	s.Cancel(id, "operator requested stop")

	result, terr := s.join(id)
	require.Nil(t, result)
	require.NotNil(t, terr)
	require.Equal(t, ErrorKindCancelled, terr.Kind)

	// Give the slow body time to finish and attempt its own (losing) write.
	time.Sleep(200 * time.Millisecond)

	again, err := s.getTask(id)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateFailed, again.State)

	finalResult, finalErr := s.decodeResult(again)
	require.Nil(t, finalResult)
	require.NotNil(t, finalErr)
	require.Equal(t, ErrorKindCancelled, finalErr.Kind)
}

func TestSpawnReplayReusesChildOnMatchingHash(t *testing.T) {
	s := newTestScheduler(t)

	childID, err := s.enrollWithID("child-1", "add@1", mustMarshal(addTask{A: 1, B: 1}), addTask{A: 1, B: 1})
	require.NoError(t, err)
	s.target(childID)
	_, terr := s.join(childID)
	require.Nil(t, terr)

	hash := hashArgs("add@1", mustMarshal(addTask{A: 1, B: 1}))
	parentCtx := &Context{
		scheduler: s,
		taskID:    "parent-1",
		spawnLog:  []types.SpawnLogEntry{{ArgsHash: hash, ChildID: childID}},
	}

	result, terr := parentCtx.Spawn(addTask{A: 1, B: 1})
	require.Nil(t, terr)
	require.EqualValues(t, 2, result)
	require.Equal(t, 1, parentCtx.spawnIndex)
	require.Len(t, parentCtx.spawnLog, 1)
	require.Equal(t, childID, parentCtx.spawnLog[0].ChildID)
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
