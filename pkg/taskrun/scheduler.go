package taskrun

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oshpc/laasd/pkg/log"
	"github.com/oshpc/laasd/pkg/metrics"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
)

type msgKind int

const (
	msgTarget msgKind = iota
	msgComplete
	msgTimeout
	msgStop
	msgHeartbeat
)

// schedulerMsg flows through msgCh. Depend/UnDepend are not message
// kinds: they need to return a synchronous cycle-check error, so the
// public Scheduler.Depend/UnDepend methods call the graph-edit helpers
// directly rather than posting to the queue.
type schedulerMsg struct {
	kind   msgKind
	id     string
	reason *TaskError
}

// Scheduler is the single dedicated goroutine that owns the task DAG:
// deciding what is runnable, starting task bodies on their own
// goroutines, and propagating completions to dependents. Everything that
// mutates the graph funnels through msgCh so the graph itself never
// needs its own lock; only the bookkeeping that crosses into task
// goroutines (running set, join waiters, live task values) needs mu.
type Scheduler struct {
	db    *storage.DB
	msgCh chan schedulerMsg
	stopCh chan struct{}

	mu      sync.Mutex
	running map[string]bool
	waiters map[string][]chan struct{}
	live    map[string]Task // concrete Task values for tasks not yet reconstructed from the registry

	recorder TargetRecorder
}

// TargetRecorder durably logs task-target declarations ahead of the
// scheduler's own bbolt writes, satisfied by *pkg/ledger.Log. Optional:
// a Scheduler with no recorder set behaves exactly as before, relying
// solely on storage's own Ready-state scan for ResumeTargets.
type TargetRecorder interface {
	RecordTarget(id string) error
	ForgetTarget(id string) error
	RecentTargets() []string
}

// SetTargetRecorder attaches r so every future enrollment and
// terminal-state transition is additionally logged through it.
func (s *Scheduler) SetTargetRecorder(r TargetRecorder) {
	s.recorder = r
}

// New creates a Scheduler over db. Call Start to begin processing.
func New(db *storage.DB) *Scheduler {
	return &Scheduler{
		db:      db,
		msgCh:   make(chan schedulerMsg, 256),
		stopCh:  make(chan struct{}),
		running: make(map[string]bool),
		waiters: make(map[string][]chan struct{}),
		live:    make(map[string]Task),
	}
}

// Start begins the scheduler loop and its heartbeat ticker.
func (s *Scheduler) Start() {
	go s.loop()
	go s.heartbeatLoop()
}

// Stop ends the scheduler loop. In-flight task goroutines are not
// interrupted; they finish and their result write is simply no longer
// observed by a live Complete propagation.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) heartbeatLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case s.msgCh <- schedulerMsg{kind: msgHeartbeat}:
			default:
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) loop() {
	for {
		select {
		case msg := <-s.msgCh:
			s.handle(msg)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) handle(msg schedulerMsg) {
	switch msg.kind {
	case msgTarget:
		s.target(msg.id)
	case msgComplete:
		s.onComplete(msg.id)
	case msgTimeout:
		s.forceComplete(msg.id, timeoutError())
	case msgStop:
		s.forceComplete(msg.id, msg.reason)
	case msgHeartbeat:
		s.reTargetLiveTasks()
	}
}

// Run enrolls task as a root target (id derived deterministically from
// its identifier and parameters, so re-Running it is idempotent) and
// blocks the caller until its result is written.
func (s *Scheduler) Run(task Task) (any, *TaskError) {
	identifier := task.Identifier().String()
	params, err := json.Marshal(task)
	if err != nil {
		return nil, Internal(fmt.Sprintf("marshal task params: %v", err))
	}
	id := hashArgs(identifier, params)

	existing, err := s.getTask(id)
	if err == nil && existing.ResultJSON != nil && len(existing.ResultJSON) > 0 {
		return s.decodeResult(existing)
	}

	if _, err := s.enrollWithID(id, identifier, params, task); err != nil {
		return nil, Internal(fmt.Sprintf("enroll task: %v", err))
	}
	if s.recorder != nil {
		if err := s.recorder.RecordTarget(id); err != nil {
			log.WithComponent("taskrun").Warn().Str("task", id).Err(err).Msg("failed to durably record target")
		}
	}
	s.target(id)
	return s.join(id)
}

// Depend asserts that b depends on a: a must reach a terminal state
// before b is eligible to run. Rejected with an error if it would
// introduce a cycle.
func (s *Scheduler) Depend(a, b string) error {
	return s.addDependency(a, b)
}

// UnDepend removes a dependency edge previously added by Depend.
func (s *Scheduler) UnDepend(a, b string) {
	s.removeDependency(a, b)
}

// Cancel force-completes task id with a Cancelled error if its result
// slot is still empty; a no-op if the task already has a result.
func (s *Scheduler) Cancel(id, reason string) {
	s.msgCh <- schedulerMsg{kind: msgStop, id: id, reason: cancelledError(reason)}
}

// ResumeTargets re-targets every task in a non-terminal state, the
// re-walk hint spec.md describes for scheduler restart: storage, not
// this list, is authoritative for each task's actual state.
func (s *Scheduler) ResumeTargets() error {
	err := s.db.View(func(tx *storage.Tx) error {
		tasks, err := storage.RuntimeTasks.List(tx)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.State == types.TaskStateReady {
				s.target(t.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.recorder != nil {
		for _, id := range s.recorder.RecentTargets() {
			s.target(id)
		}
	}
	return nil
}

func (s *Scheduler) reTargetLiveTasks() {
	_ = s.db.View(func(tx *storage.Tx) error {
		tasks, err := storage.RuntimeTasks.List(tx)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.State == types.TaskStateReady {
				s.target(t.ID)
			}
		}
		return nil
	})
}

// target walks id's dependency closure and starts every leaf whose
// dependencies are already satisfied, exactly as spec.md §4.3 describes.
func (s *Scheduler) target(id string) {
	t, err := s.getTask(id)
	if err != nil {
		log.WithComponent("taskrun").Error().Str("task", id).Msg("target: task not found")
		return
	}
	if t.State != types.TaskStateReady {
		return
	}

	var waitingFor []string
	for _, dep := range t.DependsOn {
		depTask, err := s.getTask(dep)
		if err != nil {
			continue
		}
		switch depTask.State {
		case types.TaskStateDone:
			// satisfied
		case types.TaskStateFailed:
			waitingFor = append(waitingFor, dep) // stalled until an operator intervenes
		case types.TaskStateReady:
			waitingFor = append(waitingFor, dep)
			s.target(dep)
		}
	}
	t.WaitingFor = waitingFor
	_ = s.putTask(t)

	if len(waitingFor) == 0 {
		s.startIfNotRunning(t)
	}
}

func (s *Scheduler) startIfNotRunning(t types.RuntimeTask) {
	s.mu.Lock()
	if s.running[t.ID] {
		s.mu.Unlock()
		return
	}
	task, ok := s.live[t.ID]
	if !ok {
		var err error
		task, err = lookup(t.Identifier, t.Prototype)
		if err != nil {
			s.mu.Unlock()
			log.WithComponent("taskrun").Error().Str("task", t.ID).Err(err).Msg("no factory to resume task")
			return
		}
	}
	s.running[t.ID] = true
	s.mu.Unlock()

	go s.runTask(t.ID, task)
}

// runTask executes task's body on its own goroutine, enforcing its
// declared timeout as a race against the body rather than a true
// cancellation: the body is never interrupted. Whichever write reaches
// the result slot first wins; the loser is silently dropped.
func (s *Scheduler) runTask(id string, task Task) {
	timer := metrics.NewTimer()
	timeoutTimer := time.AfterFunc(task.Timeout(), func() {
		s.msgCh <- schedulerMsg{kind: msgTimeout, id: id}
	})

	ctx := s.newContext(id)
	result, terr := s.safeRun(task, ctx)
	timeoutTimer.Stop()

	timer.ObserveDurationVec(metrics.TaskDuration, task.Identifier().String())

	wrote, err := s.writeResult(id, result, terr)
	if err != nil {
		log.WithComponent("taskrun").Error().Str("task", id).Err(err).Msg("failed to persist task result")
	}
	s.mu.Lock()
	delete(s.running, id)
	delete(s.live, id)
	s.mu.Unlock()

	if wrote {
		s.msgCh <- schedulerMsg{kind: msgComplete, id: id}
	}
}

func (s *Scheduler) safeRun(task Task, ctx *Context) (result any, terr *TaskError) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			terr = panicError(r)
		}
	}()
	return task.Run(ctx)
}

func (s *Scheduler) newContext(id string) *Context {
	t, err := s.getTask(id)
	var spawnLog []types.SpawnLogEntry
	if err == nil {
		spawnLog = t.SpawnLog
	}
	return &Context{scheduler: s, taskID: id, spawnLog: spawnLog}
}

// forceComplete writes a terminal error result to id's slot if it is
// still empty — used by Timeout and Stop/Cancel. Already-complete tasks
// are left untouched (idempotent, first-write-wins).
func (s *Scheduler) forceComplete(id string, terr *TaskError) {
	wrote, err := s.writeResult(id, nil, terr)
	if err != nil {
		log.WithComponent("taskrun").Error().Str("task", id).Err(err).Msg("failed to force-complete task")
		return
	}
	if wrote {
		s.msgCh <- schedulerMsg{kind: msgComplete, id: id}
	}
}

// onComplete notifies id's dependents, starting any whose waiting_for
// has become empty, then wakes any Spawn/Run callers blocked in join.
func (s *Scheduler) onComplete(id string) {
	t, err := s.getTask(id)
	if err != nil {
		return
	}
	for _, dependentID := range t.DependsFor {
		dep, err := s.getTask(dependentID)
		if err != nil || dep.State != types.TaskStateReady {
			continue
		}
		dep.WaitingFor = removeString(dep.WaitingFor, id)
		_ = s.putTask(dep)
		if len(dep.WaitingFor) == 0 {
			s.startIfNotRunning(dep)
		}
	}

	s.mu.Lock()
	chans := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// join blocks until id's result slot is written, then decodes it.
func (s *Scheduler) join(id string) (any, *TaskError) {
	t, err := s.getTask(id)
	if err == nil && len(t.ResultJSON) > 0 {
		return s.decodeResult(t)
	}

	ch := make(chan struct{})
	s.mu.Lock()
	t, err = s.getTask(id)
	if err == nil && len(t.ResultJSON) > 0 {
		s.mu.Unlock()
		return s.decodeResult(t)
	}
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()

	<-ch
	t, err = s.getTask(id)
	if err != nil {
		return nil, Internal(fmt.Sprintf("task %s vanished after completion", id))
	}
	return s.decodeResult(t)
}

// joinExisting is join, plus ensuring the task is (re-)targeted in case
// it was never scheduled in this process (crash-recovery replay path).
func (s *Scheduler) joinExisting(id string) (any, *TaskError) {
	s.target(id)
	return s.join(id)
}

func (s *Scheduler) decodeResult(t types.RuntimeTask) (any, *TaskError) {
	switch t.ResultKind {
	case "error":
		var terr TaskError
		if err := json.Unmarshal(t.ResultJSON, &terr); err != nil {
			return nil, Internal(fmt.Sprintf("decode task error: %v", err))
		}
		return nil, &terr
	default:
		var v any
		if len(t.ResultJSON) > 0 {
			_ = json.Unmarshal(t.ResultJSON, &v)
		}
		return v, nil
	}
}

// writeResult persists the first write to id's result slot and flips its
// state to Done or Failed. A second write once the slot is occupied is a
// silent no-op (P4, the Cancel/late-completion race of S4).
func (s *Scheduler) writeResult(id string, result any, terr *TaskError) (wrote bool, err error) {
	err = s.db.Update(func(tx *storage.Tx) error {
		t, getErr := storage.RuntimeTasks.Get(tx, id)
		if getErr != nil {
			return getErr
		}
		if len(t.ResultJSON) > 0 {
			wrote = false
			return nil
		}
		if terr != nil {
			data, merr := json.Marshal(terr)
			if merr != nil {
				return merr
			}
			t.ResultJSON = data
			t.ResultKind = "error"
			t.State = types.TaskStateFailed
			metrics.TaskResultsTotal.WithLabelValues(t.Identifier, string(terr.Kind)).Inc()
		} else {
			data, merr := json.Marshal(result)
			if merr != nil {
				return merr
			}
			if len(data) == 0 {
				data = []byte("null")
			}
			t.ResultJSON = data
			t.ResultKind = "ok"
			t.State = types.TaskStateDone
			metrics.TaskResultsTotal.WithLabelValues(t.Identifier, "ok").Inc()
		}
		t.UpdatedAt = time.Now()
		wrote = true
		return storage.RuntimeTasks.Put(tx, t)
	})
	if wrote && err == nil && s.recorder != nil {
		if ferr := s.recorder.ForgetTarget(id); ferr != nil {
			log.WithComponent("taskrun").Warn().Str("task", id).Err(ferr).Msg("failed to durably forget target")
		}
	}
	return wrote, err
}

func (s *Scheduler) persistSpawnLog(id string, spawnLog []types.SpawnLogEntry) error {
	return s.db.Update(func(tx *storage.Tx) error {
		t, err := storage.RuntimeTasks.Get(tx, id)
		if err != nil {
			return err
		}
		t.SpawnLog = spawnLog
		return storage.RuntimeTasks.Put(tx, t)
	})
}

// enroll creates a fresh, dependency-free RuntimeTask row for a task
// spawned by a parent's context and returns its id.
func (s *Scheduler) enroll(identifier string, params []byte, task Task) (string, error) {
	id := uuid.NewString()
	return s.enrollWithID(id, identifier, params, task)
}

func (s *Scheduler) enrollWithID(id, identifier string, params []byte, task Task) (string, error) {
	now := time.Now()
	t := types.RuntimeTask{
		ID:         id,
		Identifier: identifier,
		Prototype:  params,
		State:      types.TaskStateReady,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.Update(func(tx *storage.Tx) error {
		if _, err := storage.RuntimeTasks.Get(tx, id); err == nil {
			return nil // already enrolled (idempotent re-Run)
		}
		return storage.RuntimeTasks.Put(tx, t)
	}); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.live[id] = task
	s.mu.Unlock()
	metrics.TasksTotal.WithLabelValues(string(types.TaskStateReady)).Inc()
	return id, nil
}

func (s *Scheduler) addDependency(a, b string) error {
	bTask, err := s.getTask(b)
	if err != nil {
		return err
	}
	if containsString(bTask.DependsOn, a) {
		return nil
	}
	if s.wouldCycle(a, b) {
		return fmt.Errorf("taskrun: adding dependency %s -> %s would create a cycle", a, b)
	}
	aTask, err := s.getTask(a)
	if err != nil {
		return err
	}
	bTask.DependsOn = append(bTask.DependsOn, a)
	aTask.DependsFor = append(aTask.DependsFor, b)
	if err := s.putTask(aTask); err != nil {
		return err
	}
	return s.putTask(bTask)
}

func (s *Scheduler) removeDependency(a, b string) {
	bTask, err := s.getTask(b)
	if err != nil {
		return
	}
	aTask, err := s.getTask(a)
	if err != nil {
		return
	}
	bTask.DependsOn = removeString(bTask.DependsOn, a)
	bTask.WaitingFor = removeString(bTask.WaitingFor, a)
	aTask.DependsFor = removeString(aTask.DependsFor, b)
	_ = s.putTask(aTask)
	_ = s.putTask(bTask)
}

// wouldCycle reports whether adding a->b (b depends on a) creates a
// cycle, i.e. whether b is already a (transitive) dependency of a.
func (s *Scheduler) wouldCycle(a, b string) bool {
	if a == b {
		return true
	}
	visited := map[string]bool{}
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == b {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		t, err := s.getTask(id)
		if err != nil {
			return false
		}
		for _, dep := range t.DependsOn {
			if walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(a)
}

func (s *Scheduler) getTask(id string) (types.RuntimeTask, error) {
	var t types.RuntimeTask
	err := s.db.View(func(tx *storage.Tx) error {
		var gerr error
		t, gerr = storage.RuntimeTasks.Get(tx, id)
		return gerr
	})
	return t, err
}

func (s *Scheduler) putTask(t types.RuntimeTask) error {
	return s.db.Update(func(tx *storage.Tx) error {
		return storage.RuntimeTasks.Put(tx, t)
	})
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func containsString(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}
