// Package mailbox implements named HTTP callback endpoints with blocking
// waiters, used to synchronize the provisioning task tree with events a
// host reports about itself (pre-image boot, post-image boot, first
// cloud-init run).
package mailbox

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oshpc/laasd/pkg/log"
)

// Endpoint identifies one mailbox: a specific instance, and a token
// unique to the run that registered it, so a stale callback from a
// prior provision attempt can never satisfy a current wait.
type Endpoint struct {
	InstanceID string
	Token      string
}

// NewEndpoint mints a fresh endpoint for instance.
func NewEndpoint(instanceID string) Endpoint {
	return Endpoint{InstanceID: instanceID, Token: uuid.NewString()}
}

// PushURL renders the URL a provisioned host POSTs to in order to push
// a message to this endpoint, rooted at the mailbox HTTP server's
// external base URL (e.g. config's mailbox.external_url).
func (e Endpoint) PushURL(baseURL string) string {
	return fmt.Sprintf("%s/%s/%s/push", strings.TrimSuffix(baseURL, "/"), e.InstanceID, e.Token)
}

// Message is one payload pushed to an endpoint.
type Message struct {
	ID      string
	Body    string
	Pushed  time.Time
}

// Result is what a waiter receives: either a Message or an error
// describing why none arrived.
type Result struct {
	Msg Message
	Err error
}

type endpointState struct {
	queue    *list.List // of Message, FIFO
	waiters  []chan Result
}

// Mailbox is the process-wide message broker. All state is guarded by
// a single mutex; waiters block on a per-endpoint channel rather than a
// condition variable, which is the idiomatic Go equivalent of the
// crossbeam channel-per-endpoint scheme it is grounded on.
type Mailbox struct {
	mu        sync.Mutex
	endpoints map[Endpoint]*endpointState
}

// New returns an empty Mailbox.
func New() *Mailbox {
	return &Mailbox{endpoints: make(map[Endpoint]*endpointState)}
}

func (m *Mailbox) stateFor(ep Endpoint) *endpointState {
	st, ok := m.endpoints[ep]
	if !ok {
		st = &endpointState{queue: list.New()}
		m.endpoints[ep] = st
	}
	return st
}

// Push enqueues msg on ep's queue and wakes the oldest outstanding
// waiter, if any. A push to an endpoint nobody is waiting on yet simply
// sits in the queue until a Receiver calls WaitNext.
func (m *Mailbox) Push(ep Endpoint, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := Message{ID: uuid.NewString(), Body: body, Pushed: time.Now()}
	st := m.stateFor(ep)

	if len(st.waiters) > 0 {
		w := st.waiters[0]
		st.waiters = st.waiters[1:]
		w <- Result{Msg: msg}
		close(w)
		return
	}

	st.queue.PushBack(msg)
	log.WithComponent("mailbox").Info().
		Str("instance_id", ep.InstanceID).
		Msg("message queued, no waiter yet")
}

// Peek returns the oldest queued message for ep without removing it.
func (m *Mailbox) Peek(ep Endpoint) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.endpoints[ep]
	if !ok || st.queue.Len() == 0 {
		return Message{}, false
	}
	return st.queue.Front().Value.(Message), true
}

// Pop removes and returns the oldest queued message for ep.
func (m *Mailbox) Pop(ep Endpoint) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.endpoints[ep]
	if !ok || st.queue.Len() == 0 {
		return Message{}, false
	}
	el := st.queue.Front()
	st.queue.Remove(el)
	return el.Value.(Message), true
}

// WaiterFor returns a Receiver bound to ep. If a message is already
// queued it is delivered on the first WaitNext call immediately;
// otherwise the Receiver blocks until a Push arrives or its timeout
// elapses.
func (m *Mailbox) WaiterFor(ep Endpoint) *Receiver {
	return &Receiver{mailbox: m, endpoint: ep}
}

// done tears down ep's waiter slot. Called when a Receiver's WaitNext
// times out, so a leaked mailbox never accumulates channels for waiters nobody
// will read from again.
func (m *Mailbox) done(ep Endpoint, ch chan Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.endpoints[ep]
	if !ok {
		return
	}
	for i, w := range st.waiters {
		if w == ch {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			break
		}
	}
	if st.queue.Len() == 0 && len(st.waiters) == 0 {
		delete(m.endpoints, ep)
	}
}

// Receiver is a per-waiter handle on one endpoint. Unlike the mailbox
// itself, a Receiver is not meant to be shared between goroutines.
type Receiver struct {
	mailbox  *Mailbox
	endpoint Endpoint
	received []Result
	released bool
}

// Endpoint returns the endpoint this receiver is bound to.
func (r *Receiver) Endpoint() Endpoint {
	return r.endpoint
}

// Log returns every result this receiver has observed so far, in order.
func (r *Receiver) Log() []Result {
	return r.received
}

// WaitNext blocks up to timeout for the next message on this
// receiver's endpoint. A message already queued from a Push that
// happened before this call is delivered immediately.
func (r *Receiver) WaitNext(timeout time.Duration) Result {
	m := r.mailbox
	m.mu.Lock()
	st := m.stateFor(r.endpoint)
	if st.queue.Len() > 0 {
		el := st.queue.Front()
		st.queue.Remove(el)
		msg := el.Value.(Message)
		m.mu.Unlock()
		res := Result{Msg: msg}
		r.received = append(r.received, res)
		return res
	}

	ch := make(chan Result, 1)
	st.waiters = append(st.waiters, ch)
	m.mu.Unlock()

	select {
	case res := <-ch:
		r.received = append(r.received, res)
		return res
	case <-time.After(timeout):
		m.done(r.endpoint, ch)
		res := Result{Err: ErrTimeout}
		r.received = append(r.received, res)
		return res
	}
}

// Release tears down this receiver's endpoint: after Release, a Push
// to this endpoint is still accepted and queued, but no prior waiter
// will ever observe it. Callers should call Release (directly, or via
// defer) once they are done waiting on an endpoint, the same way the
// original implementation tore down an endpoint when its receiver was
// dropped.
func (r *Receiver) Release() {
	if r.released {
		return
	}
	r.released = true
	r.mailbox.mu.Lock()
	delete(r.mailbox.endpoints, r.endpoint)
	r.mailbox.mu.Unlock()
}
