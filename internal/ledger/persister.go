package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store"
)

// op is one backend call with the state captured at mutation time.
type op struct {
	name string
	user referral.UserID
	run  func(ctx context.Context, b store.Backend) error
}

func saveRecordOp(rec referral.Record) op {
	return op{
		name: "save_record",
		user: rec.ID,
		run: func(ctx context.Context, b store.Backend) error {
			return b.SaveRecord(ctx, rec)
		},
	}
}

func saveFirstEngagementOp(id referral.UserID, at time.Time) op {
	return op{
		name: "save_first_engagement",
		user: id,
		run: func(ctx context.Context, b store.Backend) error {
			return b.SaveFirstEngagement(ctx, id, at)
		},
	}
}

func saveAddressOp(id referral.UserID, address string) op {
	return op{
		name: "save_address",
		user: id,
		run: func(ctx context.Context, b store.Backend) error {
			return b.SaveAddress(ctx, id, address)
		},
	}
}

// job is a batch of ops from one mutation. A job without ops is a barrier.
type job struct {
	ops []op
	ack *Ack
}

// Ack reports the outcome of the backend writes behind one mutation.
// A nil *Ack means nothing had to be written; its methods are nil-safe.
type Ack struct {
	done chan struct{}
	err  error
}

func newAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

func failedAck(err error) *Ack {
	a := newAck()
	a.complete(err)
	return a
}

func (a *Ack) complete(err error) {
	a.err = err
	close(a.done)
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done is closed once every write has been attempted.
func (a *Ack) Done() <-chan struct{} {
	if a == nil {
		return closedChan
	}
	return a.done
}

// Wait blocks until the writes finish or ctx ends. A persistence failure is
// returned as an *Error with ErrCodePersist; the in-memory change stands.
func (a *Ack) Wait(ctx context.Context) error {
	if a == nil {
		return nil
	}
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persister is the single writer between the ledger and its backend.
type persister struct {
	queue     *jobQueue
	timeout   time.Duration
	logger    *slog.Logger
	onFailure func(op string, err error)

	mu      sync.RWMutex
	backend store.Backend

	done chan struct{}
}

func newPersister(b store.Backend, timeout time.Duration, logger *slog.Logger, onFailure func(string, error)) *persister {
	return &persister{
		queue:     newJobQueue(),
		timeout:   timeout,
		logger:    logger,
		onFailure: onFailure,
		backend:   b,
		done:      make(chan struct{}),
	}
}

func (p *persister) start() {
	go p.run()
}

// run processes jobs in FIFO order until the queue is closed and drained.
// Failures are logged and reported through the job's Ack; the loop continues.
func (p *persister) run() {
	defer close(p.done)
	for {
		if j, ok := p.queue.TryDequeue(); ok {
			p.process(j)
			continue
		}
		<-p.queue.Wait()
		if p.queue.Drained() {
			return
		}
	}
}

func (p *persister) process(j *job) {
	b := p.currentBackend()

	var errs []error
	for _, o := range j.ops {
		ctx, cancel := p.opContext()
		err := o.run(ctx, b)
		cancel()
		if err == nil {
			continue
		}
		p.logger.Error("persist failed; in-memory state kept",
			"op", o.name,
			"user", string(o.user),
			"backend", string(b.Kind()),
			"error", err)
		if p.onFailure != nil {
			p.onFailure(o.name, err)
		}
		errs = append(errs, persistError(o.name, o.user, err))
	}
	j.ack.complete(errors.Join(errs...))
}

func (p *persister) opContext() (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), p.timeout)
}

// submit queues the ops as one job. Returns nil when there is nothing to write.
func (p *persister) submit(ops []op) *Ack {
	if len(ops) == 0 {
		return nil
	}
	j := &job{ops: ops, ack: newAck()}
	if !p.queue.Enqueue(j) {
		return failedAck(ErrClosed)
	}
	return j.ack
}

// flush waits until every job queued before the call has been processed.
func (p *persister) flush(ctx context.Context) error {
	j := &job{ack: newAck()}
	if !p.queue.Enqueue(j) {
		return nil
	}
	return j.ack.Wait(ctx)
}

func (p *persister) currentBackend() store.Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend
}

func (p *persister) setBackend(b store.Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backend = b
}

// stop closes the queue and waits for the remaining jobs.
func (p *persister) stop() {
	p.queue.Close()
	<-p.done
}
