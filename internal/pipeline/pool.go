package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shineum/mailguard/internal/policy"
	"github.com/shineum/mailguard/internal/smtp"
)

// DefaultWorkers bounds concurrent transactions when the pool size is unset.
const DefaultWorkers = 8

// Processor handles a single transaction.
type Processor interface {
	Handle(ctx context.Context, tx *Transaction) *Result
}

// RejectedError is returned to the SMTP session for a message refused by
// policy.
type RejectedError struct {
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return "5.7.1 Message rejected: " + e.Reason
}

// SMTPCode returns the reply code.
func (e *RejectedError) SMTPCode() int {
	return e.Code
}

// Pool runs transactions on a bounded number of goroutines. It implements
// smtp.Handler.
type Pool struct {
	proc          Processor
	sem           *semaphore.Weighted
	wg            sync.WaitGroup
	rejectBlocked bool
	now           func() time.Time
}

// NewPool creates a pool of the given size. With rejectBlocked set, Deliver
// waits for the outcome and refuses blocked messages with 550; otherwise it
// accepts immediately and processing continues in the background.
func NewPool(proc Processor, workers int, rejectBlocked bool) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{
		proc:          proc,
		sem:           semaphore.NewWeighted(int64(workers)),
		rejectBlocked: rejectBlocked,
		now:           time.Now,
	}
}

// Submit schedules tx, waiting for a free worker until ctx is done. The job
// itself is detached from ctx and always runs to completion. The returned
// channel receives the result once.
func (p *Pool) Submit(ctx context.Context, tx *Transaction) (<-chan *Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("no worker available: %w", err)
	}

	done := make(chan *Result, 1)
	jobCtx := context.WithoutCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		done <- p.proc.Handle(jobCtx, tx)
	}()
	return done, nil
}

// Deliver implements smtp.Handler.
func (p *Pool) Deliver(ctx context.Context, d *smtp.Delivery) error {
	tx := &Transaction{
		MailFrom:   d.MailFrom,
		RcptTo:     d.RcptTo,
		Data:       d.Data,
		RemoteAddr: d.RemoteAddr,
		ReceivedAt: p.now(),
	}

	done, err := p.Submit(ctx, tx)
	if err != nil {
		return err
	}
	if !p.rejectBlocked {
		return nil
	}

	res := <-done
	if res.Action == policy.Block {
		return &RejectedError{Code: 550, Reason: "message contains sensitive data"}
	}
	return nil
}

// Wait blocks until every submitted job has finished or timeout elapses. It
// reports whether all jobs finished.
func (p *Pool) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
