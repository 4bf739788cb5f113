// Package sched queues I/O requests into priority accounts and
// dispatches them with per-account outstanding-request limits.
//
// Every request is attributed to an Account. The dispatcher always
// runs the oldest request of the highest-priority account that is
// below its limit; requests within one account run in submission
// order. Accounts are drained before release: Close blocks until the
// account has no queued or running requests.
package sched

import (
	"sync"

	"blockser/util"
)

// UnlimitedRequests disables an account's outstanding-request limit.
const UnlimitedRequests = int(^uint(0) >> 1)

// DefaultPriority matches what callers get when they have no opinion.
const DefaultPriority = 128

type request func()

// Account is a priority/throughput bucket for I/O requests. It must
// stay open for the lifetime of every request submitted on it.
type Account struct {
	s        *Scheduler
	priority int
	limit    int

	// guarded by s.mu
	queue    []request
	inflight int
	closed   bool
}

// Scheduler owns a dispatch goroutine and the set of accounts.
type Scheduler struct {
	mu           *sync.Mutex
	condDispatch *sync.Cond // work became runnable
	condDone     *sync.Cond // a request finished or the dispatcher exited

	accounts []*Account
	nrunning int
	shutdown bool
	done     bool
}

func NewScheduler() *Scheduler {
	mu := new(sync.Mutex)
	s := &Scheduler{
		mu:           mu,
		condDispatch: sync.NewCond(mu),
		condDone:     sync.NewCond(mu),
	}
	go s.dispatcher()
	return s
}

// NewAccount creates an account with the given priority (larger wins)
// and outstanding-request limit.
func (s *Scheduler) NewAccount(priority int, outstandingLimit int) *Account {
	if outstandingLimit <= 0 {
		outstandingLimit = UnlimitedRequests
	}
	a := &Account{s: s, priority: priority, limit: outstandingLimit}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		panic("sched: account created after shutdown")
	}
	s.accounts = append(s.accounts, a)
	s.mu.Unlock()
	return a
}

// NewAccountDefault derives the outstanding-request limit from the
// priority alone.
func (s *Scheduler) NewAccountDefault(priority int) *Account {
	return s.NewAccount(priority, UnlimitedRequests)
}

func (a *Account) Priority() int {
	return a.priority
}

// Submit queues run on the account. run executes on its own goroutine
// once dispatched.
func (a *Account) Submit(run func()) {
	s := a.s
	s.mu.Lock()
	if a.closed || s.shutdown {
		s.mu.Unlock()
		panic("sched: submit on closed account")
	}
	a.queue = append(a.queue, run)
	s.condDispatch.Signal()
	s.mu.Unlock()
}

// Close drains the account and then detaches it from the scheduler.
// Submitting on a closed account panics.
func (a *Account) Close() {
	s := a.s
	s.mu.Lock()
	for len(a.queue) > 0 || a.inflight > 0 {
		s.condDone.Wait()
	}
	a.closed = true
	for i, acct := range s.accounts {
		if acct == a {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// pickLocked pops the next runnable request, preferring the
// highest-priority account with capacity. Assumes s.mu is held.
func (s *Scheduler) pickLocked() (*Account, request) {
	var best *Account
	for _, a := range s.accounts {
		if len(a.queue) == 0 || a.inflight >= a.limit {
			continue
		}
		if best == nil || a.priority > best.priority {
			best = a
		}
	}
	if best == nil {
		return nil, nil
	}
	run := best.queue[0]
	best.queue = best.queue[1:]
	best.inflight++
	return best, run
}

func (s *Scheduler) dispatcher() {
	s.mu.Lock()
	for {
		a, run := s.pickLocked()
		if run == nil {
			if s.shutdown {
				break
			}
			s.condDispatch.Wait()
			continue
		}
		s.nrunning++
		s.mu.Unlock()
		go s.runRequest(a, run)
		s.mu.Lock()
	}
	util.DPrintf(1, "sched: dispatcher shutdown\n")
	s.done = true
	s.condDone.Broadcast()
	s.mu.Unlock()
}

func (s *Scheduler) runRequest(a *Account, run request) {
	run()
	s.mu.Lock()
	a.inflight--
	s.nrunning--
	s.condDispatch.Signal()
	s.condDone.Broadcast()
	s.mu.Unlock()
}

func (s *Scheduler) busyLocked() bool {
	if s.nrunning > 0 {
		return true
	}
	for _, a := range s.accounts {
		if len(a.queue) > 0 || a.inflight > 0 {
			return true
		}
	}
	return false
}

// Shutdown drains all accounts and stops the dispatcher.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for s.busyLocked() {
		s.condDone.Wait()
	}
	s.shutdown = true
	s.condDispatch.Broadcast()
	for !s.done {
		s.condDone.Wait()
	}
	s.mu.Unlock()
	util.DPrintf(1, "sched: done\n")
}
