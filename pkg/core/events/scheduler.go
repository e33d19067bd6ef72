// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package events implements the asynchronous command queues of a device and the dependency DAG of the
// events they produce.
//
// A Scheduler owns a fixed number of in-order queues, each served by its own goroutine: commands of the
// same queue execute in submission order. Ordering across queues is established only by the wait lists
// given at submission. A command whose wait list contains a FAILED event is never run: it resolves
// FAILED carrying the originating event, so failures propagate through the DAG instead of hanging.
//
// Event records live in an arena (a map keyed by the monotonic ID). Records that completed successfully
// and are no longer referenced by any pending wait list are reclaimed once more than
// Config.RetainResolved of them accumulate, or immediately with FlushEvents. Failed records are kept
// until Reset.
package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gomlx/accelrt/pkg/core/failures"
	"github.com/gomlx/accelrt/pkg/support/sets"
	"github.com/gomlx/accelrt/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultRetainResolved is the default number of completed records kept for inspection before
// pruning starts.
const DefaultRetainResolved = 4096

// Config of a Scheduler.
type Config struct {
	// NumQueues is the number of independent in-order command queues. Defaults to 1.
	NumQueues int

	// FlushThreshold is the number of buffered commands of a queue at which they are automatically
	// dispatched. 0 and 1 dispatch every command immediately.
	FlushThreshold int

	// RetainResolved is the number of completed records kept before pruning. 0 means
	// DefaultRetainResolved, negative values disable automatic pruning.
	RetainResolved int
}

// record is the arena entry of one event.
type record struct {
	Event

	run       func() error
	onResolve func(Event)
	deps      []*record // Records of the wait list still in the arena, until resolution.
	refs      int       // Number of unresolved records that list this one in their wait list.
	done      *xsync.Latch
}

func (r *record) snapshot() Event {
	e := r.Event
	e.WaitList = append([]ID(nil), r.WaitList...)
	return e
}

type queue struct {
	index    int
	buffered []*record
	ready    []*record
	cond     sync.Cond
	inflight map[ID]*record // Unresolved commands of the queue.
}

// Scheduler of the command queues of one device. It is safe for concurrent use.
type Scheduler struct {
	name   string
	config Config

	mu       sync.Mutex
	nextID   ID
	floor    ID // Ids below floor were issued before the last Reset.
	records  map[ID]*record
	queues   []*queue
	resolved []ID // Completed ids candidates for pruning, in resolution order.
	counts   [numKinds]int
	lastMark ID
	closed   bool

	outstanding *xsync.DynamicWaitGroup
	workers     sync.WaitGroup
}

// New creates a Scheduler and starts one worker goroutine per queue.
// The name is used for logging.
func New(name string, config Config) *Scheduler {
	if config.NumQueues <= 0 {
		config.NumQueues = 1
	}
	if config.RetainResolved == 0 {
		config.RetainResolved = DefaultRetainResolved
	}
	s := &Scheduler{
		name:        name,
		config:      config,
		nextID:      1,
		floor:       1,
		records:     make(map[ID]*record),
		outstanding: xsync.NewDynamicWaitGroup(),
	}
	s.queues = make([]*queue, config.NumQueues)
	for ii := range s.queues {
		q := &queue{index: ii, inflight: make(map[ID]*record)}
		q.cond.L = &s.mu
		s.queues[ii] = q
		s.workers.Add(1)
		go s.worker(q)
	}
	return s
}

// NumQueues returns the number of command queues.
func (s *Scheduler) NumQueues() int { return len(s.queues) }

// Submit a command and return the id of its event.
//
// Errors are synchronous and of kind INCONSISTENT_STATE: invalid queue, unknown or pre-reset ids in the
// wait list, or a closed scheduler.
func (s *Scheduler) Submit(cmd Command) (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd.Kind < 0 || cmd.Kind >= numKinds {
		return 0, failures.New(failures.InconsistentState, "%s: invalid command kind %s", s.name, cmd.Kind)
	}
	rec, err := s.lockedNewRecord(cmd)
	if err != nil {
		return 0, err
	}
	q := s.queues[rec.Queue]
	if rec.Kind == Marker {
		// Markers don't occupy a queue position: they resolve on their own once their wait list and every
		// earlier unresolved command of the queue (markers included) resolved.
		listed := sets.MakeWith(rec.WaitList...)
		for id, dep := range q.inflight {
			if listed.Has(id) {
				continue
			}
			rec.deps = append(rec.deps, dep)
			rec.WaitList = append(rec.WaitList, id)
			dep.refs++
		}
		rec.WaitList = sets.Unique(rec.WaitList)
		q.inflight[rec.ID] = rec
		rec.Status = Submitted
		go s.execute(rec)
	} else {
		q.inflight[rec.ID] = rec
		q.buffered = append(q.buffered, rec)
		if len(q.buffered) >= s.config.FlushThreshold {
			s.lockedFlush(q)
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: submitted %s %q waiting on %v", s.name, rec.Event, rec.Description, rec.WaitList)
	}
	return rec.ID, nil
}

// EnqueueMarker submits a marker on the queue: a no-op event that resolves when every event of the
// wait list and every command pending on the queue at the time of the call resolved.
// Markers don't stall the queue.
func (s *Scheduler) EnqueueMarker(queue int, waitList ...ID) (ID, error) {
	return s.Submit(Command{Kind: Marker, Queue: queue, Description: "marker", WaitList: waitList})
}

// EnqueueBarrier submits a barrier on the queue: later commands of the same queue don't start until
// the barrier's wait list resolved (and every earlier command of the queue, as for any command).
func (s *Scheduler) EnqueueBarrier(queue int, waitList ...ID) (ID, error) {
	return s.Submit(Command{Kind: Barrier, Queue: queue, Description: "barrier", WaitList: waitList})
}

// EnqueueTransferIn submits a host-to-device copy of numBytes performed by run.
func (s *Scheduler) EnqueueTransferIn(queue int, description string, numBytes int64, run func() error, waitList ...ID) (ID, error) {
	return s.Submit(Command{Kind: TransferIn, Queue: queue, Description: description, Bytes: numBytes, Run: run, WaitList: waitList})
}

// EnqueueTransferOut submits a device-to-host copy of numBytes performed by run.
func (s *Scheduler) EnqueueTransferOut(queue int, description string, numBytes int64, run func() error, waitList ...ID) (ID, error) {
	return s.Submit(Command{Kind: TransferOut, Queue: queue, Description: description, Bytes: numBytes, Run: run, WaitList: waitList})
}

// EnqueueKernel submits a kernel launch performed by run.
func (s *Scheduler) EnqueueKernel(queue int, description string, run func() error, waitList ...ID) (ID, error) {
	return s.Submit(Command{Kind: Kernel, Queue: queue, Description: description, Run: run, WaitList: waitList})
}

// MarkEvent submits a marker over every command pending on any queue, and remembers it as the last mark.
func (s *Scheduler) MarkEvent() (ID, error) {
	s.mu.Lock()
	var waitList []ID
	for _, q := range s.queues {
		for id := range q.inflight {
			waitList = append(waitList, id)
		}
	}
	s.mu.Unlock()
	if len(waitList) == 0 {
		// A marker with an empty wait list would fence queue 0 only: use the last issued event instead,
		// if still valid.
		s.mu.Lock()
		if last := s.nextID - 1; last >= s.floor {
			waitList = append(waitList, last)
		}
		s.mu.Unlock()
	}
	id, err := s.Submit(Command{Kind: Marker, Queue: 0, Description: "mark", WaitList: waitList})
	if err != nil {
		return 0, errors.WithMessagef(err, "%s: MarkEvent", s.name)
	}
	s.setLastMark(id)
	return id, nil
}

func (s *Scheduler) setLastMark(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMark = id
}

// LastMark returns the id of the last MarkEvent, or 0.
func (s *Scheduler) LastMark() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMark
}

// lockedNewRecord validates the command and creates its record in the arena.
func (s *Scheduler) lockedNewRecord(cmd Command) (*record, error) {
	if s.closed {
		return nil, failures.New(failures.InconsistentState, "%s: submission of %s after the scheduler was closed", s.name, cmd.Kind)
	}
	if cmd.Queue < 0 || cmd.Queue >= len(s.queues) {
		return nil, failures.New(failures.InconsistentState, "%s: invalid queue %d, device has %d queues",
			s.name, cmd.Queue, len(s.queues))
	}
	waitList := sets.Unique(cmd.WaitList)
	var deps []*record
	for _, id := range waitList {
		dep, err := s.lockedLookup(id)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: invalid wait list for %s", s.name, cmd.Kind)
		}
		if dep != nil {
			deps = append(deps, dep)
		}
	}
	for _, dep := range deps {
		dep.refs++
	}
	id := s.nextID
	s.nextID++
	rec := &record{
		Event: Event{
			ID:          id,
			Kind:        cmd.Kind,
			Queue:       cmd.Queue,
			Status:      Queued,
			Description: cmd.Description,
			WaitList:    waitList,
			Bytes:       cmd.Bytes,
			Submitted:   time.Now(),
		},
		run:       cmd.Run,
		onResolve: cmd.OnResolve,
		deps:      deps,
		done:      xsync.NewLatch(),
	}
	s.records[id] = rec
	s.counts[cmd.Kind]++
	s.outstanding.Add(1)
	return rec, nil
}

// lockedLookup returns the record of id, or nil if it was reclaimed after completing successfully.
func (s *Scheduler) lockedLookup(id ID) (*record, error) {
	if id <= 0 || id >= s.nextID {
		return nil, failures.New(failures.InconsistentState, "%s: unknown event #%d", s.name, id)
	}
	if id < s.floor {
		return nil, failures.New(failures.InconsistentState, "%s: event #%d was issued before the device was reset", s.name, id)
	}
	return s.records[id], nil
}

// lockedFlush dispatches the buffered commands of q, and of any queue holding their dependencies.
func (s *Scheduler) lockedFlush(q *queue) {
	if len(q.buffered) == 0 {
		return
	}
	buffered := q.buffered
	q.buffered = nil
	for _, rec := range buffered {
		rec.Status = Submitted
	}
	for _, rec := range buffered {
		s.lockedFlushDeps(rec)
	}
	q.ready = append(q.ready, buffered...)
	q.cond.Signal()
}

func (s *Scheduler) lockedFlushDeps(rec *record) {
	for _, dep := range rec.deps {
		if dep.Kind == Marker {
			s.lockedFlushDeps(dep)
		} else if dep.Status == Queued {
			s.lockedFlush(s.queues[dep.Queue])
		}
	}
}

func (s *Scheduler) lockedFlushAll() {
	for _, q := range s.queues {
		s.lockedFlush(q)
	}
}

// Flush dispatches every buffered command to its queue.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockedFlushAll()
}

// worker executes the commands of q in order.
func (s *Scheduler) worker(q *queue) {
	defer s.workers.Done()
	for {
		s.mu.Lock()
		for len(q.ready) == 0 && !s.closed {
			q.cond.Wait()
		}
		if len(q.ready) == 0 {
			s.mu.Unlock()
			return
		}
		rec := q.ready[0]
		q.ready[0] = nil
		q.ready = q.ready[1:]
		s.mu.Unlock()
		s.execute(rec)
	}
}

// execute waits for the dependencies of rec, runs it unless one of them failed, and resolves it.
func (s *Scheduler) execute(rec *record) {
	var failedDep *record
	for _, dep := range rec.deps {
		dep.done.Wait()
		s.mu.Lock()
		if failedDep == nil && dep.Status == Failed {
			failedDep = dep
		}
		s.mu.Unlock()
	}
	if failedDep != nil {
		s.resolve(rec, s.dependencyFailure(rec, failedDep))
		return
	}

	s.mu.Lock()
	rec.Status = Running
	rec.Started = time.Now()
	run := rec.run
	s.mu.Unlock()
	var err error
	if run != nil {
		err = runSafely(run)
	}
	s.resolve(rec, s.classify(rec, err))
}

// runSafely converts a panic in the command into an error.
func runSafely(run func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("command panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return run()
}

// dependencyFailure builds the error of a command that was not run because dep failed.
func (s *Scheduler) dependencyFailure(rec, dep *record) error {
	s.mu.Lock()
	origin, depErr := dep.Origin, dep.Err
	s.mu.Unlock()
	if origin == 0 {
		origin = dep.ID
	}
	kind := failures.KindOf(depErr)
	return failures.New(kind, "%s: %s #%d (%s) not run: it depends on failed event #%d (originated at #%d)",
		s.name, rec.Kind, rec.ID, rec.Description, dep.ID, origin).WithEvent(int64(origin))
}

// classify the error returned by a command, attaching the originating event.
func (s *Scheduler) classify(rec *record, err error) error {
	if err == nil {
		return nil
	}
	kind := failures.KindOf(err)
	if kind == failures.Unknown {
		switch rec.Kind {
		case TransferIn, TransferOut:
			kind = failures.TransferFailure
		default:
			kind = failures.LaunchFailure
		}
	}
	fErr, _ := failures.As(failures.Wrap(err, kind, "%s: %s #%d (%s) failed", s.name, rec.Kind, rec.ID, rec.Description))
	return fErr.WithEvent(int64(rec.ID))
}

// resolve rec with the given error (nil for success), notifying callbacks and waiters.
func (s *Scheduler) resolve(rec *record, err error) {
	s.mu.Lock()
	rec.Completed = time.Now()
	if err != nil {
		rec.Status = Failed
		rec.Err = err
		rec.Origin = ID(failures.EventOf(err))
	} else {
		rec.Status = Complete
		s.resolved = append(s.resolved, rec.ID)
	}
	for _, dep := range rec.deps {
		dep.refs--
	}
	rec.deps = nil
	delete(s.queues[rec.Queue].inflight, rec.ID)
	s.lockedCollect(false)
	snapshot := rec.snapshot()
	onResolve := rec.onResolve
	rec.onResolve = nil
	s.mu.Unlock()

	if err != nil {
		klog.Warningf("%s: event %s %q failed: %v", s.name, snapshot, snapshot.Description, err)
	} else if klog.V(2).Enabled() {
		klog.Infof("%s: event %s %q completed in %s", s.name, snapshot, snapshot.Description, snapshot.Duration())
	}
	if onResolve != nil {
		onResolve(snapshot)
	}
	rec.done.Trigger()
	s.outstanding.Done()
}

// lockedCollect prunes completed records no longer referenced by pending wait lists.
// If all is false, it only prunes when more than 2*RetainResolved candidates accumulated,
// down to RetainResolved.
func (s *Scheduler) lockedCollect(all bool) int {
	retain := s.config.RetainResolved
	if !all {
		if retain < 0 || len(s.resolved) <= 2*retain {
			return 0
		}
	} else {
		retain = 0
	}
	target := len(s.resolved) - retain
	removed := 0
	kept := s.resolved[:0]
	for _, id := range s.resolved {
		rec := s.records[id]
		if rec == nil {
			continue
		}
		if removed < target && rec.refs == 0 {
			delete(s.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.resolved = kept
	return removed
}

// FlushEvents prunes every completed record no longer referenced by a pending wait list, and returns
// how many were reclaimed.
func (s *Scheduler) FlushEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedCollect(true)
}

// Resolve returns the current snapshot of the event, without blocking.
func (s *Scheduler) Resolve(id ID) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lockedLookup(id)
	if err != nil {
		return Event{}, err
	}
	if rec == nil {
		return Event{ID: id, Status: Complete, Reclaimed: true}, nil
	}
	return rec.snapshot(), nil
}

// Status of the event, or Failed if the id is invalid.
func (s *Scheduler) Status(id ID) Status {
	e, err := s.Resolve(id)
	if err != nil {
		return Failed
	}
	return e.Status
}

// Wait blocks until every given event resolved, and returns the error of the first one (in the given
// order) that failed. Buffered commands are flushed first.
func (s *Scheduler) Wait(ids ...ID) error {
	return s.WaitContext(context.Background(), ids...)
}

// WaitContext is like Wait, but returns early with ctx's error if ctx is done.
// Cancelling the wait doesn't cancel the commands.
func (s *Scheduler) WaitContext(ctx context.Context, ids ...ID) error {
	s.mu.Lock()
	recs := make([]*record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.lockedLookup(id)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	s.lockedFlushAll()
	s.mu.Unlock()

	var firstErr error
	for _, rec := range recs {
		if err := rec.done.WaitContext(ctx); err != nil {
			return errors.Wrapf(err, "%s: waiting for event #%d", s.name, rec.ID)
		}
		s.mu.Lock()
		if firstErr == nil && rec.Status == Failed {
			firstErr = rec.Err
		}
		s.mu.Unlock()
	}
	return firstErr
}

// Sync flushes and blocks until every outstanding event resolved.
func (s *Scheduler) Sync() {
	_ = s.SyncContext(context.Background())
}

// SyncContext is like Sync, but returns early with ctx's error if ctx is done.
func (s *Scheduler) SyncContext(ctx context.Context) error {
	s.Flush()
	if err := s.outstanding.WaitContext(ctx); err != nil {
		return errors.Wrapf(err, "%s: sync", s.name)
	}
	return nil
}

// Outstanding returns the number of unresolved events.
func (s *Scheduler) Outstanding() int { return s.outstanding.Count() }

// Len returns the number of records in the arena.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Count returns how many commands of the given kind were submitted since creation or the last Reset.
func (s *Scheduler) Count(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind < 0 || kind >= numKinds {
		return 0
	}
	return s.counts[kind]
}

// Reset waits for every outstanding command, then drops all records: ids issued before the reset
// report INCONSISTENT_STATE afterward. Ids keep increasing, they are never reused.
func (s *Scheduler) Reset() {
	s.Sync()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[ID]*record)
	s.resolved = nil
	s.floor = s.nextID
	s.lastMark = 0
	s.counts = [numKinds]int{}
	for _, q := range s.queues {
		clear(q.inflight)
	}
	klog.V(1).Infof("%s: events reset, next event #%d", s.name, s.nextID)
}

// Close waits for outstanding commands and stops the queue workers. Later submissions fail.
func (s *Scheduler) Close() {
	s.Sync()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, q := range s.queues {
		q.cond.Broadcast()
	}
	s.mu.Unlock()
	s.workers.Wait()
}

// String implements fmt.Stringer.
func (s *Scheduler) String() string {
	return fmt.Sprintf("Scheduler(%s, %d queues)", s.name, len(s.queues))
}
