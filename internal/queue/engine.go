package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jbracken/permasync/internal/conflict"
	errs "github.com/jbracken/permasync/internal/errors"
	"github.com/jbracken/permasync/internal/fsutil"
	"github.com/jbracken/permasync/internal/payment"
	"github.com/jbracken/permasync/internal/pricing"
	"github.com/jbracken/permasync/internal/state"
)

const (
	// cmdChanSize buffers commands from API callers into the event loop.
	cmdChanSize = 16

	// eventChanSize buffers progress events from the daemon's stream.
	eventChanSize = 64

	// settleSweepInterval is how often the loop checks for completed
	// items whose settle delay has elapsed.
	settleSweepInterval = 500 * time.Millisecond

	// defaultSettleDelay keeps completed items visible briefly so the
	// presentation layer can settle before the transient state vanishes.
	defaultSettleDelay = 5 * time.Second

	// defaultApprovePacing spaces batch-approval submissions so the
	// execution daemon is not saturated by a burst.
	defaultApprovePacing = 300 * time.Millisecond

	// conservativeWinstonPerGiB is the token fallback rate used when no
	// price was ever fetched. Deliberately high: overestimating cost is
	// safe, underestimating invites surprise charges.
	conservativeWinstonPerGiB = 10_000_000_000_000

	// conservativeCreditsPerGiB is the credit fallback rate, same policy.
	conservativeCreditsPerGiB = 30_000_000_000
)

// ExecutionService is the external daemon that actually publishes
// approved items. Submit and Cancel may block on network round-trips;
// the engine never calls either from its event loop. Progress arrives
// on the engine's event channel.
type ExecutionService interface {
	Submit(ctx context.Context, sub Submission) error
	Cancel(ctx context.Context, id uuid.UUID) error
}

// BalanceOracle reports live wallet balances.
type BalanceOracle interface {
	TokenBalance(ctx context.Context) (int64, error)
	CreditBalance(ctx context.Context) (int64, error)
}

// PriceOracle quotes publishing prices for a byte count.
type PriceOracle interface {
	TokenPriceForBytes(ctx context.Context, n int64) (int64, error)
	CreditCostForBytes(ctx context.Context, n int64) (int64, error)
}

// RemoteLookup resolves the crawler's view of the remote file index.
// *state.State satisfies this directly.
type RemoteLookup interface {
	GetRemoteFile(path string) (*state.RemoteFile, error)
	FindRemoteByName(parent, name string) (*state.RemoteFile, error)
}

// Config holds the collaborators and tuning for an Engine.
type Config struct {
	Exec     ExecutionService
	Balances BalanceOracle
	Prices   PriceOracle
	Lookup   RemoteLookup

	FreeThresholdBytes int64
	Preference         payment.Preference
	SettleDelay        time.Duration
	ApprovePacing      time.Duration

	// OnBalanceRefresh and OnQueueRefresh fire after an item completes,
	// so the wallet and metadata layers can re-fetch their views.
	OnBalanceRefresh func()
	OnQueueRefresh   func()

	// OnUseRemote fires when a use_remote resolution is approved: no
	// publish happens, and the local file should be reconciled to match
	// the remote version.
	OnUseRemote func(item PendingUpload)
}

// command carries one queue operation into the event loop. All state
// mutation happens on the loop goroutine, so handlers need no locking.
type command struct {
	run    func(ctx context.Context) error
	result chan error
}

// Engine owns the pending queue, the resolution records, and the live
// execution-state map. A single event loop goroutine (Run) processes
// API commands, daemon progress events, batch pacing, and settle
// sweeps; the pure estimator, classifier, and balance gate are invoked
// from that loop and never retain queue items. Network-bound work
// (daemon submissions, cancel notifications, oracle sweeps) is handed
// off so the loop never blocks on I/O and always keeps draining the
// event channel.
type Engine struct {
	logger *slog.Logger

	exec     ExecutionService
	balances BalanceOracle
	prices   PriceOracle
	lookup   RemoteLookup

	freeThreshold int64
	pref          payment.Preference
	settleDelay   time.Duration
	pacing        time.Duration

	onBalanceRefresh func()
	onQueueRefresh   func()
	onUseRemote      func(item PendingUpload)

	cmdCh   chan command
	eventCh chan ProgressEvent

	items       map[uuid.UUID]*PendingUpload
	order       []uuid.UUID
	resolutions map[uuid.UUID]Resolution
	execStates  map[uuid.UUID]*ExecutionState
	settleAt    map[uuid.UUID]time.Time

	// rejected remembers terminally rejected item ids so later
	// transition attempts fail with a precise error instead of
	// "unknown item".
	rejected map[uuid.UUID]struct{}

	// batch holds ids scheduled by ApproveAll, drained one per pacing
	// tick so the loop stays responsive between submissions.
	batch []uuid.UUID

	params         pricing.Params
	bal            payment.Balances
	quotesDegraded bool
}

// New creates an Engine from the given config. Run must be called
// before any API method is used.
func New(cfg Config, logger *slog.Logger) *Engine {
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}

	pacing := cfg.ApprovePacing
	if pacing <= 0 {
		pacing = defaultApprovePacing
	}

	return &Engine{
		logger:           logger,
		exec:             cfg.Exec,
		balances:         cfg.Balances,
		prices:           cfg.Prices,
		lookup:           cfg.Lookup,
		freeThreshold:    cfg.FreeThresholdBytes,
		pref:             cfg.Preference,
		settleDelay:      settle,
		pacing:           pacing,
		onBalanceRefresh: cfg.OnBalanceRefresh,
		onQueueRefresh:   cfg.OnQueueRefresh,
		onUseRemote:      cfg.OnUseRemote,
		cmdCh:            make(chan command, cmdChanSize),
		eventCh:          make(chan ProgressEvent, eventChanSize),
		items:            make(map[uuid.UUID]*PendingUpload),
		resolutions:      make(map[uuid.UUID]Resolution),
		execStates:       make(map[uuid.UUID]*ExecutionState),
		settleAt:         make(map[uuid.UUID]time.Time),
		rejected:         make(map[uuid.UUID]struct{}),
		params:           pricing.Params{FreeThresholdBytes: cfg.FreeThresholdBytes},
	}
}

// Run is the engine's event loop. It owns all queue state; commands,
// progress events, pacing ticks, and settle sweeps are serialized here.
// Returns when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	pacingTicker := time.NewTicker(e.pacing)
	defer pacingTicker.Stop()

	settleTicker := time.NewTicker(settleSweepInterval)
	defer settleTicker.Stop()

	for {
		select {
		case cmd := <-e.cmdCh:
			cmd.result <- cmd.run(ctx)

		case ev := <-e.eventCh:
			e.handleEvent(ev)

		case <-pacingTicker.C:
			e.stepBatch(ctx)

		case <-settleTicker.C:
			e.sweepSettled(time.Now())

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// do runs fn on the event loop and waits for its result.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{run: fn, result: make(chan error, 1)}

	select {
	case e.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishEvent delivers one progress event from the daemon's stream to
// the event loop. Safe to call from any goroutine.
func (e *Engine) PublishEvent(ev ProgressEvent) {
	e.eventCh <- ev
}

// Add ingests a raw change descriptor: it classifies conflicts against
// the remote index, prices the item, runs the balance gate, and places
// the result at the tail of the pending queue. A queued-but-unapproved
// item for the same path is replaced (last change wins).
func (e *Engine) Add(ctx context.Context, ch Change) (PendingUpload, error) {
	var added PendingUpload

	err := e.do(ctx, func(ctx context.Context) error {
		item, err := e.handleAdd(ch)
		if err != nil {
			return err
		}

		added = *item

		return nil
	})

	return added, err
}

// Approve accepts one item: it re-runs the balance gate and, when the
// balance covers the charge, hands the item to the execution daemon.
// The daemon round-trip happens off the event loop; a refused
// submission surfaces as a failed execution state, not as an Approve
// error. Conflicted items require a recorded resolution first. When
// the selected rail cannot cover the item, the item stays approved,
// the insufficiency is surfaced on its RailSelection, and
// errors.ErrInsufficientBalance is returned.
func (e *Engine) Approve(ctx context.Context, id uuid.UUID) error {
	return e.do(ctx, func(ctx context.Context) error {
		return e.handleApprove(ctx, id)
	})
}

// Reject declines one item still awaiting approval. Terminal: every
// later transition on the id fails.
func (e *Engine) Reject(ctx context.Context, id uuid.UUID) error {
	return e.do(ctx, func(context.Context) error {
		return e.handleReject(id)
	})
}

// ApproveAll schedules every approvable item for paced submission and
// returns how many were scheduled. Items with an unresolved conflict
// are skipped, not failed; individual submission failures never abort
// the rest of the batch.
func (e *Engine) ApproveAll(ctx context.Context) (int, error) {
	var scheduled int

	err := e.do(ctx, func(context.Context) error {
		scheduled = e.handleApproveAll()
		return nil
	})

	return scheduled, err
}

// RejectAll rejects every item still awaiting approval and returns how
// many were rejected.
func (e *Engine) RejectAll(ctx context.Context) (int, error) {
	var rejected int

	err := e.do(ctx, func(context.Context) error {
		rejected = e.handleRejectAll()
		return nil
	})

	return rejected, err
}

// Retry resubmits a failed item, clearing its prior error and progress.
// Only valid from the failed execution state.
func (e *Engine) Retry(ctx context.Context, id uuid.UUID) error {
	return e.do(ctx, func(ctx context.Context) error {
		return e.handleRetry(ctx, id)
	})
}

// Cancel stops an uploading item. Best-effort: the daemon is notified,
// and local bookkeeping is cleared optimistically without waiting for
// confirmation. The item returns to approved, not awaiting approval.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	return e.do(ctx, func(ctx context.Context) error {
		return e.handleCancel(ctx, id)
	})
}

// Resolve records the operator decision for a conflicted item.
// Write-once: re-resolution requires Remove plus a fresh Add. A skip
// resolution removes the item from this queue cycle immediately.
func (e *Engine) Resolve(ctx context.Context, id uuid.UUID, res conflict.Resolution, reasoning string) error {
	return e.do(ctx, func(context.Context) error {
		return e.handleResolve(id, res, reasoning)
	})
}

// Remove drops an item that is not currently executing. Used by the
// watcher when a queued change is superseded, and to revoke a
// resolution by removing and re-adding the item.
func (e *Engine) Remove(ctx context.Context, id uuid.UUID) error {
	return e.do(ctx, func(context.Context) error {
		return e.handleRemove(id)
	})
}

// SetPreference changes the payment-method preference for subsequent
// gate decisions and re-gates every queued item.
func (e *Engine) SetPreference(ctx context.Context, pref payment.Preference) error {
	return e.do(ctx, func(context.Context) error {
		e.pref = pref
		e.regateAll()

		return nil
	})
}

// RefreshQuotes re-fetches prices and balances from the oracles and
// reprices the queue. The oracle round-trips run on the caller's
// goroutine; only applying the fetched snapshot touches the event
// loop. Oracle failures degrade to the previous snapshot (or
// conservative defaults) instead of blocking approval; the degradation
// is surfaced on the next Snapshot.
func (e *Engine) RefreshQuotes(ctx context.Context) error {
	q := e.fetchQuotes(ctx)

	return e.do(ctx, func(context.Context) error {
		e.applyQuotes(q)
		return nil
	})
}

// Snapshot returns a consistent copy of the queue, the execution map,
// and the aggregate cost breakdown.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	err := e.do(ctx, func(context.Context) error {
		snap = e.snapshot()
		return nil
	})

	return snap, err
}

// --- handlers: all run on the event loop ---

func (e *Engine) handleAdd(ch Change) (*PendingUpload, error) {
	path := fsutil.NormalizePath(ch.LocalPath)
	if path == "" {
		return nil, fmt.Errorf("empty local path")
	}

	// Last change wins for a path still awaiting approval.
	for id, existing := range e.items {
		if existing.LocalPath != path || existing.Status != StatusAwaitingApproval {
			continue
		}

		delete(e.items, id)
		delete(e.resolutions, id)
		e.dropFromOrder(id)
		e.logger.Debug("superseding queued change", slog.String("path", path))
	}

	name := ch.FileName
	if name == "" {
		_, name = fsutil.SplitPath(path)
	}

	parent, _ := fsutil.SplitPath(path)

	byPath, err := e.lookup.GetRemoteFile(path)
	if err != nil {
		return nil, fmt.Errorf("looking up remote state for %s: %w", path, err)
	}

	var byName *state.RemoteFile

	if byPath == nil {
		byName, err = e.lookup.FindRemoteByName(parent, name)
		if err != nil {
			return nil, fmt.Errorf("looking up remote name for %s: %w", path, err)
		}
	}

	conflictType, details := conflict.Classify(conflict.Change{
		Path:        path,
		Name:        name,
		Size:        ch.FileSize,
		MTime:       ch.MTime,
		ContentHash: ch.ContentHash,
		Preview:     ch.Preview,
	}, byPath, byName)

	// Deleting, hiding, or renaming something the remote already has is
	// the normal case for metadata operations, not a content conflict.
	if ch.Operation.MetadataOnly() && conflictType != conflict.TypeNone {
		conflictType = conflict.TypeNone
		details = ""
	}

	item := &PendingUpload{
		ID:              uuid.New(),
		LocalPath:       path,
		FileName:        name,
		FileSize:        ch.FileSize,
		Operation:       ch.Operation,
		PreviousPath:    fsutil.NormalizePath(ch.PreviousPath),
		ContentHash:     ch.ContentHash,
		MTime:           ch.MTime,
		Conflict:        conflictType,
		ConflictDetails: details,
		Status:          StatusAwaitingApproval,
		CreatedAt:       time.Now(),
		preview:         ch.Preview,
	}

	e.priceItem(item)

	e.items[item.ID] = item
	e.order = append(e.order, item.ID)

	e.logger.Info("change queued",
		slog.String("id", item.ID.String()),
		slog.String("path", item.LocalPath),
		slog.String("operation", item.Operation.String()),
		slog.String("conflict", item.Conflict.String()),
		slog.String("rail", item.Rail.Rail.String()),
	)

	return item, nil
}

func (e *Engine) handleApprove(ctx context.Context, id uuid.UUID) error {
	item, err := e.lookupItem(id)
	if err != nil {
		return err
	}

	switch item.Status {
	case StatusAwaitingApproval:
		// Normal path.
	case StatusApproved:
		// Re-approval retries a submission blocked by insufficiency.
		if _, executing := e.execStates[id]; executing {
			return nil
		}
	case StatusRejected:
		return errs.ErrItemRejected
	}

	var res *Resolution

	if r, ok := e.resolutions[id]; ok {
		res = &r
	}

	if item.Conflict != conflict.TypeNone && res == nil {
		return fmt.Errorf("%w: %s is %s", errs.ErrUnresolvedConflict, item.LocalPath, item.Conflict)
	}

	item.Status = StatusApproved

	if res != nil && res.Resolution == conflict.ResolveUseRemote {
		// No publish. The local file gets reconciled to the remote
		// version by the sync layer; the item completes immediately.
		e.execStates[id] = &ExecutionState{Progress: 100, Status: ExecCompleted}
		e.settleAt[id] = time.Now().Add(e.settleDelay)

		if e.onUseRemote != nil {
			e.onUseRemote(*item)
		}

		e.signalRefresh()
		e.logger.Info("resolved to remote version, no publish",
			slog.String("id", id.String()),
			slog.String("path", item.LocalPath),
		)

		return nil
	}

	return e.submit(ctx, item, res)
}

// submit runs the pre-submission balance gate and hands the item to
// the execution daemon. The daemon call runs on its own goroutine so
// the event loop never blocks on the ack round-trip; a refused
// submission comes back through the event channel as a failed
// execution state. The caller has already validated approval state.
func (e *Engine) submit(ctx context.Context, item *PendingUpload, res *Resolution) error {
	e.priceItem(item)

	if !item.Rail.Sufficient {
		e.logger.Warn("submission blocked by insufficient balance",
			slog.String("id", item.ID.String()),
			slog.String("path", item.LocalPath),
			slog.String("rail", item.Rail.Rail.String()),
			slog.Int64("shortfall", item.Rail.Shortfall),
		)

		return fmt.Errorf("%w: %s rail short by %d",
			errs.ErrInsufficientBalance, item.Rail.Rail, item.Rail.Shortfall)
	}

	targetName := item.FileName
	if res != nil && res.Resolution == conflict.ResolveKeepBoth {
		targetName = e.keepBothName(item)
	}

	st, ok := e.execStates[item.ID]
	if !ok {
		st = &ExecutionState{}
		e.execStates[item.ID] = st
	}

	st.Progress = 0
	st.Err = ""
	st.Status = ExecUploading

	sub := Submission{
		ID:           item.ID,
		LocalPath:    item.LocalPath,
		PreviousPath: item.PreviousPath,
		FileName:     targetName,
		Operation:    item.Operation,
		Size:         item.FileSize,
		Rail:         item.Rail.Rail,
	}

	e.logger.Info("submitting for publishing",
		slog.String("id", item.ID.String()),
		slog.String("path", item.LocalPath),
		slog.String("rail", item.Rail.Rail.String()),
	)

	go func() {
		if err := e.exec.Submit(ctx, sub); err != nil {
			// Submission failure is an execution failure for this item
			// alone; siblings and batches continue. It re-enters the
			// loop as an event so the loop itself never waited on the
			// daemon.
			e.logger.Warn("submission failed",
				slog.String("id", sub.ID.String()),
				slog.String("path", sub.LocalPath),
				slog.String("error", err.Error()),
			)

			e.PublishEvent(ProgressEvent{ID: sub.ID, Status: ExecFailed, Error: err.Error()})
		}
	}()

	return nil
}

// keepBothName picks a collision-free target name against the remote
// index and the rest of the queue.
func (e *Engine) keepBothName(item *PendingUpload) string {
	parent, _ := fsutil.SplitPath(item.LocalPath)

	return conflict.KeepBothName(item.FileName, func(candidate string) bool {
		if rf, err := e.lookup.FindRemoteByName(parent, candidate); err == nil && rf != nil {
			return true
		}

		for _, other := range e.items {
			otherParent, _ := fsutil.SplitPath(other.LocalPath)
			if otherParent == parent && other.FileName == candidate {
				return true
			}
		}

		return false
	})
}

func (e *Engine) handleReject(id uuid.UUID) error {
	item, err := e.lookupItem(id)
	if err != nil {
		return err
	}

	if item.Status != StatusAwaitingApproval {
		return fmt.Errorf("%w: %s is %s", errs.ErrNotAwaitingApproval, item.LocalPath, item.Status)
	}

	delete(e.items, id)
	delete(e.resolutions, id)
	e.dropFromOrder(id)
	e.rejected[id] = struct{}{}

	e.logger.Info("change rejected",
		slog.String("id", id.String()),
		slog.String("path", item.LocalPath),
	)

	return nil
}

func (e *Engine) handleApproveAll() int {
	scheduled := 0

	for _, id := range e.order {
		item, ok := e.items[id]
		if !ok || item.Status != StatusAwaitingApproval {
			continue
		}

		if item.Conflict != conflict.TypeNone {
			if _, resolved := e.resolutions[id]; !resolved {
				e.logger.Debug("skipping unresolved conflict in batch approval",
					slog.String("id", id.String()),
					slog.String("path", item.LocalPath),
				)

				continue
			}
		}

		e.batch = append(e.batch, id)
		scheduled++
	}

	e.logger.Info("batch approval scheduled", slog.Int("items", scheduled))

	return scheduled
}

func (e *Engine) handleRejectAll() int {
	rejected := 0

	for _, id := range append([]uuid.UUID(nil), e.order...) {
		item, ok := e.items[id]
		if !ok || item.Status != StatusAwaitingApproval {
			continue
		}

		if err := e.handleReject(id); err != nil {
			e.logger.Warn("batch reject",
				slog.String("path", item.LocalPath),
				slog.String("error", err.Error()),
			)

			continue
		}

		rejected++
	}

	return rejected
}

// stepBatch approves the next scheduled batch item. One item per pacing
// tick keeps the loop responsive and spaces daemon submissions out.
// Per-item failures are logged and never abort the remainder.
func (e *Engine) stepBatch(ctx context.Context) {
	for len(e.batch) > 0 {
		id := e.batch[0]
		e.batch = e.batch[1:]

		item, ok := e.items[id]
		if !ok {
			continue
		}

		if err := e.handleApprove(ctx, id); err != nil {
			e.logger.Warn("batch approval item failed",
				slog.String("id", id.String()),
				slog.String("path", item.LocalPath),
				slog.String("error", err.Error()),
			)
		}

		return
	}
}

func (e *Engine) handleRetry(ctx context.Context, id uuid.UUID) error {
	item, err := e.lookupItem(id)
	if err != nil {
		return err
	}

	st, ok := e.execStates[id]
	if !ok || st.Status != ExecFailed {
		return fmt.Errorf("%w: %s", errs.ErrNotFailed, item.LocalPath)
	}

	// Clear prior error and progress; the execution state is reused
	// immediately rather than waiting for any settle delay.
	st.Progress = 0
	st.Err = ""
	st.Status = ExecUploading

	var res *Resolution

	if r, ok := e.resolutions[id]; ok {
		res = &r
	}

	if err := e.submit(ctx, item, res); err != nil {
		// Insufficiency discovered on retry: drop the stale execution
		// state so the item is plainly approved-but-blocked again.
		if st.Status == ExecUploading {
			delete(e.execStates, id)
		}

		return err
	}

	e.logger.Info("retrying failed upload",
		slog.String("id", id.String()),
		slog.String("path", item.LocalPath),
	)

	return nil
}

func (e *Engine) handleCancel(ctx context.Context, id uuid.UUID) error {
	item, err := e.lookupItem(id)
	if err != nil {
		return err
	}

	st, ok := e.execStates[id]
	if !ok || st.Status != ExecUploading {
		return fmt.Errorf("%w: %s", errs.ErrNotUploading, item.LocalPath)
	}

	// Local bookkeeping clears first; the daemon notification is
	// advisory and must not hold the loop waiting for an ack. A late
	// completion event for this id is discarded by handleEvent.
	delete(e.execStates, id)
	delete(e.settleAt, id)

	go func() {
		if err := e.exec.Cancel(ctx, id); err != nil {
			e.logger.Warn("cancel notification failed",
				slog.String("id", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}()

	e.logger.Info("upload cancelled",
		slog.String("id", id.String()),
		slog.String("path", item.LocalPath),
	)

	return nil
}

func (e *Engine) handleResolve(id uuid.UUID, res conflict.Resolution, reasoning string) error {
	item, err := e.lookupItem(id)
	if err != nil {
		return err
	}

	if item.Conflict == conflict.TypeNone {
		return fmt.Errorf("%w: %s has no conflict", errs.ErrInvalidResolution, item.LocalPath)
	}

	if _, exists := e.resolutions[id]; exists {
		return fmt.Errorf("%w: %s", errs.ErrAlreadyResolved, item.LocalPath)
	}

	valid := false

	for _, allowed := range conflict.ValidResolutions(item.Conflict) {
		if res == allowed {
			valid = true
			break
		}
	}

	if !valid {
		return fmt.Errorf("%w: %s for %s", errs.ErrInvalidResolution, res, item.Conflict)
	}

	e.resolutions[id] = Resolution{
		UploadID:   id,
		Resolution: res,
		Reasoning:  reasoning,
		ResolvedAt: time.Now(),
	}

	e.logger.Info("conflict resolved",
		slog.String("id", id.String()),
		slog.String("path", item.LocalPath),
		slog.String("conflict", item.Conflict.String()),
		slog.String("resolution", res.String()),
	)

	if res == conflict.ResolveSkip {
		// Permanently excluded from this queue cycle. The resolution
		// record stays for audit.
		delete(e.items, id)
		e.dropFromOrder(id)
	}

	return nil
}

func (e *Engine) handleRemove(id uuid.UUID) error {
	item, err := e.lookupItem(id)
	if err != nil {
		return err
	}

	if st, executing := e.execStates[id]; executing && st.Status == ExecUploading {
		return fmt.Errorf("%w: cancel before removing %s", errs.ErrNotUploading, item.LocalPath)
	}

	delete(e.items, id)
	delete(e.resolutions, id)
	delete(e.execStates, id)
	delete(e.settleAt, id)
	e.dropFromOrder(id)

	return nil
}

// handleEvent ingests one progress event from the daemon's stream.
// Events for untracked ids are discarded: a cancelled-then-completing
// remote operation is expected, not an error. Progress is clamped
// monotone while uploading.
func (e *Engine) handleEvent(ev ProgressEvent) {
	st, ok := e.execStates[ev.ID]
	if !ok {
		e.logger.Debug("discarding event for untracked item",
			slog.String("id", ev.ID.String()),
			slog.String("status", ev.Status.String()),
		)

		return
	}

	if st.Status != ExecUploading {
		// Duplicate terminal event after completion or failure.
		e.logger.Debug("discarding event for settled item",
			slog.String("id", ev.ID.String()),
		)

		return
	}

	if ev.Progress > st.Progress {
		st.Progress = ev.Progress
	}

	switch ev.Status {
	case ExecUploading:
		// Progress-only update.

	case ExecCompleted:
		st.Progress = 100
		st.Status = ExecCompleted
		e.settleAt[ev.ID] = time.Now().Add(e.settleDelay)

		e.logger.Info("upload completed", slog.String("id", ev.ID.String()))
		e.signalRefresh()

	case ExecFailed:
		st.Status = ExecFailed
		st.Err = ev.Error

		e.logger.Warn("upload failed",
			slog.String("id", ev.ID.String()),
			slog.String("error", ev.Error),
		)
	}
}

// sweepSettled clears transient execution state for completed items
// whose settle delay has elapsed, and retires the queue entries.
func (e *Engine) sweepSettled(now time.Time) {
	for id, at := range e.settleAt {
		if now.Before(at) {
			continue
		}

		delete(e.settleAt, id)
		delete(e.execStates, id)
		delete(e.resolutions, id)
		delete(e.items, id)
		e.dropFromOrder(id)
	}
}

// quoteFetch is one completed oracle sweep. Absent fields keep their
// previous values when applied.
type quoteFetch struct {
	winstonPerGiB int64
	creditsPerGiB int64
	winston       int64
	credits       int64

	haveTokenRate  bool
	haveCreditRate bool
	haveTokenBal   bool
	haveCreditBal  bool

	degraded bool
}

// fetchQuotes pulls fresh rates and balances from the oracles. Runs on
// the caller's goroutine, never the event loop: the oracle clients are
// immutable after construction, so no loop state is touched here.
func (e *Engine) fetchQuotes(ctx context.Context) quoteFetch {
	var q quoteFetch

	if winstonPerGiB, err := e.prices.TokenPriceForBytes(ctx, pricing.GiB); err != nil {
		q.degraded = true

		e.logger.Warn("token price oracle unavailable, using cached rate",
			slog.String("error", err.Error()),
		)
	} else {
		q.winstonPerGiB = winstonPerGiB
		q.haveTokenRate = true
	}

	if creditsPerGiB, err := e.prices.CreditCostForBytes(ctx, pricing.GiB); err != nil {
		q.degraded = true

		e.logger.Warn("credit price oracle unavailable, using cached rate",
			slog.String("error", err.Error()),
		)
	} else {
		q.creditsPerGiB = creditsPerGiB
		q.haveCreditRate = true
	}

	if winston, err := e.balances.TokenBalance(ctx); err != nil {
		q.degraded = true

		e.logger.Warn("token balance unavailable, using cached balance",
			slog.String("error", err.Error()),
		)
	} else {
		q.winston = winston
		q.haveTokenBal = true
	}

	if credits, err := e.balances.CreditBalance(ctx); err != nil {
		q.degraded = true

		e.logger.Warn("credit balance unavailable, using cached balance",
			slog.String("error", err.Error()),
		)
	} else {
		q.credits = credits
		q.haveCreditBal = true
	}

	return q
}

// applyQuotes installs a fetched snapshot. An absent field keeps the
// previous value; a never-fetched rate falls back to conservative
// defaults so estimation over-quotes rather than blocks.
func (e *Engine) applyQuotes(q quoteFetch) {
	if q.haveTokenRate {
		e.params.WinstonPerGiB = q.winstonPerGiB
	}

	if q.haveCreditRate {
		e.params.CreditsPerGiB = q.creditsPerGiB
	}

	if q.haveTokenBal {
		e.bal.Winston = q.winston
	}

	if q.haveCreditBal {
		e.bal.Credits = q.credits
	}

	if e.params.WinstonPerGiB == 0 && q.degraded {
		e.params.WinstonPerGiB = conservativeWinstonPerGiB
	}

	if e.params.CreditsPerGiB == 0 && q.degraded {
		e.params.CreditsPerGiB = conservativeCreditsPerGiB
	}

	e.quotesDegraded = q.degraded
	e.regateAll()
}

// priceItem recomputes one item's estimate and rail selection from the
// current snapshot.
func (e *Engine) priceItem(item *PendingUpload) {
	item.Cost = pricing.Estimate(item.FileSize, item.Operation.MetadataOnly(), e.params)
	item.Rail = payment.SelectRail(item.Cost, e.bal, e.pref)
}

// regateAll reprices every queued item after a rate, balance, or
// preference change.
func (e *Engine) regateAll() {
	for _, item := range e.items {
		e.priceItem(item)
	}
}

func (e *Engine) snapshot() Snapshot {
	snap := Snapshot{
		Items:          make([]PendingUpload, 0, len(e.order)),
		Execution:      make(map[uuid.UUID]ExecutionState, len(e.execStates)),
		QuotesDegraded: e.quotesDegraded,
	}

	entries := make([]pricing.BreakdownEntry, 0, len(e.order))

	for _, id := range e.order {
		item, ok := e.items[id]
		if !ok {
			continue
		}

		snap.Items = append(snap.Items, *item)

		// Conflicted items never count toward aggregate totals until
		// they re-enter the queue conflict-free; unresolved ones must
		// not silently read as "free" or "ready".
		if item.Conflict != conflict.TypeNone {
			continue
		}

		entries = append(entries, pricing.BreakdownEntry{
			Cost:         item.Cost,
			Rail:         item.Rail.Rail,
			MetadataOnly: item.Operation.MetadataOnly(),
		})
	}

	for id, st := range e.execStates {
		snap.Execution[id] = *st
	}

	snap.Breakdown = pricing.Breakdown(entries)

	return snap
}

// lookupItem resolves an id, distinguishing rejected ids from unknown
// ones so terminal rejection reads as such.
func (e *Engine) lookupItem(id uuid.UUID) (*PendingUpload, error) {
	if item, ok := e.items[id]; ok {
		return item, nil
	}

	if _, wasRejected := e.rejected[id]; wasRejected {
		return nil, errs.ErrItemRejected
	}

	return nil, fmt.Errorf("%w: %s", errs.ErrUnknownItem, id)
}

func (e *Engine) dropFromOrder(id uuid.UUID) {
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			return
		}
	}
}

func (e *Engine) signalRefresh() {
	if e.onBalanceRefresh != nil {
		e.onBalanceRefresh()
	}

	if e.onQueueRefresh != nil {
		e.onQueueRefresh()
	}
}
