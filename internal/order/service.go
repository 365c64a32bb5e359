package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gigbot/internal/dispute"
	"gigbot/internal/geo"
	"gigbot/internal/ledger"
	"gigbot/internal/notifier"
	"gigbot/internal/scheduler"
	"gigbot/internal/transport"
	"gigbot/internal/user"
	logx "gigbot/pkg/logx"
)

// lockTimeout bounds how long an intent waits for a contended order before
// telling the caller to retry.
const lockTimeout = 2 * time.Second

// Settings are the runtime knobs, swappable on config hot reload.
type Settings struct {
	InitialRadiusKm  float64
	StepKm           float64
	MaxRadiusKm      float64
	MaxNotify        int
	ConfirmTimeout   time.Duration
	AutoReleaseDelay time.Duration
	OperatorIDs      []int64
}

// Service is the order lifecycle orchestrator. Every state-changing intent
// takes the per-order lock, re-reads status under it, and writes the new
// status through a guarded update; fund movements share a transaction with
// their status write.
type Service struct {
	store    *Store
	users    *user.Store
	ledger   *ledger.Ledger
	geo      *geo.Index
	tracker  *notifier.Tracker
	notify   *notifier.Service
	sched    *scheduler.Service
	disputes *dispute.Store

	mu  sync.RWMutex
	set Settings

	locks *lockTable
	log   logx.Logger
}

func NewService(
	store *Store,
	users *user.Store,
	led *ledger.Ledger,
	idx *geo.Index,
	tracker *notifier.Tracker,
	notify *notifier.Service,
	sched *scheduler.Service,
	disputes *dispute.Store,
	set Settings,
	log logx.Logger,
) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    store,
		users:    users,
		ledger:   led,
		geo:      idx,
		tracker:  tracker,
		notify:   notify,
		sched:    sched,
		disputes: disputes,
		set:      set,
		locks:    newLockTable(),
		log:      log.With(logx.String("component", "order")),
	}
}

// Apply swaps runtime settings (config hot reload).
func (s *Service) Apply(set Settings) {
	s.mu.Lock()
	s.set = set
	s.mu.Unlock()
}

func (s *Service) settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

func confirmJobName(id int64) string { return fmt.Sprintf("confirm_timeout:%d", id) }
func releaseJobName(id int64) string { return fmt.Sprintf("auto_release:%d", id) }

// ResolveRef accepts either a numeric order id or the short public key.
func (s *Service) ResolveRef(ctx context.Context, ref string) (*Order, error) {
	ref = strings.TrimSpace(strings.TrimPrefix(ref, "#"))
	if ref == "" {
		return nil, ErrNotFound
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return s.store.Get(ctx, id)
	}
	return s.store.GetByKey(ctx, strings.ToLower(ref))
}

func (s *Service) Get(ctx context.Context, id int64) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByCreator(ctx context.Context, creator int64, limit int) ([]*Order, error) {
	return s.store.ListByCreator(ctx, creator, limit)
}

// Create reserves the price in escrow and publishes the order; on
// insufficient funds nothing is persisted. Candidate dispatch happens after
// the commit and never fails the creation.
func (s *Service) Create(ctx context.Context, creator int64, description string, price int64, loc *transport.Location) (*Order, error) {
	if price <= 0 {
		return nil, fmt.Errorf("order: create: price must be positive")
	}
	set := s.settings()
	o := &Order{
		CreatorID:   creator,
		Description: description,
		Price:       price,
		RadiusKm:    set.InitialRadiusKm,
	}
	if loc != nil {
		lat, lon := loc.Lat, loc.Lon
		o.Lat, o.Lon = &lat, &lon
	}

	err := s.store.DB().WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.ledger.ReserveTx(ctx, tx, creator, price); err != nil {
			return err
		}
		return s.store.CreateTx(ctx, tx, o)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("order created",
		logx.Int64("order", o.ID), logx.String("key", o.Key),
		logx.Int64("creator", creator), logx.Int64("price", price))

	offered := s.dispatch(ctx, o, set)
	s.send(ctx, transport.Notification{
		UserID: creator,
		Kind:   transport.KindNewOrder,
		Text: fmt.Sprintf("Order #%s published. Price: %d coins. Offered to %d executor(s).",
			o.Key, o.Price, offered),
	})
	return o, nil
}

// dispatch notifies the initial candidate set, recording each pair in the
// tracker. Failures are per-recipient and never abort the loop.
func (s *Service) dispatch(ctx context.Context, o *Order, set Settings) int {
	var (
		cands []geo.Candidate
		err   error
	)
	if o.HasLocation() {
		cands, err = s.geo.Candidates(ctx, *o.Lat, *o.Lon, o.RadiusKm, set.MaxNotify, o.CreatorID)
	} else {
		cands, err = s.geo.OnlineCandidates(ctx, set.MaxNotify, o.CreatorID)
	}
	if err != nil {
		s.log.Warn("candidate search failed", logx.Int64("order", o.ID), logx.Err(err))
		return 0
	}
	return s.offer(ctx, o, cands, nil)
}

// offer records and notifies every candidate not already in skip.
func (s *Service) offer(ctx context.Context, o *Order, cands []geo.Candidate, skip map[int64]bool) int {
	sent := 0
	for _, c := range cands {
		if skip[c.ExecutorID] {
			continue
		}
		if err := s.tracker.Record(ctx, o.ID, c.ExecutorID); err != nil {
			s.log.Warn("notification record failed",
				logx.Int64("order", o.ID), logx.Int64("executor", c.ExecutorID), logx.Err(err))
			continue
		}
		n := transport.Notification{
			UserID: c.ExecutorID,
			Kind:   transport.KindNewOrder,
			Text:   newOrderText(o, c.DistanceKm),
		}
		if o.HasLocation() {
			n.Location = &transport.Location{Lat: *o.Lat, Lon: *o.Lon}
		}
		s.send(ctx, n)
		sent++
	}
	return sent
}

func newOrderText(o *Order, distKm *float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New order #%s\n%s\nPrice: %d coins", o.Key, o.Description, o.Price)
	if distKm != nil {
		fmt.Fprintf(&b, "\nDistance: %.1f km", *distKm)
	}
	fmt.Fprintf(&b, "\nAccept with: /accept %s", o.Key)
	return b.String()
}

// Accept assigns the executor to a PUBLISHED order. Exactly one of two
// racing accepts wins; the loser sees ErrInvalidTransition.
func (s *Service) Accept(ctx context.Context, executor int64, ref string) (*Order, error) {
	o, err := s.ResolveRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if o.CreatorID == executor {
		return nil, fmt.Errorf("order: accept own order: %w", ErrInvalidTransition)
	}

	release, ok := s.locks.acquire(o.ID, lockTimeout)
	if !ok {
		return nil, ErrLockBusy
	}
	defer release()

	now := time.Now()
	if err := s.store.MarkAccepted(ctx, o.ID, executor, now); err != nil {
		return nil, err
	}
	set := s.settings()
	if err := s.sched.AddOnce(confirmJobName(o.ID), now.Add(set.ConfirmTimeout), 0,
		func(jctx context.Context) error { return s.confirmTimeout(jctx, o.ID, executor) }); err != nil {
		s.log.Warn("confirm timeout schedule failed", logx.Int64("order", o.ID), logx.Err(err))
	}
	s.log.Info("order accepted", logx.Int64("order", o.ID), logx.Int64("executor", executor))

	s.send(ctx, transport.Notification{
		UserID: o.CreatorID,
		Kind:   transport.KindOrderAccepted,
		Text: fmt.Sprintf("An executor responded to order #%s. Confirm with /confirm %s or decline with /decline %s.",
			o.Key, o.Key, o.Key),
	})
	return s.store.Get(ctx, o.ID)
}

// Confirm is the creator approving the assigned executor; work may begin.
func (s *Service) Confirm(ctx context.Context, creator int64, ref string) error {
	o, err := s.ResolveRef(ctx, ref)
	if err != nil {
		return err
	}
	release, ok := s.locks.acquire(o.ID, lockTimeout)
	if !ok {
		return ErrLockBusy
	}
	defer release()

	cur, err := s.store.Get(ctx, o.ID)
	if err != nil {
		return err
	}
	if cur.CreatorID != creator {
		return ErrNotParticipant
	}
	if err := s.store.MarkConfirmed(ctx, o.ID); err != nil {
		return err
	}
	s.sched.Remove(confirmJobName(o.ID))
	s.log.Info("executor confirmed", logx.Int64("order", o.ID))

	if cur.AcceptedBy != nil {
		s.send(ctx, transport.Notification{
			UserID: *cur.AcceptedBy,
			Kind:   transport.KindWorkConfirmed,
			Text:   fmt.Sprintf("The customer confirmed you for order #%s. You can start working.", cur.Key),
		})
		s.send(ctx, transport.Notification{
			UserID: *cur.AcceptedBy,
			Kind:   transport.KindReportRequested,
			Text:   fmt.Sprintf("When finished, send /done %s with a photo report of the result.", cur.Key),
		})
	}
	return nil
}

// CancelConfirmation un-accepts the order: escrow stays reserved, the
// assignment is cleared and the order is re-published.
func (s *Service) CancelConfirmation(ctx context.Context, creator int64, ref string) error {
	o, err := s.ResolveRef(ctx, ref)
	if err != nil {
		return err
	}
	release, ok := s.locks.acquire(o.ID, lockTimeout)
	if !ok {
		return ErrLockBusy
	}
	defer release()

	cur, err := s.store.Get(ctx, o.ID)
	if err != nil {
		return err
	}
	if cur.CreatorID != creator {
		return ErrNotParticipant
	}
	err = s.store.DB().WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.ledger.ReleaseTx(ctx, tx, cur.CreatorID, cur.FrozenAmount); err != nil {
			return err
		}
		return s.store.MarkCancelledTx(ctx, tx, o.ID)
	})
	if err != nil {
		return err
	}
	s.sched.Remove(confirmJobName(o.ID))
	s.log.Info("confirmation cancelled", logx.Int64("order", o.ID))
	return nil
}

// Complete is the assigned executor reporting the work done. The order
// waits for client approval, with auto-release as the silence fallback.
func (s *Service) Complete(ctx context.Context, executor int64, ref string) error {
	o, err := s.ResolveRef(ctx, ref)
	if err != nil {
		return err
	}
	release, ok := s.locks.acquire(o.ID, lockTimeout)
	if !ok {
		return ErrLockBusy
	}
	defer release()

	cur, err := s.store.Get(ctx, o.ID)
	if err != nil {
		return err
	}
	if cur.AcceptedBy == nil || *cur.AcceptedBy != executor {
		return ErrNotParticipant
	}
	set := s.settings()
	releaseAt := time.Now().Add(set.AutoReleaseDelay)
	if err := s.store.MarkWorkDone(ctx, o.ID, releaseAt); err != nil {
		return err
	}
	if err := s.sched.AddOnce(releaseJobName(o.ID), releaseAt, 0,
		func(jctx context.Context) error { return s.autoRelease(jctx, o.ID) }); err != nil {
		s.log.Warn("auto release schedule failed", logx.Int64("order", o.ID), logx.Err(err))
	}
	s.log.Info("work completed", logx.Int64("order", o.ID), logx.Time("auto_release_at", releaseAt))

	s.send(ctx, transport.Notification{
		UserID: cur.CreatorID,
		Kind:   transport.KindApprovalRequested,
		Text: fmt.Sprintf("The executor finished order #%s. Approve with /approve %s; without a response the payment is released automatically.",
			cur.Key, cur.Key),
	})
	return nil
}

// Approve pays the executor and completes the order. The transfer and the
// terminal status write commit together.
func (s *Service) Approve(ctx context.Context, creator int64, ref string) error {
	o, err := s.ResolveRef(ctx, ref)
	if err != nil {
		return err
	}
	release, ok := s.locks.acquire(o.ID, lockTimeout)
	if !ok {
		return ErrLockBusy
	}
	defer release()

	cur, err := s.store.Get(ctx, o.ID)
	if err != nil {
		return err
	}
	if cur.CreatorID != creator {
		return ErrNotParticipant
	}
	if cur.AcceptedBy == nil {
		return ErrInvalidTransition
	}
	executor := *cur.AcceptedBy

	err = s.store.DB().WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.ledger.TransferTx(ctx, tx, cur.CreatorID, executor, cur.FrozenAmount); err != nil {
			return err
		}
		return s.store.MarkCompletedTx(ctx, tx, o.ID)
	})
	if err != nil {
		return err
	}
	s.sched.Remove(releaseJobName(o.ID))
	s.log.Info("order approved", logx.Int64("order", o.ID), logx.Int64("executor", executor))

	s.finishPayout(ctx, cur, executor, transport.KindOrderCompleted)
	s.locks.evict(o.ID)
	return nil
}

// autoRelease is the scheduler callback treating client silence as
// approval. If the order moved on before the timer fired it is a silent
// no-op.
func (s *Service) autoRelease(ctx context.Context, id int64) error {
	release, ok := s.locks.acquire(id, lockTimeout)
	if !ok {
		return ErrLockBusy
	}
	defer release()

	cur, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Status != StatusAwaitingApproval || cur.AcceptedBy == nil || cur.FrozenAmount <= 0 {
		return nil
	}
	executor := *cur.AcceptedBy

	err = s.store.DB().WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.ledger.TransferTx(ctx, tx, cur.CreatorID, executor, cur.FrozenAmount); err != nil {
			return err
		}
		return s.store.MarkCompletedTx(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	s.log.Info("order auto-released", logx.Int64("order", id), logx.Int64("executor", executor))

	s.finishPayout(ctx, cur, executor, transport.KindAutoReleased)
	s.locks.evict(id)
	return nil
}

// finishPayout runs the shared post-completion side effects: location reset
// for the executor and bilateral rating prompts.
func (s *Service) finishPayout(ctx context.Context, cur *Order, executor int64, kind transport.Kind) {
	if err := s.users.ResetLocation(ctx, executor); err != nil {
		s.log.Warn("location reset failed", logx.Int64("executor", executor), logx.Err(err))
	}

	s.send(ctx, transport.Notification{
		UserID: executor,
		Kind:   kind,
		Text: fmt.Sprintf("Order #%s is complete. %d coins credited to your balance. Share a new location to receive orders again.\nRate the customer with /rate %s.",
			cur.Key, cur.FrozenAmount, cur.Key),
	})
	s.send(ctx, transport.Notification{
		UserID: cur.CreatorID,
		Kind:   kind,
		Text: fmt.Sprintf("Order #%s is complete, payment released to the executor.\nRate the executor with /rate %s.",
			cur.Key, cur.Key),
	})
}

// confirmTimeout escalates a stalled confirmation: the executor gets the
// creator's contact so they can follow up directly. Purely informational,
// the order state is untouched.
func (s *Service) confirmTimeout(ctx context.Context, id, executor int64) error {
	cur, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Status != StatusAwaitingConfirm || cur.AcceptedBy == nil || *cur.AcceptedBy != executor {
		return nil
	}

	contact := ""
	if creator, err := s.users.Get(ctx, cur.CreatorID); err == nil {
		switch {
		case creator.Phone != "":
			contact = creator.Phone
		case creator.Username != "":
			contact = "@" + creator.Username
		}
	}
	text := fmt.Sprintf("The customer has not confirmed order #%s yet.", cur.Key)
	if contact != "" {
		text += fmt.Sprintf(" You can contact them directly: %s", contact)
	}
	s.send(ctx, transport.Notification{
		UserID: executor,
		Kind:   transport.KindConfirmTimeout,
		Text:   text,
	})
	return nil
}

// OpenDispute creates the dispute record and forces the order into DISPUTE
// in one transaction. A second open reports dispute.ErrAlreadyOpen.
func (s *Service) OpenDispute(ctx context.Context, claimant int64, ref, reason string) error {
	o, err := s.ResolveRef(ctx, ref)
	if err != nil {
		return err
	}
	release, ok := s.locks.acquire(o.ID, lockTimeout)
	if !ok {
		return ErrLockBusy
	}
	defer release()

	cur, err := s.store.Get(ctx, o.ID)
	if err != nil {
		return err
	}
	if claimant != cur.CreatorID && (cur.AcceptedBy == nil || *cur.AcceptedBy != claimant) {
		return ErrNotParticipant
	}
	if cur.Status == StatusDispute {
		return dispute.ErrAlreadyOpen
	}
	if cur.Status.Terminal() {
		return ErrInvalidTransition
	}

	err = s.store.DB().WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.disputes.CreateTx(ctx, tx, o.ID, claimant, reason); err != nil {
			return err
		}
		return s.store.MarkDisputedTx(ctx, tx, o.ID, cur.Status)
	})
	if err != nil {
		return err
	}
	s.log.Warn("dispute opened",
		logx.Int64("order", o.ID), logx.Int64("claimant", claimant), logx.String("reason", reason))

	set := s.settings()
	text := fmt.Sprintf("A dispute was opened on order #%s. An operator will review it.", cur.Key)
	s.send(ctx, transport.Notification{UserID: cur.CreatorID, Kind: transport.KindDisputeOpened, Text: text})
	if cur.AcceptedBy != nil {
		s.send(ctx, transport.Notification{UserID: *cur.AcceptedBy, Kind: transport.KindDisputeOpened, Text: text})
	}
	opText := fmt.Sprintf("Dispute on order #%s (id %d) opened by %d. Reason: %s",
		cur.Key, cur.ID, claimant, reason)
	for _, op := range set.OperatorIDs {
		s.send(ctx, transport.Notification{UserID: op, Kind: transport.KindDisputeOpened, Text: opText})
	}
	s.locks.evict(o.ID)
	return nil
}

// ExpandRadii is the recurring tick: every located PUBLISHED order under
// the cap grows by one step and the delta of newly reachable executors is
// offered the order. Orders already at the cap are simply left out.
func (s *Service) ExpandRadii(ctx context.Context) error {
	set := s.settings()
	orders, err := s.store.ListExpandable(ctx, set.StepKm, set.MaxRadiusKm)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.expandOne(ctx, o.ID, set); err != nil {
			s.log.Warn("radius expansion failed", logx.Int64("order", o.ID), logx.Err(err))
		}
	}
	return nil
}

func (s *Service) expandOne(ctx context.Context, id int64, set Settings) error {
	release, ok := s.locks.acquire(id, lockTimeout)
	if !ok {
		// contended order; next tick will pick it up
		return nil
	}
	defer release()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != StatusPublished || !cur.HasLocation() {
		return nil
	}
	if cur.RadiusKm+set.StepKm > set.MaxRadiusKm {
		return nil
	}
	if err := s.store.GrowRadius(ctx, id, cur.RadiusKm, set.StepKm); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return err
	}
	newRadius := cur.RadiusKm + set.StepKm

	cands, err := s.geo.Candidates(ctx, *cur.Lat, *cur.Lon, newRadius, set.MaxNotify, cur.CreatorID)
	if err != nil {
		return err
	}
	seen, err := s.tracker.AlreadyNotified(ctx, id)
	if err != nil {
		return err
	}
	if n := s.offer(ctx, cur, cands, seen); n > 0 {
		s.log.Debug("radius expanded",
			logx.Int64("order", id), logx.Float64("radius_km", newRadius), logx.Int("new_candidates", n))
	}
	return nil
}

// send enqueues a notification; delivery failures are the notifier's
// problem and only logged here.
func (s *Service) send(ctx context.Context, n transport.Notification) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(ctx, n); err != nil {
		s.log.Warn("notification enqueue failed",
			logx.Int64("user", n.UserID), logx.String("kind", string(n.Kind)), logx.Err(err))
	}
}
