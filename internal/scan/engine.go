// Package scan orchestrates synchronization runs: deciding full versus
// incremental pulls per conversation, streaming messages through the
// reconciler, and reporting progress through the status register.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatwatch/chatwatch/internal/config"
	"github.com/chatwatch/chatwatch/internal/governor"
	"github.com/chatwatch/chatwatch/internal/platform"
	"github.com/chatwatch/chatwatch/internal/reconcile"
	"github.com/chatwatch/chatwatch/internal/status"
	"github.com/chatwatch/chatwatch/internal/store"
)

// ErrRunActive is returned when a run is requested while one is in flight.
var ErrRunActive = errors.New("a scan run is already active")

// ErrInterrupted is returned when a run stops at an interruption request.
// Work completed before the stop is committed; nothing is rolled back.
var ErrInterrupted = errors.New("scan interrupted")

// Mode says how a conversation was pulled.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Options parameterizes one run.
type Options struct {
	// ForceFull pulls complete history even where a high-water mark exists.
	ForceFull bool
	// Limit overrides the configured per-conversation message cap. 0 keeps
	// the configured value.
	Limit int
	// Conversation restricts the run to a single conversation id.
	Conversation string
	// SkipFresh skips conversations audited within the recheck window.
	SkipFresh bool
}

// Outcome is the per-conversation result recorded in the run summary.
type Outcome struct {
	Status   string `json:"status"` // parsed, skipped, error
	Reason   string `json:"reason,omitempty"`
	Mode     Mode   `json:"mode,omitempty"`
	Messages int    `json:"messages"`
	Created  int    `json:"created"`
	Edited   int    `json:"edited"`
	Deleted  int    `json:"deleted"`
}

// Summary is the result of one run.
type Summary struct {
	SessionID            string             `json:"session_id"`
	StartedAt            time.Time          `json:"started_at"`
	EndedAt              time.Time          `json:"ended_at"`
	Interrupted          bool               `json:"interrupted"`
	ConversationsParsed  int                `json:"conversations_parsed"`
	ConversationsSkipped int                `json:"conversations_skipped"`
	TotalMessages        int                `json:"total_messages"`
	ChangesDetected      int                `json:"changes_detected"`
	Outcomes             map[string]Outcome `json:"outcomes"`
}

// Engine runs orchestrated scans. One run at a time; requests during an
// active run are rejected, not queued.
type Engine struct {
	client   platform.Client
	store    *store.DB
	rec      *reconcile.Reconciler
	gov      *governor.Governor
	machine  *status.Machine
	register *status.Register
	cfg      *config.Config
	log      *zap.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
}

// New creates a scan engine.
func New(client platform.Client, db *store.DB, rec *reconcile.Reconciler,
	gov *governor.Governor, machine *status.Machine, register *status.Register,
	cfg *config.Config, log *zap.Logger) *Engine {
	return &Engine{
		client:   client,
		store:    db,
		rec:      rec,
		gov:      gov,
		machine:  machine,
		register: register,
		cfg:      cfg,
		log:      log.Named("scan"),
		sleep:    sleepCtx,
	}
}

// Running reports whether a run is in flight.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run executes one orchestrated scan. It returns the summary even when the
// run was interrupted; the error is ErrInterrupted in that case.
func (e *Engine) Run(ctx context.Context, opts Options) (*Summary, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrRunActive
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	// A stale interruption request must not kill the run it did not target.
	_ = e.register.Update(func(s *status.Snapshot) {
		s.InterruptionRequested = false
		s.LastError = ""
	})

	if err := e.machine.Transition(status.Deciding); err != nil {
		return nil, err
	}

	summary := &Summary{
		StartedAt: time.Now(),
		Outcomes:  make(map[string]Outcome),
	}

	err := e.run(ctx, opts, summary)

	summary.EndedAt = time.Now()
	if summary.SessionID != "" {
		closeErr := e.store.CloseSession(summary.SessionID, store.SessionTotals{
			Conversations:   summary.ConversationsParsed,
			Messages:        summary.TotalMessages,
			ChangesDetected: summary.ChangesDetected,
		})
		if closeErr != nil {
			e.log.Error("close session", zap.Error(closeErr))
		}
	}

	final := status.Done
	if errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled) {
		summary.Interrupted = true
		final = status.Interrupted
	}
	if terr := e.machine.Transition(final); terr != nil {
		e.log.Error("final phase transition", zap.Error(terr))
	}
	_ = e.register.Update(func(s *status.Snapshot) {
		s.IsActive = false
		s.Phase = final
		s.CurrentConversation = ""
		s.InterruptionRequested = false
		if err != nil && !errors.Is(err, ErrInterrupted) {
			s.LastError = err.Error()
		}
	})

	e.log.Info("run finished",
		zap.String("session_id", summary.SessionID),
		zap.Int("parsed", summary.ConversationsParsed),
		zap.Int("skipped", summary.ConversationsSkipped),
		zap.Int("messages", summary.TotalMessages),
		zap.Int("changes", summary.ChangesDetected),
		zap.Bool("interrupted", summary.Interrupted))
	return summary, err
}

func (e *Engine) run(ctx context.Context, opts Options, summary *Summary) error {
	if e.cfg.Rate.CheckAccountRestrictions {
		err := e.gov.Execute(ctx, "check_account", func(ctx context.Context) error {
			return e.client.CheckAccount(ctx)
		})
		if err != nil {
			return fmt.Errorf("account check: %w", err)
		}
	}

	var refs []platform.ConversationRef
	err := e.gov.Execute(ctx, "list_conversations", func(ctx context.Context) error {
		var lerr error
		refs, lerr = e.client.ListConversations(ctx)
		return lerr
	})
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	if opts.Conversation != "" {
		filtered := refs[:0]
		for _, ref := range refs {
			if ref.ID == opts.Conversation {
				filtered = append(filtered, ref)
			}
		}
		refs = filtered
		if len(refs) == 0 {
			return fmt.Errorf("conversation %s not found", opts.Conversation)
		}
	}

	sessionID, err := e.store.OpenSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	summary.SessionID = sessionID

	op := "change check"
	if opts.ForceFull {
		op = "full scan"
	}
	_ = e.register.Update(func(s *status.Snapshot) {
		s.IsActive = true
		s.Phase = status.Deciding
		s.CurrentOperation = op
		s.SessionID = sessionID
		s.Progress = status.Progress{TotalUnits: len(refs)}
	})

	runStart := time.Now()
	for i, ref := range refs {
		if e.interrupted(ctx) {
			return ErrInterrupted
		}

		outcome, err := e.scanConversation(ctx, ref, opts, sessionID)
		if err != nil {
			if errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled) {
				summary.Outcomes[ref.ID] = outcome
				e.accumulate(summary, outcome)
				return ErrInterrupted
			}
			if errors.Is(err, platform.ErrAccountRestricted) {
				// Restriction affects every subsequent call; continuing
				// would only hammer the platform.
				summary.Outcomes[ref.ID] = Outcome{Status: "error", Reason: err.Error()}
				return err
			}
			e.log.Warn("conversation failed",
				zap.String("conversation_id", ref.ID),
				zap.Error(err))
			outcome = Outcome{Status: "error", Reason: err.Error()}
			// The failure may have left the machine mid-conversation.
			if e.machine.Current() != status.Deciding {
				_ = e.machine.Transition(status.Deciding)
			}
		}
		summary.Outcomes[ref.ID] = outcome
		e.accumulate(summary, outcome)

		processed := i + 1
		eta := etaSeconds(time.Since(runStart), processed, len(refs)-processed)
		_ = e.register.Update(func(s *status.Snapshot) {
			s.Progress.ProcessedUnits = processed
			s.Progress.ETASeconds = eta
		})

		if processed < len(refs) {
			if err := e.sleep(ctx, e.cfg.Rate.DelayBetweenChats.Std()); err != nil {
				return err
			}
		}
	}
	return nil
}

// scanConversation pulls one conversation and reconciles its messages.
func (e *Engine) scanConversation(ctx context.Context, ref platform.ConversationRef, opts Options, sessionID string) (Outcome, error) {
	if err := e.store.UpsertConversation(&store.Conversation{
		ID:          ref.ID,
		Name:        ref.Name,
		Kind:        ref.Kind,
		UnreadCount: ref.Unread,
	}); err != nil {
		return Outcome{}, err
	}

	if opts.SkipFresh && !opts.ForceFull {
		window := time.Duration(e.cfg.Sync.RecheckHours) * time.Hour
		fresh, err := e.store.RecentlyAudited(ref.ID, window)
		if err != nil {
			return Outcome{}, err
		}
		if fresh {
			e.log.Debug("skipping fresh conversation", zap.String("conversation_id", ref.ID))
			return Outcome{Status: "skipped", Reason: "audited recently"}, nil
		}
	}

	mode := ModeFull
	fetchOpts := platform.FetchOptions{Limit: e.cfg.Sync.MaxMessages}
	if opts.Limit > 0 {
		fetchOpts.Limit = opts.Limit
	}
	if !opts.ForceFull {
		mark, err := e.store.LastObservedTimestamp(ref.ID)
		if err != nil {
			return Outcome{}, err
		}
		if mark > 0 {
			mode = ModeIncremental
			fetchOpts.Since = time.UnixMilli(mark)
		}
	}

	if err := e.machine.Transition(status.Fetching); err != nil {
		return Outcome{}, err
	}
	_ = e.register.Update(func(s *status.Snapshot) {
		s.Phase = status.Fetching
		s.CurrentConversation = ref.ID
	})

	outcome := Outcome{Status: "parsed", Mode: mode}

	// Keyed by message id so a governor retry replaying part of the stream
	// cannot double-count. A replayed message classifies unchanged on the
	// second pass; the first classification is the one that counts.
	results := make(map[string]reconcile.Outcome)

	// The derived context lets an interruption stop the stream without the
	// governor retrying the aborted fetch.
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	err := e.gov.Execute(fetchCtx, "fetch_messages", func(ctx context.Context) error {
		return e.client.FetchMessages(ctx, ref.ID, fetchOpts, func(msg platform.MessageRef) error {
			if e.interrupted(ctx) {
				cancelFetch()
				return ErrInterrupted
			}
			res, rerr := e.rec.Observe(msg, sessionID)
			if rerr != nil {
				return rerr
			}
			if prev, seen := results[msg.MessageID]; !seen || prev == reconcile.OutcomeUnchanged {
				results[msg.MessageID] = res
			}
			if e.cfg.Sync.ProgressEvery > 0 && len(results)%e.cfg.Sync.ProgressEvery == 0 {
				n := len(results)
				_ = e.register.Update(func(s *status.Snapshot) {
					s.CurrentConversation = fmt.Sprintf("%s (%d messages)", ref.ID, n)
				})
			}
			return nil
		})
	})

	outcome.Messages = len(results)
	observedIDs := make([]string, 0, len(results))
	for id, res := range results {
		observedIDs = append(observedIDs, id)
		switch res {
		case reconcile.OutcomeCreated:
			outcome.Created++
		case reconcile.OutcomeEdited:
			outcome.Edited++
		}
	}
	if err != nil {
		return outcome, err
	}

	if terr := e.machine.Transition(status.Reconciling); terr != nil {
		return outcome, terr
	}

	// Deletion by absence needs the full id set; an incremental pull only
	// has it when the policy knob says to trust it anyway.
	if mode == ModeFull || e.cfg.Sync.InferDeletionsOnIncremental {
		if fetchOpts.Limit == 0 || outcome.Messages < fetchOpts.Limit {
			if terr := e.machine.Transition(status.MarkingDeleted); terr != nil {
				return outcome, terr
			}
			_ = e.register.Update(func(s *status.Snapshot) { s.Phase = status.MarkingDeleted })
			n, derr := e.rec.MarkMissing(ref.ID, observedIDs, sessionID)
			if derr != nil {
				return outcome, derr
			}
			outcome.Deleted = n
		}
	}

	if err := e.store.TouchConversationSynced(ref.ID); err != nil {
		return outcome, err
	}
	if terr := e.machine.Transition(status.Deciding); terr != nil {
		return outcome, terr
	}
	return outcome, nil
}

func (e *Engine) accumulate(summary *Summary, o Outcome) {
	switch o.Status {
	case "parsed":
		summary.ConversationsParsed++
	case "skipped":
		summary.ConversationsSkipped++
	}
	summary.TotalMessages += o.Messages
	summary.ChangesDetected += o.Created + o.Edited + o.Deleted
}

// interrupted checks both the cooperative flag and context cancellation.
func (e *Engine) interrupted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return e.register.InterruptionRequested()
}

// etaSeconds estimates remaining time from average per-unit cost so far.
func etaSeconds(elapsed time.Duration, processed, remaining int) float64 {
	if processed == 0 || remaining <= 0 {
		return 0
	}
	return elapsed.Seconds() / float64(processed) * float64(remaining)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
