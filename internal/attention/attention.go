// Package attention decides which conversation threads need a human.
// Five independent signal sources are combined per thread; anything at or
// before the thread's acknowledgment high-water mark is suppressed.
package attention

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mizutanik/flotilla/internal/model"
)

// Store is the read surface the aggregator needs, plus the ack write.
type Store interface {
	ListThreads() ([]model.Thread, error)
	GetThread(id string) (*model.Thread, error)
	AckThread(id string, at time.Time) error
	AssistantMessages() ([]model.Message, error)
	OpenPendingSends() ([]model.PendingSend, error)
	LedgerEntries() ([]model.LedgerEntry, error)
	FailedThreadRuns() ([]model.Run, error)
}

// Severity order for tie-breaking reasons with equal timestamps. Lower
// rank sorts first.
var severityRank = map[model.AttentionCode]int{
	model.AttentionPendingApproval: 0,
	model.AttentionPendingAction:   1,
	model.AttentionNeedsUserInput:  2,
	model.AttentionRunFailed:       3,
	model.AttentionUndoFailed:      4,
}

type Aggregator struct {
	store Store
}

func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// snapshot is one concurrent read of every signal source.
type snapshot struct {
	threads  []model.Thread
	messages []model.Message
	sends    []model.PendingSend
	ledger   []model.LedgerEntry
	runs     []model.Run
}

func (a *Aggregator) gather(ctx context.Context) (*snapshot, error) {
	var snap snapshot
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap.threads, err = a.store.ListThreads()
		return err
	})
	g.Go(func() error {
		var err error
		snap.messages, err = a.store.AssistantMessages()
		return err
	})
	g.Go(func() error {
		var err error
		snap.sends, err = a.store.OpenPendingSends()
		return err
	})
	g.Go(func() error {
		var err error
		snap.ledger, err = a.store.LedgerEntries()
		return err
	})
	g.Go(func() error {
		var err error
		snap.runs, err = a.store.FailedThreadRuns()
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("gather attention sources: %w", err)
	}
	return &snap, nil
}

// Fleet returns the attention summary for every thread with at least one
// active reason, most recent activity first.
func (a *Aggregator) Fleet(ctx context.Context) ([]model.AttentionSummary, error) {
	snap, err := a.gather(ctx)
	if err != nil {
		return nil, err
	}

	var out []model.AttentionSummary
	for _, thread := range snap.threads {
		summary := summarize(thread, snap)
		if !summary.NeedsYou {
			continue
		}
		out = append(out, summary)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastEventAt.After(out[j].LastEventAt)
	})
	return out, nil
}

// Thread returns one thread's summary, reasons included even when empty.
func (a *Aggregator) Thread(ctx context.Context, threadID string) (model.AttentionSummary, error) {
	thread, err := a.store.GetThread(threadID)
	if err != nil {
		return model.AttentionSummary{}, err
	}
	snap, err := a.gather(ctx)
	if err != nil {
		return model.AttentionSummary{}, err
	}
	return summarize(*thread, snap), nil
}

// Ack advances the thread's acknowledgment high-water mark. The mark is
// monotonic: an earlier timestamp never rewinds it.
func (a *Aggregator) Ack(threadID string, at time.Time) error {
	return a.store.AckThread(threadID, at)
}

// afterAck applies the strict suppression rule: only events strictly
// after last_ack_at survive. A thread with no ack sees everything.
func afterAck(eventAt time.Time, lastAck *time.Time) bool {
	return lastAck == nil || eventAt.After(*lastAck)
}

func summarize(thread model.Thread, snap *snapshot) model.AttentionSummary {
	summary := model.AttentionSummary{
		ThreadID:    thread.ID,
		DisplayName: thread.DisplayName,
	}

	// Ledgered (message id, action index) pairs: already applied, never
	// pending.
	applied := make(map[string]map[int]bool)
	for _, e := range snap.ledger {
		if applied[e.MessageID] == nil {
			applied[e.MessageID] = make(map[int]bool)
		}
		applied[e.MessageID][e.ActionIndex] = true
	}

	var reasons []model.AttentionReason

	// pending_action: assistant-proposed actions absent from the ledger.
	var pendingTitles []string
	pendingCount := 0
	var pendingLatest time.Time
	for _, msg := range snap.messages {
		if msg.ThreadID != thread.ID || !afterAck(msg.CreatedAt, thread.LastAckAt) {
			continue
		}
		for i, action := range msg.Actions {
			if applied[msg.ID][i] {
				continue
			}
			pendingCount++
			pendingTitles = append(pendingTitles, action.Title)
			if msg.CreatedAt.After(pendingLatest) {
				pendingLatest = msg.CreatedAt
			}
		}
	}
	if pendingCount > 0 {
		reasons = append(reasons, model.AttentionReason{
			Code:         model.AttentionPendingAction,
			CreatedAt:    pendingLatest,
			Count:        pendingCount,
			ActionTitles: pendingTitles,
		})
	}

	// pending_approval: unresolved outbound sends.
	if r, ok := fold(snap.sends, thread, model.AttentionPendingApproval,
		func(s model.PendingSend) (string, time.Time) { return s.ThreadID, s.CreatedAt }); ok {
		reasons = append(reasons, r)
	}

	// needs_user_input: assistant messages flagged as requiring a reply.
	replyWanted := make([]model.Message, 0)
	for _, msg := range snap.messages {
		if msg.RequiresReply {
			replyWanted = append(replyWanted, msg)
		}
	}
	if r, ok := fold(replyWanted, thread, model.AttentionNeedsUserInput,
		func(m model.Message) (string, time.Time) { return m.ThreadID, m.CreatedAt }); ok {
		reasons = append(reasons, r)
	}

	// run_failed: failed-terminal runs attached to the thread.
	if r, ok := fold(snap.runs, thread, model.AttentionRunFailed,
		func(run model.Run) (string, time.Time) {
			id := ""
			if run.ThreadID != nil {
				id = *run.ThreadID
			}
			return id, run.CreatedAt
		}); ok {
		reasons = append(reasons, r)
	}

	// undo_failed: applied actions whose reversal errored.
	erroredUndos := make([]model.LedgerEntry, 0)
	for _, e := range snap.ledger {
		if e.UndoStatus != nil && *e.UndoStatus == "error" {
			erroredUndos = append(erroredUndos, e)
		}
	}
	if r, ok := fold(erroredUndos, thread, model.AttentionUndoFailed,
		func(e model.LedgerEntry) (string, time.Time) { return e.ThreadID, e.CreatedAt }); ok {
		reasons = append(reasons, r)
	}

	sort.SliceStable(reasons, func(i, j int) bool {
		if !reasons[i].CreatedAt.Equal(reasons[j].CreatedAt) {
			return reasons[i].CreatedAt.After(reasons[j].CreatedAt)
		}
		return severityRank[reasons[i].Code] < severityRank[reasons[j].Code]
	})

	summary.Reasons = reasons
	summary.NeedsYou = len(reasons) > 0
	for _, r := range reasons {
		if r.CreatedAt.After(summary.LastEventAt) {
			summary.LastEventAt = r.CreatedAt
		}
	}
	return summary
}

// fold groups one source's events for a thread into a single reason,
// keeping the count and the most recent timestamp.
func fold[T any](items []T, thread model.Thread, code model.AttentionCode, key func(T) (string, time.Time)) (model.AttentionReason, bool) {
	count := 0
	var latest time.Time
	for _, item := range items {
		threadID, at := key(item)
		if threadID != thread.ID || !afterAck(at, thread.LastAckAt) {
			continue
		}
		count++
		if at.After(latest) {
			latest = at
		}
	}
	if count == 0 {
		return model.AttentionReason{}, false
	}
	return model.AttentionReason{Code: code, CreatedAt: latest, Count: count}, true
}
