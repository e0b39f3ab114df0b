// Package aggregator collapses bursts of related inbound messages into
// discrete batches. Messages sharing a transport group id are debounced
// into one batch; sealed batches sharing a chat and caption are merged
// once more, because the transport fragments oversized submissions into
// several group ids.
package aggregator

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nostrpub/mediabotd/internal/config"
	"github.com/nostrpub/mediabotd/internal/metrics"
)

// ArrivalEvent is the narrow boundary type for one inbound message. The
// transport layer converts its own richer message object into this before
// anything reaches the aggregator.
type ArrivalEvent struct {
	GroupID     string // empty means standalone
	ChatID      int64
	MessageID   int
	Caption     string
	Attachments []AttachmentRef
	ReceivedAt  time.Time
}

// AttachmentRef identifies a downloadable attachment without holding its
// bytes. Materialization happens at submission time, outside this package.
type AttachmentRef struct {
	FileID   string
	FileName string
}

// SubmitFunc receives the combined messages of one sealed logical batch,
// exactly once per batch. It is invoked on its own goroutine and may run
// for as long as the resulting job takes.
type SubmitFunc func(profile config.ChannelConfig, messages []ArrivalEvent)

type batchState int

const (
	batchCollecting batchState = iota
	batchSealed
	batchMerged
	batchProcessed
)

type batch struct {
	groupID  string
	chatID   int64
	profile  config.ChannelConfig
	messages []ArrivalEvent
	state    batchState
	timer    *time.Timer
	// gen increments on every timer reset. A timer callback that already
	// fired and is waiting on the mutex while its reset happens carries the
	// old value and must not seal.
	gen uint64
}

type splitKey struct {
	chatID  int64
	caption uint64
}

type splitState int

const (
	splitOpen splitState = iota
	splitSealed
)

type splitGroup struct {
	key     splitKey
	members []*batch
	state   splitState
	timer   *time.Timer
	gen     uint64
}

type Options struct {
	Debounce    time.Duration
	MergeWindow time.Duration
	Logger      *zap.Logger
	// Resolve maps a chat id to its channel profile. An unresolved chat is
	// dropped with a log entry.
	Resolve func(chatID int64) (config.ChannelConfig, bool)
	Submit  SubmitFunc
	Metrics *metrics.Metrics
}

type Aggregator struct {
	debounce    time.Duration
	mergeWindow time.Duration
	log         *zap.Logger
	resolve     func(chatID int64) (config.ChannelConfig, bool)
	submit      SubmitFunc
	metrics     *metrics.Metrics

	mu       sync.Mutex
	batches  map[string]*batch
	splits   map[splitKey]*splitGroup
	done     map[string]time.Time
	lastDone time.Time
}

func New(opts Options) *Aggregator {
	a := &Aggregator{
		debounce:    opts.Debounce,
		mergeWindow: opts.MergeWindow,
		log:         opts.Logger,
		resolve:     opts.Resolve,
		submit:      opts.Submit,
		metrics:     opts.Metrics,
		batches:     make(map[string]*batch),
		splits:      make(map[splitKey]*splitGroup),
		done:        make(map[string]time.Time),
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	if a.debounce == 0 {
		a.debounce = 3 * time.Second
	}
	if a.mergeWindow == 0 {
		a.mergeWindow = 5 * time.Second
	}
	return a
}

// OnArrival feeds one inbound message into the state machine. It never
// blocks on job execution; submission happens on a separate goroutine.
func (a *Aggregator) OnArrival(ev ArrivalEvent) {
	profile, ok := a.resolve(ev.ChatID)
	if !ok {
		a.log.Info("dropping message from unresolved chat",
			zap.Int64("chat_id", ev.ChatID),
			zap.Int("message_id", ev.MessageID))
		return
	}

	if ev.GroupID == "" {
		// Standalone message: a singleton batch with a zero debounce
		// window, sealed on the spot.
		b := &batch{
			chatID:   ev.ChatID,
			profile:  profile,
			messages: []ArrivalEvent{ev},
			state:    batchSealed,
		}
		a.mu.Lock()
		a.resolveSplitLocked(b)
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, processed := a.done[ev.GroupID]; processed {
		// Duplicate or late delivery after the group already went out.
		a.log.Info("ignoring late arrival for processed group",
			zap.String("group_id", ev.GroupID),
			zap.Int("message_id", ev.MessageID))
		return
	}

	if b, exists := a.batches[ev.GroupID]; exists {
		b.messages = append(b.messages, ev)
		// Quiet-period debounce: every arrival pushes the deadline out.
		// Stop is not enough on its own, the old callback may already be
		// in flight, so the generation bump invalidates it too.
		b.timer.Stop()
		b.gen++
		gen := b.gen
		b.timer = time.AfterFunc(a.debounce, func() { a.sealBatch(b, gen) })
		return
	}

	b := &batch{
		groupID:  ev.GroupID,
		chatID:   ev.ChatID,
		profile:  profile,
		messages: []ArrivalEvent{ev},
		state:    batchCollecting,
	}
	gen := b.gen
	b.timer = time.AfterFunc(a.debounce, func() { a.sealBatch(b, gen) })
	a.batches[ev.GroupID] = b
}

func (a *Aggregator) sealBatch(b *batch, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// A reset may have lost the race with this firing timer; the state and
	// generation checks make the stale callback a no-op.
	if b.state != batchCollecting || b.gen != gen {
		return
	}
	if a.batches[b.groupID] != b {
		return
	}
	b.state = batchSealed
	delete(a.batches, b.groupID)
	a.markDoneLocked(b.groupID)
	if a.metrics != nil {
		a.metrics.BatchesSealed.Inc()
	}

	a.log.Debug("batch sealed",
		zap.String("group_id", b.groupID),
		zap.Int("messages", len(b.messages)))

	a.resolveSplitLocked(b)
}

// resolveSplitLocked routes a freshly sealed batch either into a split
// group (non-empty caption) or straight to submission. Caller holds a.mu.
func (a *Aggregator) resolveSplitLocked(b *batch) {
	caption := batchCaption(b.messages)
	if caption == "" {
		a.dispatchLocked(b.profile, b.messages)
		b.state = batchProcessed
		return
	}

	key := splitKey{chatID: b.chatID, caption: captionHash(caption)}
	if sg, exists := a.splits[key]; exists && sg.state == splitOpen {
		sg.members = append(sg.members, b)
		b.state = batchMerged
		sg.timer.Stop()
		sg.gen++
		gen := sg.gen
		sg.timer = time.AfterFunc(a.mergeWindow, func() { a.sealSplit(sg, gen) })
		if a.metrics != nil {
			a.metrics.SplitMerges.Inc()
		}
		a.log.Debug("batch merged into split group",
			zap.String("group_id", b.groupID),
			zap.Int("members", len(sg.members)))
		return
	}

	sg := &splitGroup{
		key:     key,
		members: []*batch{b},
		state:   splitOpen,
	}
	gen := sg.gen
	sg.timer = time.AfterFunc(a.mergeWindow, func() { a.sealSplit(sg, gen) })
	a.splits[key] = sg
}

func (a *Aggregator) sealSplit(sg *splitGroup, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sg.state != splitOpen || sg.gen != gen {
		return
	}
	if a.splits[sg.key] != sg {
		return
	}
	sg.state = splitSealed
	delete(a.splits, sg.key)

	// One combined submission, members in the order they sealed. A split
	// group that only ever collected one member is a normal outcome.
	var combined []ArrivalEvent
	for _, m := range sg.members {
		combined = append(combined, m.messages...)
		m.state = batchProcessed
	}
	a.log.Debug("split group sealed",
		zap.Int("members", len(sg.members)),
		zap.Int("messages", len(combined)))

	a.dispatchLocked(sg.members[0].profile, combined)
}

func (a *Aggregator) dispatchLocked(profile config.ChannelConfig, messages []ArrivalEvent) {
	go a.submit(profile, messages)
}

// markDoneLocked records a group id as processed so duplicate deliveries
// after sealing are dropped. Entries older than ten debounce windows are
// pruned opportunistically.
func (a *Aggregator) markDoneLocked(groupID string) {
	now := time.Now()
	a.done[groupID] = now
	if now.Sub(a.lastDone) < 10*a.debounce {
		return
	}
	a.lastDone = now
	horizon := now.Add(-10 * a.debounce)
	for id, at := range a.done {
		if at.Before(horizon) {
			delete(a.done, id)
		}
	}
}

// Stop cancels all pending timers. Batches still collecting are abandoned,
// per the in-memory-only contract.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.batches {
		b.timer.Stop()
		b.state = batchProcessed
	}
	for _, sg := range a.splits {
		sg.timer.Stop()
		sg.state = splitSealed
	}
	a.batches = make(map[string]*batch)
	a.splits = make(map[splitKey]*splitGroup)
}

// batchCaption picks the caption that keys split-group merging: the first
// non-empty caption in arrival order, normalized.
func batchCaption(messages []ArrivalEvent) string {
	for _, m := range messages {
		if c := normalizeCaption(m.Caption); c != "" {
			return c
		}
	}
	return ""
}

func normalizeCaption(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func captionHash(normalized string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(normalized))
	return h.Sum64()
}
