package refwarden

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

var ErrMirrorQueueFull = errors.New("mirror queue is full")

// mirroredMessage is a single evidence message waiting to be copied
// from a dispute thread into its referee thread.
type mirroredMessage struct {
	dispute *Dispute
	message *discordgo.Message

	// timestamp orders the queue so evidence appears in the referee
	// thread in the order it was posted, even when sends are rate
	// limited.
	timestamp time.Time
	queuedAt  time.Time
}

// mirrorHeap implements heap.Interface, ordered by message timestamp
// ascending.
type mirrorHeap []*mirroredMessage

func (h mirrorHeap) Len() int {
	return len(h)
}

func (h mirrorHeap) Less(i int, j int) bool {
	return h[i].timestamp.Before(h[j].timestamp)
}

func (h mirrorHeap) Swap(i int, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *mirrorHeap) Push(x any) {
	*h = append(*h, x.(*mirroredMessage))
}

func (h *mirrorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MirrorMemoryQueue is an in-memory priority queue of evidence
// messages pending mirroring, ordered by original message timestamp.
// Messages older than [MirrorConfig.MaxAge] are discarded on pop.
type MirrorMemoryQueue struct {
	mu     sync.Mutex
	heap   mirrorHeap
	config *MirrorConfig
	logger *slog.Logger
}

func NewMirrorMemoryQueue(config *MirrorConfig, log *slog.Logger) (
	*MirrorMemoryQueue,
	error,
) {
	if config == nil {
		return nil, errors.New("nil mirror config")
	}
	if log == nil {
		log = slog.Default()
	}
	q := &MirrorMemoryQueue{
		config: config,
		heap:   mirrorHeap{},
		logger: log.With(loggerNameKey, "mirror_queue"),
	}
	heap.Init(&q.heap)
	return q, nil
}

// Push adds a message to the queue, returning [ErrMirrorQueueFull] if
// the queue is at capacity.
func (q *MirrorMemoryQueue) Push(m *mirroredMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.config.Size > 0 && len(q.heap) >= q.config.Size {
		return ErrMirrorQueueFull
	}
	if m.queuedAt.IsZero() {
		m.queuedAt = time.Now()
	}
	heap.Push(&q.heap, m)
	return nil
}

// Pop returns the oldest queued message, discarding any that have
// exceeded the configured max age. Returns nil when the queue is
// empty or the context is done.
func (q *MirrorMemoryQueue) Pop(ctx context.Context) *mirroredMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if len(q.heap) == 0 {
			return nil
		}
		m := heap.Pop(&q.heap).(*mirroredMessage)
		if q.config.MaxAge > 0 && time.Since(m.queuedAt) > q.config.MaxAge {
			q.logger.Warn(
				"discarding expired mirror message",
				"message_id", m.message.ID,
				"queued_at", m.queuedAt,
				"max_age", q.config.MaxAge,
			)
			continue
		}
		return m
	}
}

// Len returns the number of queued messages.
func (q *MirrorMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Clear discards all queued messages, returning the number dropped.
func (q *MirrorMemoryQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.heap)
	q.heap = mirrorHeap{}
	heap.Init(&q.heap)
	return n
}

// formatMirrorMessage renders an evidence message for the referee
// thread: author, content, and any attachment URLs.
func formatMirrorMessage(m *discordgo.Message) string {
	var sb strings.Builder

	author := "unknown"
	if m.Author != nil {
		author = m.Author.Username
		if m.Author.GlobalName != "" {
			author = m.Author.GlobalName
		}
	}
	sb.WriteString(fmt.Sprintf("**%s**", author))
	if m.Content != "" {
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	for _, a := range m.Attachments {
		if a == nil || a.URL == "" {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(a.URL)
	}
	for _, e := range m.Embeds {
		if e == nil || e.URL == "" {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(e.URL)
	}
	return shortenString(sb.String(), discordMaxMessageLength)
}

// watchMirrorQueue drains the mirror queue, sending each message into
// its dispute's referee thread, rate limited to
// [MirrorConfig.SendsPerSecond]. It runs until the context is
// canceled. Send failures are logged and the message is dropped, a
// referee can always read the dispute thread directly.
func (rw *RefWarden) watchMirrorQueue(ctx context.Context) {
	log := rw.logger.With(loggerNameKey, "mirror_watcher")
	log.InfoContext(ctx, "starting evidence mirror watcher")

	limiter := rate.NewLimiter(
		rate.Limit(rw.config.Mirror.SendsPerSecond),
		1,
	)
	sleepEmpty := rw.config.Mirror.SleepEmpty
	if sleepEmpty <= 0 {
		sleepEmpty = DefaultMirrorSleepEmpty
	}

	for {
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "stopping evidence mirror watcher")
			return
		default:
		}

		m := rw.mirrorQueue.Pop(ctx)
		if m == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleepEmpty):
			}
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}
		rw.mirrorMessage(ctx, m)
	}
}

// mirrorMessage sends one queued evidence message into the referee
// thread and records it.
func (rw *RefWarden) mirrorMessage(ctx context.Context, m *mirroredMessage) {
	log := rw.logger.With(loggerNameKey, "mirror_watcher")

	if m.dispute == nil || m.dispute.RefereeThreadID == "" {
		return
	}
	if current := rw.disputes.ByDisputeThread(m.dispute.DisputeThreadID); current == nil {
		log.DebugContext(
			ctx,
			"dispute closed before message could be mirrored",
			"message_id", m.message.ID,
		)
		return
	}

	content := formatMirrorMessage(m.message)
	sent, err := rw.discord.channelMessageSend(
		ctx,
		m.dispute.RefereeThreadID,
		content,
	)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error mirroring evidence message",
			tint.Err(err),
			"message_id", m.message.ID,
			"referee_thread_id", m.dispute.RefereeThreadID,
		)
		return
	}

	record := DiscordMessage{
		MessageID: sent.ID,
		ChannelID: m.dispute.RefereeThreadID,
		GuildID:   m.dispute.GuildID,
		Content:   content,
		DisputeID: m.dispute.ID,
	}
	if m.message.Author != nil {
		record.UserID = m.message.Author.ID
		record.Username = m.message.Author.Username
	}
	if _, dbErr := rw.writeDB.Create(ctx, &record); dbErr != nil {
		log.ErrorContext(
			ctx,
			"error recording mirrored message",
			tint.Err(dbErr),
		)
	}
}
