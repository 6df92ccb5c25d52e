package consistency

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"notekeeper-core/internal/domain/change"
	"notekeeper-core/internal/observability"
)

// Category groups collaborating subsystems by what they react to.
type Category string

const (
	// CategoryMedia covers image and thumbnail regeneration.
	CategoryMedia Category = "media"
	// CategoryLinkGraph covers graph-view maintenance.
	CategoryLinkGraph Category = "link-graph"
	// CategorySearch covers annotation and search indexing.
	CategorySearch Category = "search"
	// CategoryAnalysis covers background analyzers that re-derive data.
	CategoryAnalysis Category = "analysis"
)

// Event tells a collaborator that a change it cares about was applied.
type Event struct {
	Category    Category
	ChangeKind  change.Kind
	AffectedIDs []string
	VersionID   string
	OccurredAt  time.Time
}

type subscription struct {
	categories map[Category]struct{}
	ch         chan Event
}

// Notifier fans applied changes out to collaborating subsystems.
// Delivery is fire-and-forget: a subscriber with a full buffer loses
// the event (and a counter records the drop) rather than stalling the
// change pipeline.
type Notifier struct {
	logger     *zap.Logger
	metrics    *observability.Collector
	bufferSize int

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
}

// NewNotifier creates a notifier with the given per-subscriber buffer.
func NewNotifier(bufferSize int, logger *zap.Logger, metrics *observability.Collector) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Notifier{
		logger:     logger.With(zap.String("component", "notifier")),
		metrics:    metrics,
		bufferSize: bufferSize,
		subs:       make(map[string]*subscription),
	}
}

// Subscribe registers a collaborator for the given categories and
// returns its event channel. Subscribing again under the same id
// replaces the previous subscription.
func (n *Notifier) Subscribe(id string, categories ...Category) <-chan Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	if prev, ok := n.subs[id]; ok {
		close(prev.ch)
	}
	set := make(map[Category]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}
	sub := &subscription{categories: set, ch: make(chan Event, n.bufferSize)}
	n.subs[id] = sub
	return sub.ch
}

// Unsubscribe removes a collaborator and closes its channel.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sub, ok := n.subs[id]; ok {
		close(sub.ch)
		delete(n.subs, id)
	}
}

// PublishChange fans out one applied change to every interested
// subscriber.
func (n *Notifier) PublishChange(versionID string, rec change.Record) {
	now := time.Now().UTC()
	for _, category := range categoriesFor(rec.Kind()) {
		n.publish(Event{
			Category:    category,
			ChangeKind:  rec.Kind(),
			AffectedIDs: rec.AffectedIDs(),
			VersionID:   versionID,
			OccurredAt:  now,
		})
	}
}

func (n *Notifier) publish(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	for id, sub := range n.subs {
		if _, want := sub.categories[ev.Category]; !want {
			continue
		}
		select {
		case sub.ch <- ev:
			if n.metrics != nil {
				n.metrics.NotificationsSent.WithLabelValues(string(ev.Category)).Inc()
			}
		default:
			if n.metrics != nil {
				n.metrics.NotificationsDropped.Inc()
			}
			n.logger.Warn("notification dropped, subscriber buffer full",
				zap.String("subscriber", id),
				zap.String("category", string(ev.Category)),
			)
		}
	}
}

// Close closes every subscriber channel. Publish after Close is a
// no-op.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, sub := range n.subs {
		close(sub.ch)
		delete(n.subs, id)
	}
}

// categoriesFor maps a change kind to the collaborators that care.
func categoriesFor(kind change.Kind) []Category {
	switch kind {
	case change.KindEntityCreated, change.KindEntityModified, change.KindBulkImport:
		return []Category{CategoryMedia, CategorySearch, CategoryAnalysis}
	case change.KindEntityDeleted:
		return []Category{CategoryMedia, CategoryLinkGraph, CategorySearch, CategoryAnalysis}
	case change.KindLinkAdded, change.KindLinkRemoved:
		return []Category{CategoryLinkGraph}
	case change.KindAnnotationChanged:
		return []Category{CategorySearch}
	case change.KindAnalysisUpdated:
		return []Category{CategorySearch}
	default:
		return nil
	}
}
