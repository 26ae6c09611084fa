package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/metric"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/event"
	"github.com/evently-cloud/rest-api/pkg/eventid"
	"github.com/evently-cloud/rest-api/pkg/locker"
	"github.com/evently-cloud/rest-api/pkg/selector"
	"github.com/evently-cloud/rest-api/pkg/store"
)

// RetryMillis is the reconnect delay advertised on every SSE message.
const RetryMillis = 10000

// TriggeredEvent is the SSE event name for a notification.
const TriggeredEvent = "Subscriptions Triggered"

// Message is one outbound notification: the triggering event's id and
// the subscription ids it matched.
type Message struct {
	EventID         string
	SubscriptionIDs []string
}

// SSE renders the message in Server-Sent Events framing.
func (m Message) SSE() string {
	var b strings.Builder
	b.WriteString("retry: ")
	b.WriteString(strconv.Itoa(RetryMillis))
	b.WriteString("\nid: ")
	b.WriteString(m.EventID)
	b.WriteString("\nevent: ")
	b.WriteString(TriggeredEvent)
	b.WriteString("\ndata: ")
	b.WriteString(strings.Join(m.SubscriptionIDs, ","))
	b.WriteString("\n\n")
	return b.String()
}

// Subscription is a selector registered to a channel, keyed by the
// selector's canonical token so re-subscribing is idempotent.
type Subscription struct {
	ID       string `json:"subscriptionId"`
	Selector string `json:"selector"`

	match Matcher
}

type channel struct {
	id       string
	ledgerID string

	// filters maps canonical selector token to subscription
	filters map[string]*Subscription
	// streams holds the open SSE/WS queues; a stream's close hook
	// removes it, so a dropped client frees its slot without help
	streams map[*Queue[Message]]struct{}
}

type chanKey struct {
	ledgerID  string
	channelID string
}

type state struct {
	channels map[chanKey]*channel
}

// Listener is the upstream notification feed.
type Listener interface {
	ListenAllEvents(ctx context.Context, deliver func(context.Context, store.Notification)) error
}

// MissingData recovers payloads the notification channel truncated.
type MissingData interface {
	FetchMissingData(ctx context.Context, ledgerID string, ts int64, needMeta bool) (meta, data json.RawMessage, err error)
}

type Service struct {
	db       MissingData
	upstream Listener
	state    *locker.Locked[state]

	// missing payload lookups are shared across channels; many streams
	// see the same truncated event at once
	missing *gocache.Cache

	mNotified metric.Int64Counter
}

func New(ctx context.Context, db MissingData, upstream Listener) (*Service, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	s := &Service{
		db:       db,
		upstream: upstream,
		state:    locker.New(&state{channels: map[chanKey]*channel{}}),
		missing:  gocache.New(10*time.Second, time.Minute),
	}

	var err error
	s.mNotified, err = lg.Meter(ctx).Int64Counter("notifications_delivered")
	if err != nil {
		span.RecordError(err)
	}

	return s, nil
}

// Run holds the single upstream LISTEN and demultiplexes every
// notification across all channels. It blocks until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return s.upstream.ListenAllEvents(ctx, s.deliver)
}

// Open creates a channel scoped to the ledger.
func (s *Service) Open(ctx context.Context, ledgerID string) (string, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	id := ulid.Make().String()
	err := s.state.Modify(ctx, func(ctx context.Context, st *state) error {
		st.channels[chanKey{ledgerID, id}] = &channel{
			id:       id,
			ledgerID: ledgerID,
			filters:  map[string]*Subscription{},
			streams:  map[*Queue[Message]]struct{}{},
		}
		return nil
	})
	return id, err
}

// Subscribe registers a selector on the channel. The stored selector
// drops any limit; an equal selector returns the existing subscription.
func (s *Service) Subscribe(ctx context.Context, ledgerID, channelID string, sel selector.Selector) (Subscription, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	stripped := sel.StripLimit()
	token, err := selector.Encode(stripped)
	if err != nil {
		return Subscription{}, err
	}
	match, err := Compile(stripped)
	if err != nil {
		return Subscription{}, err
	}

	var sub Subscription
	err = s.state.Modify(ctx, func(ctx context.Context, st *state) error {
		ch, ok := st.channels[chanKey{ledgerID, channelID}]
		if !ok {
			return errChannelNotFound(channelID)
		}
		if existing, ok := ch.filters[token]; ok {
			sub = *existing
			return nil
		}
		created := &Subscription{
			ID:       ulid.Make().String(),
			Selector: token,
			match:    match,
		}
		ch.filters[token] = created
		sub = *created
		return nil
	})
	return sub, err
}

// Unsubscribe removes a subscription by id.
func (s *Service) Unsubscribe(ctx context.Context, ledgerID, channelID, subID string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return s.state.Modify(ctx, func(ctx context.Context, st *state) error {
		ch, ok := st.channels[chanKey{ledgerID, channelID}]
		if !ok {
			return errChannelNotFound(channelID)
		}
		for token, sub := range ch.filters {
			if sub.ID == subID {
				delete(ch.filters, token)
				return nil
			}
		}
		return evently.New(evently.KindNotFound, fmt.Sprintf("subscription %q not found", subID))
	})
}

// Subscriptions lists the channel's subscriptions.
func (s *Service) Subscriptions(ctx context.Context, ledgerID, channelID string) ([]Subscription, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var subs []Subscription
	err := s.state.Modify(ctx, func(ctx context.Context, st *state) error {
		ch, ok := st.channels[chanKey{ledgerID, channelID}]
		if !ok {
			return errChannelNotFound(channelID)
		}
		for _, sub := range ch.filters {
			subs = append(subs, *sub)
		}
		return nil
	})
	return subs, err
}

// Subscription fetches one subscription by id.
func (s *Service) Subscription(ctx context.Context, ledgerID, channelID, subID string) (Subscription, error) {
	subs, err := s.Subscriptions(ctx, ledgerID, channelID)
	if err != nil {
		return Subscription{}, err
	}
	for _, sub := range subs {
		if sub.ID == subID {
			return sub, nil
		}
	}
	return Subscription{}, evently.New(evently.KindNotFound,
		fmt.Sprintf("subscription %q not found", subID))
}

// OpenEventStream attaches a new stream to the channel. Catch-up replay
// is not supported, so any Last-Event-Id is rejected.
func (s *Service) OpenEventStream(ctx context.Context, ledgerID, channelID, lastEventID string) (*Queue[Message], error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	if lastEventID != "" {
		return nil, evently.New(evently.KindBadInput,
			"Last-Event-Id is not supported; events appended while disconnected are not replayed")
	}

	var q *Queue[Message]
	err := s.state.Modify(ctx, func(ctx context.Context, st *state) error {
		ch, ok := st.channels[chanKey{ledgerID, channelID}]
		if !ok {
			return errChannelNotFound(channelID)
		}
		q = NewQueue[Message](func() {
			// runs on client disconnect and on channel close; the
			// channel may already be gone
			_ = s.state.Modify(context.Background(), func(ctx context.Context, st *state) error {
				if ch, ok := st.channels[chanKey{ledgerID, channelID}]; ok {
					delete(ch.streams, q)
				}
				return nil
			})
		})
		ch.streams[q] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Close tears down the channel and terminates its streams.
func (s *Service) Close(ctx context.Context, ledgerID, channelID string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var streams []*Queue[Message]
	err := s.state.Modify(ctx, func(ctx context.Context, st *state) error {
		key := chanKey{ledgerID, channelID}
		ch, ok := st.channels[key]
		if !ok {
			return errChannelNotFound(channelID)
		}
		for q := range ch.streams {
			streams = append(streams, q)
		}
		delete(st.channels, key)
		return nil
	})
	if err != nil {
		return err
	}

	// queue close hooks re-enter the state lock, so they run after the
	// channel is already removed
	for _, q := range streams {
		q.Close()
	}
	return nil
}

// Exists reports whether the channel is open.
func (s *Service) Exists(ctx context.Context, ledgerID, channelID string) (bool, error) {
	var found bool
	err := s.state.Modify(ctx, func(ctx context.Context, st *state) error {
		_, found = st.channels[chanKey{ledgerID, channelID}]
		return nil
	})
	return found, err
}

// deliver evaluates one upstream notification against every channel of
// its ledger and pushes one message per open stream naming the matched
// subscriptions. Streams on channels with no match stay silent.
func (s *Service) deliver(ctx context.Context, n store.Notification) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	ev, err := s.persisted(ctx, n)
	if err != nil {
		span.RecordError(err)
		return
	}

	err = s.state.Modify(ctx, func(ctx context.Context, st *state) error {
		for key, ch := range st.channels {
			if key.ledgerID != n.LedgerID {
				continue
			}
			var matched []string
			for _, sub := range ch.filters {
				if sub.match(ev) {
					matched = append(matched, sub.ID)
				}
			}
			if len(matched) == 0 {
				continue
			}
			msg := Message{EventID: ev.EventID, SubscriptionIDs: matched}
			for q := range ch.streams {
				q.Push(msg)
				s.mNotified.Add(ctx, 1)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
}

// persisted converts a notification, recovering meta and data when the
// payload was truncated for size.
func (s *Service) persisted(ctx context.Context, n store.Notification) (event.Persisted, error) {
	id, err := eventid.New(uint64(n.Timestamp), n.Checksum, n.LedgerID)
	if err != nil {
		return event.Persisted{}, err
	}

	meta, data := n.Meta, n.Data
	if !n.HasMeta || !n.HasData {
		key := n.LedgerID + "/" + strconv.FormatInt(n.Timestamp, 10)
		if v, ok := s.missing.Get(key); ok {
			fetched := v.([2]json.RawMessage)
			meta, data = fetched[0], fetched[1]
		} else {
			meta, data, err = s.db.FetchMissingData(ctx, n.LedgerID, n.Timestamp, !n.HasMeta)
			if err != nil {
				return event.Persisted{}, err
			}
			if n.HasMeta {
				meta = n.Meta
			}
			s.missing.SetDefault(key, [2]json.RawMessage{meta, data})
		}
	}

	return event.NewPersisted(id, n.Event, n.Entities, meta, data), nil
}

func errChannelNotFound(id string) error {
	return evently.New(evently.KindNotFound, fmt.Sprintf("channel %q not found", id))
}
