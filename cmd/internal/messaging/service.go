package messaging

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// Bounded retry budget for transient store failures on the append path.
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxElapsed      = 2 * time.Second

	// Stripe count for per-conversation commit/publish serialization.
	// Conversations hashing to different stripes proceed fully in parallel.
	sendLockStripes = 256
)

// Service orchestrates the store and the notifier. It owns the two behaviors
// the components themselves do not:
//   - bounded exponential retry of transient append failures, and
//   - serializing append+publish per conversation so fan-out follows commit
//     order (the DB advisory lock only serializes the append itself).
type Service struct {
	log      *slog.Logger
	store    Store
	notifier *Notifier
	relay    EventRelay

	retryInitial    time.Duration
	retryMaxElapsed time.Duration

	sendLocks [sendLockStripes]sync.Mutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRelay attaches a cross-instance event relay. The relay's Run loop must
// be started by the caller with Notifier.Publish as its sink.
func WithRelay(relay EventRelay) ServiceOption {
	return func(s *Service) { s.relay = relay }
}

// WithRetryBudget overrides the append retry budget.
func WithRetryBudget(initial, maxElapsed time.Duration) ServiceOption {
	return func(s *Service) {
		if initial > 0 {
			s.retryInitial = initial
		}
		if maxElapsed > 0 {
			s.retryMaxElapsed = maxElapsed
		}
	}
}

// NewService constructs a Service.
func NewService(log *slog.Logger, store Store, notifier *Notifier, opts ...ServiceOption) *Service {
	s := &Service{
		log:             log,
		store:           store,
		notifier:        notifier,
		retryInitial:    defaultRetryInitialInterval,
		retryMaxElapsed: defaultRetryMaxElapsed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Send appends a message and publishes the MessageAppended event. Transient
// store failures are retried with bounded exponential backoff before
// surfacing as ErrStoreUnavailable; appends never silently fail.
func (s *Service) Send(ctx context.Context, in AppendInput) (AppendResult, error) {
	lock := s.lockFor(in.ConversationKey)
	lock.Lock()
	defer lock.Unlock()

	var res AppendResult
	op := func() error {
		var err error
		res, err = s.store.Append(ctx, in)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStoreUnavailable) {
			metricAppendRetries.Inc()
			s.log.Warn("store.append.retry", "conversation_key", in.ConversationKey, "err", err)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInitial
	b.MaxElapsedTime = s.retryMaxElapsed

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return AppendResult{}, perm.Err
		}
		return AppendResult{}, err
	}

	if res.Duplicated {
		metricDuplicateSends.Inc()
		return res, nil
	}

	metricMessagesAppended.Inc()
	s.publish(ctx, MessageAppended{Message: res.Message})
	return res, nil
}

// MarkDelivered records that the recipient's client received the message.
// Idempotent; a regression attempt returns ErrInvalidTransition with the
// current state, which the API boundary reports as success.
func (s *Service) MarkDelivered(ctx context.Context, conversationKey string, seq int64, recipientID string) (StatusUpdate, error) {
	return s.mark(ctx, conversationKey, seq, recipientID, StatusDelivered)
}

// MarkSeen records that the recipient rendered the message. Terminal state.
func (s *Service) MarkSeen(ctx context.Context, conversationKey string, seq int64, recipientID string) (StatusUpdate, error) {
	return s.mark(ctx, conversationKey, seq, recipientID, StatusSeen)
}

func (s *Service) mark(ctx context.Context, conversationKey string, seq int64, recipientID string, next Status) (StatusUpdate, error) {
	// The stripe lock covers the CAS as well as the publish: two racing
	// transitions on one conversation fan out in the order they applied.
	lock := s.lockFor(conversationKey)
	lock.Lock()
	defer lock.Unlock()

	upd, err := s.store.SetStatus(ctx, conversationKey, seq, recipientID, next, time.Now().UTC())
	if err != nil {
		return upd, err
	}
	if !upd.Applied {
		return upd, nil
	}

	metricStatusTransitions.WithLabelValues(string(upd.Status)).Inc()

	s.publish(ctx, StatusChanged{
		ConversationKey: upd.ConversationKey,
		Seq:             upd.Seq,
		RecipientID:     upd.RecipientID,
		Status:          upd.Status,
		At:              upd.At,
	})
	return upd, nil
}

// ListSince pages conversation history. Read-only; no retry, callers degrade
// to polling.
func (s *Service) ListSince(ctx context.Context, in ListSinceInput) (ListSinceResult, error) {
	return s.store.ListSince(ctx, in)
}

// ListConversations pages the caller's directory.
func (s *Service) ListConversations(ctx context.Context, in ListConversationsInput) (ListConversationsResult, error) {
	return s.store.ListConversations(ctx, in)
}

// Subscribe opens a subscription for userID on conversationKey after
// verifying participation.
func (s *Service) Subscribe(conversationKey, userID string, buffer int) (*Subscriber, error) {
	if _, _, err := ParseKey(conversationKey); err != nil {
		return nil, err
	}
	if !IsParticipant(conversationKey, userID) {
		return nil, ErrNotParticipant
	}
	return s.notifier.Subscribe(conversationKey, userID, buffer), nil
}

// Unsubscribe tears a subscription down.
func (s *Service) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	s.notifier.Unsubscribe(sub.ConversationKey, sub.ID)
}

// publish routes a committed event to subscribers. With a relay, delivery to
// the local hub happens through the relay's Run loop; on relay failure the
// local hub is fed directly so connected clients never miss the event.
func (s *Service) publish(ctx context.Context, ev Event) {
	if s.relay == nil {
		s.notifier.Publish(ev)
		return
	}
	if err := s.relay.Publish(ctx, ev); err != nil {
		s.log.Warn("relay.publish.fail", "conversation_key", ev.Conversation(), "err", err)
		s.notifier.Publish(ev)
	}
}

func (s *Service) lockFor(conversationKey string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationKey))
	return &s.sendLocks[h.Sum32()%sendLockStripes]
}
