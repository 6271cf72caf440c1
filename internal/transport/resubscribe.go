package transport

import (
	"sync"
	"time"

	"github.com/taskora/chatcore/internal/bus"
	"github.com/taskora/chatcore/internal/status"
	"go.uber.org/zap"
)

// Resubscriber wraps a fallible Source and recovers lost subscriptions
// automatically. Consumers see one long-lived channel per Subscribe call;
// stream drops and failed attempts are handled behind it.
//
// Repeated consecutive failures move the connectivity machine to Degraded;
// a successful (re)subscribe moves it back to Connected.
type Resubscriber struct {
	source  Source
	machine *status.Machine
	logger  *zap.Logger

	// backoff between failed attempts, and the number of consecutive
	// failures after which the session is considered degraded.
	backoff     time.Duration
	maxFailures int
}

// NewResubscriber creates a resubscribing wrapper around source. machine
// may be nil when no connectivity reporting is wanted.
func NewResubscriber(source Source, machine *status.Machine, backoff time.Duration, maxFailures int, logger *zap.Logger) *Resubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Resubscriber{
		source:      source,
		machine:     machine,
		logger:      logger,
		backoff:     backoff,
		maxFailures: maxFailures,
	}
}

// Subscribe implements Subscriber. The returned channel stays open across
// underlying stream drops; the returned function cancels the subscription
// and closes the channel.
func (r *Resubscriber) Subscribe(topic string, bufSize int) (<-chan bus.Event, func()) {
	out := make(chan bus.Event, bufSize)
	stop := make(chan struct{})
	var once sync.Once

	go r.run(topic, bufSize, out, stop)

	return out, func() {
		once.Do(func() { close(stop) })
	}
}

func (r *Resubscriber) run(topic string, bufSize int, out chan<- bus.Event, stop <-chan struct{}) {
	defer close(out)
	failures := 0

	for {
		ch, unsub, err := r.source.Subscribe(topic, bufSize)
		if err != nil {
			failures++
			r.logger.Warn("subscribe failed",
				zap.String("topic", topic),
				zap.Int("consecutive", failures),
				zap.Error(err))
			if failures >= r.maxFailures {
				r.transition(status.Degraded)
			} else {
				r.transition(status.Reconnecting)
			}
			select {
			case <-time.After(r.backoff):
				continue
			case <-stop:
				return
			}
		}

		failures = 0
		r.transition(status.Connected)

		if !r.pipe(ch, out, stop) {
			unsub()
			return
		}
		// Stream closed underneath us: resubscribe.
		unsub()
		r.transition(status.Reconnecting)
	}
}

// pipe forwards events until the inner channel closes (returns true) or
// stop is signaled (returns false).
func (r *Resubscriber) pipe(in <-chan bus.Event, out chan<- bus.Event, stop <-chan struct{}) bool {
	for {
		select {
		case evt, ok := <-in:
			if !ok {
				return true
			}
			select {
			case out <- evt:
			default:
				// Same contract as the bus: never stall on a slow consumer.
			}
		case <-stop:
			return false
		}
	}
}

func (r *Resubscriber) transition(to status.State) {
	if r.machine == nil {
		return
	}
	if err := r.machine.Transition(to); err != nil {
		r.logger.Warn("status transition rejected", zap.Error(err))
	}
}
