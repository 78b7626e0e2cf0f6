package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tradecore/internal/backoff"
	"tradecore/internal/exchange"
	"tradecore/internal/logger"
	"tradecore/internal/metrics"
	"tradecore/internal/models"
)

type State string

const (
	StatePending         State = "PENDING"
	StateInFlight        State = "IN_FLIGHT"
	StateAcked           State = "ACKED"
	StateFailedRetryable State = "FAILED_RETRYABLE"
	StateFailedTerminal  State = "FAILED_TERMINAL"
)

var (
	ErrQueueClosed          = errors.New("execution queue closed")
	ErrMissingClientOrderID = errors.New("order has no client order id")
	ErrRetriesExhausted     = errors.New("retries exhausted")
)

// Broker is the part of the broker API the queue needs.
type Broker interface {
	PlaceOrder(ctx context.Context, order models.OrderRequest) (models.OrderAck, error)
	OrderByClientID(ctx context.Context, clientOrderID string) (models.OrderAck, error)
}

// Budget is the shared rate-limit state. The broker adapter refreshes it from
// every response; the queue reserves a call before each send.
type Budget interface {
	Acquire(ctx context.Context) error
}

type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	Backoff        backoff.Policy
	AttemptTimeout time.Duration
}

// Result is the settled (or current, if the caller stopped waiting) view of an entry.
type Result struct {
	ClientOrderID string              `json:"client_order_id"`
	State         State               `json:"state"`
	Attempts      int                 `json:"attempts"`
	Ack           models.OrderAck     `json:"ack"`
	Err           error               `json:"-"`
	Order         models.OrderRequest `json:"order"`
}

// Entry is a queued order with its submission metadata.
type Entry struct {
	Order        models.OrderRequest
	Attempts     int
	NextEligible time.Time
	State        State
	LastErr      error
	Ack          models.OrderAck
}

type entry struct {
	Entry
	done chan struct{}
}

type Queue struct {
	broker Broker
	budget Budget
	cfg    Config
	log    *logger.Logger

	jobs     chan *entry
	quit     chan struct{}
	closing  context.Context
	shutdown context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	entries map[string]*entry
	senders sync.WaitGroup

	stateMu   sync.Mutex
	listeners []func(Result)

	closeOnce sync.Once
	workers   sync.WaitGroup
}

func NewQueue(broker Broker, budget Budget, cfg Config, log *logger.Logger) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}
	closing, shutdown := context.WithCancel(context.Background())
	return &Queue{
		broker:   broker,
		budget:   budget,
		cfg:      cfg,
		log:      log,
		jobs:     make(chan *entry, cfg.QueueSize),
		quit:     make(chan struct{}),
		closing:  closing,
		shutdown: shutdown,
		entries:  make(map[string]*entry),
	}
}

// OnResult registers a callback fired once per entry when it settles.
func (q *Queue) OnResult(fn func(Result)) {
	if fn == nil {
		return
	}
	q.stateMu.Lock()
	q.listeners = append(q.listeners, fn)
	q.stateMu.Unlock()
}

// Run starts the workers and blocks until ctx is done, then drains the queue.
// Orders already sent keep settling on a detached context.
func (q *Queue) Run(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.workers.Add(1)
		go q.worker(base)
	}
	q.logEntry().WithField("workers", q.cfg.Workers).Info("Execution queue started.")

	<-ctx.Done()
	q.Close()
	return nil
}

// Close stops intake, waits for in-flight orders and fails the ones never sent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.quit)
		q.shutdown()

		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		q.senders.Wait()
		q.workers.Wait()

		for {
			select {
			case e := <-q.jobs:
				q.settle(e, StateFailedTerminal, models.OrderAck{}, ErrQueueClosed)
			default:
				q.logEntry().Info("Execution queue stopped.")
				return
			}
		}
	})
}

// Submit hands order to the queue and waits for it to settle or for ctx to end.
// Re-submitting a known client order id joins the existing entry.
func (q *Queue) Submit(ctx context.Context, order models.OrderRequest) (Result, error) {
	if order.ClientOrderID == "" {
		return Result{Order: order, State: StateFailedTerminal, Err: ErrMissingClientOrderID}, ErrMissingClientOrderID
	}

	e, joined, err := q.enqueue(ctx, order)
	if err != nil {
		return Result{ClientOrderID: order.ClientOrderID, Order: order, State: StateFailedTerminal, Err: err}, err
	}
	if joined {
		q.log.WithClientOrderID(order.ClientOrderID).WithField("component", "execution").Info("Order already queued, joining existing entry.")
	}

	select {
	case <-e.done:
		res := q.result(e)
		return res, res.Err
	case <-ctx.Done():
		return q.result(e), ctx.Err()
	}
}

func (q *Queue) enqueue(ctx context.Context, order models.OrderRequest) (*entry, bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, false, ErrQueueClosed
	}
	if existing, ok := q.entries[order.ClientOrderID]; ok && !q.neverSent(existing) {
		q.mu.Unlock()
		return existing, true, nil
	}
	e := &entry{Entry: Entry{Order: order, State: StatePending}, done: make(chan struct{})}
	q.entries[order.ClientOrderID] = e
	q.senders.Add(1)
	q.mu.Unlock()
	defer q.senders.Done()

	select {
	case q.jobs <- e:
		q.logEntryFor(order).Debug("Order queued.")
	case <-q.quit:
		q.settle(e, StateFailedTerminal, models.OrderAck{}, ErrQueueClosed)
	case <-ctx.Done():
		q.settle(e, StateFailedTerminal, models.OrderAck{}, fmt.Errorf("not sent: %w", ctx.Err()))
	}
	return e, false, nil
}

// neverSent reports an entry that failed before reaching the broker; its id may be reused.
func (q *Queue) neverSent(e *entry) bool {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	return e.State == StateFailedTerminal && e.Attempts == 0
}

// Lookup returns a copy of the entry for clientOrderID.
func (q *Queue) Lookup(clientOrderID string) (Entry, bool) {
	q.mu.RLock()
	e, ok := q.entries[clientOrderID]
	q.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	return e.Entry, true
}

func (q *Queue) worker(ctx context.Context) {
	defer q.workers.Done()
	for {
		select {
		case <-q.quit:
			return
		case e := <-q.jobs:
			select {
			case <-q.quit:
				q.settle(e, StateFailedTerminal, models.OrderAck{}, ErrQueueClosed)
				continue
			default:
			}
			q.process(ctx, e)
		}
	}
}

// process drives one entry to ACKED or FAILED_TERMINAL. Once the first attempt is
// sent it runs to completion regardless of session cancellation.
func (q *Queue) process(ctx context.Context, e *entry) {
	order := e.Order
	for attempt := 1; ; attempt++ {
		if err := q.reserve(ctx, attempt); err != nil {
			q.settle(e, StateFailedTerminal, models.OrderAck{}, err)
			return
		}

		q.update(e, func(en *Entry) {
			en.State = StateInFlight
			en.Attempts = attempt
		})

		ack, err := q.attempt(ctx, order)
		if err == nil {
			q.settle(e, StateAcked, ack, nil)
			return
		}

		if errors.Is(err, exchange.ErrDuplicateClientOrderID) && attempt > 1 {
			found, lookupErr := q.resolveDuplicate(ctx, order.ClientOrderID)
			if lookupErr == nil {
				q.settle(e, StateAcked, found, nil)
				return
			}
			err = fmt.Errorf("%w; lookup: %v", err, lookupErr)
		} else if !Retryable(err) {
			q.settle(e, StateFailedTerminal, models.OrderAck{}, err)
			return
		}

		if attempt >= q.cfg.MaxAttempts {
			q.settle(e, StateFailedTerminal, models.OrderAck{}, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err))
			return
		}

		wait := q.cfg.Backoff.Next(attempt)
		q.update(e, func(en *Entry) {
			en.State = StateFailedRetryable
			en.LastErr = err
			en.NextEligible = time.Now().Add(wait)
		})
		q.logEntryFor(order).WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).Warn("Order submission failed, retrying with the same client order id.")

		time.Sleep(wait)
	}
}

func (q *Queue) attempt(ctx context.Context, order models.OrderRequest) (models.OrderAck, error) {
	actx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	defer cancel()

	metrics.OrderAttempts.Inc()
	return q.broker.PlaceOrder(actx, order)
}

// reserve waits for rate-limit budget. Before the first send the wait ends
// when the queue closes and the order is never sent; later attempts belong to
// an order the broker may already hold, so they wait on the detached context.
func (q *Queue) reserve(ctx context.Context, attempt int) error {
	if attempt > 1 {
		if err := q.budget.Acquire(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
		return nil
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(q.closing, cancel)
	defer stop()

	err := q.budget.Acquire(rctx)
	if q.closing.Err() != nil {
		return ErrQueueClosed
	}
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func (q *Queue) resolveDuplicate(ctx context.Context, clientOrderID string) (models.OrderAck, error) {
	if err := q.budget.Acquire(ctx); err != nil {
		return models.OrderAck{}, err
	}
	actx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	defer cancel()

	ack, err := q.broker.OrderByClientID(actx, clientOrderID)
	if err != nil {
		return models.OrderAck{}, err
	}
	q.log.WithClientOrderID(clientOrderID).WithField("component", "execution").Info("Duplicate rejection resolved to the existing order.")
	return ack, nil
}

func (q *Queue) update(e *entry, fn func(*Entry)) {
	q.stateMu.Lock()
	fn(&e.Entry)
	q.stateMu.Unlock()
}

func (q *Queue) settle(e *entry, state State, ack models.OrderAck, err error) {
	q.stateMu.Lock()
	if e.State == StateAcked || e.State == StateFailedTerminal {
		q.stateMu.Unlock()
		return
	}
	e.State = state
	e.LastErr = err
	if state == StateAcked {
		e.Ack = ack
		e.NextEligible = time.Time{}
	}
	listeners := append([]func(Result){}, q.listeners...)
	res := resultOf(e)
	q.stateMu.Unlock()

	metrics.OrdersTotal.WithLabelValues(string(state)).Inc()
	le := q.logEntryFor(e.Order).WithFields(logrus.Fields{
		"state":    string(state),
		"attempts": res.Attempts,
	})
	if state == StateAcked {
		le.WithField("order_id", ack.ID).Info("Order acknowledged.")
	} else {
		le.WithError(err).Warn("Order failed.")
	}

	for _, fn := range listeners {
		fn(res)
	}
	// Listeners have seen the result before any waiter is released.
	close(e.done)
}

func (q *Queue) result(e *entry) Result {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	return resultOf(e)
}

func resultOf(e *entry) Result {
	return Result{
		ClientOrderID: e.Order.ClientOrderID,
		State:         e.State,
		Attempts:      e.Attempts,
		Ack:           e.Ack,
		Err:           e.LastErr,
		Order:         e.Order,
	}
}

func (q *Queue) logEntry() *logrus.Entry {
	return q.log.WithComponent("execution")
}

func (q *Queue) logEntryFor(order models.OrderRequest) *logrus.Entry {
	return q.logEntry().WithFields(logrus.Fields{
		"symbol":          order.Symbol,
		"side":            string(order.Side),
		"client_order_id": order.ClientOrderID,
	})
}

// Retryable classifies broker and transport errors. Unknown errors are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
