// Package synctags runs named deferred-sync routines. A collaborator
// registers a routine under a tag; requesting the tag marks it pending, and
// the dispatcher runs it in the background, retrying failures with capped
// exponential backoff. Requesting an already-pending tag is a no-op, so
// callers can request freely on every triggering event.
package synctags

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SyncFunc is the body of a sync routine. It is supplied by the
// collaborator that owns the tag.
type SyncFunc func(ctx context.Context) error

var ErrUnknownTag = errors.New("no sync routine registered for tag")

type Options struct {
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// BaseDelay is the delay before the first retry. Default 30s.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Default 30m.
	MaxDelay time.Duration
	// MaxAttempts is the total number of tries per request, first
	// attempt included. Default 5.
	MaxAttempts int
}

type pendingSync struct {
	attempts int
	due      time.Time
}

type Dispatcher struct {
	log         zerolog.Logger
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mutex    sync.Mutex
	routines map[string]SyncFunc
	pending  map[string]*pendingSync

	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func NewDispatcher(opts Options) *Dispatcher {
	var logger zerolog.Logger
	if opts.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *opts.Logger
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 30 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:         logger.With().Str("component", "sync").Logger(),
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		maxAttempts: opts.MaxAttempts,
		routines:    make(map[string]SyncFunc),
		pending:     make(map[string]*pendingSync),
		wakeup:      make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Register binds a routine to a tag, replacing any previous routine.
func (d *Dispatcher) Register(tag string, fn SyncFunc) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.routines[tag] = fn
}

// Request marks the tag pending. A tag that is already pending keeps its
// current attempt count and due time.
func (d *Dispatcher) Request(tag string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if _, ok := d.routines[tag]; !ok {
		return ErrUnknownTag
	}
	if _, ok := d.pending[tag]; ok {
		return nil
	}
	d.pending[tag] = &pendingSync{due: time.Now()}
	d.nudge()
	return nil
}

// Pending returns the tags currently waiting to run or retry.
func (d *Dispatcher) Pending() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	tags := make([]string, 0, len(d.pending))
	for tag := range d.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Close stops the loop and cancels any in-flight routine.
func (d *Dispatcher) Close() error {
	d.once.Do(d.cancel)
	return nil
}

func (d *Dispatcher) nudge() {
	select {
	case d.wakeup <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	for {
		wait, any := d.nextDue()
		if !any {
			select {
			case <-d.ctx.Done():
				return
			case <-d.wakeup:
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-d.ctx.Done():
			timer.Stop()
			return
		case <-d.wakeup:
			timer.Stop()
		case <-timer.C:
			d.runDue()
		}
	}
}

// nextDue returns how long until the earliest pending tag is due.
func (d *Dispatcher) nextDue() (time.Duration, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	var earliest time.Time
	for _, p := range d.pending {
		if earliest.IsZero() || p.due.Before(earliest) {
			earliest = p.due
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	wait := time.Until(earliest)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (d *Dispatcher) runDue() {
	d.mutex.Lock()
	type job struct {
		tag string
		fn  SyncFunc
	}
	var due []job
	now := time.Now()
	for tag, p := range d.pending {
		if !p.due.After(now) {
			due = append(due, job{tag, d.routines[tag]})
		}
	}
	d.mutex.Unlock()

	for _, j := range due {
		err := j.fn(d.ctx)
		d.mutex.Lock()
		p, ok := d.pending[j.tag]
		if !ok {
			d.mutex.Unlock()
			continue
		}
		if err == nil {
			delete(d.pending, j.tag)
			d.mutex.Unlock()
			d.log.Info().Str("tag", j.tag).Msg("Sync complete")
			continue
		}
		p.attempts++
		if p.attempts >= d.maxAttempts {
			delete(d.pending, j.tag)
			d.mutex.Unlock()
			d.log.Error().Err(err).Str("tag", j.tag).
				Msgf("Giving up on sync after %d attempts", p.attempts)
			continue
		}
		delay := d.backoff(p.attempts)
		p.due = time.Now().Add(delay)
		d.mutex.Unlock()
		d.log.Warn().Err(err).Str("tag", j.tag).
			Msgf("Sync failed, retrying in %s", delay)
	}
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.baseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.maxDelay {
			return d.maxDelay
		}
	}
	if delay > d.maxDelay {
		delay = d.maxDelay
	}
	return delay
}
