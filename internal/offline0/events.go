package offline0

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventSync              EventKind = "sync"
	EventPeriodicSync      EventKind = "periodicsync"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
	EventMessage           EventKind = "message"
)

// Event is one lifecycle, sync, push or message signal. Fetches do not go
// through the dispatcher; they are served by the Router directly.
type Event struct {
	Kind EventKind
	// Tag names the sync registration for sync and periodicsync.
	Tag string
	// Data is the push text or the raw message JSON.
	Data []byte
	// Action is the notification action that was clicked.
	Action string
}

// EventHandler runs one event to completion. The returned value is the reply
// for request/response style events.
type EventHandler func(ctx context.Context, ev Event) (any, error)

type dispatchReq struct {
	ctx   context.Context
	ev    Event
	reply chan dispatchResult
}

type dispatchResult struct {
	v   any
	err error
}

// Dispatcher routes events through a table of handlers from a single loop.
// Each handler runs as a tracked task; Close does not return until every
// started task has finished.
type Dispatcher struct {
	handlers map[EventKind]EventHandler
	log      *slog.Logger
	metrics  *metrics

	ctx    context.Context
	cancel context.CancelFunc

	events chan dispatchReq
	stop   chan struct{}
	done   chan struct{}
	tasks  sync.WaitGroup
	once   sync.Once
}

func newDispatcher(handlers map[EventKind]EventHandler, log *slog.Logger, m *metrics) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		handlers: handlers,
		log:      log,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan dispatchReq),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case r := <-d.events:
			h, ok := d.handlers[r.ev.Kind]
			if !ok {
				d.finish(r, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, r.ev.Kind))
				continue
			}
			d.tasks.Add(1)
			go func() {
				defer d.tasks.Done()
				v, err := h(r.ctx, r.ev)
				d.finish(r, v, err)
			}()
		}
	}
}

func (d *Dispatcher) finish(r dispatchReq, v any, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		d.log.Warn("event failed", "kind", r.ev.Kind, "tag", r.ev.Tag, "err", err)
	}
	d.metrics.events.WithLabelValues(string(r.ev.Kind), result).Inc()
	if r.reply != nil {
		r.reply <- dispatchResult{v: v, err: err}
	}
}

// Dispatch runs ev and waits for its handler to complete.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (any, error) {
	reply := make(chan dispatchResult, 1)
	select {
	case d.events <- dispatchReq{ctx: ctx, ev: ev, reply: reply}:
	case <-d.stop:
		return nil, ErrDispatcherClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.v, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Emit queues ev without waiting. The handler runs under the dispatcher's own
// context, which is cancelled by Close.
func (d *Dispatcher) Emit(ev Event) {
	select {
	case d.events <- dispatchReq{ctx: d.ctx, ev: ev}:
	case <-d.stop:
	}
}

// Close stops accepting events and waits for running handlers. If ctx ends
// first, running handlers are cancelled and still awaited.
func (d *Dispatcher) Close(ctx context.Context) {
	d.once.Do(func() {
		close(d.stop)
		<-d.done

		idle := make(chan struct{})
		go func() {
			d.tasks.Wait()
			close(idle)
		}()
		select {
		case <-idle:
		case <-ctx.Done():
			d.cancel()
			<-idle
		}
		d.cancel()
	})
}
