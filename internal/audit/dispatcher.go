package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"admission-service/internal/util"
)

const emitTimeout = 5 * time.Second

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher asynchronously forwards events to a sink. A nil *Dispatcher
// accepts and discards events.
type Dispatcher struct {
	cfg       Config
	sink      Sink
	encrypter PhoneEncrypter
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewDispatcher(cfg Config, sink Sink, encrypter PhoneEncrypter) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:       cfg,
		sink:      sink,
		encrypter: encrypter,
		ch:        make(chan Event, cfg.BufferSize),
		done:      make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	sealed := d.seal(ctx, event)
	if err := d.sink.Emit(ctx, sealed.SecurityEvent); err != nil {
		d.failed.Add(1)
		util.Warn("Security event delivery failed",
			zap.String("event_id", sealed.ID),
			zap.String("event_type", sealed.EventType),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) seal(ctx context.Context, event Event) Event {
	if event.Phone == "" {
		return event
	}
	if event.PhoneMasked == "" {
		event.PhoneMasked = util.MaskPhone(event.Phone)
	}
	if d.encrypter != nil {
		enc, err := d.encrypter.EncryptToString(ctx, event.Phone, PhonePurpose)
		if err != nil {
			util.Warn("Phone encryption failed; event carries masked phone only",
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
		} else {
			event.PhoneEncrypted = enc
		}
	}
	event.Phone = ""
	return event
}

func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
	case <-d.done:
	}
}

// Close stops accepting events and drains the buffer.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}
