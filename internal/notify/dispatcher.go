package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transport delivers a rendered notification synchronously.
type Transport interface {
	Send(ctx context.Context, recipients []string, kind Kind, params map[string]string) error
}

// Dispatcher hands notifications to a Transport on a background goroutine and
// only logs failures.
type Dispatcher struct {
	transport Transport
	timeout   time.Duration
	log       *zap.Logger
	wg        sync.WaitGroup
}

// NewDispatcher returns a dispatcher; a nil transport turns every Notify into
// a logged no-op.
func NewDispatcher(transport Transport, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{transport: transport, timeout: 30 * time.Second, log: log.Named("notify")}
}

// Notify returns immediately. The caller's context only contributes values;
// its cancellation does not abort delivery.
func (d *Dispatcher) Notify(ctx context.Context, recipients []string, kind Kind, params map[string]string) {
	if len(recipients) == 0 {
		return
	}
	if d.transport == nil {
		d.log.Debug("notification dropped, no transport", zap.String("kind", string(kind)), zap.Strings("recipients", recipients))
		return
	}
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	recipients = append([]string(nil), recipients...)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.transport.Send(sendCtx, recipients, kind, copied); err != nil {
			d.log.Warn("notification failed",
				zap.String("kind", string(kind)),
				zap.Strings("recipients", recipients),
				zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight notifications have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
