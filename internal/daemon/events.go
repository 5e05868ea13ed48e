package daemon

import (
	"context"

	"github.com/matheus3301/threadsync/internal/bus"
	"github.com/matheus3301/threadsync/internal/model"
	"github.com/matheus3301/threadsync/internal/receipt"
	"github.com/matheus3301/threadsync/internal/reconnect"
	"github.com/matheus3301/threadsync/internal/status"
	"go.uber.org/zap"
)

// eventLog writes sync core events to the daemon log.
type eventLog struct {
	logger *zap.Logger
	done   chan struct{}
}

func startEventLog(ctx context.Context, b *bus.Bus, logger *zap.Logger) *eventLog {
	e := &eventLog{logger: logger.Named("events"), done: make(chan struct{})}
	ch, unsub := b.Subscribe("", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
	return e
}

// wait blocks until the log goroutine has exited.
func (e *eventLog) wait() {
	if e != nil {
		<-e.done
	}
}

func (e *eventLog) handleEvent(evt bus.Event) {
	fields := []zap.Field{zap.String("kind", evt.Kind), zap.Time("at", evt.Timestamp)}
	switch p := evt.Payload.(type) {
	case model.PendingMessage:
		fields = append(fields,
			zap.String("temp_id", p.TempID),
			zap.String("thread_id", p.ThreadID),
			zap.String("status", string(p.Status)),
			zap.Int("attempts", p.Attempts))
		if p.LastError != "" {
			fields = append(fields, zap.String("last_error", p.LastError))
		}
	case status.StatusChange:
		fields = append(fields, zap.String("from", string(p.From)), zap.String("to", string(p.To)))
	case reconnect.Status:
		fields = append(fields,
			zap.Bool("channel_enabled", p.ChannelEnabled),
			zap.String("state", string(p.State)),
			zap.Duration("latency", p.LastLatency))
	case reconnect.EnableFailure:
		fields = append(fields, zap.Int("attempt", p.Attempt), zap.Error(p.Err))
	case receipt.Receipt:
		fields = append(fields,
			zap.String("thread_id", p.ThreadID),
			zap.String("member_id", p.MemberID),
			zap.Int64("at_ms", p.At))
	case string:
		fields = append(fields, zap.String("id", p))
	}

	switch evt.Kind {
	case bus.QueueFailed, bus.ConnEnableFailed:
		e.logger.Warn("sync event", fields...)
	case bus.ConnStatusChanged:
		e.logger.Info("sync event", fields...)
	default:
		e.logger.Debug("sync event", fields...)
	}
}
