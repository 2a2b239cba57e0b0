package monitoring

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tabmodel/db"
)

const DefaultBatchSize = 100

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a flush schedule: a 5 or 6 field cron expression or
// a descriptor such as "@every 30s".
func ParseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(spec)
}

// Spool holds encoded payloads until they are delivered. *db.Store
// implements it.
type Spool interface {
	Pending(ctx context.Context, limit int) ([]db.Outgoing, error)
	MarkSent(ctx context.Context, ids ...int64) error
	MarkFailed(ctx context.Context, ids ...int64) error
	Reject(ctx context.Context, ids ...int64) error
}

// Sender delivers payloads. *Client implements it.
type Sender interface {
	Send(ctx context.Context, payloads ...[]byte) error
}

// Flusher drains the spool to the collector in batches, on a cron schedule
// or on demand. A batch that fails to send stays pending for the next run;
// a batch the collector rejects is split until the rejected payloads are
// isolated and moved out of the spool.
type Flusher struct {
	spool     Spool
	sender    Sender
	batchSize int
	log       *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewFlusher(spool Spool, sender Sender, batchSize int, log *zap.Logger) *Flusher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Flusher{spool: spool, sender: sender, batchSize: batchSize, log: log}
}

// Flush sends pending payloads until the spool is empty or a batch fails.
// It returns the number of payloads delivered.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sent := 0
	for {
		batch, err := f.spool.Pending(ctx, f.batchSize)
		if err != nil {
			return sent, err
		}
		if len(batch) == 0 {
			return sent, nil
		}
		n, err := f.deliver(ctx, batch)
		sent += n
		if err != nil {
			return sent, err
		}
		if len(batch) < f.batchSize {
			return sent, nil
		}
	}
}

// deliver sends batch and settles every payload in it: sent, rejected, or
// left pending with its attempt counter bumped.
func (f *Flusher) deliver(ctx context.Context, batch []db.Outgoing) (int, error) {
	ids := make([]int64, len(batch))
	payloads := make([][]byte, len(batch))
	for i, o := range batch {
		ids[i] = o.ID
		payloads[i] = o.Payload
	}

	err := f.sender.Send(ctx, payloads...)
	switch {
	case err == nil:
		return len(batch), f.spool.MarkSent(ctx, ids...)
	case !rejected(err):
		if markErr := f.spool.MarkFailed(ctx, ids...); markErr != nil {
			f.log.Error("mark failed batch", zap.Error(markErr))
		}
		return 0, err
	case len(batch) == 1:
		f.log.Warn("monitoring event rejected",
			zap.Int64("id", batch[0].ID),
			zap.Int("attempts", batch[0].Attempts),
			zap.Error(err))
		return 0, f.spool.Reject(ctx, ids...)
	}

	mid := len(batch) / 2
	n, err := f.deliver(ctx, batch[:mid])
	if err != nil {
		return n, err
	}
	m, err := f.deliver(ctx, batch[mid:])
	return n + m, err
}

// rejected reports whether the collector refused the payloads themselves,
// so sending them again cannot succeed.
func rejected(err error) bool {
	var status *StatusError
	return errors.As(err, &status) && status.StatusCode >= 400 && status.StatusCode < 500
}

// Start runs Flush on schedule until Stop is called.
func (f *Flusher) Start(schedule string) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(scheduleParser))
	c.Schedule(sched, cron.FuncJob(func() {
		n, err := f.Flush(context.Background())
		if err != nil {
			f.log.Warn("monitoring flush failed", zap.Int("sent", n), zap.Error(err))
			return
		}
		if n > 0 {
			f.log.Info("monitoring events flushed", zap.Int("sent", n))
		}
	}))
	f.cron = c
	c.Start()
	f.log.Info("monitoring flusher started", zap.String("schedule", schedule))
	return nil
}

// Stop waits for a running flush, then makes a final attempt to drain the
// spool within ctx.
func (f *Flusher) Stop(ctx context.Context) error {
	if f.cron != nil {
		select {
		case <-f.cron.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := f.Flush(ctx)
	return err
}
