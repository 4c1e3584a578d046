package pool

import (
	"context"

	"codehakam/internal/common/mq"
	"codehakam/internal/judge/worker"
)

// RabbitBroker adapts the AMQP queue to the pool's Broker.
type RabbitBroker struct {
	Queue *mq.RabbitQueue
}

// OpenStream opens a dedicated consumer on the work queue.
func (b RabbitBroker) OpenStream(prefetch int) (Stream, error) {
	js, err := b.Queue.OpenJobStream(prefetch)
	if err != nil {
		return nil, err
	}

	out := make(chan worker.Job)
	go func() {
		defer close(out)
		for d := range js.Deliveries() {
			out <- rabbitJob{d: d}
		}
	}()
	return &rabbitStream{js: js, out: out}, nil
}

// QueueDepth reports the ready messages in the work queue.
func (b RabbitBroker) QueueDepth(ctx context.Context) (int, error) {
	return b.Queue.QueueDepth(ctx)
}

type rabbitStream struct {
	js  *mq.JobStream
	out chan worker.Job
}

func (s *rabbitStream) Deliveries() <-chan worker.Job { return s.out }

func (s *rabbitStream) Close() error { return s.js.Close() }

// rabbitJob exposes one AMQP delivery through the worker's Job contract.
type rabbitJob struct {
	d *mq.Delivery
}

func (j rabbitJob) Body() []byte                            { return j.d.Message.Body }
func (j rabbitJob) RetryCount() int                         { return j.d.Message.RetryCount }
func (j rabbitJob) Ack() error                              { return j.d.Ack() }
func (j rabbitJob) Reject() error                           { return j.d.Reject() }
func (j rabbitJob) Requeue() error                          { return j.d.Requeue() }
func (j rabbitJob) Retry(ctx context.Context) (bool, error) { return j.d.Retry(ctx) }
