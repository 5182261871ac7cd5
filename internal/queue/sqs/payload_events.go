package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// PayloadBatch is the internal envelope for a provider webhook batch. The
// body is carried opaquely; the consumer side owns parsing. Keep it small;
// SQS has a 256KB message size limit.
type PayloadBatch struct {
	Provider   string          `json:"provider"`
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

type Producer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *Producer) Enqueue(ctx context.Context, batch PayloadBatch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

type Handler func(ctx context.Context, batch PayloadBatch) error

type Consumer struct {
	SQS      *sqs.Client
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// PollConcurrent processes payload batches with a worker pool. Messages are
// deleted only after the handler completes; a handler error leaves the
// message for SQS redrive/DLQ. Poison messages are deleted so they do not
// loop forever.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				if m.Body == nil {
					c.delete(ctx, m)
					continue
				}

				var batch PayloadBatch
				if err := json.Unmarshal([]byte(*m.Body), &batch); err != nil {
					c.delete(ctx, m)
					continue
				}

				if err := handler(ctx, batch); err == nil {
					c.delete(ctx, m)
				} else {
					slog.Error("sqs payload handler error", "err", err, "provider", batch.Provider)
				}
			}
		}()
	}

	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				slog.Error("sqs receive message failed", "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh

	// let workers drain what the producer already handed out
	wg.Wait()
	return err
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
}

func str(s string) *string { return &s }
