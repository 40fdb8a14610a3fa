package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"medreport-ai/internal/model"
	"medreport-ai/internal/repository"
)

// IngestPersistWorker drains the ingest queue and writes documents and
// their chunks to MySQL.
type IngestPersistWorker struct {
	conn      *amqp.Connection
	docRepo   *repository.DocumentRepository
	chunkRepo *repository.ChunkRepository
	queueName string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestPersistWorker(
	conn *amqp.Connection,
	docRepo *repository.DocumentRepository,
	chunkRepo *repository.ChunkRepository,
	queueName string,
) *IngestPersistWorker {
	return &IngestPersistWorker{
		conn:      conn,
		docRepo:   docRepo,
		chunkRepo: chunkRepo,
		queueName: queueName,
	}
}

func (w *IngestPersistWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				var rec model.IngestRecord
				if err := json.Unmarshal(d.Body, &rec); err != nil {
					log.Printf("worker decode ingest record failed: %v", err)
					_ = d.Nack(false, false)
					continue
				}

				if err := w.docRepo.Create(&rec.Document); err != nil {
					log.Printf("worker persist document failed: %v", err)
					_ = d.Nack(false, true)
					continue
				}
				if err := w.chunkRepo.CreateBatch(rec.Chunks); err != nil {
					log.Printf("worker persist chunks failed: %v", err)
					_ = d.Nack(false, true)
					continue
				}

				_ = d.Ack(false)
			}
		}
	}()

	return nil
}

func (w *IngestPersistWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
