package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/medchat/internal/app"
	"github.com/suPer8Hu/medchat/internal/config"
	"github.com/suPer8Hu/medchat/internal/db"
	"github.com/suPer8Hu/medchat/internal/knowledge"
	"github.com/suPer8Hu/medchat/internal/logx"
	"github.com/suPer8Hu/medchat/internal/store/rabbitmq"
)

const (
	maxAttempts = 3
	retryBase   = 5 * time.Second
)

// retrier republishes failed jobs. amqp channels are not safe for
// concurrent publishing.
type retrier struct {
	mu    sync.Mutex
	ch    *amqp.Channel
	queue string
}

func (r *retrier) retry(ctx context.Context, body []byte, attempt int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delay := retryBase * time.Duration(1<<uint(attempt-1))
	return rabbitmq.Retry(ctx, r.ch, r.queue, body, attempt, delay)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logx.New(cfg.Env, cfg.LogLevel).With().Str("service", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, log)
	stop()
	if err != nil {
		log.Fatal().Err(err).Msg("worker stopped")
	}
}

// run consumes ingest jobs until ctx ends or the broker closes the
// delivery channel. Every resource it opens is closed before it returns.
func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if cfg.RabbitURL == "" || cfg.S3Bucket == "" {
		return errors.New("worker needs RABBIT_URL and S3_BUCKET")
	}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer db.Close(gdb)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return fmt.Errorf("rabbit dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbit channel: %w", err)
	}
	defer ch.Close()
	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		return fmt.Errorf("declare queues: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbit publish channel: %w", err)
	}
	defer pubCh.Close()
	rt := &retrier{ch: pubCh, queue: cfg.RabbitQueue}

	emb, embCloser, err := app.Embedder(ctx, cfg)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	defer embCloser.Close()

	blobs, err := app.Blobs(ctx, cfg)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	ingestor := knowledge.NewIngestor(app.Knowledge(cfg, gdb, emb, log), knowledge.NewRepo(gdb), blobs, nil, log)

	// prefetch bounds in-flight jobs to the pool size
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")

	return dispatch(ctx, log, msgs, concurrency, func(wlog zerolog.Logger, d amqp.Delivery) {
		handleDelivery(ctx, wlog, ingestor, rt, d)
	})
}

// dispatch fans deliveries out to a fixed pool and waits for in-flight jobs
// before returning.
func dispatch(ctx context.Context, log zerolog.Logger, msgs <-chan amqp.Delivery, concurrency int, handle func(zerolog.Logger, amqp.Delivery)) error {
	jobs := make(chan amqp.Delivery, concurrency*2)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With().Int("worker", workerID).Logger()
			for d := range jobs {
				handle(wlog, d)
			}
		}(i)
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, log zerolog.Logger, in *knowledge.Ingestor, rt *retrier, d amqp.Delivery) {
	var m rabbitmq.IngestMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		log.Warn().Err(err).Msg("bad message")
		_ = d.Nack(false, false)
		return
	}

	attempt := rabbitmq.Attempt(d)
	final := attempt+1 >= maxAttempts
	jlog := log.With().Str("job_id", m.JobID).Int("attempt", attempt).Logger()

	start := time.Now()
	err := in.Process(ctx, m.JobID, final)
	if err == nil {
		jlog.Info().Dur("cost", time.Since(start)).Msg("job done")
		if err := d.Ack(false); err != nil {
			jlog.Error().Err(err).Msg("ack failed")
		}
		return
	}

	if final || knowledge.IsPermanent(err) {
		jlog.Error().Err(err).Dur("cost", time.Since(start)).Msg("job failed, dead-lettering")
		_ = d.Nack(false, false)
		return
	}

	jlog.Warn().Err(err).Dur("cost", time.Since(start)).Msg("job failed, scheduling retry")
	if err := rt.retry(ctx, d.Body, attempt+1); err != nil {
		jlog.Error().Err(err).Msg("retry publish failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}
