package turn

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog"
)

// queueMaxWorkers bounds concurrent generations across rooms. Per-room
// serialization comes from the unique insert, not from this.
const queueMaxWorkers = 10

// ReplyJobArgs identifies the room whose reply should be generated.
type ReplyJobArgs struct {
	RoomID string `json:"room_id"`
}

func (ReplyJobArgs) Kind() string { return "generate_reply" }

// InsertOpts keeps at most one pending or running generation per room and
// disables retries: a failed generation leaves the user turn persisted and
// waits for the next submission.
func (ReplyJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
		},
	}
}

// ReplyWorker runs queued generations through the orchestrator.
type ReplyWorker struct {
	river.WorkerDefaults[ReplyJobArgs]
	orchestrator *Orchestrator
	logger       zerolog.Logger
}

func (w *ReplyWorker) Work(ctx context.Context, job *river.Job[ReplyJobArgs]) error {
	rec, err := w.orchestrator.GenerateReply(ctx, job.Args.RoomID)
	if err != nil {
		w.logger.Error().Err(err).Str("room_id", job.Args.RoomID).Msg("reply generation failed")
		return err
	}
	w.logger.Info().
		Str("room_id", job.Args.RoomID).
		Int("floor", rec.Floor).
		Msg("reply generated")
	return nil
}

// Queue is the River-backed job queue for reply generation.
type Queue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
}

// NewQueue connects a pgx pool, registers the reply worker, and wires
// itself into the orchestrator as its enqueuer.
func NewQueue(ctx context.Context, databaseURL string, orchestrator *Orchestrator, logger zerolog.Logger) (*Queue, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &ReplyWorker{
		orchestrator: orchestrator,
		logger:       logger.With().Str("component", "reply_worker").Logger(),
	})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: queueMaxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	queue := &Queue{client: client, pool: pool}
	orchestrator.SetEnqueuer(queue)
	return queue, nil
}

// Start starts the queue workers.
func (q *Queue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

// Stop stops the workers and releases the pool.
func (q *Queue) Stop(ctx context.Context) error {
	err := q.client.Stop(ctx)
	q.pool.Close()
	return err
}

// EnqueueReply queues reply generation for a room. Duplicate submissions
// while a generation is pending collapse into the existing job.
func (q *Queue) EnqueueReply(ctx context.Context, roomID string) error {
	_, err := q.client.Insert(ctx, ReplyJobArgs{RoomID: roomID}, nil)
	if err != nil {
		return fmt.Errorf("failed to queue reply job: %w", err)
	}
	return nil
}
