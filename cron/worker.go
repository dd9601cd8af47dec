package cron

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"slotwatch/config"
	"slotwatch/services/booking"
	"slotwatch/services/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
)

// InitRecheckWorker runs the async worker in background. It picks up deferred
// slot-recheck tasks and feeds them back into the booking workflow.
func InitRecheckWorker(workflow booking.BookingWorkflow) {
	redisOpts := asynq.RedisClientOpt{
		Addr:     config.AppConfig.RedisAddr,
		Password: config.AppConfig.RedisPassword,
		DB:       config.AppConfig.RedisTaskQueueDB,
	}

	srv := asynq.NewServer(
		redisOpts,
		asynq.Config{
			// Attempts must not overlap: the workflow serializes transitions,
			// but there is no point racing search rounds against each other.
			Concurrency: 1,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeSlotRecheck, handleRecheckTask(workflow))

	// Start Redis health monitor
	go monitorRedisConnection()

	// Start async worker with retry logic
	go func() {
		log.Println("[RecheckWorker] Starting async worker...")
		const maxAttempts = 5

		for attempts := 1; attempts <= maxAttempts; attempts++ {
			if err := srv.Run(mux); err != nil {
				log.Printf("[RecheckWorker] Attempt %d/%d failed to start worker: %v", attempts, maxAttempts, err)

				if attempts == maxAttempts {
					log.Fatal("[RecheckWorker] Max retry attempts reached. Exiting.")
				}
				time.Sleep(time.Duration(attempts*2) * time.Second) // Exponential backoff
			} else {
				break
			}
		}
	}()
}

func handleRecheckTask(workflow booking.BookingWorkflow) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var p tasks.RecheckPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			log.Printf("[RecheckHandler] Invalid payload: %v", err)
			return err
		}

		log.Printf("[RecheckHandler] Re-running search for pupil %s at %s", p.Details.PupilName, p.Details.TestCentre)

		record, err := workflow.RunAttempt(ctx, p.Details)
		if err != nil {
			log.Printf("[RecheckHandler] Attempt failed: %v", err)
			return err
		}
		log.Printf("[RecheckHandler] Attempt finished with outcome %s", record.Outcome)
		return nil
	}
}

// monitorRedisConnection pings Redis periodically to detect failures at runtime.
func monitorRedisConnection() {
	client := redis.NewClient(&redis.Options{
		Addr:     config.AppConfig.RedisAddr,
		Password: config.AppConfig.RedisPassword,
		DB:       config.AppConfig.RedisTaskQueueDB,
	})

	ctx := context.Background()

	for {
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[RecheckWorker] Redis connection lost: %v", err)
		}
		time.Sleep(10 * time.Second)
	}
}
