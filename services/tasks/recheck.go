package tasks

import (
	"encoding/json"
	"time"

	"slotwatch/models"

	"github.com/hibiken/asynq"
)

const TypeSlotRecheck = "recheck:search"

// RecheckPayload carries the booking details a deferred search round should
// run against.
type RecheckPayload struct {
	Details models.BookingDetails `json:"details"`
}

func NewRecheckTask(payload RecheckPayload, fireAt time.Time) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TypeSlotRecheck, b)
	opts := []asynq.Option{asynq.ProcessAt(fireAt)}

	return task, opts, nil
}
