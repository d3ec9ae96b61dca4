package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/forge/internal/model"
)

const recordTimeout = 5 * time.Second

// Recorder returns a queue observer that saves every task snapshot it is
// given. Write errors are logged; scheduling never waits on a retry.
func Recorder(s Store, logger *slog.Logger) func(model.Task) {
	return func(t model.Task) {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.SaveTask(ctx, t); err != nil {
			logger.Error("record task", "task_id", t.ID, "status", t.Status, "error", err)
		}
	}
}
