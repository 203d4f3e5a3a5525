package tools

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of a fan-out batch.
type Task struct {
	Name    string
	Execute func(ctx context.Context) (any, error)
}

// RunAll executes every task concurrently and waits for all of them.
// outcomes[i] belongs to tasks[i]; a failing task never cancels its siblings.
func RunAll(ctx context.Context, tasks []Task) []Outcome {
	outcomes := make([]Outcome, len(tasks))
	var g errgroup.Group
	for i, task := range tasks {
		g.Go(func() error {
			started := time.Now()
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = normalize(task.Name, nil, fmt.Errorf("tool %q panicked: %v", task.Name, r), started)
				}
			}()
			v, err := task.Execute(ctx)
			outcomes[i] = normalize(task.Name, v, err, started)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
