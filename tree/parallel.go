package tree

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/cloakfs/cloakfs/blocks"
)

// ParallelConfig controls parallel sealing of content blocks on
// multi-block writes.
type ParallelConfig struct {
	// Enabled enables parallel block storage
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinBlocksForParallel is the minimum number of blocks to use parallel
	// processing. Below this threshold, sequential processing is used.
	// Defaults to 4
	MinBlocksForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil // Nothing to validate if disabled
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinBlocksForParallel < 1 {
		return errors.New("parallel min blocks threshold must be at least 1")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinBlocksForParallel: 4,
	}
}

// storeJob is one content block to seal and store.
type storeJob struct {
	id      blocks.ID
	payload []byte
}

// storeBlocks writes a batch of content blocks, in parallel when the batch
// is large enough to be worth it. Blocks have distinct IDs, so the
// underlying per-block locking never serializes them against each other.
func (t *Tree) storeBlocks(jobs []storeJob) error {
	if len(jobs) == 0 {
		return nil
	}

	if !t.parallel.Enabled || len(jobs) < t.parallel.MinBlocksForParallel {
		for _, job := range jobs {
			if err := t.access.Store(job.id, job.payload); err != nil {
				return err
			}
		}
		return nil
	}

	numWorkers := t.parallel.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}

	var wg sync.WaitGroup
	jobChan := make(chan int, len(jobs))
	errChan := make(chan error, numWorkers)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("panic in block store worker: %v", r)
					select {
					case errChan <- err:
					default:
					}
				}
			}()
			for idx := range jobChan {
				if err := t.access.Store(jobs[idx].id, jobs[idx].payload); err != nil {
					select {
					case errChan <- err:
					default:
					}
					return
				}
			}
		}()
	}

	for i := range jobs {
		jobChan <- i
	}
	close(jobChan)

	wg.Wait()
	close(errChan)

	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}
