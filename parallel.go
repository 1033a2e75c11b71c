package sealio

import (
	"fmt"
	"runtime"
	"sync"
)

// sealJob carries one frame's inputs and output through the sealing pool.
// The plaintext slice aliases the caller's staging memory and is never
// wiped here.
type sealJob struct {
	index     int
	nonce     []byte
	plaintext []byte
	padding   []byte
	frame     []byte
}

// openJob carries one frame body through the opening pool
type openJob struct {
	index     int
	body      []byte
	plaintext []byte
}

// sealFrames encodes jobs into wire frames, in parallel when the batch and
// configuration warrant it
func sealFrames(engine CipherEngine, jobs []sealJob, cfg ParallelConfig) error {
	if len(jobs) == 0 {
		return nil
	}

	numWorkers := cfg.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}

	minFrames := cfg.MinFramesForParallel
	if minFrames < 1 {
		minFrames = 4
	}

	if !cfg.Enabled || len(jobs) < minFrames || numWorkers == 1 {
		for i := range jobs {
			frame, err := encodeFrame(engine, jobs[i].nonce, jobs[i].plaintext, jobs[i].padding)
			if err != nil {
				return err
			}
			jobs[i].frame = frame
		}
		return nil
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
					// Convert panic to error
					err := fmt.Errorf("panic in sealing worker: %v", r)
					select {
					case errChan <- err:
					default:
					}
				}
			}()
			for idx := range jobChan {
				frame, err := encodeFrame(engine, jobs[idx].nonce, jobs[idx].plaintext, jobs[idx].padding)
				if err != nil {
					select {
					case errChan <- err:
					default:
					}
					return
				}
				jobs[idx].frame = frame
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

// openFrames authenticates and decodes frame bodies, in parallel when the
// batch and configuration warrant it. Callers must wipe each plaintext once
// it has been copied out.
func openFrames(engine CipherEngine, jobs []openJob, cfg ParallelConfig) error {
	if len(jobs) == 0 {
		return nil
	}

	numWorkers := cfg.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}

	minFrames := cfg.MinFramesForParallel
	if minFrames < 1 {
		minFrames = 4
	}

	if !cfg.Enabled || len(jobs) < minFrames || numWorkers == 1 {
		for i := range jobs {
			plaintext, err := openFrame(engine, jobs[i].body)
			if err != nil {
				return err
			}
			jobs[i].plaintext = plaintext
		}
		return nil
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
					// Convert panic to error
					err := fmt.Errorf("panic in opening worker: %v", r)
					select {
					case errChan <- err:
					default:
					}
				}
			}()
			for idx := range jobChan {
				plaintext, err := openFrame(engine, jobs[idx].body)
				if err != nil {
					select {
					case errChan <- err:
					default:
					}
					return
				}
				jobs[idx].plaintext = plaintext
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
