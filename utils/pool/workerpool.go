/*
 * Copyright 2024 The MedRelay Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package pool provides the worker pool used for queue processors and
// state-change fan-out.
//
// Package pool 提供用于队列处理器和状态变更广播的工作池。
//
// Note: This file is inspired by:
// Valyala, A. workerpool.go [Source code].
// https://github.com/valyala/fasthttp/blob/master/workerpool.go
// The Serve(c net.Conn) surface is replaced with Submit(fn func()) error.
package pool

import (
	"errors"
	"runtime"
	"sync"
	"time"
)

// ErrPoolStopped is returned by Submit when no worker can take the task.
var ErrPoolStopped = errors.New("no idle workers")

// WorkerPool serves submitted functions with a pool of worker goroutines in
// FILO order: the most recently parked worker takes the next task, which
// keeps CPU caches warm. Idle workers are reaped after MaxIdleWorkerDuration.
type WorkerPool struct {
	// MaxWorkersCount limits concurrently live workers. 0 means unlimited.
	MaxWorkersCount int
	// MaxIdleWorkerDuration is the idle time after which a worker is reaped,
	// default 10 seconds.
	MaxIdleWorkerDuration time.Duration

	lock         sync.Mutex
	workersCount int
	mustStop     bool
	ready        []*workerChan
	stopCh       chan struct{}
	workerPool   sync.Pool
	startOnce    sync.Once
}

type workerChan struct {
	lastUseTime time.Time
	ch          chan func()
}

// taskChanCap: blocking channels on GOMAXPROCS=1, buffered otherwise, same
// trade-off fasthttp makes.
var taskChanCap = func() int {
	if runtime.GOMAXPROCS(0) == 1 {
		return 0
	}
	return 1
}()

// Start launches the reaper goroutine. Safe to call more than once.
func (wp *WorkerPool) Start() {
	if wp.stopCh != nil {
		return
	}
	wp.startOnce.Do(func() {
		wp.stopCh = make(chan struct{})
		stopCh := wp.stopCh
		wp.workerPool.New = func() interface{} {
			return &workerChan{ch: make(chan func(), taskChanCap)}
		}
		go func() {
			var scratch []*workerChan
			for {
				wp.clean(&scratch)
				select {
				case <-stopCh:
					return
				default:
					time.Sleep(wp.maxIdleWorkerDuration())
				}
			}
		}()
	})
}

// Stop terminates idle workers and stops accepting tasks. Busy workers finish
// their current task and then exit; Stop does not wait for them.
func (wp *WorkerPool) Stop() {
	if wp.stopCh == nil {
		return
	}
	close(wp.stopCh)
	wp.stopCh = nil

	wp.lock.Lock()
	ready := wp.ready
	for i := range ready {
		ready[i].ch <- nil
		ready[i] = nil
	}
	wp.ready = ready[:0]
	wp.mustStop = true
	wp.lock.Unlock()
}

// Release is an alias for Stop, satisfying the types.Pool interface.
func (wp *WorkerPool) Release() {
	wp.Stop()
}

// Submit hands fn to an idle worker, creating one when under the limit.
func (wp *WorkerPool) Submit(fn func()) error {
	ch := wp.getCh()
	if ch == nil {
		return ErrPoolStopped
	}
	ch.ch <- fn
	return nil
}

func (wp *WorkerPool) maxIdleWorkerDuration() time.Duration {
	if wp.MaxIdleWorkerDuration <= 0 {
		return 10 * time.Second
	}
	return wp.MaxIdleWorkerDuration
}

// clean reaps workers idle longer than maxIdleWorkerDuration. Binary search
// over ready (sorted by lastUseTime) finds the reap boundary.
func (wp *WorkerPool) clean(scratch *[]*workerChan) {
	criticalTime := time.Now().Add(-wp.maxIdleWorkerDuration())

	wp.lock.Lock()
	ready := wp.ready
	n := len(ready)
	l, r := 0, n-1
	for l <= r {
		mid := (l + r) / 2
		if criticalTime.After(ready[mid].lastUseTime) {
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	if r == -1 {
		wp.lock.Unlock()
		return
	}
	*scratch = append((*scratch)[:0], ready[:r+1]...)
	m := copy(ready, ready[r+1:])
	for i := m; i < n; i++ {
		ready[i] = nil
	}
	wp.ready = ready[:m]
	wp.lock.Unlock()

	// Stop notifications happen outside the lock, the sends may block.
	tmp := *scratch
	for i := range tmp {
		tmp[i].ch <- nil
		tmp[i] = nil
	}
}

func (wp *WorkerPool) getCh() *workerChan {
	var ch *workerChan
	createWorker := false

	wp.lock.Lock()
	ready := wp.ready
	n := len(ready) - 1
	if n < 0 {
		if wp.mustStop {
			wp.lock.Unlock()
			return nil
		}
		if wp.MaxWorkersCount <= 0 || wp.workersCount < wp.MaxWorkersCount {
			createWorker = true
			wp.workersCount++
		}
	} else {
		ch = ready[n]
		ready[n] = nil
		wp.ready = ready[:n]
	}
	wp.lock.Unlock()

	if ch == nil {
		if !createWorker {
			return nil
		}
		vch := wp.workerPool.Get()
		ch = vch.(*workerChan)
		go func() {
			wp.workerFunc(ch)
			wp.workerPool.Put(vch)
		}()
	}
	return ch
}

func (wp *WorkerPool) release(ch *workerChan) bool {
	ch.lastUseTime = time.Now()
	wp.lock.Lock()
	if wp.mustStop {
		wp.lock.Unlock()
		return false
	}
	wp.ready = append(wp.ready, ch)
	wp.lock.Unlock()
	return true
}

func (wp *WorkerPool) workerFunc(ch *workerChan) {
	for fn := range ch.ch {
		if fn == nil {
			break
		}
		fn()
		if !wp.release(ch) {
			break
		}
	}
	wp.lock.Lock()
	wp.workersCount--
	wp.lock.Unlock()
}
