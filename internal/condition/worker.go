package condition

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrWorkerCancelled = errors.New("condition worker cancelled")

// Request задание для воркера.
type Request struct {
	Root    Node
	Context Context
	Signals map[string]bool
}

// Response ответ воркера. Error заполнен, если оценка упала.
type Response struct {
	CorrelationID string
	Result        bool
	Trace         Trace
	Error         string
}

type job struct {
	id  string
	req Request
}

// Worker выносит оценку дерева в отдельную горутину.
// Горутина создаётся лениво и пересоздаётся после Cancel.
type Worker struct {
	mu      sync.Mutex
	jobs    chan job
	done    chan struct{}
	pending map[string]chan Response
}

func NewWorker() *Worker {
	return &Worker{}
}

func (w *Worker) ensure() (chan job, chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.jobs == nil {
		w.jobs = make(chan job)
		w.done = make(chan struct{})
		w.pending = make(map[string]chan Response)
		go w.loop(w.jobs, w.done, w.pending)
	}
	return w.jobs, w.done
}

func (w *Worker) loop(jobs chan job, done chan struct{}, pending map[string]chan Response) {
	for {
		select {
		case <-done:
			return
		case j := <-jobs:
			resp := run(j)
			w.mu.Lock()
			ch, ok := pending[j.id]
			delete(pending, j.id)
			w.mu.Unlock()
			if ok {
				ch <- resp
			}
		}
	}
}

func run(j job) (resp Response) {
	resp.CorrelationID = j.id
	defer func() {
		if r := recover(); r != nil {
			resp.Result = false
			resp.Trace = nil
			resp.Error = fmt.Sprintf("evaluation panic: %v", r)
		}
	}()
	resp.Result, resp.Trace = EvaluateWithTrace(j.req.Root, j.req.Context, j.req.Signals)
	return resp
}

// Evaluate отправляет задание воркеру и ждёт ответ по correlation id.
func (w *Worker) Evaluate(ctx context.Context, req Request) (Response, error) {
	jobs, done := w.ensure()

	id := uuid.NewString()
	ch := make(chan Response, 1)
	w.mu.Lock()
	if w.done != done {
		w.mu.Unlock()
		return Response{}, ErrWorkerCancelled
	}
	w.pending[id] = ch
	w.mu.Unlock()

	select {
	case jobs <- job{id: id, req: req}:
	case <-done:
		return Response{}, ErrWorkerCancelled
	case <-ctx.Done():
		w.forget(id, done)
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-done:
		return Response{}, ErrWorkerCancelled
	case <-ctx.Done():
		w.forget(id, done)
		return Response{}, ctx.Err()
	}
}

func (w *Worker) forget(id string, done chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == done {
		delete(w.pending, id)
	}
}

// Cancel останавливает текущую горутину. Ожидающие получат ErrWorkerCancelled.
func (w *Worker) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.jobs == nil {
		return
	}
	close(w.done)
	w.jobs, w.done, w.pending = nil, nil, nil
}
