package worker

import "errors"

var (
	// ErrPoolNotStarted Start 之前提交
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStopped 已停止
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrPoolAlreadyStarted 重复 Start
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	// ErrQueueFull 队列已满（非阻塞提交）
	ErrQueueFull = errors.New("worker pool queue full")
	// ErrNilProcessor processor 为空
	ErrNilProcessor = errors.New("processor function cannot be nil")
	// ErrStopTimeout 停止超时
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)
