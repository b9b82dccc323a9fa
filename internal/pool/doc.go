/*
包 pool 提供有界的 goroutine 池，用于运行任务流水线。

提交时可携带 key（任务 ID）：同一 key 同时只有一个作业在运行，
运行期间的重复提交会被合并为一次重跑，从而保证同一任务的阶段
严格串行，而不同任务之间完全并行。

队列已满时 Submit 返回 ErrPoolFull，由调用方决定失败处理。
*/
package pool
