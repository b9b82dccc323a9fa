/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、生成调用、
任务流水线、Agent 预占与数据库连接五个维度。

# 概述

Collector 使用 promauto 自动注册到默认 Registry，所有指标按 namespace
隔离。Collector 同时实现 directory.Observer，用于统计 Agent 预占与释放。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 生成调用指标：调用次数、耗时、Token 用量（prompt/completion），按 model 分组。
  - 流水线指标：阶段执行次数与耗时、任务状态转换、评估结果与通过率。
  - Agent 指标：预占结果计数与当前持有的 lease 数，按 role 分组。
  - 数据库指标：活跃/空闲连接数 Gauge。
*/
package metrics
