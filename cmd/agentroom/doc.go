// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentRoom 服务端程序入口。

# 概述

cmd/agentroom 是多 Agent 协作服务的可执行入口，基于 cobra 组织子命令，
提供 HTTP API、房间事件流、数据库迁移、Agent 同步、健康检查和版本查询。
配置来自 --config 指定的 YAML 文件，并可由 AGENTROOM_<SECTION>_<FIELD>
环境变量覆盖。

# 核心类型

  - Server      ：组装存储、编排器、通知与两个 HTTP 监听器
  - Middleware  ：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - HTTPRecorder：请求指标接收方，由 metrics.Collector 实现

# 主要能力

  - 子命令：serve、migrate（up/down/steps/force/version/status/info）、
    agents sync、health、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、CORS、OTelTracing、
    Metrics、RequestLogger、JWTAuth（未配置密钥时退化为 X-User-ID）、
    RateLimiter（按用户，匿名请求按 IP）
  - 启动时同步 agents 配置段，并在 recover_on_start 时恢复中断的任务
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：停止接收请求 → 排空流水线 → 停止后台任务 → 关闭 Redis 与数据库 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
