// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 AgentRoom HTTP API 的请求处理器实现。

# 核心类型

  - RoomHandler：房间创建、成员管理、任务列表、消息日志与 WebSocket 事件流
  - TaskHandler：任务详情（含步骤账本与评估）、需求确认反馈、取消
  - HealthHandler：存活/就绪/版本端点，就绪检查并发执行
  - Response：统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter：包装 http.ResponseWriter 以捕获状态码，供中间件使用

# 授权

所有房间范围的请求在调用编排器之前先检查调用者是否为房间成员；
用户身份由认证中间件写入 context（types.WithUserID）。

# 错误映射

StatusFor 是错误码到 HTTP 状态码的唯一映射，例如
INVALID_TRANSITION → 409、AGENT_UNAVAILABLE → 503。
*/
package handlers
