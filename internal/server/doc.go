// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 AgentRoom HTTP 服务（API 与 metrics 端口）的生命周期。

# 核心类型

  - Manager：封装 net/http.Server，提供 Start/Shutdown/WaitForShutdown。
  - Config：监听地址与各类超时，可由 ConfigFrom 从 config.ServerConfig 生成。
  - ShutdownHook：服务停止后执行的清理步骤，例如排空任务流水线、
    关闭 Redis 连接与数据库连接池。

# 关闭顺序

Shutdown 先停止接收新请求，再按注册逆序执行关闭钩子，所有步骤共享
ShutdownTimeout。WaitForShutdown 监听 SIGINT/SIGTERM、服务异常退出
与调用方 ctx。
*/
package server
