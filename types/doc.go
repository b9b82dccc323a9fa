// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 agentroom 的全局共享领域类型。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 store、directory、ledger、
evaluation、orchestrator、notify 与 api 提供统一的类型契约。

# 核心类型

  - Room / Member / RoomSettings：协作空间与授权边界
  - Task / TaskStatus：编排单元与状态机（含迁移表）
  - Step / StepType / StepStatus：流水线阶段的只追加记录
  - Evaluation / EvaluationResult：单个评估者的结论
  - Agent / AgentRole：绑定单一流水线角色的专用 Agent
  - Message / Event：房间消息日志与对外事件
  - Error / ErrorCode：结构化错误体系

# 主要能力

  - 状态迁移校验：TaskStatus.CanTransitionTo
  - Context 传播：WithUserID / WithRequestID
  - 错误工具链：NewError / IsCode / GetErrorCode
*/
package types
