package api

import (
	"github.com/BaSui01/agentroom/types"
)

// =============================================================================
// 房间
// =============================================================================

// CreateRoomRequest 创建房间请求，调用者成为房主
type CreateRoomRequest struct {
	Name        string             `json:"name" example:"checkout-redesign"`
	Description string             `json:"description,omitempty"`
	Settings    types.RoomSettings `json:"settings,omitempty"`
}

// AddMemberRequest 添加成员请求（仅房主）
type AddMemberRequest struct {
	UserID string           `json:"user_id" example:"user-2"`
	Role   types.MemberRole `json:"role,omitempty" example:"participant"`
}

// =============================================================================
// 任务
// =============================================================================

// CreateTaskRequest 创建任务请求
type CreateTaskRequest = types.TaskSpec

// FeedbackRequest 需求确认反馈
type FeedbackRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

// TaskDetail 任务及其步骤账本与评估记录
type TaskDetail struct {
	Task        *types.Task         `json:"task"`
	Steps       []*types.Step       `json:"steps"`
	Evaluations []*types.Evaluation `json:"evaluations"`
}

// ListTasksResponse 任务列表
type ListTasksResponse struct {
	Tasks  []*types.Task `json:"tasks"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ListMessagesResponse 房间消息日志
type ListMessagesResponse struct {
	Messages []*types.Message `json:"messages"`
}
