// Package config 提供 agentroom 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（AGENTROOM_ 前缀）的顺序加载，
// 加载完成后统一校验。
package config
