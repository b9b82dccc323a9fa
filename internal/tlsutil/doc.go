// Package tlsutil 提供集中式 TLS 配置，
// 供生成服务 HTTP 客户端与 Redis 广播连接使用（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
