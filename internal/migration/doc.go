/*
包 migration 提供数据库 Schema 迁移管理能力，支持 PostgreSQL、
MySQL 与 SQLite 三种数据库，基于 golang-migrate 实现。

SQL 迁移文件通过 embed.FS 内嵌，按方言分目录存放。迁移器既可自行
打开连接（DatabaseURL），也可复用已有的 *sql.DB（Config.DB）。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/Steps/Force/Version/Status/Info。
  - CLI：面向终端的格式化输出，供 agentroom migrate 子命令使用。
*/
package migration
