/*
包 database 提供基于 GORM 的数据库方言选择与连接池管理，支持健康检查、
统计信息采集与事务重试。

# 核心类型

  - Open：根据 config.DatabaseConfig 选择 postgres / mysql / sqlite 方言并建立连接。
  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 健康检查：后台定时 PingContext 探活，Close 时退出。
  - 事务管理：WithTransaction 单次执行，WithTransactionRetry 对死锁、
    序列化失败、sqlite 忙锁等场景做指数退避重试。
*/
package database
