// 版权所有 2024 Rehydrate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供运维端点服务器，暴露 Prometheus 指标、健康检查
与引擎运行快照，支持非阻塞启动与优雅关闭。

# 概述

本包通过 Ops 封装 net/http.Server，内置 /metrics（Prometheus）、
/healthz 与可选的 /stats 路由，统一管理监听、服务、关闭与错误
传播流程，适用于生产环境的优雅停机需求。

# 核心类型

  - Ops：运维服务器，持有 http.Server、net.Listener 与异步错误
    通道，提供 Start/Shutdown 等生命周期方法。
  - Config：服务器配置，包含监听端口、请求头读取超时与优雅
    关闭超时。
  - StatsFunc：引擎快照回调，/stats 端点将其返回值序列化为 JSON。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务，主线程不阻塞。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空与连接释放。
  - 错误传播：Errors() 返回异步错误通道，供调用方监控服务异常。
  - 状态查询：IsRunning/Addr 提供运行状态与实际监听地址查询。
*/
package server
