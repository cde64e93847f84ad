// Package crawlers 管理浏览器会话
//
// # 概述
//
// crawlers包提供有界的浏览器会话池。每个会话是一个独立的浏览器上下文,
// 创建时绑定一个指纹和一个代理,之后在整个生命周期内保持不变。
//
// # 核心组件
//
// ## SessionPool (会话池)
//
// 限制同时使用的会话数不超过容量,复用空闲会话,按请求数和存活时长轮换:
//   - Acquire 等待借出令牌,超过AcquireTimeout返回models.ErrPoolExhausted
//   - Release 归还会话,超限的会话直接退役
//   - Retire 立即关闭会话,退役后的会话不会再被借出
//
// 使用示例:
//
//	pool, err := NewSessionPool(cfg, PoolDeps{Factory: factory, Disguise: manager})
//	defer pool.Close()
//
//	s, err := pool.Acquire(ctx)
//	if err != nil {
//		return err
//	}
//	defer pool.Release(s)
//
// ## RodFactory
//
// 基于go-rod的SessionFactory实现。一个工厂对应一个浏览器进程,
// 每个会话通过TargetCreateBrowserContext获得独立的cookie存储和代理,
// 并注入反检测脚本、设置UA/语言/时区/视口。浏览器连接断开时自动重启一次。
//
// ## ResourceMonitor (资源监控器)
//
// 通过gopsutil采样可用内存和CPU负载:
//   - CalculateMaxTabs 下调会话池容量
//   - CheckResourceAvailability 资源紧张时否决新建会话,调用方改为等待空闲会话
//
// # 测试
//
// Page和SessionFactory都是接口,测试使用内存替身,不需要真实浏览器。
package crawlers
