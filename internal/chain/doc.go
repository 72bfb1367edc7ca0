// Package chain 提供合约组件共享的执行运行时：所有调用经由同一把顺序锁串行提交，
// 每次调用的状态修改都登记撤销日志，任何前置条件失败都会整体回滚；区块高度与时间
// 作为逻辑时钟，资产余额由 Bank 维护，提交后的事件按全局顺序追加到事件日志。
package chain
