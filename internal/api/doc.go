// Package api 通过 REST 接口暴露托管、金库、执行守卫与注册表合约。
// 读接口公开；写接口要求 EIP-191 签名并按调用者限流。
package api
