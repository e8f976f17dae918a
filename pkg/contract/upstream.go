package contract

// UpstreamError 承载模型服务 HTTP 错误的最小诊断信息，
// 便于 pipeline 判定重试并记录结构化日志字段。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}
