package prompt

import "artiflow/pkg/contract"

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// EstimatePrompt 估算一次请求的输入 token（用于速率门的 TPM 预扣）。
// 未知载荷返回 0。
func EstimatePrompt(p contract.Prompt, est contract.TokenEstimator) int {
	if est == nil {
		return 0
	}
	switch v := p.(type) {
	case contract.TextPrompt:
		return est(string(v))
	case contract.ChatPrompt:
		n := 0
		for _, m := range v {
			// 每条消息的角色与分隔开销按 4 token 计
			n += est(m.Content) + 4
		}
		return n
	}
	return 0
}

// RequestTokens 给出 (输入估算 + 预期输出上限) 的总预扣量。
func RequestTokens(p contract.Prompt, bytesPerToken, maxOutputTokens int) int {
	n := EstimatePrompt(p, MakeEstimator(bytesPerToken))
	if maxOutputTokens > 0 {
		n += maxOutputTokens
	}
	return n
}
