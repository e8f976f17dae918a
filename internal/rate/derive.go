package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// 各 client 未显式配置 api_key_env 时读取的环境变量。
var defaultKeyEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
	"gemini": "GOOGLE_API_KEY",
}

// DeriveKey 从 client 名与其原样 Options 中取出凭据，返回 client+sha256(key) 分组键。
// 同一凭据的多个流共享额度；mock/flaky 没有凭据时使用固定占位。
func DeriveKey(client string, raw json.RawMessage) (LimitKey, error) {
	var obj struct {
		APIKey    string `json:"api_key"`
		APIKeyEnv string `json:"api_key_env"`
	}
	if len(raw) > 0 {
		// 只读取凭据字段，其余交由插件严格解码
		_ = json.Unmarshal(raw, &obj)
	}
	key := obj.APIKey
	if key == "" {
		env := obj.APIKeyEnv
		if env == "" {
			env = defaultKeyEnv[client]
		}
		if env != "" {
			key = os.Getenv(env)
		}
	}
	if key == "" {
		switch client {
		case "mock", "flaky":
			key = "MOCK_DEBUG_KEY"
		default:
			return "", fmt.Errorf("rate: missing api key for client %s", client)
		}
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:8])), nil
}
