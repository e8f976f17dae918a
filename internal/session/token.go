package session

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"artiflow/internal/builder"
	"artiflow/internal/scanner"
	"artiflow/pkg/contract"
)

const tokenVersion = 1

type tokenState struct {
	Version     int                   `json:"v"`
	Session     string                `json:"session"`
	Seq         int                   `json:"seq"`
	Scanner     scanner.State         `json:"scanner"`
	Builder     builder.State         `json:"builder"`
	Tail        string                `json:"tail"`
	Diagnostics []contract.Diagnostic `json:"diagnostics,omitempty"`
}

// Token: ContinuationToken。对调用方不透明，只能原样编码、保存与交回。
type Token struct {
	st tokenState
}

// ID 返回所属会话标识，用作持久化键。
func (t *Token) ID() string { return t.st.Session }

// MarshalText 编码为 URL 安全的文本。
func (t *Token) MarshalText() ([]byte, error) {
	raw, err := json.Marshal(t.st)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.RawURLEncoding.EncodedLen(len(raw)))
	base64.RawURLEncoding.Encode(out, raw)
	return out, nil
}

// UnmarshalText 解码 MarshalText 的输出。
func (t *Token) UnmarshalText(b []byte) error {
	raw := make([]byte, base64.RawURLEncoding.DecodedLen(len(b)))
	n, err := base64.RawURLEncoding.Decode(raw, bytes.TrimSpace(b))
	if err != nil {
		return fmt.Errorf("%w: %v", contract.ErrTokenInvalid, err)
	}
	var st tokenState
	dec := json.NewDecoder(bytes.NewReader(raw[:n]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&st); err != nil {
		return fmt.Errorf("%w: %v", contract.ErrTokenInvalid, err)
	}
	if st.Version != tokenVersion {
		return fmt.Errorf("%w: version %d", contract.ErrTokenInvalid, st.Version)
	}
	if st.Builder.Artifact == nil {
		return fmt.Errorf("%w: no open artifact", contract.ErrTokenInvalid)
	}
	t.st = st
	return nil
}

// String 返回编码文本；编码失败时返回空串。
func (t *Token) String() string {
	b, err := t.MarshalText()
	if err != nil {
		return ""
	}
	return string(b)
}

// ParseToken 解码文本形式的 Token。
func ParseToken(s string) (*Token, error) {
	t := &Token{}
	if err := t.UnmarshalText([]byte(s)); err != nil {
		return nil, err
	}
	return t, nil
}
