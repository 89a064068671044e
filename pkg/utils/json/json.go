// Package json 是服务内统一的 JSON 编解码入口。
// amd64/arm64 上使用 sonic，其余平台回退到 encoding/json，两者输出可互相解析。
package json

import (
	stdjson "encoding/json"
	"io"
	"runtime"

	"github.com/bytedance/sonic"
)

// native 为 true 时使用 sonic 的 JIT 实现。
var native = runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64"

// Encoder writes JSON values to a stream.
type Encoder interface {
	Encode(v any) error
}

// Decoder reads JSON values from a stream.
type Decoder interface {
	Decode(v any) error
}

// Marshal 编码 v。查询响应、缓存条目和供应商请求体都经过这里。
func Marshal(v any) ([]byte, error) {
	if native {
		return sonic.ConfigDefault.Marshal(v)
	}
	return stdjson.Marshal(v)
}

// Unmarshal 解码 data 到 v。
func Unmarshal(data []byte, v any) error {
	if native {
		return sonic.ConfigDefault.Unmarshal(data, v)
	}
	return stdjson.Unmarshal(data, v)
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) Encoder {
	if native {
		return sonic.ConfigDefault.NewEncoder(w)
	}
	return stdjson.NewEncoder(w)
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) Decoder {
	if native {
		return sonic.ConfigDefault.NewDecoder(r)
	}
	return stdjson.NewDecoder(r)
}
