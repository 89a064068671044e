// Package tokenizer 基于 tiktoken 提供 token 计数和切分。
package tokenizer

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding 默认编码，与 OpenAI 的 embedding 模型一致。
const DefaultEncoding = "cl100k_base"

// Tokenizer 包装 tiktoken 编码器。
type Tokenizer struct {
	encoding *tiktoken.Tiktoken
}

// New 加载指定编码。首次调用会下载 BPE 文件，可通过 TIKTOKEN_CACHE_DIR 指定缓存目录。
func New(encoding string) (*Tokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding %s: %w", encoding, err)
	}
	return &Tokenizer{encoding: enc}, nil
}

// Count 返回文本的 token 数。
func (t *Tokenizer) Count(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// Spans 返回每个 token 在 text 中的字节区间 [start, end)。
// 跨越多字节字符的 token 会合并到字符边界，保证每个区间都能安全切片。
func (t *Tokenizer) Spans(text string) [][2]int {
	tokens := t.encoding.Encode(text, nil, nil)
	spans := make([][2]int, 0, len(tokens))

	start, pos := 0, 0
	for _, tok := range tokens {
		pos += len(t.encoding.Decode([]int{tok}))
		if pos > len(text) {
			pos = len(text)
		}
		if pos < len(text) && !utf8.RuneStart(text[pos]) {
			continue
		}
		if pos > start {
			spans = append(spans, [2]int{start, pos})
			start = pos
		}
	}
	if start < len(text) {
		spans = append(spans, [2]int{start, len(text)})
	}
	return spans
}
