// Package options 定义各配置段共同遵循的约定：每段选项都能注册 flag 并自我校验。
// flag 名按 "<前缀>.<配置段>.<字段>" 组织，与 YAML 配置文件的层级一致，
// 例如 cache.redis.addr 对应 cache: { redis: { addr: ... } }。
package options

import (
	"strings"

	"github.com/spf13/pflag"
)

// IOptions 由每个配置段实现。
type IOptions interface {
	// Validate 返回全部校验错误，调用方负责聚合。
	Validate() []error

	// AddFlags 在 fs 上注册本段 flag，prefixes 为外层配置段的路径。
	AddFlags(fs *pflag.FlagSet, prefixes ...string)
}

// Join 用 "." 连接非空前缀并补上结尾的 "."，没有前缀时返回空串。
func Join(prefixes ...string) string {
	var b strings.Builder
	for _, p := range prefixes {
		p = strings.Trim(p, ".")
		if p == "" {
			continue
		}
		b.WriteString(p)
		b.WriteByte('.')
	}
	return b.String()
}

// Section 返回配置段 section 下 flag 名的公共前缀，例如
// Section("redis", "cache") == "cache.redis."。
func Section(section string, prefixes ...string) string {
	return Join(append(prefixes[:len(prefixes):len(prefixes)], section)...)
}
