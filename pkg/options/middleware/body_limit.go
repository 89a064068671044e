package middleware

import (
	"errors"

	"github.com/spf13/pflag"

	"github.com/kart-io/sentinel-rag/pkg/options"
)

// BodyLimitOptions 定义请求体大小限制中间件的配置选项。
type BodyLimitOptions struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// MaxSize 最大请求体大小（字节）。
	MaxSize int64 `json:"max-size" mapstructure:"max-size"`

	// SkipPaths 跳过检查的精确路径列表，上传接口有自己的限制。
	SkipPaths []string `json:"skip-paths" mapstructure:"skip-paths"`
}

// NewBodyLimitOptions 创建默认的 BodyLimit 中间件配置。
func NewBodyLimitOptions() *BodyLimitOptions {
	return &BodyLimitOptions{
		Enabled:   true,
		MaxSize:   1 << 20, // 1MB
		SkipPaths: []string{"/v1/rag/documents"},
	}
}

// AddFlags 添加 BodyLimit 配置的命令行标志。
func (o *BodyLimitOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, options.Join(prefixes...)+"middleware.body-limit.enabled", o.Enabled, "Enable request body size limit.")
	fs.Int64Var(&o.MaxSize, options.Join(prefixes...)+"middleware.body-limit.max-size", o.MaxSize, "Maximum request body size in bytes.")
	fs.StringSliceVar(&o.SkipPaths, options.Join(prefixes...)+"middleware.body-limit.skip-paths", o.SkipPaths, "Skip paths for body limit middleware.")
}

// Validate 验证 BodyLimit 配置的有效性。
func (o *BodyLimitOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}
	if o.MaxSize <= 0 {
		return []error{errors.New("body-limit: max-size must be greater than 0")}
	}
	return nil
}
