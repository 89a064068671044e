package middleware

import (
	"github.com/spf13/pflag"

	"github.com/kart-io/sentinel-rag/pkg/options"
)

// RecoveryOptions defines recovery middleware options.
type RecoveryOptions struct {
	// EnableStackTrace 在日志中输出堆栈。响应中从不包含堆栈。
	EnableStackTrace bool `json:"enable-stack-trace" mapstructure:"enable-stack-trace"`
}

// NewRecoveryOptions creates default recovery options.
func NewRecoveryOptions() *RecoveryOptions {
	return &RecoveryOptions{EnableStackTrace: true}
}

// AddFlags adds flags for recovery options to the specified FlagSet.
func (o *RecoveryOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.EnableStackTrace, options.Join(prefixes...)+"middleware.recovery.enable-stack-trace", o.EnableStackTrace, "Log the stack trace of recovered panics.")
}
