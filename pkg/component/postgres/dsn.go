package postgres

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// applicationName 出现在 pg_stat_activity 中，用于区分文档目录和向量索引以外的连接。
const applicationName = "sentinel-rag"

// BuildDSN renders opts in libpq keyword/value form, which the GORM postgres
// dialector expects:
//
//	host=localhost port=5432 user=rag password='p w' dbname=rag sslmode=disable application_name=sentinel-rag
//
// Every value goes through quoteValue, so user names and passwords containing
// spaces, quotes or backslashes cannot inject extra keywords.
func BuildDSN(opts *Options) string {
	if opts == nil {
		return ""
	}

	pairs := [][2]string{
		{"host", opts.Host},
		{"port", strconv.Itoa(opts.Port)},
		{"user", opts.Username},
		{"password", opts.Password},
		{"dbname", opts.Database},
		{"sslmode", opts.SSLMode},
		{"application_name", applicationName},
	}

	var b strings.Builder
	for i, kv := range pairs {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(quoteValue(kv[1]))
	}
	return b.String()
}

// BuildURI renders opts as a postgres:// URL for pgxpool.ParseConfig.
// User info and database name are percent-encoded by net/url.
func BuildURI(opts *Options) string {
	if opts == nil {
		return ""
	}

	q := url.Values{}
	if opts.SSLMode != "" {
		q.Set("sslmode", opts.SSLMode)
	}
	q.Set("application_name", applicationName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(opts.Username, opts.Password),
		Host:     net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		Path:     "/" + opts.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// quoteValue 按 libpq 规则处理一个值：空值或含空白、单引号、反斜杠时加单引号，
// 内部的单引号和反斜杠用反斜杠转义。
func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n'\\") {
		return v
	}
	var b strings.Builder
	b.Grow(len(v) + 2)
	b.WriteByte('\'')
	for _, r := range v {
		if r == '\'' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('\'')
	return b.String()
}
