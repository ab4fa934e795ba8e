// Package policy decides which network responses may be written into the asset
// cache. It performs no I/O and keeps no state beyond its immutable rules.
package policy

import (
	"net/http"
	"net/url"
	"strings"
)

// Rules 描述可缓存路径：根路径、目录前缀以及扩展名后缀。
type Rules struct {
	// CacheRoot 为 true 时，精确匹配 "/" 的响应可缓存。
	CacheRoot bool `json:"cache_root"`
	// Prefixes 为打包资源目录等前缀，例如 /pkg/、/symbols/。
	Prefixes []string `json:"prefixes"`
	// Extensions 为脚本/样式/二进制模块等后缀，例如 .js、.css、.wasm。
	Extensions []string `json:"extensions"`
}

// DefaultRules 返回前端构建产物的默认规则。
func DefaultRules() Rules {
	return Rules{
		CacheRoot:  true,
		Prefixes:   []string{"/pkg/", "/symbols/"},
		Extensions: []string{".wasm", ".js", ".css"},
	}
}

// Policy 是 Rules 的不可变快照。
type Policy struct {
	root       bool
	prefixes   []string
	extensions []string
}

// New 复制 rules 并忽略空白项，调用方之后修改 rules 不会影响 Policy。
func New(rules Rules) Policy {
	return Policy{
		root:       rules.CacheRoot,
		prefixes:   compact(rules.Prefixes),
		extensions: compact(rules.Extensions),
	}
}

// IsCacheable 仅当状态码为 200 且路径命中任一规则时返回 true。
func (p Policy) IsCacheable(u *url.URL, status int) bool {
	if status != http.StatusOK || u == nil {
		return false
	}
	return p.MatchPath(u.Path)
}

// MatchPath 只判断路径规则，不考虑状态码。
func (p Policy) MatchPath(path string) bool {
	if path == "" {
		path = "/"
	}
	if p.root && path == "/" {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, ext := range p.extensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// Rules 返回当前规则的副本，供诊断接口输出。
func (p Policy) Rules() Rules {
	return Rules{
		CacheRoot:  p.root,
		Prefixes:   append([]string(nil), p.prefixes...),
		Extensions: append([]string(nil), p.extensions...),
	}
}

func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
