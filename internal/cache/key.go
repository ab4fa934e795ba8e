package cache

import (
	"net/url"
	"path"
)

// RequestKey 将请求 URL 规范化为缓存键：清理后的路径 + 按参数名排序的查询串，忽略 fragment。
func RequestKey(u *url.URL) string {
	if u == nil {
		return "/"
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	clean := path.Clean("/" + p)
	// path.Clean 会吞掉目录型 URL 的结尾斜杠，这里保留以区分 /pkg 与 /pkg/。
	if clean != "/" && p[len(p)-1] == '/' {
		clean += "/"
	}
	if u.RawQuery == "" {
		return clean
	}
	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return clean + "?" + u.RawQuery
	}
	if encoded := query.Encode(); encoded != "" {
		return clean + "?" + encoded
	}
	return clean
}
