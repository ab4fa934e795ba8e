package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/typeit/sw-cache/internal/lifecycle"
	"github.com/typeit/sw-cache/internal/server"
)

// Upstream 是面向源站的 lifecycle.Network 实现，所有请求共享同一个 http.Client。
type Upstream struct {
	base   *url.URL
	client *http.Client
}

// NewUpstream 解析源站地址；client 为空时使用默认超时的共享 client。
func NewUpstream(rawBase string, client *http.Client) (*Upstream, error) {
	base, err := url.Parse(strings.TrimSpace(rawBase))
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("upstream must be an absolute http(s) URL: %s", rawBase)
	}
	if client == nil {
		client = server.NewUpstreamClient(0)
	}
	return &Upstream{base: base, client: client}, nil
}

// Base 返回源站地址副本。
func (u *Upstream) Base() *url.URL {
	clone := *u.base
	return &clone
}

// Fetch 将请求路径拼接到源站地址后发出，读取完整响应体并剥离 hop-by-hop 头。
func (u *Upstream) Fetch(ctx context.Context, req *lifecycle.Request) (*lifecycle.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("upstream: request url is required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := u.resolve(req.URL)
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		server.CopyHeaders(httpReq.Header, req.Header)
	}
	// 由 Transport 负责压缩协商，缓存中保存解压后的内容。
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Host = target.Host

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &lifecycle.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
	}, nil
}

// resolve 保留源站自身的路径前缀，例如 https://cdn.example/typeit + /pkg/a.js。
func (u *Upstream) resolve(reqURL *url.URL) *url.URL {
	clean := "/"
	if reqURL.Path != "" {
		clean = path.Clean("/" + reqURL.Path)
		if strings.HasSuffix(reqURL.Path, "/") && clean != "/" {
			clean += "/"
		}
	}
	target := *u.base
	target.Path = strings.TrimRight(u.base.Path, "/") + clean
	target.RawPath = ""
	target.RawQuery = reqURL.RawQuery
	target.Fragment = ""
	return &target
}
