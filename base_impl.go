/*
 * Copyright (c) 2025 ivfzhou
 * multipart-upload is licensed under Mulan PSL v2.
 * You can use this software according to the terms and conditions of the Mulan PSL v2.
 * You may obtain a copy of Mulan PSL v2 at:
 *          http://license.coscl.org.cn/MulanPSL2
 * THIS SOFTWARE IS PROVIDED ON AN "AS IS" BASIS, WITHOUT WARRANTIES OF ANY KIND,
 * EITHER EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO NON-INFRINGEMENT,
 * MERCHANTABILITY OR FIT FOR A PARTICULAR PURPOSE.
 * See the Mulan PSL v2 for more details.
 */

package mpu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

type baseImpl struct {
	endpoint string
	options
}

// 发送 HTTP 请求。
func (c *baseImpl) sendHttp(ctx context.Context, req *http.Request) (rsp *http.Response, err error) {
	defer rollbackRequest(req) // 回收请求体。
	req = req.WithContext(ctx)
	if c.client == nil {
		rsp, err = http.DefaultClient.Do(req)
	} else {
		rsp, err = c.client.Do(req)
	}
	if err != nil {
		return nil, err
	}
	if rsp == nil {
		return nil, errors.New("http response object is nil")
	}

	// 非成功的响应码就返回错误。
	if !(rsp.StatusCode >= 200 && rsp.StatusCode < 300) {
		return nil, &StatusError{
			Code:   rsp.StatusCode,
			Method: req.Method,
			Path:   req.URL.Path,
			Body:   string(readAndClose(rsp)),
		}
	}

	return rsp, nil
}

// 生成请求远程上传服务的 HTTP 请求体。
func (c *baseImpl) genReq(method string, body any, elem ...string) (*http.Request, error) {
	rawUrl, err := url.JoinPath(c.endpoint, elem...)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(rawUrl)
	if err != nil {
		return nil, err
	}

	var content []byte
	header := http.Header{}
	header.Set("Accept", "application/json")
	if body != nil {
		if content, err = json.Marshal(body); err != nil {
			return nil, err
		}
		header.Set("Content-Type", "application/json")
	}

	req := c.genReqForURL(method, u, header, content)
	if c.authorizer != nil {
		c.authorizer(req)
	}

	return req, nil
}

// 生成 HTTP 请求体。
func (c *baseImpl) genReqForURL(method string, u *url.URL, header http.Header, content []byte) *http.Request {
	if header == nil {
		header = http.Header{}
	}
	if len(content) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(content)))
	}

	// 获取请求体，并赋值。
	req := getRequest()
	req.Method = method
	req.URL = u
	req.Header = header
	req.Body = io.NopCloser(bytes.NewReader(content))
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(content)), nil }
	req.ContentLength = int64(len(content))
	req.Host = u.Host

	return req
}

// 调用远程上传服务的 JSON 接口，rspBody 不为空时解析响应体。返回响应码。
func (c *baseImpl) callJSON(ctx context.Context, method string, reqBody, rspBody any, elem ...string) (int, error) {
	req, err := c.genReq(method, reqBody, elem...)
	if err != nil {
		return 0, err
	}

	// 发送 HTTP 请求。
	rsp, err := c.sendHttp(ctx, req)
	if err != nil {
		return 0, err
	}
	defer closeRsp(rsp)

	if rspBody == nil {
		_, _ = io.Copy(io.Discard, rsp.Body)
		return rsp.StatusCode, nil
	}

	// 解析响应体。
	if err = json.NewDecoder(rsp.Body).Decode(rspBody); err != nil {
		return rsp.StatusCode, err
	}

	return rsp.StatusCode, nil
}
