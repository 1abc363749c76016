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
	"io"
	"net/http"
	"sync"
)

var (
	requestPool = sync.Pool{New: func() any {
		return &http.Request{
			ProtoMajor: 1,
			ProtoMinor: 1,
		}
	}}
	bytesPools sync.Map // 分片大小 -> *sync.Pool。
)

// 获取请求体。
func getRequest() *http.Request {
	return requestPool.Get().(*http.Request)
}

// 回收请求体。
func rollbackRequest(req *http.Request) {
	if req != nil {
		req.Method = ""
		req.URL = nil
		req.Proto = ""
		req.Header = nil
		req.Body = nil
		req.GetBody = nil
		req.ContentLength = 0
		req.TransferEncoding = nil
		req.Close = false
		req.Host = ""
		req.Form = nil
		req.PostForm = nil
		req.MultipartForm = nil
		req.Trailer = nil
		req.RemoteAddr = ""
		req.RequestURI = ""
		req.TLS = nil
		req.Cancel = nil
		req.Response = nil
		req.Pattern = ""
		requestPool.Put(req)
	}
}

// 获取长度为 size 的字节数组，同一分片大小的数组会被复用。
func makeBytes(size int64) []byte {
	pool, _ := bytesPools.LoadOrStore(size, &sync.Pool{New: func() any { return make([]byte, size) }})
	return pool.(*sync.Pool).Get().([]byte)[:size]
}

// 回收字节数组。
func rollbackBytes(data []byte) {
	if pool, ok := bytesPools.Load(int64(cap(data))); ok {
		pool.(*sync.Pool).Put(data[:cap(data)])
	}
}

// 读取响应体并关闭。
func readAndClose(rsp *http.Response) []byte {
	if rsp != nil && rsp.Body != nil {
		bs, _ := io.ReadAll(rsp.Body)
		closeRsp(rsp)
		return bs
	}
	return nil
}

// 关闭 HTTP 响应对象的响应体。
func closeRsp(r *http.Response) {
	if r != nil && r.Body != nil {
		_ = r.Body.Close()
	}
}
