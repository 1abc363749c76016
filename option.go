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
	"log/slog"
	"net/http"
)

type options struct {
	client       *http.Client
	logger       *slog.Logger
	authorizer   func(*http.Request)
	partUploader PartUploader
	progress     func(Progress)
}

type option func(*options)

// Progress 上传进度。
type Progress struct {
	// SessionID 分片会话 ID。
	SessionID string
	// TotalBytes 总字节数。
	TotalBytes int64
	// UploadedBytes 已确认的字节数。
	UploadedBytes int64
	// TotalParts 总分片数。
	TotalParts int
	// UploadedParts 已确认的分片数。
	UploadedParts int
}

// WithHttpClient 使用自定义 HTTP 客户端实现。默认使用 http.DefaultClient。
func WithHttpClient(client *http.Client) option {
	return func(o *options) {
		o.client = client
	}
}

// WithLogger 使用自定义日志记录器。默认以文本格式输出到标准错误输出流。
func WithLogger(logger *slog.Logger) option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithAuthorizer 在请求远程上传服务前设置认证信息，不作用于分片上传链接。
func WithAuthorizer(fn func(*http.Request)) option {
	return func(o *options) {
		o.authorizer = fn
	}
}

// WithPartUploader 使用自定义的单次分片传输实现。
func WithPartUploader(uploader PartUploader) option {
	return func(o *options) {
		o.partUploader = uploader
	}
}

// WithProgress 每确认一个分片回调一次。回调可能被并发调用。
func WithProgress(fn func(Progress)) option {
	return func(o *options) {
		o.progress = fn
	}
}
