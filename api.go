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

// Package mpu 提供分片上传引擎：将任意大小的字节源切分成固定大小的分片，
// 通过短时有效的分片上传链接逐片上传，容忍并重试单个分片的临时失败，
// 所有分片确认后请求服务端合并成最终对象。
package mpu

import (
	"log/slog"
	"os"
)

var (
	// MinPartSize 服务端允许的最小分片大小。
	MinPartSize int64 = 5 * 1024 * 1024
	// MaxPartSize 服务端允许的最大分片大小。
	MaxPartSize int64 = 5 * 1024 * 1024 * 1024
	// MaxParts 一个分片会话允许的最大分片数量。
	MaxParts = 10000
	// MaxURLBatchSize 一次请求分片上传链接的最大数量。
	MaxURLBatchSize = 1000
)

type Api interface {
	Uploader
	SessionManager
}

// NewClient 创建分片上传客户端。endpoint 是远程上传服务的地址，如 https://upload.example.com/api。
func NewClient(endpoint string, opts ...option) Api {
	c := &baseImpl{endpoint: endpoint}

	// 设置参数。
	for _, v := range opts {
		if v == nil {
			continue
		}
		v(&c.options)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, nil)).With("module", "multipart-upload")
	}

	sessionManager := &sessionImpl{c}
	partUploader := c.partUploader
	if partUploader == nil {
		partUploader = &httpPartUploader{c}
	}
	uploader := &uploadImpl{c, sessionManager, partUploader}

	return &impl{uploader, sessionManager}
}

type impl struct {
	Uploader
	SessionManager
}
