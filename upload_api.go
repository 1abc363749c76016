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
	"context"
	"fmt"
)

// UploadRequest 一次上传请求，创建后不可修改。
type UploadRequest struct {
	name        string
	contentType string
	source      Source
	length      int64
	config      Config
}

type Uploader interface {
	// Upload 分片上传字节源，返回合并后的对象。
	Upload(ctx context.Context, req *UploadRequest) (*CompletedUpload, error)

	// UploadFile 上传磁盘文件，对象名称取文件名。
	UploadFile(ctx context.Context, filePath string, cfg Config) (*CompletedUpload, error)

	// UploadBytes 上传内存数据。
	UploadBytes(ctx context.Context, name string, content []byte, cfg Config) (*CompletedUpload, error)

	// UploadString 上传文本，按 UTF-8 编码。
	UploadString(ctx context.Context, name, text string, cfg Config) (*CompletedUpload, error)
}

// NewUploadRequest 创建上传请求，此时记录字节源的大小。contentType 为空时根据内容推断。
//
// 注意：调用方负责关闭 src。
func NewUploadRequest(name, contentType string, src Source, cfg Config) (*UploadRequest, error) {
	if len(name) <= 0 {
		return nil, fmt.Errorf("%w: content name is empty", ErrInvalidConfiguration)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: source is nil", ErrSourceUnavailable)
	}
	length, err := src.Size()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	return &UploadRequest{
		name:        name,
		contentType: contentType,
		source:      src,
		length:      length,
		config:      cfg,
	}, nil
}

// Name 对象名称。
func (r *UploadRequest) Name() string { return r.name }

// ContentType 对象内容类型，可能为空。
func (r *UploadRequest) ContentType() string { return r.contentType }

// Length 创建请求时字节源的大小。
func (r *UploadRequest) Length() int64 { return r.length }

// Config 上传配置。
func (r *UploadRequest) Config() Config { return r.config }
