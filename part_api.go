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
	"net/http"
	"time"
)

// PartStatus 分片状态。
type PartStatus string

const (
	PartPending         PartStatus = "pending"
	PartUploading       PartStatus = "uploading"
	PartSucceeded       PartStatus = "succeeded"
	PartFailedRetryable PartStatus = "failed-retryable"
	PartFailedFatal     PartStatus = "failed-fatal"
)

// PartURL 分片上传链接，只能使用一次，过期后需要重新获取。
type PartURL struct {
	// PartNumber 分片序号。
	PartNumber int
	// URL 上传地址。
	URL string
	// ExpiresAt 过期时间，零值表示未知。
	ExpiresAt time.Time
}

// PartOutcome 分片上传结果，只由负责该分片的协程修改。
type PartOutcome struct {
	// PartNumber 分片序号。
	PartNumber int
	// Status 分片状态。
	Status PartStatus
	// Attempts 已尝试的次数。
	Attempts int
	// EntityTag 服务端返回的分片标签。
	EntityTag string
	// Err 最后一次失败的原因。
	Err error
}

// PartUploader 执行一次分片传输。
//
// 返回的错误包装 ErrRetryableTransfer 时会重试，包装 ErrPartURLExpired 或 ErrPartRejected 时会获取新的上传链接后重试，
// 网络层错误同样会被重试，其他错误使分片立即失败。
type PartUploader interface {
	// UploadPart 将 content 上传到 target，返回服务端的分片标签。
	UploadPart(ctx context.Context, target *PartURL, content []byte) (entityTag string, err error)
}

// NewHttpPartUploader 使用 HTTP PUT 上传分片。client 为空时使用 http.DefaultClient。
func NewHttpPartUploader(client *http.Client) PartUploader {
	return &httpPartUploader{&baseImpl{options: options{client: client}}}
}
