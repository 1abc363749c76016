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
	"time"
)

// SessionStatus 分片会话状态。
type SessionStatus string

const (
	SessionInitiated       SessionStatus = "initiated"
	SessionPartsInProgress SessionStatus = "parts-in-progress"
	SessionCompleting      SessionStatus = "completing"
	SessionCompleted       SessionStatus = "completed"
	SessionAborted         SessionStatus = "aborted"
)

// SessionRequest 创建分片会话的参数。
type SessionRequest struct {
	// ContentName 对象名称。
	ContentName string `json:"contentName"`
	// ContentType 对象内容类型。
	ContentType string `json:"contentType"`
	// TotalLength 对象大小。
	TotalLength int64 `json:"totalLength"`
	// PartSize 分片大小。
	PartSize int64 `json:"partSize"`
	// NumberOfParts 分片数量。
	NumberOfParts int `json:"numberOfParts"`
}

// SessionState 服务端记录的分片会话状态。
type SessionState struct {
	SessionID         string        `json:"sessionId"`
	Status            SessionStatus `json:"status"`
	TotalLength       int64         `json:"totalLength"`
	NumberOfParts     int           `json:"numberOfParts"`
	AcknowledgedParts []int         `json:"acknowledgedParts,omitempty"`
	MissingParts      []int         `json:"missingParts,omitempty"`
	ObjectHandle      string        `json:"objectHandle,omitempty"`
}

// CompletedUpload 合并完成的对象。
type CompletedUpload struct {
	// Handle 对象句柄。
	Handle string
	// SessionID 分片会话 ID。
	SessionID string
	// Size 对象大小。
	Size int64
	// Parts 分片数量。
	Parts int
	// ContentType 对象内容类型。
	ContentType string
	// Elapsed 上传耗时。
	Elapsed time.Duration
}

type SessionManager interface {
	// InitiateSession 创建分片会话。
	InitiateSession(ctx context.Context, req *SessionRequest) (sessionId string, err error)

	// GetUploadURLs 获取分片上传链接，数量超过 MaxURLBatchSize 时分多次请求。
	GetUploadURLs(ctx context.Context, sessionId string, partNumbers []int) (map[int]*PartURL, error)

	// AcknowledgePart 确认分片上传成功。重复确认同一分片不会出错。
	AcknowledgePart(ctx context.Context, sessionId string, partNumber int, entityTag string) error

	// FinalizeSession 请求服务端合并分片，服务端异步合并时轮询直到完成。cfg 为空时使用默认配置。
	FinalizeSession(ctx context.Context, sessionId string, cfg *Config) (*CompletedUpload, error)

	// AbortSession 丢弃分片会话。
	AbortSession(ctx context.Context, sessionId string) error

	// SessionStatus 查询分片会话状态。
	SessionStatus(ctx context.Context, sessionId string) (*SessionState, error)
}
