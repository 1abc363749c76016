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
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration 分片大小、并发数等配置不合法，在任何网络请求前返回。
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrSourceUnavailable 数据源不可读，或在规划分片后大小发生了变化。
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrRetryableTransfer 分片传输的临时失败，可以重试。
	ErrRetryableTransfer = errors.New("retryable transfer error")
	// ErrPartURLExpired 分片上传链接过期或无效，需要获取新链接后重试。
	ErrPartURLExpired = errors.New("part upload url expired or invalid")
	// ErrPartRejected 服务端因内容校验不一致拒绝了分片，需要获取新链接后重试。
	ErrPartRejected = errors.New("part rejected for content mismatch")
	// ErrPartFatal 分片耗尽重试次数或遇到不可重试的错误。
	ErrPartFatal = errors.New("part upload failed")
	// ErrSessionInit 服务端拒绝创建分片会话。
	ErrSessionInit = errors.New("session init failed")
	// ErrIncompleteParts 合并时服务端报告仍有分片缺失。
	ErrIncompleteParts = errors.New("incomplete parts")
	// ErrFinalizationTimeout 服务端在限定时间内没有完成合并。
	ErrFinalizationTimeout = errors.New("finalization timeout")
	// ErrSessionAborted 分片会话已被丢弃。
	ErrSessionAborted = errors.New("session aborted")
)

// PartError 分片的最终失败。
type PartError struct {
	// PartNumber 分片序号。
	PartNumber int
	// Attempts 已尝试的次数。
	Attempts int
	// Err 最后一次失败的原因。
	Err error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("part %d failed after %d attempts: %v", e.PartNumber, e.Attempts, e.Err)
}

func (e *PartError) Unwrap() []error {
	return []error{ErrPartFatal, e.Err}
}

// StatusError 远程服务返回了非成功的响应码。
type StatusError struct {
	Code   int
	Method string
	Path   string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status code is %d, method is %v, reqPath is %v, rspBody is %s",
		e.Code, e.Method, e.Path, e.Body)
}
