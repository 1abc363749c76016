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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	gu "gitee.com/ivfzhou/goroutine-util"
)

// 丢弃会话的最长等待时间。
const abortTimeout = 30 * time.Second

// 兄弟分片失败后，其余分片不再发起新的尝试。
var errTransferStopped = errors.New("transfer stopped")

type uploadImpl struct {
	*baseImpl
	sessions     *sessionImpl
	partUploader PartUploader
}

// 一次上传的执行过程。
type transfer struct {
	*uploadImpl
	req      *UploadRequest
	cfg      *Config
	sess     *uploadSession
	parts    []*PartDescriptor
	outcomes []*PartOutcome
	policy   *retryPolicy
	partSize int64
	logger   *slog.Logger

	fatalOnce     sync.Once
	fatal         gu.AtomicError
	uploadedBytes atomic.Int64
	uploadedParts atomic.Int64
}

// Upload 分片上传字节源，返回合并后的对象。
func (c *uploadImpl) Upload(ctx context.Context, req *UploadRequest) (*CompletedUpload, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: upload request is nil", ErrInvalidConfiguration)
	}
	start := time.Now()

	// 校验配置，规划分片。
	cfg := req.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	partSize := int64(cfg.PartSize)
	if partSize <= 0 {
		partSize = SuitablePartSize(req.length, int64(DefaultConfig().PartSize))
	}
	parts, err := Plan(req.length, partSize)
	if err != nil {
		return nil, err
	}
	contentType := req.contentType
	if len(contentType) <= 0 {
		contentType = detectContentType(req.source, req.length)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	// 创建分片会话。
	sess, err := c.sessions.initiate(ctx, &SessionRequest{
		ContentName:   req.name,
		ContentType:   contentType,
		TotalLength:   req.length,
		PartSize:      partSize,
		NumberOfParts: len(parts),
	}, &cfg)
	if err != nil {
		return nil, err
	}

	t := &transfer{
		uploadImpl: c,
		req:        req,
		cfg:        &cfg,
		sess:       sess,
		parts:      parts,
		outcomes:   make([]*PartOutcome, len(parts)),
		policy:     newRetryPolicy(&cfg),
		partSize:   partSize,
		logger:     sess.logger,
	}
	for i, v := range parts {
		t.outcomes[i] = &PartOutcome{PartNumber: v.Number, Status: PartPending}
	}

	// 上传分片，出错就丢弃会话。
	if err = t.run(ctx); err == nil {
		err = t.checkAllSucceeded()
	}
	if err != nil {
		t.abort(ctx)
		return nil, err
	}

	// 合并分片，结束上传。
	result, err := sess.finalize(ctx)
	if err != nil {
		t.abort(ctx)
		return nil, err
	}
	result.Size = req.length
	result.Parts = len(parts)
	result.ContentType = contentType
	result.Elapsed = time.Since(start)

	return result, nil
}

// UploadFile 上传磁盘文件，对象名称取文件名。
func (c *uploadImpl) UploadFile(ctx context.Context, filePath string, cfg Config) (*CompletedUpload, error) {
	src, err := NewFileSource(filePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			c.logger.Warn("close source failed", "path", filePath, "error", err)
		}
	}()

	req, err := NewUploadRequest(filepath.Base(filePath), "", src, cfg)
	if err != nil {
		return nil, err
	}
	return c.Upload(ctx, req)
}

// UploadBytes 上传内存数据。
func (c *uploadImpl) UploadBytes(ctx context.Context, name string, content []byte, cfg Config) (
	*CompletedUpload, error) {

	req, err := NewUploadRequest(name, "", NewBytesSource(content), cfg)
	if err != nil {
		return nil, err
	}
	return c.Upload(ctx, req)
}

// UploadString 上传文本，按 UTF-8 编码。
func (c *uploadImpl) UploadString(ctx context.Context, name, text string, cfg Config) (*CompletedUpload, error) {
	req, err := NewUploadRequest(name, "text/plain; charset=utf-8", NewStringSource(text), cfg)
	if err != nil {
		return nil, err
	}
	return c.Upload(ctx, req)
}

// 上传所有分片。
func (t *transfer) run(ctx context.Context) error {
	if t.cfg.sequential() {
		return t.runSequential(ctx)
	}
	return t.runConcurrent(ctx)
}

// 按序号逐个上传分片。
func (t *transfer) runSequential(ctx context.Context) error {
	for batch := range slices.Chunk(t.parts, t.cfg.URLBatchSize) {
		if err := context.Cause(ctx); err != nil {
			return err
		}
		urls, err := t.sess.uploadURLs(ctx, batch)
		if err != nil {
			return err
		}
		for _, part := range batch {
			if err = t.uploadPart(ctx, part, urls[part.Number]); err != nil {
				t.setFatal(err)
				return t.fatal.Get()
			}
		}
	}
	return nil
}

// 并发上传分片。每个协程完成一个分片的所有尝试后再领取下一个分片。
func (t *transfer) runConcurrent(ctx context.Context) error {
	type data struct {
		part *PartDescriptor
		url  *PartURL
	}
	run, wait := gu.NewRunner(ctx, t.cfg.MaxWorkers, func(ctx context.Context, d *data) error {
		if err := t.uploadPart(ctx, d.part, d.url); err != nil {
			t.setFatal(err)
		}
		return nil // 失败记录在 t.fatal，不让协程池中断正在传输的分片。
	})

	// 分批获取上传链接并派发分片。
dispatch:
	for batch := range slices.Chunk(t.parts, t.cfg.URLBatchSize) {
		if t.fatal.Get() != nil || ctx.Err() != nil {
			break
		}
		urls, err := t.sess.uploadURLs(ctx, batch)
		if err != nil {
			t.setFatal(err)
			break
		}
		for _, part := range batch {
			if t.fatal.Get() != nil {
				break dispatch
			}
			if err = run(&data{part, urls[part.Number]}, true); err != nil {
				t.setFatal(err)
				break dispatch
			}
		}
	}

	// 等待已派发的分片结束。
	err := wait(false)
	if fatal := t.fatal.Get(); fatal != nil {
		return fatal
	}
	if err != nil {
		return err
	}
	return context.Cause(ctx)
}

// 上传一个分片直到成功或失败，包括重试。
func (t *transfer) uploadPart(ctx context.Context, part *PartDescriptor, target *PartURL) error {
	outcome := t.outcomes[part.Number-1]
	buf := makeBytes(t.partSize)[:part.Length]
	defer rollbackBytes(buf)
	if err := readRange(t.req.source, t.req.length, part.Offset, buf); err != nil {
		return t.failPart(outcome, err)
	}

	entityTag := ""
	for attempt := 1; ; attempt++ {
		if err := t.interrupted(ctx); err != nil {
			outcome.Status = PartFailedFatal
			outcome.Err = err
			return err
		}

		// 链接缺失或过期时重新获取。
		var err error
		if len(entityTag) <= 0 && (target == nil || target.expired(time.Now())) {
			target, err = t.refreshURL(ctx, part)
		}

		// 上传分片，成功后确认。
		outcome.Status = PartUploading
		outcome.Attempts = attempt
		if err == nil && len(entityTag) <= 0 {
			entityTag, err = t.partUploader.UploadPart(ctx, target, buf)
			if err != nil {
				entityTag = ""
			}
		}
		if err == nil {
			if err = t.sess.acknowledge(ctx, part.Number, entityTag); err == nil {
				outcome.Status = PartSucceeded
				outcome.EntityTag = entityTag
				outcome.Err = nil
				t.reportProgress(part)
				return nil
			}
			if !retryableServiceError(err) {
				return t.failPart(outcome, err)
			}
			err = fmt.Errorf("%w: acknowledge: %w", ErrRetryableTransfer, err)
		}

		// 判断是否重试。
		outcome.Err = err
		kind := classifyPartError(err)
		if kind == partErrorFatal || !t.policy.allow(attempt) {
			return t.failPart(outcome, err)
		}
		if kind == partErrorRefreshURL || len(entityTag) <= 0 {
			target = nil // 上传链接只能使用一次，失败的请求可能已经用掉了它。
		}
		outcome.Status = PartFailedRetryable
		t.logger.Debug("part attempt failed, retrying", "part", part.Number, "attempt", attempt,
			"delay", t.policy.delay(attempt), "error", err)
		if err = t.policy.wait(ctx, attempt); err != nil {
			outcome.Status = PartFailedFatal
			outcome.Err = err
			return err
		}
	}
}

// 重新获取一个分片的上传链接。获取失败时按临时失败处理。
func (t *transfer) refreshURL(ctx context.Context, part *PartDescriptor) (*PartURL, error) {
	urls, err := t.sess.uploadURLs(ctx, []*PartDescriptor{part})
	if err != nil {
		if retryableServiceError(err) {
			return nil, fmt.Errorf("%w: refresh upload url: %w", ErrRetryableTransfer, err)
		}
		return nil, fmt.Errorf("refresh upload url: %w", err)
	}
	return urls[part.Number], nil
}

// 分片最终失败。
func (t *transfer) failPart(outcome *PartOutcome, err error) error {
	outcome.Status = PartFailedFatal
	outcome.Err = err
	if errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	t.logger.Warn("part failed", "part", outcome.PartNumber, "attempts", outcome.Attempts, "error", err)
	return &PartError{PartNumber: outcome.PartNumber, Attempts: outcome.Attempts, Err: err}
}

// 上下文终止或有分片已经失败时，不再发起新的尝试。
func (t *transfer) interrupted(ctx context.Context) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	if t.fatal.Get() != nil {
		return errTransferStopped
	}
	return nil
}

// 记录第一个致命错误，之后的错误被丢弃。
func (t *transfer) setFatal(err error) {
	if errors.Is(err, errTransferStopped) {
		return
	}
	recorded := false
	t.fatalOnce.Do(func() {
		t.fatal.Set(err)
		recorded = true
	})
	if !recorded {
		t.logger.Debug("discard subsequent fatal error", "error", err)
	}
}

// 合并前的屏障：所有分片成功且已被确认。
func (t *transfer) checkAllSucceeded() error {
	for _, v := range t.outcomes {
		if v.Status != PartSucceeded {
			return fmt.Errorf("%w: part %d is %s", ErrIncompleteParts, v.PartNumber, v.Status)
		}
	}
	if !t.sess.acknowledgedAll(t.parts) {
		return fmt.Errorf("%w: not every part is acknowledged", ErrIncompleteParts)
	}
	return nil
}

// 丢弃会话，不受调用方上下文终止的影响。
func (t *transfer) abort(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	t.sess.abort(ctx)
}

// 回调上传进度。
func (t *transfer) reportProgress(part *PartDescriptor) {
	bytes := t.uploadedBytes.Add(part.Length)
	parts := t.uploadedParts.Add(1)
	if t.progress == nil {
		return
	}
	t.progress(Progress{
		SessionID:     t.sess.id,
		TotalBytes:    t.req.length,
		UploadedBytes: bytes,
		TotalParts:    len(t.parts),
		UploadedParts: int(parts),
	})
}

// 远程上传服务的错误是否可以重试。
func retryableServiceError(err error) bool {
	err = classifyStatus(err)
	if errors.Is(err, ErrPartURLExpired) || errors.Is(err, ErrPartRejected) {
		return false
	}
	return classifyPartError(err) == partErrorRetryable
}
