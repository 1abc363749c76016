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

// 分片重试策略，与单次传输解耦。
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newRetryPolicy(cfg *Config) *retryPolicy {
	return &retryPolicy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		maxDelay:   cfg.RetryMaxDelay,
	}
}

// 第 attempt 次失败后，是否还允许再尝试。
func (p *retryPolicy) allow(attempt int) bool {
	return attempt <= p.maxRetries
}

// 第 attempt 次失败后的等待时间：baseDelay 每次翻倍，不超过 maxDelay。
func (p *retryPolicy) delay(attempt int) time.Duration {
	if attempt <= 0 || p.baseDelay <= 0 {
		return 0
	}
	d := p.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.maxDelay {
			return p.maxDelay
		}
	}
	return min(d, p.maxDelay)
}

// 等待重试，上下文终止时立即返回。
func (p *retryPolicy) wait(ctx context.Context, attempt int) error {
	d := p.delay(attempt)
	if d <= 0 {
		return context.Cause(ctx)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
