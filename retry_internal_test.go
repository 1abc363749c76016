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
	"io"
	"net/http"
	"testing"
	"time"
)

func TestRetryPolicy(t *testing.T) {
	t.Run("退避时间", func(t *testing.T) {
		p := &retryPolicy{maxRetries: 3, baseDelay: 500 * time.Millisecond, maxDelay: 3 * time.Second}
		want := []time.Duration{0, 500 * time.Millisecond, time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
		for attempt, d := range want {
			if got := p.delay(attempt); got != d {
				t.Errorf("unexpected delay: attempt %d, want %v, got %v", attempt, d, got)
			}
		}
		if !p.allow(3) || p.allow(4) {
			t.Errorf("unexpected allow: max retries is 3")
		}
	})

	t.Run("上下文终止", func(t *testing.T) {
		p := &retryPolicy{maxRetries: 1, baseDelay: time.Hour, maxDelay: time.Hour}
		ctx, cancel := context.WithCancelCause(context.Background())
		expectedErr := errors.New("expected error")
		cancel(expectedErr)
		if err := p.wait(ctx, 1); !errors.Is(err, expectedErr) {
			t.Errorf("unexpected error: want %v, got %v", expectedErr, err)
		}
	})
}

func TestClassifyPartError(t *testing.T) {
	statusErr := func(code int, body string) error {
		return classifyStatus(&StatusError{Code: code, Body: body})
	}
	cases := []struct {
		err  error
		want partErrorKind
	}{
		{statusErr(http.StatusInternalServerError, ""), partErrorRetryable},
		{statusErr(http.StatusTooManyRequests, ""), partErrorRetryable},
		{statusErr(http.StatusRequestTimeout, ""), partErrorRetryable},
		{statusErr(http.StatusForbidden, ""), partErrorRefreshURL},
		{statusErr(http.StatusGone, ""), partErrorRefreshURL},
		{statusErr(http.StatusConflict, ""), partErrorRefreshURL},
		{statusErr(http.StatusBadRequest, `{"code":"BadDigest"}`), partErrorRefreshURL},
		{statusErr(http.StatusBadRequest, `{"code":"InvalidArgument"}`), partErrorFatal},
		{fmt.Errorf("%w: short read", ErrSourceUnavailable), partErrorFatal},
		{fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), partErrorRetryable},
		{errors.New("unknown"), partErrorFatal},
	}
	for i, v := range cases {
		if got := classifyPartError(v.err); got != v.want {
			t.Errorf("unexpected kind: case %d %v, want %v, got %v", i, v.err, v.want, got)
		}
	}
}

func TestUploadSessionTransition(t *testing.T) {
	t.Run("正常运行", func(t *testing.T) {
		s := &uploadSession{id: "abc", status: SessionInitiated, acked: map[int]string{}}
		for _, to := range []SessionStatus{SessionPartsInProgress, SessionPartsInProgress, SessionCompleting,
			SessionCompleted} {
			if err := s.transition(to); err != nil {
				t.Fatalf("unexpected error: want nil, got %v", err)
			}
		}
		if s.state() != SessionCompleted {
			t.Errorf("unexpected status: want %v, got %v", SessionCompleted, s.state())
		}
		if err := s.transition(SessionAborted); err == nil {
			t.Errorf("unexpected error: completed session must not be aborted")
		}
	})

	t.Run("丢弃后不能继续", func(t *testing.T) {
		s := &uploadSession{id: "abc", status: SessionPartsInProgress, acked: map[int]string{}}
		if err := s.transition(SessionAborted); err != nil {
			t.Fatalf("unexpected error: want nil, got %v", err)
		}
		for _, to := range []SessionStatus{SessionPartsInProgress, SessionCompleting, SessionAborted} {
			if err := s.transition(to); !errors.Is(err, ErrSessionAborted) {
				t.Errorf("unexpected error: want %v, got %v", ErrSessionAborted, err)
			}
		}
	})

	t.Run("未上传分片不能合并", func(t *testing.T) {
		s := &uploadSession{id: "abc", status: SessionInitiated, acked: map[int]string{}}
		if err := s.transition(SessionCompleting); err == nil {
			t.Errorf("unexpected error: want error, got nil")
		}
	})
}
