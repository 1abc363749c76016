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

package mpu_test

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	mpu "gitee.com/ivfzhou/multipart-upload"
	"gitee.com/ivfzhou/multipart-upload/mputest"
)

type mockTransport struct {
	fn func(*http.Request) (*http.Response, error)
}

// 按概率失败的分片传输，失败时不发出请求。
type flakyPartUploader struct {
	next     mpu.PartUploader
	rate     float64
	mu       sync.Mutex
	rand     *rand.Rand
	failures atomic.Int64
	calls    atomic.Int64
}

// 按位置读取的字节源，可以注入读取错误或修改大小。
type mockSource struct {
	data    []byte
	size    atomic.Int64
	readErr error
	reads   atomic.Int64
	closed  atomic.Bool
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func MakeBytesWithSize(n int) []byte {
	data := make([]byte, n)
	n, err := crand.Read(data)
	if err != nil || n != len(data) {
		panic("rand.Read fail")
	}
	return data
}

func MockHttpClient(fn func(*http.Request) (*http.Response, error)) *http.Client {
	return &http.Client{
		Transport: &mockTransport{
			fn: fn,
		},
	}
}

// NewTestConfig 重试间隔很短的配置。
func NewTestConfig() mpu.Config {
	cfg := mpu.DefaultConfig()
	cfg.PartSize = mpu.ByteSize(mpu.MinPartSize)
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.FinalizePollInterval = time.Millisecond
	cfg.FinalizeMaxPollInterval = 5 * time.Millisecond
	cfg.FinalizeTimeout = 10 * time.Second
	return cfg
}

func NewTestClient(s *mputest.Server) mpu.Api {
	return mpu.NewClient(s.URL, mpu.WithLogger(discardLogger))
}

func NewFlakyPartUploader(rate float64, seed int64) *flakyPartUploader {
	return &flakyPartUploader{
		next: mpu.NewHttpPartUploader(nil),
		rate: rate,
		rand: rand.New(rand.NewSource(seed)),
	}
}

func NewMockSource(data []byte, readErr error) *mockSource {
	s := &mockSource{data: data, readErr: readErr}
	s.size.Store(int64(len(data)))
	return s
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.fn(req)
}

func (u *flakyPartUploader) UploadPart(ctx context.Context, target *mpu.PartURL, content []byte) (string, error) {
	u.calls.Add(1)
	u.mu.Lock()
	fail := u.rand.Float64() < u.rate
	u.mu.Unlock()
	if fail {
		u.failures.Add(1)
		return "", fmt.Errorf("%w: injected failure for part %d", mpu.ErrRetryableTransfer, target.PartNumber)
	}
	return u.next.UploadPart(ctx, target, content)
}

func (s *mockSource) Size() (int64, error) {
	return s.size.Load(), nil
}

func (s *mockSource) ReadAt(p []byte, off int64) (int, error) {
	s.reads.Add(1)
	if s.readErr != nil {
		return 0, s.readErr
	}
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *mockSource) Close() error {
	s.closed.Store(true)
	return nil
}
