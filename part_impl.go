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
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// 提前这么久视为链接过期，避免请求途中过期。
const urlExpirySkew = 5 * time.Second

type httpPartUploader struct {
	*baseImpl
}

type partErrorKind int

const (
	partErrorFatal partErrorKind = iota
	partErrorRetryable
	partErrorRefreshURL
)

// UploadPart 将 content 上传到 target，返回服务端的分片标签。
func (u *httpPartUploader) UploadPart(ctx context.Context, target *PartURL, content []byte) (string, error) {
	uu, err := url.Parse(target.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPartURLExpired, err)
	}

	// 生成请求体。
	sum := md5.Sum(content)
	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
	req := u.genReqForURL(http.MethodPut, uu, header, content)

	// 发送 HTTP 请求。
	rsp, err := u.sendHttp(ctx, req)
	if err != nil {
		return "", classifyStatus(err)
	}
	_, _ = io.Copy(io.Discard, rsp.Body)
	closeRsp(rsp)

	// 分片标签由服务端决定，内容是否一致由服务端按 Content-MD5 校验。
	entityTag := strings.Trim(strings.TrimPrefix(rsp.Header.Get("ETag"), "W/"), `"`)
	if len(entityTag) <= 0 {
		return "", fmt.Errorf("part %d: response carries no entity tag", target.PartNumber)
	}

	return entityTag, nil
}

// 按响应码给传输错误归类。
func classifyStatus(err error) error {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	switch code := statusErr.Code; {
	case code >= 500, code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %w", ErrRetryableTransfer, err)
	case code == http.StatusForbidden, code == http.StatusNotFound, code == http.StatusGone:
		return fmt.Errorf("%w: %w", ErrPartURLExpired, err)
	case code == http.StatusConflict, code == http.StatusBadRequest && strings.Contains(statusErr.Body, "BadDigest"):
		return fmt.Errorf("%w: %w", ErrPartRejected, err)
	default:
		return err
	}
}

// 判断分片失败后该如何处理。
func classifyPartError(err error) partErrorKind {
	switch {
	case errors.Is(err, ErrSourceUnavailable):
		return partErrorFatal
	case errors.Is(err, ErrPartURLExpired), errors.Is(err, ErrPartRejected):
		return partErrorRefreshURL
	case errors.Is(err, ErrRetryableTransfer):
		return partErrorRetryable
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return partErrorRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return partErrorRetryable
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return partErrorRetryable
	}
	return partErrorFatal
}

// 链接是否已经或即将过期。
func (u *PartURL) expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && !now.Add(urlExpirySkew).Before(u.ExpiresAt)
}
