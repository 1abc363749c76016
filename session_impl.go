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
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"
)

type sessionImpl struct {
	*baseImpl
}

// 一次上传中的分片会话，会话状态只由它修改。
type uploadSession struct {
	manager *sessionImpl
	logger  *slog.Logger
	id      string
	cfg     *Config

	mu     sync.Mutex
	status SessionStatus
	acked  map[int]string
}

// InitiateSession 创建分片会话。
func (c *sessionImpl) InitiateSession(ctx context.Context, req *SessionRequest) (string, error) {
	if req == nil || len(req.ContentName) <= 0 {
		return "", fmt.Errorf("%w: content name is empty", ErrSessionInit)
	}

	var rspData struct {
		SessionID string `json:"sessionId"`
	}
	if _, err := c.callJSON(ctx, http.MethodPost, req, &rspData, "multipart-sessions"); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	if len(rspData.SessionID) <= 0 {
		return "", fmt.Errorf("%w: response carries no session id", ErrSessionInit)
	}

	return rspData.SessionID, nil
}

// GetUploadURLs 获取分片上传链接，数量超过 MaxURLBatchSize 时分多次请求。
func (c *sessionImpl) GetUploadURLs(ctx context.Context, sessionId string, partNumbers []int) (
	map[int]*PartURL, error) {

	if len(sessionId) <= 0 {
		return nil, errors.New("sessionId is invalid")
	}

	type PartURLInfo struct {
		PartNumber int       `json:"partNumber"`
		URL        string    `json:"url"`
		ExpiresAt  time.Time `json:"expiresAt"`
	}
	result := make(map[int]*PartURL, len(partNumbers))
	for batch := range slices.Chunk(partNumbers, MaxURLBatchSize) {
		// 生成请求体。
		reqData := struct {
			PartNumbers []int `json:"partNumbers"`
		}{batch}
		var rspData struct {
			URLs []*PartURLInfo `json:"urls"`
		}

		// 发送 HTTP 请求。
		if _, err := c.callJSON(ctx, http.MethodPost, &reqData, &rspData,
			"multipart-sessions", sessionId, "part-urls"); err != nil {
			return nil, err
		}

		// 组装链接信息。
		for _, v := range rspData.URLs {
			if v == nil || len(v.URL) <= 0 {
				continue
			}
			result[v.PartNumber] = &PartURL{PartNumber: v.PartNumber, URL: v.URL, ExpiresAt: v.ExpiresAt}
		}
		for _, v := range batch {
			if _, ok := result[v]; !ok {
				return nil, fmt.Errorf("no upload url returned for part %d", v)
			}
		}
	}

	return result, nil
}

// AcknowledgePart 确认分片上传成功。重复确认同一分片不会出错。
func (c *sessionImpl) AcknowledgePart(ctx context.Context, sessionId string, partNumber int,
	entityTag string) error {

	if len(sessionId) <= 0 {
		return errors.New("sessionId is invalid")
	}
	if len(entityTag) <= 0 {
		return errors.New("entityTag is invalid")
	}

	reqData := struct {
		ETag string `json:"etag"`
	}{entityTag}
	_, err := c.callJSON(ctx, http.MethodPost, &reqData, nil,
		"multipart-sessions", sessionId, "parts", strconv.Itoa(partNumber), "complete")

	return err
}

// FinalizeSession 请求服务端合并分片，服务端异步合并时轮询直到完成。
func (c *sessionImpl) FinalizeSession(ctx context.Context, sessionId string, cfg *Config) (*CompletedUpload, error) {
	if len(sessionId) <= 0 {
		return nil, errors.New("sessionId is invalid")
	}
	if cfg == nil {
		defaultCfg := DefaultConfig()
		cfg = &defaultCfg
	}
	finalizeCfg := cfg.finalizeConfig()
	cfg = &finalizeCfg
	ctx, cancel := context.WithTimeoutCause(ctx, cfg.FinalizeTimeout, ErrFinalizationTimeout)
	defer cancel()

	// 请求合并。
	var state SessionState
	_, err := c.callJSON(ctx, http.MethodPost, nil, &state, "multipart-sessions", sessionId, "complete")
	if err != nil {
		return nil, c.finalizeError(ctx, sessionId, err)
	}

	// 异步合并时轮询状态。
	interval := cfg.FinalizePollInterval
	for {
		if result, done, err := c.checkFinalized(sessionId, &state); done {
			return result, err
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, c.finalizeError(ctx, sessionId, context.Cause(ctx))
		case <-timer.C:
		}
		interval = min(interval*2, cfg.FinalizeMaxPollInterval)

		state = SessionState{}
		if _, err = c.callJSON(ctx, http.MethodGet, nil, &state, "multipart-sessions", sessionId); err != nil {
			if ctx.Err() == nil && retryableServiceError(err) {
				c.logger.Debug("poll session status failed", "session", sessionId, "error", err)
				state.Status = SessionCompleting
				continue
			}
			return nil, c.finalizeError(ctx, sessionId, err)
		}
	}
}

// AbortSession 丢弃分片会话。
func (c *sessionImpl) AbortSession(ctx context.Context, sessionId string) error {
	if len(sessionId) <= 0 {
		return errors.New("sessionId is invalid")
	}
	_, err := c.callJSON(ctx, http.MethodDelete, nil, nil, "multipart-sessions", sessionId)
	return err
}

// SessionStatus 查询分片会话状态。
func (c *sessionImpl) SessionStatus(ctx context.Context, sessionId string) (*SessionState, error) {
	if len(sessionId) <= 0 {
		return nil, errors.New("sessionId is invalid")
	}
	state := &SessionState{}
	if _, err := c.callJSON(ctx, http.MethodGet, nil, state, "multipart-sessions", sessionId); err != nil {
		return nil, err
	}
	return state, nil
}

// 判断合并是否结束。
func (c *sessionImpl) checkFinalized(sessionId string, state *SessionState) (*CompletedUpload, bool, error) {
	switch {
	case len(state.MissingParts) > 0:
		return nil, true, fmt.Errorf("%w: session %s misses parts %v", ErrIncompleteParts, sessionId,
			state.MissingParts)
	case state.Status == SessionAborted:
		return nil, true, fmt.Errorf("%w: session %s", ErrSessionAborted, sessionId)
	case state.Status == SessionCompleted:
		if len(state.ObjectHandle) <= 0 {
			return nil, true, fmt.Errorf("session %s completed without object handle", sessionId)
		}
		return &CompletedUpload{
			Handle:    state.ObjectHandle,
			SessionID: sessionId,
			Size:      state.TotalLength,
			Parts:     state.NumberOfParts,
		}, true, nil
	default:
		return nil, false, nil
	}
}

// 转换合并失败的原因。
func (c *sessionImpl) finalizeError(ctx context.Context, sessionId string, err error) error {
	if errors.Is(context.Cause(ctx), ErrFinalizationTimeout) {
		return fmt.Errorf("%w: session %s did not complete in time", ErrFinalizationTimeout, sessionId)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusConflict {
		return fmt.Errorf("%w: %w", ErrIncompleteParts, err)
	}
	return err
}

// 创建一次上传使用的分片会话。
func (c *sessionImpl) initiate(ctx context.Context, req *SessionRequest, cfg *Config) (*uploadSession, error) {
	sessionId, err := c.InitiateSession(ctx, req)
	if err != nil {
		return nil, err
	}
	c.logger.Info("session initiated", "session", sessionId, "name", req.ContentName,
		"size", req.TotalLength, "parts", req.NumberOfParts)

	return &uploadSession{
		manager: c,
		logger:  c.logger.With("session", sessionId),
		id:      sessionId,
		cfg:     cfg,
		status:  SessionInitiated,
		acked:   make(map[int]string, req.NumberOfParts),
	}, nil
}

// 获取分片上传链接。
func (s *uploadSession) uploadURLs(ctx context.Context, parts []*PartDescriptor) (map[int]*PartURL, error) {
	if err := s.transition(SessionPartsInProgress); err != nil {
		return nil, err
	}
	partNumbers := make([]int, len(parts))
	for i, v := range parts {
		partNumbers[i] = v.Number
	}
	return s.manager.GetUploadURLs(ctx, s.id, partNumbers)
}

// 确认分片，已确认过的分片直接返回。
func (s *uploadSession) acknowledge(ctx context.Context, partNumber int, entityTag string) error {
	s.mu.Lock()
	_, ok := s.acked[partNumber]
	s.mu.Unlock()
	if ok {
		return nil
	}
	if err := s.transition(SessionPartsInProgress); err != nil {
		return err
	}

	if err := s.manager.AcknowledgePart(ctx, s.id, partNumber, entityTag); err != nil {
		return err
	}

	s.mu.Lock()
	s.acked[partNumber] = entityTag
	s.mu.Unlock()
	return nil
}

// 是否所有分片都已确认。
func (s *uploadSession) acknowledgedAll(parts []*PartDescriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range parts {
		if _, ok := s.acked[v.Number]; !ok {
			return false
		}
	}
	return true
}

// 请求合并，每个会话只会请求一次。
func (s *uploadSession) finalize(ctx context.Context) (*CompletedUpload, error) {
	if err := s.transition(SessionCompleting); err != nil {
		return nil, err
	}

	result, err := s.manager.FinalizeSession(ctx, s.id, s.cfg)
	if err != nil {
		return nil, err
	}

	if err = s.transition(SessionCompleted); err != nil {
		return nil, err
	}
	s.logger.Info("session completed", "handle", result.Handle)
	return result, nil
}

// 丢弃会话，失败只记录日志。
func (s *uploadSession) abort(ctx context.Context) {
	if err := s.transition(SessionAborted); err != nil {
		return // 已经结束的会话无需丢弃。
	}
	if err := s.manager.AbortSession(ctx, s.id); err != nil {
		s.logger.Warn("abort session failed", "error", err)
	}
}

// 会话当前状态。
func (s *uploadSession) state() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// 切换会话状态。
func (s *uploadSession) transition(to SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.status
	allowed := false
	switch to {
	case SessionPartsInProgress:
		allowed = from == SessionInitiated || from == SessionPartsInProgress
	case SessionCompleting:
		allowed = from == SessionPartsInProgress
	case SessionCompleted:
		allowed = from == SessionCompleting
	case SessionAborted:
		allowed = from != SessionCompleted && from != SessionAborted
	}
	if !allowed {
		if from == SessionAborted {
			return fmt.Errorf("%w: session %s", ErrSessionAborted, s.id)
		}
		return fmt.Errorf("session %s cannot move from %s to %s", s.id, from, to)
	}

	s.status = to
	return nil
}
