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

// Package mputest 提供一个内存中的远程上传服务，用于测试分片上传客户端。
//
// 服务端实现了会话创建、分片链接签发、分片接收、分片确认、合并、丢弃和状态查询接口，
// 合并后的对象保存在 gocloud blob 存储中，可以通过 Object 取回比对。
package mputest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	iu "gitee.com/ivfzhou/io-util"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	mpu "gitee.com/ivfzhou/multipart-upload"
)

// ErrObjectNotFound 对象不存在。
var ErrObjectNotFound = errors.New("object not found")

// Server 内存中的远程上传服务。
type Server struct {
	*httptest.Server

	bucket     *blob.Bucket
	ownBucket  bool
	logger     *slog.Logger
	urlTTL     time.Duration
	polls      int
	partFault  func(partNumber, attempt int) int
	ackFault   func(partNumber, attempt int) int
	entityTag  func(partNumber int, content []byte) string
	middleware []func(http.Handler) http.Handler

	mu       sync.Mutex
	sessions map[string]*session
	tokens   map[string]*token

	sessionCalls  atomic.Int64
	partURLCalls  atomic.Int64
	partUploads   atomic.Int64
	ackCalls      atomic.Int64
	finalizeCalls atomic.Int64
	statusCalls   atomic.Int64
	abortCalls    atomic.Int64
}

type session struct {
	id           string
	req          mpu.SessionRequest
	status       mpu.SessionStatus
	uploaded     map[int]string // 分片序号 -> 分片标签。
	acked        map[int]string
	putAttempts  map[int]int
	ackAttempts  map[int]int
	pollsLeft    int
	objectHandle string
}

type token struct {
	sessionId  string
	partNumber int
	expiresAt  time.Time
	used       bool
}

type option func(*Server)

// WithBucket 使用指定的存储桶保存分片和对象。默认使用 memblob。
func WithBucket(bucket *blob.Bucket) option {
	return func(s *Server) {
		s.bucket = bucket
	}
}

// WithLogger 记录每个请求。默认丢弃日志。
func WithLogger(logger *slog.Logger) option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithURLTTL 分片上传链接的有效期。默认 15 分钟。
func WithURLTTL(ttl time.Duration) option {
	return func(s *Server) {
		s.urlTTL = ttl
	}
}

// WithAsyncFinalize 合并请求返回 202，之后第 polls 次查询状态时合并完成。polls 小于 0 时永远不会完成。
func WithAsyncFinalize(polls int) option {
	return func(s *Server) {
		s.polls = polls
	}
}

// WithPartFault 接收分片前调用 fn，attempt 是该分片第几次上传。fn 返回非 0 的响应码时直接以该响应码拒绝请求。
func WithPartFault(fn func(partNumber, attempt int) int) option {
	return func(s *Server) {
		s.partFault = fn
	}
}

// WithAckFault 确认分片前调用 fn，用法同 WithPartFault。
func WithAckFault(fn func(partNumber, attempt int) int) option {
	return func(s *Server) {
		s.ackFault = fn
	}
}

// WithEntityTag 用 fn 生成分片标签。默认是分片内容的 MD5 十六进制串。
func WithEntityTag(fn func(partNumber int, content []byte) string) option {
	return func(s *Server) {
		s.entityTag = fn
	}
}

// WithMiddleware 追加路由中间件，如认证检查。
func WithMiddleware(mw ...func(http.Handler) http.Handler) option {
	return func(s *Server) {
		s.middleware = append(s.middleware, mw...)
	}
}

// NewServer 启动服务，使用完毕后调用 Close。
func NewServer(opts ...option) *Server {
	s := &Server{
		urlTTL:   15 * time.Minute,
		sessions: make(map[string]*session),
		tokens:   make(map[string]*token),
	}
	for _, v := range opts {
		if v != nil {
			v(s)
		}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.bucket == nil {
		s.bucket = memblob.OpenBucket(nil)
		s.ownBucket = true
	}

	s.Server = httptest.NewServer(s.routes())
	return s
}

// Close 关闭服务。默认的存储桶同时关闭。
func (s *Server) Close() {
	s.Server.Close()
	if s.ownBucket {
		_ = s.bucket.Close()
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)
	r.Use(s.middleware...)

	r.Route("/multipart-sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Route("/{sessionId}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.abortSession)
			r.Post("/part-urls", s.issuePartURLs)
			r.Post("/parts/{partNumber}/complete", s.acknowledgePart)
			r.Post("/complete", s.completeSession)
		})
	})
	r.Put("/parts/{token}", s.receivePart)

	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Debug("http_request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// POST /multipart-sessions
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	s.sessionCalls.Add(1)
	var req mpu.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MalformedJSON", err.Error())
		return
	}
	if len(req.ContentName) <= 0 {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "content name is empty")
		return
	}
	if req.TotalLength < 0 || req.PartSize < mpu.MinPartSize || req.PartSize > mpu.MaxPartSize {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "invalid total length or part size")
		return
	}
	want := max(1, int((req.TotalLength+req.PartSize-1)/req.PartSize))
	if req.NumberOfParts != want || req.NumberOfParts > mpu.MaxParts {
		writeError(w, http.StatusBadRequest, "InvalidArgument",
			fmt.Sprintf("number of parts is %d, want %d", req.NumberOfParts, want))
		return
	}

	sess := &session{
		id:          uuid.NewString(),
		req:         req,
		status:      mpu.SessionInitiated,
		uploaded:    make(map[int]string, req.NumberOfParts),
		acked:       make(map[int]string, req.NumberOfParts),
		putAttempts: make(map[int]int),
		ackAttempts: make(map[int]int),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": sess.id})
}

// POST /multipart-sessions/{sessionId}/part-urls
func (s *Server) issuePartURLs(w http.ResponseWriter, r *http.Request) {
	s.partURLCalls.Add(1)
	var req struct {
		PartNumbers []int `json:"partNumbers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MalformedJSON", err.Error())
		return
	}
	if len(req.PartNumbers) <= 0 || len(req.PartNumbers) > mpu.MaxURLBatchSize {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "too few or too many part numbers")
		return
	}

	type partURL struct {
		PartNumber int       `json:"partNumber"`
		URL        string    `json:"url"`
		ExpiresAt  time.Time `json:"expiresAt"`
	}
	urls := make([]*partURL, 0, len(req.PartNumbers))

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[chi.URLParam(r, "sessionId")]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchSession", "session not found")
		return
	}
	if sess.status != mpu.SessionInitiated && sess.status != mpu.SessionPartsInProgress {
		writeError(w, http.StatusConflict, "InvalidSessionState", string(sess.status))
		return
	}
	for _, v := range req.PartNumbers {
		if v < 1 || v > sess.req.NumberOfParts {
			writeError(w, http.StatusBadRequest, "InvalidPartNumber", strconv.Itoa(v))
			return
		}
	}
	sess.status = mpu.SessionPartsInProgress
	for _, v := range req.PartNumbers {
		tk := uuid.NewString()
		expiresAt := time.Now().Add(s.urlTTL).UTC()
		s.tokens[tk] = &token{sessionId: sess.id, partNumber: v, expiresAt: expiresAt}
		urls = append(urls, &partURL{PartNumber: v, URL: s.URL + "/parts/" + tk, ExpiresAt: expiresAt})
	}

	writeJSON(w, http.StatusOK, map[string]any{"urls": urls})
}

// PUT /parts/{token}
func (s *Server) receivePart(w http.ResponseWriter, r *http.Request) {
	s.partUploads.Add(1)
	content, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "IncompleteBody", err.Error())
		return
	}

	// 校验链接。
	s.mu.Lock()
	tk, ok := s.tokens[chi.URLParam(r, "token")]
	if !ok || tk.used || !time.Now().Before(tk.expiresAt) {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "AccessDenied", "upload url is invalid or expired")
		return
	}
	sess := s.sessions[tk.sessionId]
	if sess.status != mpu.SessionPartsInProgress {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NoSuchSession", string(sess.status))
		return
	}
	tk.used = true // 请求被接受后链接即失效，无论上传是否成功。
	sess.putAttempts[tk.partNumber]++
	attempt := sess.putAttempts[tk.partNumber]
	s.mu.Unlock()

	if s.partFault != nil {
		if code := s.partFault(tk.partNumber, attempt); code != 0 {
			writeError(w, code, "InjectedFault", "injected fault")
			return
		}
	}

	// 校验内容。
	sum := md5.Sum(content)
	if want := r.Header.Get("Content-MD5"); len(want) > 0 && want != base64.StdEncoding.EncodeToString(sum[:]) {
		writeError(w, http.StatusBadRequest, "BadDigest", "Content-MD5 does not match body")
		return
	}
	if want := expectedPartLength(&sess.req, tk.partNumber); int64(len(content)) != want {
		writeError(w, http.StatusBadRequest, "InvalidPartLength",
			fmt.Sprintf("part %d has %d bytes, want %d", tk.partNumber, len(content), want))
		return
	}

	if err = s.bucket.WriteAll(r.Context(), partKey(sess.id, tk.partNumber), content, nil); err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	entityTag := hex.EncodeToString(sum[:])
	if s.entityTag != nil {
		entityTag = s.entityTag(tk.partNumber, content)
	}
	s.mu.Lock()
	sess.uploaded[tk.partNumber] = entityTag
	s.mu.Unlock()

	w.Header().Set("ETag", strconv.Quote(entityTag))
	w.WriteHeader(http.StatusOK)
}

// POST /multipart-sessions/{sessionId}/parts/{partNumber}/complete
func (s *Server) acknowledgePart(w http.ResponseWriter, r *http.Request) {
	s.ackCalls.Add(1)
	partNumber, err := strconv.Atoi(chi.URLParam(r, "partNumber"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidPartNumber", err.Error())
		return
	}
	var req struct {
		ETag string `json:"etag"`
	}
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MalformedJSON", err.Error())
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[chi.URLParam(r, "sessionId")]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NoSuchSession", "session not found")
		return
	}
	sess.ackAttempts[partNumber]++
	attempt := sess.ackAttempts[partNumber]
	s.mu.Unlock()

	if s.ackFault != nil {
		if code := s.ackFault(partNumber, attempt); code != 0 {
			writeError(w, code, "InjectedFault", "injected fault")
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.status != mpu.SessionPartsInProgress {
		writeError(w, http.StatusConflict, "InvalidSessionState", string(sess.status))
		return
	}
	if entityTag, ok := sess.uploaded[partNumber]; !ok || entityTag != req.ETag {
		writeError(w, http.StatusConflict, "InvalidPart", "part is not uploaded or entity tag mismatches")
		return
	}
	sess.acked[partNumber] = req.ETag

	writeJSON(w, http.StatusOK, sess.state())
}

// POST /multipart-sessions/{sessionId}/complete
func (s *Server) completeSession(w http.ResponseWriter, r *http.Request) {
	s.finalizeCalls.Add(1)
	s.mu.Lock()
	sess, ok := s.sessions[chi.URLParam(r, "sessionId")]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NoSuchSession", "session not found")
		return
	}
	switch sess.status {
	case mpu.SessionCompleted, mpu.SessionAborted:
		state := sess.state()
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, state)
		return
	case mpu.SessionCompleting:
		state := sess.state()
		s.mu.Unlock()
		writeJSON(w, http.StatusAccepted, state)
		return
	}
	if state := sess.state(); len(state.MissingParts) > 0 {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, state)
		return
	}
	sess.status = mpu.SessionCompleting
	req := sess.req
	s.mu.Unlock()

	// 合并分片。
	handle, err := s.assemble(r.Context(), sess.id, &req)
	if err != nil {
		s.mu.Lock()
		sess.status = mpu.SessionPartsInProgress
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess.objectHandle = handle
	if s.polls != 0 {
		sess.pollsLeft = s.polls
		writeJSON(w, http.StatusAccepted, sess.state())
		return
	}
	sess.status = mpu.SessionCompleted
	writeJSON(w, http.StatusOK, sess.state())
}

// GET /multipart-sessions/{sessionId}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.statusCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[chi.URLParam(r, "sessionId")]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchSession", "session not found")
		return
	}
	if sess.status == mpu.SessionCompleting && sess.pollsLeft > 0 {
		if sess.pollsLeft--; sess.pollsLeft <= 0 {
			sess.status = mpu.SessionCompleted
		}
	}
	writeJSON(w, http.StatusOK, sess.state())
}

// DELETE /multipart-sessions/{sessionId}
func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	s.abortCalls.Add(1)
	s.mu.Lock()
	sess, ok := s.sessions[chi.URLParam(r, "sessionId")]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NoSuchSession", "session not found")
		return
	}
	if sess.status == mpu.SessionCompleted {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "InvalidSessionState", string(sess.status))
		return
	}
	sess.status = mpu.SessionAborted
	s.mu.Unlock()

	// 清理已上传的分片。
	if err := s.deleteParts(r.Context(), sess.id); err != nil {
		s.logger.Warn("delete parts failed", "session", sess.id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// 按序号拼接分片，写入对象。
func (s *Server) assemble(ctx context.Context, sessionId string, req *mpu.SessionRequest) (string, error) {
	content := make([]byte, req.TotalLength)
	wa := &writerAt{content}
	for i := 1; i <= req.NumberOfParts; i++ {
		rc, err := s.bucket.NewReader(ctx, partKey(sessionId, i), nil)
		if err != nil {
			return "", err
		}
		_, err = iu.CopyReaderToWriterAt(rc, wa, int64(i-1)*req.PartSize, false)
		_ = rc.Close()
		if err != nil {
			return "", err
		}
	}

	handle := uuid.NewString()
	err := s.bucket.WriteAll(ctx, objectKey(handle), content, &blob.WriterOptions{ContentType: req.ContentType})
	if err != nil {
		return "", err
	}
	return handle, s.deleteParts(ctx, sessionId)
}

func (s *Server) deleteParts(ctx context.Context, sessionId string) error {
	iter := s.bucket.List(&blob.ListOptions{Prefix: "sessions/" + sessionId + "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err = s.bucket.Delete(ctx, obj.Key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return err
		}
	}
}

// Object 取回合并后的对象。
func (s *Server) Object(ctx context.Context, handle string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, objectKey(handle))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, handle)
	}
	return data, err
}

// ObjectContentType 合并后对象的内容类型。
func (s *Server) ObjectContentType(ctx context.Context, handle string) (string, error) {
	attrs, err := s.bucket.Attributes(ctx, objectKey(handle))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return "", fmt.Errorf("%w: %s", ErrObjectNotFound, handle)
	}
	if err != nil {
		return "", err
	}
	return attrs.ContentType, nil
}

// Session 会话在服务端的状态。
func (s *Server) Session(sessionId string) (*mpu.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionId]
	if !ok {
		return nil, false
	}
	return sess.state(), true
}

// Sessions 所有会话 ID。
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		ids = append(ids, k)
	}
	slices.Sort(ids)
	return ids
}

// SessionCalls 创建会话的请求次数。
func (s *Server) SessionCalls() int { return int(s.sessionCalls.Load()) }

// PartURLCalls 获取分片链接的请求次数。
func (s *Server) PartURLCalls() int { return int(s.partURLCalls.Load()) }

// PartUploads 上传分片的请求次数，包括被拒绝的。
func (s *Server) PartUploads() int { return int(s.partUploads.Load()) }

// AckCalls 确认分片的请求次数。
func (s *Server) AckCalls() int { return int(s.ackCalls.Load()) }

// FinalizeCalls 合并请求次数。
func (s *Server) FinalizeCalls() int { return int(s.finalizeCalls.Load()) }

// StatusCalls 查询会话状态的请求次数。
func (s *Server) StatusCalls() int { return int(s.statusCalls.Load()) }

// AbortCalls 丢弃会话的请求次数。
func (s *Server) AbortCalls() int { return int(s.abortCalls.Load()) }

func (sess *session) state() *mpu.SessionState {
	state := &mpu.SessionState{
		SessionID:     sess.id,
		Status:        sess.status,
		TotalLength:   sess.req.TotalLength,
		NumberOfParts: sess.req.NumberOfParts,
	}
	for i := 1; i <= sess.req.NumberOfParts; i++ {
		if _, ok := sess.acked[i]; ok {
			state.AcknowledgedParts = append(state.AcknowledgedParts, i)
		} else if sess.status == mpu.SessionPartsInProgress || sess.status == mpu.SessionInitiated {
			state.MissingParts = append(state.MissingParts, i)
		}
	}
	if sess.status == mpu.SessionCompleted {
		state.ObjectHandle = sess.objectHandle
	}
	return state
}

// 分片应有的长度。
func expectedPartLength(req *mpu.SessionRequest, partNumber int) int64 {
	offset := int64(partNumber-1) * req.PartSize
	return max(0, min(req.PartSize, req.TotalLength-offset))
}

func partKey(sessionId string, partNumber int) string {
	return fmt.Sprintf("sessions/%s/parts/%05d", sessionId, partNumber)
}

func objectKey(handle string) string {
	return "objects/" + handle
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]string{"code": errCode, "message": message})
}

type writerAt struct {
	buf []byte
}

func (w *writerAt) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(w.buf)) {
		return 0, fmt.Errorf("write %d bytes at offset %d out of range %d", len(p), off, len(w.buf))
	}
	return copy(w.buf[off:], p), nil
}
