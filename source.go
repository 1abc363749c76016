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
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// Source 待上传的字节源。
//
// ReadAt 必须是按位置读取，可被并发地、重复地调用，重试时会再次读取同一范围。
type Source interface {
	// Size 字节源当前的大小。
	Size() (int64, error)

	io.ReaderAt
	io.Closer
}

type bytesSource struct {
	*bytes.Reader
}

type billySource struct {
	fs   billy.Filesystem
	path string

	once sync.Once
	file billy.File
	err  error
}

// NewBytesSource 内存字节源。
func NewBytesSource(content []byte) Source {
	return &bytesSource{bytes.NewReader(content)}
}

// NewStringSource 内存文本字节源，按 UTF-8 编码上传。
func NewStringSource(text string) Source {
	return &bytesSource{bytes.NewReader([]byte(text))}
}

// NewFileSource 磁盘文件字节源。
func NewFileSource(filePath string) (Source, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, err
	}
	return NewBillySource(osfs.New(filepath.Dir(absPath)), filepath.Base(absPath))
}

// NewBillySource 任意 billy 文件系统上的文件字节源。
func NewBillySource(fs billy.Filesystem, filePath string) (Source, error) {
	info, err := fs.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrSourceUnavailable, filePath)
	}
	return &billySource{fs: fs, path: filePath}, nil
}

func (s *bytesSource) Size() (int64, error) {
	return s.Reader.Size(), nil
}

func (s *bytesSource) Close() error {
	return nil
}

// Size 每次都重新获取文件信息，以便发现文件被删除或修改。
func (s *billySource) Size() (int64, error) {
	info, err := s.fs.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *billySource) ReadAt(p []byte, off int64) (int, error) {
	s.once.Do(func() { s.file, s.err = s.fs.Open(s.path) })
	if s.err != nil {
		return 0, s.err
	}
	return s.file.ReadAt(p, off)
}

func (s *billySource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// 读取字节源 [offset, offset+len(p)) 范围的数据。plannedSize 是规划分片时字节源的大小。
func readRange(src Source, plannedSize, offset int64, p []byte) error {
	size, err := src.Size()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if size != plannedSize {
		return fmt.Errorf("%w: size changed from %d to %d", ErrSourceUnavailable, plannedSize, size)
	}
	if len(p) <= 0 {
		return nil
	}

	n, err := src.ReadAt(p, offset)
	if n == len(p) {
		return nil // ReadAt 读满时允许同时返回 io.EOF。
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: read %d bytes at offset %d, want %d: %w", ErrSourceUnavailable, n, offset, len(p), err)
}

// 嗅探字节源的内容类型。
func detectContentType(src Source, size int64) string {
	head := make([]byte, min(size, 512))
	if err := readRange(src, size, 0, head); err != nil {
		return "application/octet-stream"
	}
	return mimetype.Detect(head).String()
}
