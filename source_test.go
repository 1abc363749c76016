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
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	mpu "gitee.com/ivfzhou/multipart-upload"
)

func TestNewBillySource(t *testing.T) {
	t.Run("正常运行", func(t *testing.T) {
		fs := memfs.New()
		data := MakeBytesWithSize(4096)
		if err := util.WriteFile(fs, "dir/object.bin", data, 0o600); err != nil {
			t.Fatalf("unexpected error: want nil, got %v", err)
		}

		src, err := mpu.NewBillySource(fs, "dir/object.bin")
		if err != nil {
			t.Fatalf("unexpected error: want nil, got %v", err)
		}
		defer src.Close()
		size, err := src.Size()
		if err != nil || size != int64(len(data)) {
			t.Errorf("unexpected size: want %d, got %d, %v", len(data), size, err)
		}

		// 重复读取同一范围得到相同的数据。
		for i := 0; i < 2; i++ {
			buf := make([]byte, 100)
			n, err := src.ReadAt(buf, 1000)
			if err != nil || n != len(buf) {
				t.Fatalf("unexpected read: n %d, err %v", n, err)
			}
			if string(buf) != string(data[1000:1100]) {
				t.Errorf("unexpected content at offset 1000")
			}
		}
	})

	t.Run("文件不存在", func(t *testing.T) {
		_, err := mpu.NewBillySource(memfs.New(), "nothing")
		if !errors.Is(err, mpu.ErrSourceUnavailable) {
			t.Errorf("unexpected error: want %v, got %v", mpu.ErrSourceUnavailable, err)
		}
	})

	t.Run("路径是目录", func(t *testing.T) {
		fs := memfs.New()
		if err := fs.MkdirAll("dir", 0o700); err != nil {
			t.Fatalf("unexpected error: want nil, got %v", err)
		}
		_, err := mpu.NewBillySource(fs, "dir")
		if !errors.Is(err, mpu.ErrSourceUnavailable) {
			t.Errorf("unexpected error: want %v, got %v", mpu.ErrSourceUnavailable, err)
		}
	})

	t.Run("文件大小变化", func(t *testing.T) {
		fs := memfs.New()
		if err := util.WriteFile(fs, "object.bin", MakeBytesWithSize(10), 0o600); err != nil {
			t.Fatalf("unexpected error: want nil, got %v", err)
		}
		src, err := mpu.NewBillySource(fs, "object.bin")
		if err != nil {
			t.Fatalf("unexpected error: want nil, got %v", err)
		}
		defer src.Close()
		if err = util.WriteFile(fs, "object.bin", MakeBytesWithSize(20), 0o600); err != nil {
			t.Fatalf("unexpected error: want nil, got %v", err)
		}
		size, err := src.Size()
		if err != nil || size != 20 {
			t.Errorf("unexpected size: want 20, got %d, %v", size, err)
		}
	})
}

func TestNewFileSource(t *testing.T) {
	t.Run("正常运行", func(t *testing.T) {
		data := MakeBytesWithSize(1000)
		filePath := filepath.Join(t.TempDir(), "object.bin")
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			t.Fatalf("unexpected error: want nil, got %v", err)
		}

		src, err := mpu.NewFileSource(filePath)
		if err != nil {
			t.Fatalf("unexpected error: want nil, got %v", err)
		}
		bs, err := io.ReadAll(io.NewSectionReader(src, 0, 1000))
		if err != nil {
			t.Fatalf("unexpected error: want nil, got %v", err)
		}
		if string(bs) != string(data) {
			t.Errorf("unexpected content")
		}
		if err = src.Close(); err != nil {
			t.Errorf("unexpected error: want nil, got %v", err)
		}
	})
}

func TestNewUploadRequest(t *testing.T) {
	t.Run("正常运行", func(t *testing.T) {
		req, err := mpu.NewUploadRequest("object", "", mpu.NewStringSource("你好"), mpu.DefaultConfig())
		if err != nil {
			t.Fatalf("unexpected error: want nil, got %v", err)
		}
		if req.Length() != 6 || req.Name() != "object" || req.ContentType() != "" {
			t.Errorf("unexpected request: %v %v %v", req.Name(), req.Length(), req.ContentType())
		}
	})

	t.Run("参数不合法", func(t *testing.T) {
		_, err := mpu.NewUploadRequest("", "", mpu.NewBytesSource(nil), mpu.DefaultConfig())
		if !errors.Is(err, mpu.ErrInvalidConfiguration) {
			t.Errorf("unexpected error: want %v, got %v", mpu.ErrInvalidConfiguration, err)
		}
		_, err = mpu.NewUploadRequest("object", "", nil, mpu.DefaultConfig())
		if !errors.Is(err, mpu.ErrSourceUnavailable) {
			t.Errorf("unexpected error: want %v, got %v", mpu.ErrSourceUnavailable, err)
		}
	})
}
