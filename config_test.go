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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mpu "gitee.com/ivfzhou/multipart-upload"
)

func TestParseByteSize(t *testing.T) {
	t.Run("正常运行", func(t *testing.T) {
		cases := map[string]mpu.ByteSize{
			"1048576": 1 << 20,
			"8MiB":    8 << 20,
			"8MB":     8 << 20,
			"8m":      8 << 20,
			"512K":    512 << 10,
			"1.5GiB":  3 << 29,
			"2T":      2 << 40,
			" 100B ":  100,
			"0.5K":    512,
			"1e3":     1000,

			"9223372036854775807": 1<<63 - 1,
		}
		for s, want := range cases {
			got, err := mpu.ParseByteSize(s)
			require.NoError(t, err, s)
			assert.Equal(t, want, got, s)
		}
	})

	t.Run("格式错误", func(t *testing.T) {
		for _, s := range []string{"", "MiB", "-1", "eight", "1.5", "0.3K", "NaN", "Inf", "+Inf",
			"9223372036854775808", "8388608T", "1e30"} {
			_, err := mpu.ParseByteSize(s)
			assert.Error(t, err, s)
		}
	})
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Run("正常运行", func(t *testing.T) {
		filePath := filepath.Join(t.TempDir(), "upload.yaml")
		content := "part_size: 16MiB\nmax_workers: 8\nsingle_threaded: true\nretry_base_delay: 100ms\n"
		require.NoError(t, os.WriteFile(filePath, []byte(content), 0o600))

		cfg, err := mpu.LoadConfigFromFile(filePath)
		require.NoError(t, err)
		assert.Equal(t, mpu.ByteSize(16<<20), cfg.PartSize)
		assert.Equal(t, 8, cfg.MaxWorkers)
		assert.True(t, cfg.SingleThreaded)
		assert.Equal(t, 100*time.Millisecond, cfg.RetryBaseDelay)
		assert.Equal(t, mpu.DefaultConfig().MaxRetries, cfg.MaxRetries)
	})

	t.Run("配置不合法", func(t *testing.T) {
		filePath := filepath.Join(t.TempDir(), "upload.yaml")
		require.NoError(t, os.WriteFile(filePath, []byte("part_size: 1KiB\n"), 0o600))

		_, err := mpu.LoadConfigFromFile(filePath)
		assert.ErrorIs(t, err, mpu.ErrInvalidConfiguration)
	})

	t.Run("文件不存在", func(t *testing.T) {
		_, err := mpu.LoadConfigFromFile(filepath.Join(t.TempDir(), "nothing.yaml"))
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Run("正常运行", func(t *testing.T) {
		t.Setenv("MPU_PART_SIZE", "32MiB")
		t.Setenv("MPU_MAX_RETRIES", "3")
		t.Setenv("MPU_FINALIZE_TIMEOUT", "1m")

		cfg := mpu.DefaultConfig()
		require.NoError(t, cfg.LoadConfigFromEnv("MPU"))
		assert.Equal(t, mpu.ByteSize(32<<20), cfg.PartSize)
		assert.Equal(t, 3, cfg.MaxRetries)
		assert.Equal(t, time.Minute, cfg.FinalizeTimeout)
		assert.Equal(t, mpu.DefaultConfig().MaxWorkers, cfg.MaxWorkers)
	})

	t.Run("配置不合法", func(t *testing.T) {
		t.Setenv("MPU_MAX_WORKERS", "0")

		cfg := mpu.DefaultConfig()
		assert.ErrorIs(t, cfg.LoadConfigFromEnv("MPU"), mpu.ErrInvalidConfiguration)
	})
}

func TestConfigValidate(t *testing.T) {
	t.Run("正常运行", func(t *testing.T) {
		cfg := mpu.DefaultConfig()
		assert.NoError(t, cfg.Validate())
		cfg.PartSize = 0
		assert.NoError(t, cfg.Validate())
	})

	t.Run("配置不合法", func(t *testing.T) {
		cases := []func(*mpu.Config){
			func(c *mpu.Config) { c.PartSize = mpu.ByteSize(mpu.MaxPartSize + 1) },
			func(c *mpu.Config) { c.RetryBaseDelay = -1 },
			func(c *mpu.Config) { c.RetryMaxDelay = c.RetryBaseDelay - 1 },
			func(c *mpu.Config) { c.URLBatchSize = 0 },
			func(c *mpu.Config) { c.Timeout = -time.Second },
			func(c *mpu.Config) { c.FinalizeTimeout = 0 },
			func(c *mpu.Config) { c.FinalizeMaxPollInterval = c.FinalizePollInterval - 1 },
		}
		for i, f := range cases {
			cfg := mpu.DefaultConfig()
			f(&cfg)
			assert.ErrorIs(t, cfg.Validate(), mpu.ErrInvalidConfiguration, i)
		}
	})
}
