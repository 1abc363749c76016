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
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ByteSize 字节数，配置文件和环境变量中可写作 8MiB、512KB、1048576 等形式。
type ByteSize int64

// Config 一次上传的配置。
type Config struct {
	// PartSize 分片大小。为 0 时按文件大小自动选择。
	PartSize ByteSize `yaml:"part_size" envconfig:"PART_SIZE"`
	// MaxWorkers 并发上传分片的协程数量，为 1 时等同于单线程模式。
	MaxWorkers int `yaml:"max_workers" envconfig:"MAX_WORKERS"`
	// MaxRetries 每个分片最多重试的次数。
	MaxRetries int `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	// SingleThreaded 按序号逐个上传分片。
	SingleThreaded bool `yaml:"single_threaded" envconfig:"SINGLE_THREADED"`
	// RetryBaseDelay 第一次重试前的等待时间，之后每次翻倍。
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" envconfig:"RETRY_BASE_DELAY"`
	// RetryMaxDelay 重试等待时间的上限。
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" envconfig:"RETRY_MAX_DELAY"`
	// URLBatchSize 一次请求分片上传链接的数量。
	URLBatchSize int `yaml:"url_batch_size" envconfig:"URL_BATCH_SIZE"`
	// Timeout 整个上传的超时时间，为 0 时不限制。
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	// FinalizeTimeout 等待服务端合并分片的最长时间。
	FinalizeTimeout time.Duration `yaml:"finalize_timeout" envconfig:"FINALIZE_TIMEOUT"`
	// FinalizePollInterval 轮询合并状态的初始间隔，之后每次翻倍。
	FinalizePollInterval time.Duration `yaml:"finalize_poll_interval" envconfig:"FINALIZE_POLL_INTERVAL"`
	// FinalizeMaxPollInterval 轮询合并状态的间隔上限。
	FinalizeMaxPollInterval time.Duration `yaml:"finalize_max_poll_interval" envconfig:"FINALIZE_MAX_POLL_INTERVAL"`
}

// DefaultConfig 默认配置。
func DefaultConfig() Config {
	return Config{
		PartSize:                8 * 1024 * 1024,
		MaxWorkers:              4,
		MaxRetries:              20,
		RetryBaseDelay:          500 * time.Millisecond,
		RetryMaxDelay:           30 * time.Second,
		URLBatchSize:            100,
		FinalizeTimeout:         5 * time.Minute,
		FinalizePollInterval:    time.Second,
		FinalizeMaxPollInterval: 10 * time.Second,
	}
}

// LoadConfigFromFile 从 YAML 文件加载配置，未出现的字段取默认值。
func LoadConfigFromFile(filePath string) (Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, cfg.Validate()
}

// LoadConfigFromEnv 从环境变量加载配置，变量名形如 MPU_PART_SIZE，未设置的字段保持 c 中的值。
func (c *Config) LoadConfigFromEnv(prefix string) error {
	if err := envconfig.Process(prefix, c); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return c.Validate()
}

// Validate 校验配置。
func (c *Config) Validate() error {
	if c.PartSize != 0 && (int64(c.PartSize) < MinPartSize || int64(c.PartSize) > MaxPartSize) {
		return fmt.Errorf("%w: part size %d out of range [%d, %d]", ErrInvalidConfiguration, c.PartSize,
			MinPartSize, MaxPartSize)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("%w: max workers must be positive", ErrInvalidConfiguration)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfiguration)
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("%w: retry delays must satisfy 0 <= base <= max", ErrInvalidConfiguration)
	}
	if c.URLBatchSize < 1 || c.URLBatchSize > MaxURLBatchSize {
		return fmt.Errorf("%w: url batch size %d out of range [1, %d]", ErrInvalidConfiguration,
			c.URLBatchSize, MaxURLBatchSize)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfiguration)
	}
	if c.FinalizeTimeout <= 0 || c.FinalizePollInterval <= 0 || c.FinalizeMaxPollInterval < c.FinalizePollInterval {
		return fmt.Errorf("%w: finalize timeout and poll intervals must be positive", ErrInvalidConfiguration)
	}
	return nil
}

// 合并分片使用的配置，未设置的字段取默认值。
func (c *Config) finalizeConfig() Config {
	cfg := *c
	def := DefaultConfig()
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = def.FinalizeTimeout
	}
	if cfg.FinalizePollInterval <= 0 {
		cfg.FinalizePollInterval = def.FinalizePollInterval
	}
	if cfg.FinalizeMaxPollInterval < cfg.FinalizePollInterval {
		cfg.FinalizeMaxPollInterval = max(def.FinalizeMaxPollInterval, cfg.FinalizePollInterval)
	}
	return cfg
}

// 是否逐个上传分片。
func (c *Config) sequential() bool {
	return c.SingleThreaded || c.MaxWorkers == 1
}

// ParseByteSize 解析 8MiB、8MB、512K、1048576 等形式的字节数，单位均按 1024 进制。
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	multiplier := int64(1)
	for _, v := range []struct {
		suffix string
		value  int64
	}{
		{"TIB", 1 << 40}, {"TB", 1 << 40}, {"T", 1 << 40},
		{"GIB", 1 << 30}, {"GB", 1 << 30}, {"G", 1 << 30},
		{"MIB", 1 << 20}, {"MB", 1 << 20}, {"M", 1 << 20},
		{"KIB", 1 << 10}, {"KB", 1 << 10}, {"K", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(upper, v.suffix) {
			multiplier = v.value
			s = strings.TrimSpace(s[:len(s)-len(v.suffix)])
			break
		}
	}

	// 整数直接计算，避免浮点数丢失精度。
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 || n > math.MaxInt64/multiplier {
			return 0, fmt.Errorf("invalid byte size: %q", s)
		}
		return ByteSize(n * multiplier), nil
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	size := value * float64(multiplier)
	if size >= math.MaxInt64 || size != math.Trunc(size) {
		return 0, fmt.Errorf("invalid byte size: %q is not a whole number of bytes in range", s)
	}
	return ByteSize(size), nil
}

// Decode 实现 envconfig.Decoder。
func (b *ByteSize) Decode(value string) error {
	v, err := ParseByteSize(value)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	return b.Decode(node.Value)
}
