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

import "fmt"

// PartDescriptor 分片描述。
type PartDescriptor struct {
	// Number 分片序号，从 1 开始连续编号。
	Number int
	// Offset 分片在字节源中的起始位置。
	Offset int64
	// Length 分片长度。
	Length int64
}

// Plan 将 [0, totalLength) 切分成分片。
//
// 除最后一个分片外，每个分片大小都等于 partSize。totalLength 为 0 时返回一个空分片，服务端要求至少有一个分片。
func Plan(totalLength, partSize int64) ([]*PartDescriptor, error) {
	if totalLength < 0 {
		return nil, fmt.Errorf("%w: total length %d is negative", ErrInvalidConfiguration, totalLength)
	}
	if partSize < MinPartSize || partSize > MaxPartSize {
		return nil, fmt.Errorf("%w: part size %d out of range [%d, %d]", ErrInvalidConfiguration, partSize,
			MinPartSize, MaxPartSize)
	}

	count := (totalLength + partSize - 1) / partSize
	if count <= 0 {
		return []*PartDescriptor{{Number: 1}}, nil
	}
	if count > int64(MaxParts) {
		return nil, fmt.Errorf("%w: %d parts exceed the limit %d, use a larger part size", ErrInvalidConfiguration,
			count, MaxParts)
	}

	parts := make([]*PartDescriptor, count)
	for i := range parts {
		offset := int64(i) * partSize
		parts[i] = &PartDescriptor{
			Number: i + 1,
			Offset: offset,
			Length: min(partSize, totalLength-offset),
		}
	}

	return parts, nil
}

// SuitablePartSize 返回不小于 requested 且能让分片数量不超过 MaxParts 的分片大小。
func SuitablePartSize(totalLength, requested int64) int64 {
	partSize := max(requested, MinPartSize)
	if need := (totalLength + int64(MaxParts) - 1) / int64(MaxParts); need > partSize {
		partSize = need
	}
	return min(partSize, MaxPartSize)
}
