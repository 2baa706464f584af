/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package mailbox

import (
	"fmt"
	"os"
)

// SegmentReport summarises a mailbox file as seen from outside the protocol.
type SegmentReport struct {
	Path     string
	Size     int
	Layout   Layout
	Flag     Flag
	Zero     int // payload bytes equal to 0
	Set      int // payload bytes equal to 255
	Other    int
	Coverage float64 // Set / payload size
}

func (r *SegmentReport) String() string {
	return fmt.Sprintf("path:%s size:%d layout:%s flag:%s zero:%d set:%d other:%d coverage:%.4f",
		r.Path, r.Size, r.Layout, r.Flag, r.Zero, r.Set, r.Other, r.Coverage)
}

// DescribeSegment reads the mailbox file at path without mapping it or
// touching the flag. The snapshot may be torn if a peer is writing.
func DescribeSegment(path string, layout Layout) (*SegmentReport, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	mem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(mem) != layout.Size() {
		return nil, fmt.Errorf("%w: %s is %d bytes, layout %s wants %d", ErrSizeMismatch, path, len(mem), layout, layout.Size())
	}
	r := &SegmentReport{
		Path:   path,
		Size:   len(mem),
		Layout: layout,
		Flag:   Flag(mem[FlagOffset]),
	}
	r.Zero, r.Set, r.Other = Histogram(mem[PayloadOffset:])
	r.Coverage = float64(r.Set) / float64(layout.PayloadSize())
	return r, nil
}

// Histogram counts the 0, 255 and other bytes of a mask.
func Histogram(mask []byte) (zero, set, other int) {
	for _, b := range mask {
		switch b {
		case 0:
			zero++
		case 0xff:
			set++
		default:
			other++
		}
	}
	return zero, set, other
}
