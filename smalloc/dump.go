/*
 * Copyright 2025 CloudWeGo Authors
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

package smalloc

import (
	"io"
	"os"
	"strconv"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// dump writes one line per arena listing its free blocks' payload
// sizes in list order, like `small: [300] -> [100]`.
func (al *allocator) dump(w io.Writer) {
	buf := dirtmake.Bytes(0, 256)
	for i := range al.arenas {
		buf = append(buf, arenaNames[i]...)
		buf = append(buf, ':', ' ')
		c := al.arenas[i].list.head
		if c == nil {
			buf = append(buf, "(empty)"...)
		}
		for ; c != nil; c = c.next {
			buf = append(buf, '[')
			buf = strconv.AppendUint(buf, uint64(c.size), 10)
			buf = append(buf, ']')
			if c.next != nil {
				buf = append(buf, " -> "...)
			}
		}
		buf = append(buf, '\n')
	}
	w.Write(buf)
}

// Dump writes a human-readable listing of every arena's free list to
// standard output.
func Dump() { global.dump(os.Stdout) }
