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

package chat

import (
	"net"
	"time"
)

// client is one registered chat user. A disconnected client keeps its
// record so a later conn from the same address restores its name,
// history and mute list. All fields are guarded by the server's
// registry lock.
type client struct {
	name       string
	addr       *net.UDPAddr
	connected  bool
	lastActive time.Time
	history    *history
	muted      map[*client]struct{} // peers this client silenced
}
