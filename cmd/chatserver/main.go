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

package main

import (
	"flag"
	"log"

	"github.com/cloudwego/arenas/chat"
)

func main() {
	opts := chat.DefaultOptions()
	flag.StringVar(&opts.Addr, "addr", opts.Addr, "UDP listen address")
	flag.IntVar(&opts.AdminPort, "admin-port", opts.AdminPort, "source port allowed to use kick")
	flag.IntVar(&opts.HistoryDepth, "history", opts.HistoryDepth, "lines kept per history ring")
	flag.Parse()

	s, err := chat.NewServer(opts)
	if err != nil {
		log.Fatalf("chatserver: %v", err)
	}
	log.Printf("chatserver: listening on %s", s.LocalAddr())
	if err := s.Serve(); err != nil {
		log.Fatalf("chatserver: %v", err)
	}
}
