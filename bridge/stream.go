// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"fmt"
	"net/http"
)

// writeSSE relays a stream to the client as server-sent events. Chunks
// are written in channel order and flushed per event; the relay stops
// when the stream closes or the client disconnects.
func writeSSE(w http.ResponseWriter, r *http.Request, stream <-chan StreamEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, open := <-stream:
			if !open {
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if event.Err != nil {
				fmt.Fprintf(w, "event: error\ndata: %q\n\n", event.Err.Error())
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", event.Data)
			flusher.Flush()
		case <-r.Context().Done():
			// Client went away; the router's relay goroutine sees the
			// same cancellation and stops reading upstream.
			return
		}
	}
}
