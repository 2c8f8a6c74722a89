// Copyright 2025 Kadir Pekel
//
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

// Package server exposes the gateway over HTTP.
//
// Routes:
//
//	GET    /ws/chat                 chat socket
//	GET    /ws/logs?jobId=          log socket
//	POST   /api/chat                request/response chat
//	GET    /api/sessions/{id}       session info
//	GET    /api/sessions/{id}/last  last envelope of a session
//	DELETE /api/sessions/{id}       end a session
//	GET    /api/stats               gateway statistics
//	POST   /admin/quota/reset       reset quota counters of an identifier
//	DELETE /admin/cache?pattern=    invalidate cache entries
//	GET    /health, /ready          liveness and readiness
//	GET    /metrics                 Prometheus exposition
//
// Admin routes are mounted only when an admin token is configured and
// require it as a bearer token.
package server
