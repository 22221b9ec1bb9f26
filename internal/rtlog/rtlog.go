// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package rtlog is the CORE's minimal internal logger: a single
// log/slog.Logger, silent by default, that the allocator debug wrapper and
// the stop-the-world coordinator use to report conditions an embedding
// host's own observability stack should see (red-zone corruption, the
// start and end of a stop-the-world halt). Nothing on the evaluator's
// hot path logs — the teacher itself barely logs outside its node/RPC
// surface, and the CORE's own hot paths (§4.6's dispatch loop, §4.1's
// refcount engine) have even less business doing so.
package rtlog

import (
	"io"
	"log/slog"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// SetLogger installs l as the CORE's runtime logger. Hosts call this once
// at startup to route rtlog output into their own logging pipeline;
// without a call, every log is discarded.
func SetLogger(l *slog.Logger) { logger.Store(l) }

// L returns the currently installed logger.
func L() *slog.Logger { return logger.Load() }
