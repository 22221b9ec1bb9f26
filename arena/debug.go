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

package arena

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/probechain/go-probe/internal/rtlog"
)

// redZone is the pattern stored in each allocation's out-of-line debug
// record. It is not written into the arena's bytes around the allocation,
// so a write past the end of an allocation does not touch it and is not
// detected.
var redZone = [8]byte{0xDE, 0xAD, 0xBE, 0xEF, 0xDE, 0xAD, 0xBE, 0xEF}

// Debug wraps an Arena with serial numbers and red-zone bytes per
// allocation, recorded out-of-line in a fastcache.Cache keyed by a
// synthetic "heap:addr" key rather than inline in the arena's own byte
// array — this keeps the red-zone bookkeeping entirely out of the hot
// allocation path the non-debug Arena takes, at the cost of an extra
// fastcache write or lookup in every Debug Alloc, Free and Serial call.
type Debug struct {
	*Arena
	records *fastcache.Cache
	serial  atomic.Uint64
}

// NewDebug constructs a debug-wrapped Arena. maxRecordBytes bounds the
// fastcache instance backing the red-zone/serial ledger; it is independent
// of the Arena's own per-heap Limits.
func NewDebug(lim Limits, maxRecordBytes int) *Debug {
	return &Debug{
		Arena:   New(lim),
		records: fastcache.New(maxRecordBytes),
	}
}

func recordKey(kind Kind, addr uint64) []byte {
	key := make([]byte, 9)
	key[0] = byte(kind)
	binary.LittleEndian.PutUint64(key[1:], addr)
	return key
}

// Alloc allocates as the wrapped Arena does, then records a serial number
// and red-zone pattern for the allocation.
func (d *Debug) Alloc(kind Kind, size uint64) (uint64, error) {
	addr, err := d.Arena.Alloc(kind, size)
	if err != nil {
		return 0, err
	}
	serial := d.serial.Add(1)
	rec := make([]byte, 8+len(redZone))
	binary.LittleEndian.PutUint64(rec, serial)
	copy(rec[8:], redZone[:])
	d.records.Set(recordKey(kind, addr), rec)
	return addr, nil
}

// Free checks that a debug record exists for addr and that its stored
// red-zone pattern is intact before delegating to the wrapped Arena's Free.
// A missing record (a double or foreign free) is reported as ErrDoubleFree;
// buffer overruns into neighboring arena bytes are not detected, since the
// pattern lives only in the out-of-line record.
func (d *Debug) Free(kind Kind, addr uint64) error {
	key := recordKey(kind, addr)
	rec := d.records.Get(nil, key)
	if rec == nil {
		return fmt.Errorf("%w: no debug record for heap=%s addr=0x%x", ErrDoubleFree, kind, addr)
	}
	got := rec[8:]
	for i, b := range redZone {
		if got[i] != b {
			rtlog.L().Error("red-zone corruption detected", "heap", kind.String(), "addr", fmt.Sprintf("0x%x", addr))
			return fmt.Errorf("arena: red-zone corruption at heap=%s addr=0x%x", kind, addr)
		}
	}
	d.records.Del(key)
	return d.Arena.Free(kind, addr)
}

// Serial returns the allocation serial number recorded for addr, or false
// if none is on record (already freed, or never allocated through this
// Debug wrapper).
func (d *Debug) Serial(kind Kind, addr uint64) (uint64, bool) {
	rec := d.records.Get(nil, recordKey(kind, addr))
	if rec == nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(rec), true
}

// Stats reports the underlying fastcache's bookkeeping overhead, useful for
// capacity planning of long debug sessions.
func (d *Debug) Stats() fastcache.Stats {
	var s fastcache.Stats
	d.records.UpdateStats(&s)
	return s
}
