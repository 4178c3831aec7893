// Copyright 2025 vrflow authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package flowdump writes the flow table in its packed layout to a file and
// reads such files back through a read-only memory mapping, so that tools
// can inspect the table of a running router without going through the
// management API.
package flowdump

import (
	"bufio"
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/vrflow/vrflow/pkg/log"
	"github.com/vrflow/vrflow/pkg/private/serrors"
	"github.com/vrflow/vrflow/private/periodic"
	"github.com/vrflow/vrflow/vrouter/flow"
)

// Dump is a memory mapped flow table dump.
type Dump struct {
	data []byte
}

// Open maps the dump at path.
func Open(path string) (*Dump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, serrors.Wrap("opening flow dump", err, "path", path)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, serrors.Wrap("reading flow dump size", err, "path", path)
	}
	size := fi.Size()
	if size%flow.RecordLen != 0 {
		return nil, serrors.New("flow dump is not a sequence of records", "path", path,
			"size", size, "record_len", flow.RecordLen)
	}
	if size == 0 {
		return &Dump{}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, serrors.Wrap("mapping flow dump", err, "path", path)
	}
	return &Dump{data: data}, nil
}

// Len returns the number of records, active or not.
func (d *Dump) Len() int {
	return len(d.data) / flow.RecordLen
}

// Record decodes the record at index i.
func (d *Dump) Record(i int) (flow.Record, error) {
	if i < 0 || i >= d.Len() {
		return flow.Record{}, serrors.New("record index out of range", "index", i, "len", d.Len())
	}
	return flow.ParseRecord(d.data[i*flow.RecordLen : (i+1)*flow.RecordLen])
}

// Range calls fn for every valid record in index order until fn returns
// false.
func (d *Dump) Range(fn func(flow.Record) bool) error {
	for i := 0; i < d.Len(); i++ {
		rec, err := d.Record(i)
		if err != nil {
			return err
		}
		if !rec.Valid {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// Close unmaps the dump.
func (d *Dump) Close() error {
	if d.data == nil {
		return nil
	}
	err := unix.Munmap(d.data)
	d.data = nil
	return err
}

// Write writes the table to path. The file is replaced atomically, so
// readers never map a partially written dump.
func Write(path string, t *flow.Table) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return serrors.Wrap("creating flow dump", err, "path", path)
	}
	defer os.Remove(tmp.Name())
	w := bufio.NewWriterSize(tmp, 64*flow.RecordLen)
	if _, err := t.WriteTo(w); err != nil {
		tmp.Close()
		return serrors.Wrap("writing flow dump", err, "path", path)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return serrors.Wrap("writing flow dump", err, "path", path)
	}
	if err := tmp.Close(); err != nil {
		return serrors.Wrap("closing flow dump", err, "path", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return serrors.Wrap("replacing flow dump", err, "path", path)
	}
	return nil
}

// Task returns a periodic task that dumps the table to path.
func Task(path string, t *flow.Table) periodic.Task {
	return periodic.Func{
		TaskName: "flow_dump",
		Task: func(ctx context.Context) {
			if err := Write(path, t); err != nil {
				log.FromCtx(ctx).Error("Dumping flow table failed", "err", err)
			}
		},
	}
}
