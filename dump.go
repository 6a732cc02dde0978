// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// dumpPrograms writes the programs of a failed compilation to the
// configured dump path for offline diagnosis. Dumps are best-effort:
// failures are logged, never surfaced, and the compile error is
// reported regardless. The path may name any registered file
// implementation (e.g. s3:// when the s3 implementation is
// registered).
func (c *Client) dumpPrograms(ctx context.Context, compilationDevice string, instances []CompileInstance) {
	if c.opts.DumpPath == "" {
		return
	}
	stamp := time.Now().UnixNano()
	for i, instance := range instances {
		path := fmt.Sprintf("%s/program-%d-%02d.bin", c.opts.DumpPath, stamp, i)
		if err := writeDump(ctx, path, instance.Program); err != nil {
			log.Error.Printf("xrt: dump %s: %v", path, err)
			continue
		}
		log.Printf("xrt: dumped failing program for %s to %s (%s)",
			compilationDevice, path, humanize.Bytes(uint64(len(instance.Program))))
	}
}

func writeDump(ctx context.Context, path string, program []byte) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err = f.Writer(ctx).Write(program); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}
