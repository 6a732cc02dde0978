// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Xrtdump inspects program dumps written by the XRT client when it is
// configured with a dump path. For each dumped program it prints the
// file path, the program size, and the program's content hash, so
// failed compilations can be matched up across runs and workers.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/spaolacci/murmur3"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: xrtdump path...

Xrtdump prints a summary of each dumped program at the provided paths.
A path naming a directory is expanded to the dump files beneath it.
Paths may name local files or s3:// URLs.

`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}
	ctx := context.Background()
	var paths []string
	for _, arg := range flag.Args() {
		lst := file.List(ctx, arg, true)
		n := 0
		for lst.Scan() {
			if strings.HasSuffix(lst.Path(), ".bin") {
				paths = append(paths, lst.Path())
				n++
			}
		}
		if err := lst.Err(); err != nil {
			log.Fatal(err)
		}
		if n == 0 {
			paths = append(paths, arg)
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := dump(ctx, path); err != nil {
			log.Error.Printf("%s: %v", path, err)
		}
	}
}

func dump(ctx context.Context, path string) error {
	f, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer f.Close(ctx)
	program, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%016x\n", path,
		humanize.Bytes(uint64(len(program))), murmur3.Sum64(program))
	return nil
}
