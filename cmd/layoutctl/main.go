// Command layoutctl exercises an Engine against a data file: format,
// put/get/delete a block, flush, and print stats.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"blocklayout"
)

func main() {
	var (
		path     = flag.String("f", "", "data file path")
		create   = flag.Bool("create", false, "create the file if it does not exist")
		put      = flag.Uint64("put", 0, "bid to write (reads payload from stdin)")
		get      = flag.Uint64("get", 0, "bid to read (prints payload to stdout)")
		del      = flag.Uint64("delete", 0, "bid to delete")
		stats    = flag.Bool("stats", false, "print superblock/directory/hole-list stats")
		snappy   = flag.Bool("snappy", true, "use snappy compression (must match the codec of an existing file)")
		verbose  = flag.Bool("v", false, "verbose logging")
		workers  = flag.Int("workers", 0, "async worker pool size (0 = default)")
	)
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "layoutctl: -f is required")
		os.Exit(2)
	}

	if *verbose {
		logrus.SetLevel(logrus.TraceLevel)
	}

	compress := layout.CompressNone
	if *snappy {
		compress = layout.CompressSnappy
	}

	if _, err := os.Stat(*path); os.IsNotExist(err) && !*create {
		fmt.Fprintf(os.Stderr, "layoutctl: %s does not exist; pass -create to format a new one\n", *path)
		os.Exit(1)
	}

	eng, err := layout.Open(*path, &layout.Options{
		Compress:     compress,
		AsyncWorkers: *workers,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "layoutctl: open failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "layoutctl: close failed: %v\n", err)
			os.Exit(1)
		}
	}()

	if *put != 0 {
		payload, err := readAllStdin()
		if err != nil {
			fmt.Fprintf(os.Stderr, "layoutctl: read stdin: %v\n", err)
			os.Exit(1)
		}
		block := alignedBlock(payload)
		done := make(chan error, 1)
		eng.AsyncWrite(layout.BlockId(*put), block, func(err error) { done <- err })
		if err := <-done; err != nil {
			fmt.Fprintf(os.Stderr, "layoutctl: write failed: %v\n", err)
			os.Exit(1)
		}
	}

	if *get != 0 {
		block, err := eng.Read(layout.BlockId(*get))
		if err != nil {
			fmt.Fprintf(os.Stderr, "layoutctl: read failed: %v\n", err)
			os.Exit(1)
		}
		if block == nil {
			fmt.Fprintf(os.Stderr, "layoutctl: bid %d not found\n", *get)
			os.Exit(1)
		}
		os.Stdout.Write(block.Payload())
	}

	if *del != 0 {
		if err := eng.DeleteBlock(layout.BlockId(*del)); err != nil {
			fmt.Fprintf(os.Stderr, "layoutctl: delete failed: %v\n", err)
			os.Exit(1)
		}
	}

	if err := eng.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "layoutctl: flush failed: %v\n", err)
		os.Exit(1)
	}

	if *stats {
		printStats(eng)
	}
}

func printStats(eng *layout.Engine) {
	fmt.Printf("compression:     %s\n", eng.Compression())
	fmt.Printf("directory_size:  %d\n", eng.DirectorySize())
	fmt.Printf("offset:          %d\n", eng.Offset())
	fmt.Printf("file_length:     %d\n", eng.FileLength())
	holes := eng.Holes()
	fmt.Printf("holes:           %d\n", len(holes))
	for _, h := range holes {
		fmt.Printf("  offset=%d size=%d\n", h.Offset, h.Size)
	}
}

func readAllStdin() ([]byte, error) {
	buf := make([]byte, 0, layout.PageSize)
	chunk := make([]byte, layout.PageSize)
	for {
		n, err := os.Stdin.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

// alignedBlock pads payload up to the next page boundary so it
// satisfies Engine.AsyncWrite's alignment precondition.
func alignedBlock(payload []byte) *layout.Block {
	size := len(payload)
	rounded := size
	if rem := rounded % layout.PageSize; rem != 0 {
		rounded += layout.PageSize - rem
	}
	if rounded == 0 {
		rounded = layout.PageSize
	}
	buf := make([]byte, rounded)
	copy(buf, payload)
	return layout.NewBlock(buf, size)
}
