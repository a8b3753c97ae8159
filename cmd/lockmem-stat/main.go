// Exercises the protected heap and prints its counters. Build with
// -tags lockmem_stats, default builds report zeroes.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"lockmem"
	"lockmem/internal/util"
)

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.TimeOnly,
	})))

	bufs := make([]*lockmem.Buffer[byte], 0, 16)
	for range 16 {
		b, err := lockmem.CreateBufferRand[byte](64)
		if err != nil {
			slog.Error("alloc", "err", err)
			os.Exit(1)
		}
		bufs = append(bufs, b)
	}

	fmt.Print(util.PrettyPrintChunk(bufs[0].Bytes(), 64))

	key, err := lockmem.CreateKeyRand[byte](32)
	if err != nil {
		slog.Error("key alloc", "err", err)
		os.Exit(1)
	}
	key.ReadWith(func(v []byte) {
		slog.Debug("key mapped", "len", len(v))
	})

	s := lockmem.HeapStats()
	slog.Info("heap", "allocs", s.Allocs, "frees", s.Frees,
		"bytes_in_use", s.BytesInUse, "pages_mapped", s.PagesMapped)

	for _, b := range bufs {
		b.Destroy()
	}
	key.Destroy()

	s = lockmem.HeapStats()
	slog.Info("heap after free", "allocs", s.Allocs, "frees", s.Frees,
		"bytes_in_use", s.BytesInUse)

	lockmem.Teardown()
}
