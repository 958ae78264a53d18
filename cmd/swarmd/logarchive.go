package main

import (
	"fmt"
	"os"

	"github.com/pierrec/lz4/v4"
)

// archiveLog LZ4-compresses path into path+".lz4" and removes the
// original, run once at clean shutdown so a long-lived instance doesn't
// leave uncompressed log text behind. Missing input is not an error —
// swarmd may have been run with no log-archive directory configured.
func archiveLog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return fmt.Errorf("lz4 compress %s: %w", path, err)
	}
	if n == 0 {
		// Input didn't shrink; lz4 declines to emit a block. Leave the
		// original file alone rather than write a useless archive.
		return nil
	}

	if err := os.WriteFile(path+".lz4", dst[:n], 0o644); err != nil {
		return fmt.Errorf("write %s.lz4: %w", path, err)
	}
	return os.Remove(path)
}
