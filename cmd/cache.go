// cmd/cache.go
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the on-disk PSF/gain caches",
}

var cacheInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Report occupancy of each LRU cache subdirectory",
	RunE:  runCacheInspect,
}

func init() {
	cacheCmd.AddCommand(cacheInspectCmd)
}

// the three subdirectories scalemachine.Machine.initCaches creates, each
// backing one of give_gain's LRU caches (spec.md §4.2).
var cacheSubdirs = []string{"gains", "convpsf", "conv2psf"}

func runCacheInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SUBDIR\tFILES\tBYTES")
	var totalFiles, totalBytes int64
	for _, name := range cacheSubdirs {
		dir := filepath.Join(cfg.WSCMS.CacheDir, name)
		files, bytes, err := inspectDir(dir)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t-\t(%v)\n", name, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\n", name, files, bytes)
		totalFiles += files
		totalBytes += bytes
	}
	fmt.Fprintf(w, "TOTAL\t%d\t%d\n", totalFiles, totalBytes)
	return w.Flush()
}

// inspectDir counts persisted array files (".arr") and their total size
// under dir, ignoring in-progress temp files (cache.Store writes those with
// a "." prefix before renaming them into place).
func inspectDir(dir string) (files int64, size int64, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".arr") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files++
		size += info.Size()
	}
	return files, size, nil
}
