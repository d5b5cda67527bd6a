package main

import (
	"fmt"
	"path/filepath"
	"time"

	"replicafs/internal/protocol"
)

func formatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// outputName is where a download lands when no --output is given. Only the
// base of the stored name is used so a download never escapes the working
// directory.
func outputName(info protocol.FileInfo) string {
	name := filepath.Base(info.Name)
	if name == "." || name == "/" || name == "" || name == ".." {
		return info.FileID
	}
	return name
}
