package probe

import (
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// localPathInfo reads free space through the local statfs path instead of
// shelling out to df.
func localPathInfo(path string) (PathInfo, error) {
	usage, err := disk.Usage(filepath.Clean(path))
	if err != nil {
		return PathInfo{}, err
	}
	writable := false
	if f, err := os.CreateTemp(path, ".probe-*"); err == nil {
		writable = true
		name := f.Name()
		f.Close()
		os.Remove(name)
	}
	return PathInfo{
		Path:       path,
		Writable:   writable,
		FreeBytes:  usage.Free,
		TotalBytes: usage.Total,
	}, nil
}
