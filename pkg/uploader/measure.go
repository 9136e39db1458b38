package uploader

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/karrick/godirwalk"
)

// TreeSize sums the byte size of every regular file under root. When
// honorDevice is set, subtrees on a different device than root are skipped
// (du -x behavior); disabled on NFS where device numbers are unstable.
func TreeSize(root string, honorDevice bool) (int64, error) {
	var rootDev uint64
	if honorDevice {
		fi, err := os.Lstat(root)
		if err != nil {
			return 0, err
		}
		rootDev = uint64(fi.Sys().(*syscall.Stat_t).Dev)
	}

	var total int64
	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			fi, err := os.Lstat(path)
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if de.IsDir() {
				if honorDevice && uint64(fi.Sys().(*syscall.Stat_t).Dev) != rootDev {
					return filepath.SkipDir
				}
				return nil
			}
			if fi.Mode().IsRegular() {
				total += fi.Size()
			}
			return nil
		},
		Unsorted: true,
	})
	return total, err
}
