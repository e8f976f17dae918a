//go:build windows

package filesystem

import "golang.org/x/sys/windows"

// osReplace: MoveFileEx 覆盖目标并在返回前落盘。
func osReplace(tmpPath, dest string) error {
	from, err := windows.UTF16PtrFromString(tmpPath)
	if err != nil {
		return err
	}
	to, err := windows.UTF16PtrFromString(dest)
	if err != nil {
		return err
	}
	return windows.MoveFileEx(from, to, windows.MOVEFILE_REPLACE_EXISTING|windows.MOVEFILE_WRITE_THROUGH)
}

// syncDir: Windows 不支持目录 fsync，MOVEFILE_WRITE_THROUGH 已覆盖元数据。
func syncDir(string) error { return nil }
