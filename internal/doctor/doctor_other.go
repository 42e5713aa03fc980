//go:build !linux

package doctor

func checkDiskSpace(cfgDir string) Result {
	return Result{
		Name:   "Disk space",
		Status: StatusPass,
		Detail: "check skipped on this platform",
	}
}
