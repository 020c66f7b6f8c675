package diag

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

var libraryDirs = []string{
	"/lib",
	"/lib64",
	"/usr/lib",
	"/usr/lib64",
	"/usr/lib/x86_64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
	"/usr/local/lib",
}

const deviceNodeGlob = "/dev/nvidia[0-9]*"

type systemHost struct{}

// SystemHost answers host checks against the running machine.
func SystemHost() Host {
	return systemHost{}
}

func (systemHost) LookupEnv(name string) (string, bool) {
	return os.LookupEnv(name)
}

func (h systemHost) LibraryExists(name string) bool {
	dirs := append([]string(nil), libraryDirs...)
	if extra := os.Getenv("LD_LIBRARY_PATH"); extra != "" {
		dirs = append(strings.Split(extra, ":"), dirs...)
	}

	for _, dir := range dirs {
		if dir != "" && h.FileExists(filepath.Join(dir, name)) {
			return true
		}
	}
	return false
}

func (systemHost) DeviceNodes() ([]string, error) {
	return filepath.Glob(deviceNodeGlob)
}

func (systemHost) Readable(path string) bool {
	return unix.Access(path, unix.R_OK) == nil
}

func (systemHost) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (systemHost) AvailableMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func (systemHost) CommandName(pid int) string {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}
