//go:build (darwin || linux) && !openh264cgo

package openh264

import (
	"os"
	"path/filepath"
	"runtime"
)

// libraryNames lists the file names libopenh264 ships under, preferred
// first.
func libraryNames() []string {
	if runtime.GOOS == "darwin" {
		return []string{"libopenh264.dylib", "libopenh264.7.dylib"}
	}
	return []string{"libopenh264.so", "libopenh264.so.7", "libopenh264.so.6"}
}

// libraryPaths returns candidate locations in search order: explicit
// environment overrides, directories next to the executable and the module
// root, then bare names resolved by the dynamic loader, then common system
// prefixes.
func libraryPaths() []string {
	names := libraryNames()
	var paths []string

	if p := os.Getenv("OPENH264_LIB_PATH"); p != "" {
		paths = append(paths, p)
	}
	if dir := os.Getenv("OPENH264_LIB_DIR"); dir != "" {
		paths = appendJoined(paths, dir, names)
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = appendJoined(paths, exeDir, names)
		paths = appendJoined(paths, filepath.Join(exeDir, "..", "lib"), names)
	}
	if root := findModuleRoot(); root != "" {
		paths = appendJoined(paths, filepath.Join(root, "build"), names)
		paths = appendJoined(paths, filepath.Join(root, "lib"), names)
	}

	paths = append(paths, names...)

	var prefixes []string
	switch runtime.GOOS {
	case "darwin":
		prefixes = []string{"/opt/homebrew/lib", "/usr/local/lib"}
	case "linux":
		prefixes = []string{"/usr/local/lib", "/usr/lib", "/usr/lib64", "/usr/lib/x86_64-linux-gnu", "/usr/lib/aarch64-linux-gnu"}
	}
	for _, prefix := range prefixes {
		paths = appendJoined(paths, prefix, names)
	}
	return paths
}

func appendJoined(paths []string, dir string, names []string) []string {
	for _, name := range names {
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths
}

// findModuleRoot walks up from the working directory to the nearest
// directory containing go.mod.
func findModuleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
