//go:build !darwin && !linux && !openh264cgo

package openh264

func openNativeLibrary() (nativeLibrary, error) {
	return nil, ErrLibraryNotFound
}
