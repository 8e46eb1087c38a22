// nv-pkginfo prints the metadata and BLAKE3 digest of built package files,
// the same data nv-helper records in its run report.
package main

import (
	"fmt"
	"os"

	"nvhelper/internal/artifact"
	"nvhelper/internal/console"
)

func main() {
	console.Init()
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: nv-pkginfo <package>...")
		os.Exit(1)
	}

	failed := false
	for _, path := range os.Args[1:] {
		if err := show(path); err != nil {
			console.Fatal(err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func show(path string) error {
	digest, size, err := artifact.Digest(path)
	if err != nil {
		return err
	}
	info, err := artifact.ReadPkgInfo(path)
	if err != nil {
		return err
	}
	console.Info("%s", path)
	fmt.Printf("  pkgname: %s\n  pkgver:  %s\n  arch:    %s\n  size:    %d\n  blake3:  %s\n",
		info.Name, info.Version, info.Arch, size, digest)
	return nil
}
