package sftpremote

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/sftp"
)

// createDirAll recursively creates path and every missing ancestor,
// tolerating a directory that already exists at any level. It fails if a
// non-directory file occupies any path component.
func createDirAll(client *sftp.Client, path string) error {
	if fi, err := client.Stat(path); err == nil {
		if fi.IsDir() {
			return nil
		}
		return fmt.Errorf("a file with the same name already exists: %s", path)
	}

	cur := ""
	if strings.HasPrefix(path, "/") {
		cur = "/"
	}
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		switch {
		case cur == "" || cur == "/":
			cur = cur + part
		default:
			cur = cur + "/" + part
		}

		if err := client.Mkdir(cur); err != nil {
			fi, statErr := client.Stat(cur)
			if statErr != nil {
				return err
			}
			if !fi.IsDir() {
				return fmt.Errorf("path component is a file, not a directory: %s", cur)
			}
			// Already exists as a directory; continue with the next component.
		}
	}
	return nil
}

// removeDirAll recursively removes path and its contents, post-order
// (children before the directory itself). A missing path is not an
// error: the target state (gone) is already reached.
func removeDirAll(client *sftp.Client, path string) error {
	fi, err := client.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	entries, err := client.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}
		child := path + "/" + name
		if entry.IsDir() {
			if err := removeDirAll(client, child); err != nil {
				return err
			}
			continue
		}
		_ = client.Remove(child)
	}

	return client.RemoveDirectory(path)
}
