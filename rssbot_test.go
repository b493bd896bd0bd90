// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package rssbot

import (
	"bytes"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

var sourceDirs = []string{"cmd", "internal"}

func TestGofmt(t *testing.T) {
	var w bytes.Buffer
	c := exec.Command("gofmt", append([]string{"-l"}, sourceDirs...)...)
	c.Stdout = &w
	c.Stderr = &w
	if err := c.Run(); err != nil {
		t.Fatalf("gofmt failed: %v\n\n%v", err, w.String())
	}
	if files := strings.TrimSpace(w.String()); files != "" {
		t.Fatalf("run gofmt on these files:\n%v", files)
	}
}

func TestCopyright(t *testing.T) {
	const header = "// © "
	const license = "// Use of this source code is governed by the ISC\n// license that can be found in the LICENSE.md file.\n"

	for _, dir := range sourceDirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || filepath.Ext(path) != ".go" {
				return nil
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if !bytes.HasPrefix(b, []byte(header)) || !bytes.Contains(b, []byte(license)) {
				t.Errorf("%s: missing copyright header", path)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}
