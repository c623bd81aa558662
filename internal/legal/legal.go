// Package legal keeps the copyright and license footer at the end of every
// tracked source file up to date.
package legal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Footer pieces, in order.
const (
	Divider         = "#------------------------------------------------------------------------------"
	CopyrightFormat = "# Copyright (C) %s Bloomberg Finance L.P."
	BlankLine       = "#"
	EndOfFile       = "#------------------------------- END-OF-FILE ----------------------------------"
)

// MITLicense is the license text carried in every footer.
const MITLicense = `# Permission is hereby granted, free of charge, to any person obtaining a copy
# of this software and associated documentation files (the "Software"), to
# deal in the Software without restriction, including without limitation the
# rights to use, copy, modify, merge, publish, distribute, sublicense, and/or
# sell copies of the Software, and to permit persons to whom the Software is
# furnished to do so, subject to the following conditions:
#
# The above copyright notice and this permission notice shall be included in
# all copies or substantial portions of the Software.
#
# THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
# IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
# FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.  IN NO EVENT SHALL THE
# AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
# LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING
# FROM, OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS
# IN THE SOFTWARE.`

var (
	ignoreSuffixes = []string{
		".generated.txt",
		".md",
	}
	ignoreBasenames = map[string]bool{
		".arcconfig": true,
		".gitignore": true,
		".pylint.rc": true,
	}
	ignorePaths = map[string]bool{
		".travis.yml":                                     true,
		"LICENSE":                                         true,
		"meta/package_deps/expected-package-deps":         true,
		"meta/review_states/review_states.dot":            true,
		"testbed/arcyon/diff1":                            true,
		"testbed/arcyon/diff2":                            true,
		"testbed/linterate/hello_world.cpp":               true,
		"testbed/linterate/hello_world_bad.cpp":           true,
		"vagrant/Vagrantfile":                             true,
		"vagrant/puppet/phabricator/files/initial.db":     true,
		"vagrant/puppet/phabricator/manifests/default.pp": true,
		"vagrant/puppet/phabricator/templates/vhost.erb":  true,
	}
)

// ShouldProcess reports whether the repository-relative, slash-separated
// path p is expected to carry a footer.
func ShouldProcess(p string) bool {
	for _, suffix := range ignoreSuffixes {
		if strings.HasSuffix(p, suffix) {
			return false
		}
	}
	if ignoreBasenames[path.Base(p)] {
		return false
	}
	return !ignorePaths[p]
}

// DateRangeText renders "2014" or "2013-2014".
func DateRangeText(firstYear, lastYear int) string {
	if firstYear == lastYear {
		return strconv.Itoa(firstYear)
	}
	return fmt.Sprintf("%d-%d", firstYear, lastYear)
}

// ExpectedFooter is the complete footer, ending in a newline.
func ExpectedFooter(firstYear, lastYear int) string {
	return strings.Join([]string{
		Divider,
		fmt.Sprintf(CopyrightFormat, DateRangeText(firstYear, lastYear)),
		BlankLine,
		MITLicense,
		EndOfFile,
		"",
	}, "\n")
}

// Divide splits contents into the text before the footer and the footer.
// The footer starts at the last divider line preceding the last
// END-OF-FILE line; without both, the footer is empty.
func Divide(contents string) (before, footer string) {
	end := strings.LastIndex(contents, "\n"+EndOfFile)
	if end == -1 {
		return contents, ""
	}
	start := strings.LastIndex(contents[:end], "\n"+Divider)
	if start == -1 {
		return contents, ""
	}
	start++
	return contents[:start], contents[start:]
}

// Correct returns contents with its footer replaced by the expected one.
// Contents that already carry the expected footer are returned unchanged.
func Correct(contents string, firstYear, lastYear int) string {
	expected := ExpectedFooter(firstYear, lastYear)
	before, actual := Divide(contents)
	if actual == expected {
		return contents
	}
	return before + expected
}

// History supplies the commit times of a file.
type History interface {
	FirstCommitTime(ctx context.Context, path string) (time.Time, error)
	LastCommitTime(ctx context.Context, path string) (time.Time, error)
}

// Lister supplies the files to check.
type Lister interface {
	TrackedFiles(ctx context.Context) ([]string, error)
	ChangedSince(ctx context.Context, commit string) ([]string, error)
}

// Repository is what a Fixer needs from a git working copy.
type Repository interface {
	History
	Lister
}

// Fixer rewrites the files of one working copy.
type Fixer struct {
	root   string
	repo   Repository
	out    io.Writer
	logger *slog.Logger
}

// NewFixer returns a Fixer for the working copy at root. Written paths are
// reported on out.
func NewFixer(root string, repo Repository, out io.Writer, logger *slog.Logger) *Fixer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fixer{root: root, repo: repo, out: out, logger: logger.With("component", "fixlegal")}
}

// Run checks every tracked file, or only those changed since
// differentSince when it is not empty, and returns the rewritten paths.
func (f *Fixer) Run(ctx context.Context, differentSince string) ([]string, error) {
	var (
		files []string
		err   error
	)
	if differentSince != "" {
		files, err = f.repo.ChangedSince(ctx, differentSince)
	} else {
		files, err = f.repo.TrackedFiles(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	var written []string
	for _, p := range files {
		if !ShouldProcess(p) {
			continue
		}
		full := filepath.Join(f.root, filepath.FromSlash(p))
		info, err := os.Stat(full)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		changed, err := f.fixFile(ctx, p, full, info.Mode().Perm())
		if err != nil {
			return written, err
		}
		if changed {
			written = append(written, p)
			if f.out != nil {
				fmt.Fprintln(f.out, "wrote", p)
			}
		}
	}
	return written, nil
}

func (f *Fixer) fixFile(ctx context.Context, p, full string, perm os.FileMode) (bool, error) {
	first, err := f.repo.FirstCommitTime(ctx, p)
	if err != nil {
		return false, fmt.Errorf("first commit of %s: %w", p, err)
	}
	last, err := f.repo.LastCommitTime(ctx, p)
	if err != nil {
		return false, fmt.Errorf("last commit of %s: %w", p, err)
	}

	raw, err := os.ReadFile(full)
	if err != nil {
		return false, err
	}
	contents := string(raw)
	corrected := Correct(contents, first.UTC().Year(), last.UTC().Year())
	if corrected == contents {
		return false, nil
	}
	if err := os.WriteFile(full, []byte(corrected), perm); err != nil {
		return false, fmt.Errorf("write %s: %w", p, err)
	}
	f.logger.Debug("footer rewritten", "path", p)
	return true, nil
}
