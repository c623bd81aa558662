package differ

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// CreateAddFile returns a git-style diff that adds a new file at the
// relative path p with the given content, as `git diff --no-index
// /dev/null p` would print it.
func CreateAddFile(p, content string) (string, error) {
	if p == "" || filepath.IsAbs(p) || path.IsAbs(p) {
		return "", fmt.Errorf("create add-file diff: path %q must be relative", p)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", p, p)
	b.WriteString("new file mode 100644\n")
	fmt.Fprintf(&b, "index 0000000..%s\n", abbrevBlobID(content))
	if content == "" {
		return b.String(), nil
	}

	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	missingEOL := !strings.HasSuffix(content, "\n")
	if missingEOL {
		lines[len(lines)-1] += "\n"
	}

	hunk, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        []string{},
		B:        lines,
		FromFile: "/dev/null",
		ToFile:   "b/" + p,
	})
	if err != nil {
		return "", fmt.Errorf("create add-file diff: %w", err)
	}
	b.WriteString(hunk)
	if missingEOL {
		b.WriteString("\\ No newline at end of file\n")
	}
	return b.String(), nil
}

// abbrevBlobID is the 7 character id git assigns a blob with content.
func abbrevBlobID(content string) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))[:7]
}
