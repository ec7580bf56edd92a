// Package paths maps untrusted, provider-supplied strings (usernames, item
// names, file names) onto safe filesystem path segments and guards every
// join against escaping the output root.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrTraversal is returned when a joined path resolves outside the root.
	ErrTraversal = errors.New("path escapes output root")
	// ErrUnsafeName is returned for input that cannot be reduced to a safe,
	// non-empty path segment.
	ErrUnsafeName = errors.New("name cannot be sanitized to a path segment")
)

// Kind selects the sanitization profile for a segment.
type Kind int

const (
	KindItem Kind = iota // directory token, no extension handling
	KindFile             // leaf file name, extension preserved
)

const (
	// maxInputLength clamps raw provider strings before any other rule runs;
	// item names are unbounded in theory.
	maxInputLength = 500

	maxUsernameLength = 64
	maxSegmentLength  = 200

	// MaxPathLength is the target bound for a full destination path.
	MaxPathLength = 200
)

// unsafeChars covers characters disallowed on common filesystems: control
// characters (C0, DEL and C1), the Windows special set, and quote variants.
// The \x escapes are left for the regexp engine; expanding them in the Go
// literal would embed bytes that are not valid UTF-8.
var unsafeChars = regexp.MustCompile("[<>:\"/\\\\|?*'`‘’“”\\x00-\\x1f\\x7f-\\x9f]")

var multiUnderscore = regexp.MustCompile(`__+`)

var usernameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

var reservedNames = func() map[string]struct{} {
	m := map[string]struct{}{"CON": {}, "PRN": {}, "AUX": {}, "NUL": {}}
	for i := 1; i <= 9; i++ {
		m[fmt.Sprintf("COM%d", i)] = struct{}{}
		m[fmt.Sprintf("LPT%d", i)] = struct{}{}
	}
	return m
}()

func isReserved(stem string) bool {
	_, ok := reservedNames[strings.ToUpper(stem)]
	return ok
}

func clampRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// SanitizeUsername validates and normalizes a username for use as the
// per-user directory. Unlike generic segments it rejects rather than
// rewrites hostile input: an unsalvageable username aborts that user's run.
func SanitizeUsername(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty username", ErrUnsafeName)
	}
	safe := usernameUnsafe.ReplaceAllString(clampRunes(raw, maxInputLength), "_")
	safe = strings.Trim(safe, "_.")
	if safe == "" {
		return "", fmt.Errorf("%w: username %q", ErrUnsafeName, raw)
	}
	if strings.Trim(safe, "_-") == "" {
		return "", fmt.Errorf("%w: username %q has no alphanumeric content", ErrUnsafeName, raw)
	}
	// Purely numeric names could collide with provider ids used elsewhere
	// in the tree.
	if allDigits(safe) {
		safe = "user_" + safe
	}
	if isReserved(safe) {
		return "", fmt.Errorf("%w: username %q is a reserved device name", ErrUnsafeName, raw)
	}
	return clampRunes(safe, maxUsernameLength), nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// SanitizeSegment reduces an untrusted string to a single safe path segment.
// It is deterministic and total for well-formed-but-ugly input; it fails only
// for input that is irrecoverable (empty after stripping, or carrying a `..`
// path component).
func SanitizeSegment(raw string, kind Kind) (string, error) {
	s := clampRunes(raw, maxInputLength)

	// Treat the input as a leaf name: discard directory components, but
	// refuse outright if any component is a parent reference.
	s = strings.ReplaceAll(s, "\\", "/")
	parts := strings.Split(s, "/")
	s = ""
	for _, p := range parts {
		if strings.TrimSpace(p) == ".." {
			return "", fmt.Errorf("%w: %q contains a parent reference", ErrUnsafeName, raw)
		}
		if p != "" {
			s = p // keep the last non-empty component
		}
	}

	stem, ext := s, ""
	if kind == KindFile {
		if rawExt := filepath.Ext(s); sanitizeExt(rawExt) != "" {
			ext = rawExt
			stem = strings.TrimSuffix(s, rawExt)
		}
	}

	stem = unsafeChars.ReplaceAllString(stem, "_")
	if isReserved(stem) {
		stem = "_"
	}
	stem = multiUnderscore.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "_.")
	stem = strings.TrimSpace(stem)
	if stem == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, raw)
	}

	if budget := maxSegmentLength - len(ext); len([]rune(stem)) > budget {
		stem = strings.TrimRight(clampRunes(stem, budget), "_.")
	}
	return stem + ext, nil
}

// sanitizeExt keeps an extension only if it is a short dot-prefixed
// alphanumeric token; anything else is folded into the stem's rules.
func sanitizeExt(ext string) string {
	if len(ext) < 2 || len(ext) > 16 || ext[0] != '.' {
		return ""
	}
	for _, r := range ext[1:] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return ""
		}
	}
	return ext
}

// FitWithinPath truncates name's stem so that parent + separator + name stays
// within maxPath, preserving the extension and dropping any now-dangling
// trailing underscore. The parent directory is already committed, so only the
// leaf can give ground.
func FitWithinPath(name, parent string, maxPath int) (string, error) {
	if len(parent)+1+len(name) <= maxPath {
		return name, nil
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	budget := maxPath - len(parent) - 1 - len(ext)
	if budget < 1 {
		return "", fmt.Errorf("%w: no room for %q under %q", ErrUnsafeName, name, parent)
	}
	stem = strings.TrimRight(clampRunes(stem, budget), "_.")
	if stem == "" {
		return "", fmt.Errorf("%w: %q truncates to nothing", ErrUnsafeName, name)
	}
	return stem + ext, nil
}

// SafeJoin joins segments under root and verifies, via symlink-following
// resolution, that the result is root or a strict descendant. String checks
// alone are not enough: a symlink planted inside the tree could alias a
// well-formed relative path to anywhere.
func SafeJoin(root string, segments ...string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root %s: %w", root, err)
	}
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." ||
			strings.ContainsAny(seg, `/\`) {
			return "", fmt.Errorf("%w: bad segment %q", ErrTraversal, seg)
		}
	}
	joined := filepath.Join(append([]string{absRoot}, segments...)...)

	resolvedRoot, err := resolveExisting(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolving root %s: %w", absRoot, err)
	}
	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", joined, err)
	}
	if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s resolves to %s, outside %s", ErrTraversal, joined, resolved, resolvedRoot)
	}
	return joined, nil
}

// resolveExisting canonicalizes p by resolving symlinks on its longest
// existing ancestor and re-attaching the not-yet-created remainder.
func resolveExisting(p string) (string, error) {
	suffix := ""
	cur := filepath.Clean(p)
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if suffix == "" {
				return resolved, nil
			}
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Hit the filesystem root without finding anything.
			return filepath.Join(cur, suffix), nil
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}
