package diff

import (
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// ignoreRules is a chain of gitignore matchers, each scoped to the
// directory whose .gitignore (or, at the root, whose extra rules) it came
// from. Children share their parent's chain.
type ignoreRules struct {
	parent    *ignoreRules
	dirPrefix string
	ignore    *ignore.GitIgnore
}

// push returns a chain with lines added for dir. Empty input returns r.
func (r *ignoreRules) push(dir string, lines []string) *ignoreRules {
	if len(lines) == 0 {
		return r
	}
	return &ignoreRules{parent: r, dirPrefix: dir, ignore: ignore.CompileIgnoreLines(lines...)}
}

func (r *ignoreRules) isIgnored(relPath string, isDir bool) bool {
	checkPath := relPath
	if isDir {
		checkPath = relPath + "/"
	}
	for sm := r; sm != nil; sm = sm.parent {
		pathToCheck := checkPath
		if sm.dirPrefix != "" {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(relPath, prefix) {
				continue
			}
			pathToCheck = strings.TrimPrefix(checkPath, prefix)
		}
		if sm.ignore.MatchesPath(pathToCheck) {
			return true
		}
	}
	return false
}

func splitLines(data []byte) []string {
	return strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
}
