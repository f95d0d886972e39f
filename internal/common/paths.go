// Copyright 2024 TreeFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"
	"path"
	"strings"
)

// NormalizePath cleans a repository-relative path. Leading and trailing
// slashes are dropped and the mount root is "". Paths that climb above the
// root are rejected.
func NormalizePath(p string) (string, error) {
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", nil
	}
	for _, part := range strings.Split(p, "/") {
		if err := ValidateName(part); err != nil {
			return "", err
		}
	}
	return p, nil
}

// SplitPath splits a repository-relative path into validated components.
// The root yields no components.
func SplitPath(p string) ([]string, error) {
	if strings.Contains(p, "..") {
		// path.Clean would silently swallow a leading "..".
		for _, part := range strings.Split(p, "/") {
			if part == ".." {
				return nil, fmt.Errorf("%w: %q escapes the mount root", ErrInvalidPath, p)
			}
		}
	}
	norm, err := NormalizePath(p)
	if err != nil {
		return nil, err
	}
	if norm == "" {
		return nil, nil
	}
	return strings.Split(norm, "/"), nil
}

// JoinPath appends a single name to an already-normalized directory path.
func JoinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// ParentPath returns the directory containing p ("" for top-level names)
func ParentPath(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}

// BaseName returns the final component of p
func BaseName(p string) string {
	return p[strings.LastIndexByte(p, '/')+1:]
}

// ValidateName checks that name can be used as a single directory entry.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidPath)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidPath, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q contains a separator or NUL", ErrInvalidPath, name)
	}
	return nil
}
