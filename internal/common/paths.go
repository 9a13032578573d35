// Copyright 2024 The mergerfs Authors
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
	"path/filepath"
	"strings"
)

// Fusepaths are the logical paths seen through the mount. They are kept in
// normalized form: no leading or trailing slash, "" for the root.

// NormalizePath cleans and normalizes a path, removing leading/trailing slashes
func NormalizePath(path string) string {
	path = filepath.Clean("/" + path)
	path = strings.TrimPrefix(path, "/")
	if path == "." {
		return ""
	}
	return path
}

// IsRoot reports whether fusepath names the root of the mount.
func IsRoot(fusepath string) bool {
	return NormalizePath(fusepath) == ""
}

// FullPath joins a branch base path and a fusepath.
func FullPath(basepath, fusepath string) string {
	fusepath = NormalizePath(fusepath)
	if fusepath == "" {
		return basepath
	}
	return basepath + "/" + fusepath
}

// SplitPath splits a path into its components
func SplitPath(path string) []string {
	path = NormalizePath(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// JoinPath joins path components
func JoinPath(parts ...string) string {
	return NormalizePath(strings.Join(parts, "/"))
}

// ParentPath returns the parent directory of a path ("" for top level entries and the root)
func ParentPath(path string) string {
	path = NormalizePath(path)
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}

// BaseName returns the base name of a path
func BaseName(path string) string {
	path = NormalizePath(path)
	return path[strings.LastIndexByte(path, '/')+1:]
}

// Ancestors returns fusepath followed by each of its parents, ending with
// the root.
func Ancestors(fusepath string) []string {
	fusepath = NormalizePath(fusepath)
	out := []string{fusepath}
	for fusepath != "" {
		fusepath = ParentPath(fusepath)
		out = append(out, fusepath)
	}
	return out
}
