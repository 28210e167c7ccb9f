// Package luascript loads embedded Redis Lua scripts into rueidis scripts.
//
// Scripts live in a package-local `lua/` directory and are named by their
// path relative to it, without the `.lua` suffix.  A script may pull in
// shared helpers from `lua/includes/` with a `-- $include(file.lua)` line.
package luascript

import (
	"fmt"
	"io/fs"
	"regexp"
	"strings"

	"github.com/redis/rueidis"
)

var include = regexp.MustCompile(`-- \$include\(([\w.]+)\)`)

// Load reads every script under root from fsys.  It panics on malformed
// trees, as scripts are embedded at compile time.
func Load(fsys fs.FS, root string) map[string]*rueidis.Lua {
	scripts := map[string]*rueidis.Lua{}
	read(fsys, root, root, scripts)
	return scripts
}

func read(fsys fs.FS, root, path string, scripts map[string]*rueidis.Lua) {
	entries, err := fs.ReadDir(fsys, path)
	if err != nil {
		panic(fmt.Errorf("error reading redis lua dir: %w", err))
	}

	for _, e := range entries {
		// NOTE: embed always uses forward slashes, so paths are built by hand
		// rather than with filepath.Join.
		full := path + "/" + e.Name()
		if e.IsDir() {
			if e.Name() == "includes" {
				continue
			}
			read(fsys, root, full, scripts)
			continue
		}

		byt, err := fs.ReadFile(fsys, full)
		if err != nil {
			panic(fmt.Errorf("error reading redis lua script: %w", err))
		}

		name := strings.TrimPrefix(full, root+"/")
		name = strings.TrimSuffix(name, ".lua")
		val := string(byt)

		for _, inc := range include.FindAllStringSubmatch(val, -1) {
			byt, err = fs.ReadFile(fsys, root+"/includes/"+inc[1])
			if err != nil {
				panic(fmt.Errorf("error reading redis lua include %q: %w", inc[1], err))
			}
			val = strings.ReplaceAll(val, inc[0], string(byt))
		}

		scripts[name] = rueidis.NewLuaScript(val)
	}
}
