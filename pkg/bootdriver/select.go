package bootdriver

import "github.com/ultraos/hyper/pkg/config"

// selectEntry picks a loadable entry by name, or the first one in file
// order if name is empty. spec.md names no config syntax for a "default
// entry" directive, so absent an explicit request this falls back to
// simple file-order precedence (see DESIGN.md's Open Question decisions).
func selectEntry(arena *config.Arena, name string) (config.Offset, bool) {
	it := arena.LoadableEntries()
	first := config.NoOffset
	for {
		off, ok := it.Next()
		if !ok {
			break
		}
		if first == config.NoOffset {
			first = off
		}
		if name != "" && arena.Key(off) == name {
			return off, true
		}
	}
	if name != "" {
		return config.NoOffset, false
	}
	return first, first != config.NoOffset
}

// stringKey reads a string-valued key from scope. With mustBeUnique set, a
// key that appears more than once is an error; an absent key, or one whose
// value is not a string, yields ok == false and a nil error.
func stringKey(arena *config.Arena, scope config.Offset, key string, mustBeUnique bool) (string, bool, error) {
	off, ok, err := arena.Get(scope, key, mustBeUnique)
	if err != nil || !ok {
		return "", ok, err
	}
	val, isString := arena.String(off)
	return val, isString, nil
}

// boolKey reads an optional bool-valued key from scope, defaulting to
// defaultVal when absent.
func boolKey(arena *config.Arena, scope config.Offset, key string, defaultVal bool) bool {
	off, ok, err := arena.Get(scope, key, false)
	if err != nil || !ok {
		return defaultVal
	}
	val, isBool := arena.Bool(off)
	if !isBool {
		return defaultVal
	}
	return val
}
