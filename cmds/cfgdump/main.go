// cfgdump parses an ultra.cfg file standalone and dumps the resulting Config
// Arena, either as an indented tree or as JSON.
//
// Synopsis:
//     cfgdump -f ultra.cfg [-j|--json]
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/ultraos/hyper/pkg/config"
)

type options struct {
	ConfigPath string `short:"f" long:"file" description:"path to the config file" required:"true"`
	AsJSON     bool   `short:"j" long:"json" description:"dump as JSON instead of an indented tree"`
}

var opts options

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	src, err := os.ReadFile(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cfgdump: reading %q: %v\n", opts.ConfigPath, err)
		os.Exit(1)
	}

	arena, perr := config.Parse(src)
	if perr != nil {
		fmt.Fprintf(os.Stderr, "cfgdump: %s\n", perr.Error())
		os.Exit(1)
	}

	if opts.AsJSON {
		dumpJSON(arena)
		return
	}
	dumpTree(arena)
}

// entryDump is the JSON-friendly shape one arena entry is flattened into;
// the arena's own offset-delta linking is an internal storage detail, not
// something worth exposing to a diagnostic consumer.
type entryDump struct {
	Key      string      `json:"key"`
	Loadable bool        `json:"loadable,omitempty"`
	Kind     string      `json:"kind,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	Children []entryDump `json:"children,omitempty"`
}

func dumpJSON(arena *config.Arena) {
	var roots []entryDump
	it := arena.LoadableEntries()
	for {
		off, ok := it.Next()
		if !ok {
			break
		}
		roots = append(roots, buildDump(arena, off))
	}

	out, err := json.MarshalIndent(roots, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "cfgdump: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func buildDump(arena *config.Arena, off config.Offset) entryDump {
	d := entryDump{Key: arena.Key(off), Loadable: arena.IsLoadableEntry(off)}

	switch arena.ValueKind(off) {
	case config.KindBool:
		d.Value, _ = arena.Bool(off)
		d.Kind = "bool"
	case config.KindUnsigned:
		d.Value, _ = arena.Unsigned(off)
		d.Kind = "unsigned"
	case config.KindSigned:
		d.Value, _ = arena.Signed(off)
		d.Kind = "signed"
	case config.KindString:
		d.Value, _ = arena.String(off)
		d.Kind = "string"
	case config.KindObject:
		d.Kind = "object"
	}

	for child := arena.FirstChild(off); child != config.NoOffset; child = arena.NextSibling(child) {
		d.Children = append(d.Children, buildDump(arena, child))
	}
	return d
}

func dumpTree(arena *config.Arena) {
	it := arena.LoadableEntries()
	for {
		off, ok := it.Next()
		if !ok {
			break
		}
		fmt.Printf("[%s]\n", arena.Key(off))
		printChildren(arena, arena.FirstChild(off), 1)
	}
}

func printChildren(arena *config.Arena, off config.Offset, depth int) {
	indent := strings.Repeat("  ", depth)
	for off != config.NoOffset {
		switch arena.ValueKind(off) {
		case config.KindObject:
			fmt.Printf("%s%s:\n", indent, arena.Key(off))
			printChildren(arena, arena.FirstChild(off), depth+1)
		default:
			fmt.Printf("%s%s = %v\n", indent, arena.Key(off), valueOf(arena, off))
		}
		off = arena.NextSibling(off)
	}
}

func valueOf(arena *config.Arena, off config.Offset) interface{} {
	switch arena.ValueKind(off) {
	case config.KindBool:
		v, _ := arena.Bool(off)
		return v
	case config.KindUnsigned:
		v, _ := arena.Unsigned(off)
		return v
	case config.KindSigned:
		v, _ := arena.Signed(off)
		return v
	case config.KindString:
		v, _ := arena.String(off)
		return v
	default:
		return nil
	}
}
