package desktop

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/a2c-smcp/smcp/pkg/smcp"
)

// Window is one window resource read from an MCP server, before organizing.
type Window struct {
	Server   string
	URI      string
	Contents []string // text contents of the resource read
}

// Organize orders windows into the desktop view an Agent receives.
//
// Rules:
//  1. Servers that appear in recentServers (most recent first) come before
//     the rest; remaining servers are ordered by name.
//  2. Within a server, windows are ordered by descending priority.
//  3. A fullscreen window short-circuits its server: only the first one (by
//     arrival order) is emitted, then the next server is considered.
//  4. size caps the total; nil means unbounded, size <= 0 yields nothing.
//
// Windows with no content or an unparseable URI are skipped.
func Organize(windows []Window, size *int, recentServers []string) []smcp.Desktop {
	if size != nil && *size <= 0 {
		return nil
	}

	type item struct {
		win        Window
		uri        *WindowURI
		index      int
		priority   int
		fullscreen bool
	}

	grouped := make(map[string][]*item)
	for i, w := range windows {
		if len(w.Contents) == 0 {
			continue
		}
		uri, err := ParseWindowURI(w.URI)
		if err != nil {
			continue
		}
		grouped[w.Server] = append(grouped[w.Server], &item{
			win:        w,
			uri:        uri,
			index:      i,
			priority:   uri.Priority(),
			fullscreen: uri.Fullscreen(),
		})
	}

	// Server order: history first (already deduped, most recent first),
	// then the rest sorted by name.
	seen := make(map[string]bool, len(recentServers))
	var order []string
	for _, s := range recentServers {
		if _, ok := grouped[s]; ok && !seen[s] {
			seen[s] = true
			order = append(order, s)
		}
	}
	var rest []string
	for s := range grouped {
		if !seen[s] {
			rest = append(rest, s)
		}
	}
	sort.Strings(rest)
	order = append(order, rest...)

	for _, items := range grouped {
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].priority > items[j].priority
		})
	}

	limit := -1
	if size != nil {
		limit = *size
	}

	var out []smcp.Desktop
	full := func() bool { return limit >= 0 && len(out) >= limit }

	for _, server := range order {
		if full() {
			break
		}
		items := grouped[server]

		// First fullscreen by arrival order wins the whole server.
		var fs *item
		for _, it := range items {
			if it.fullscreen && (fs == nil || it.index < fs.index) {
				fs = it
			}
		}
		if fs != nil {
			out = append(out, render(fs.win, fs.uri))
			continue
		}

		for _, it := range items {
			if full() {
				break
			}
			out = append(out, render(it.win, it.uri))
		}
	}
	return out
}

// render flattens a window into its wire form. The detail body is the
// resource's text contents joined by blank lines; the digest covers the
// body so Agents can detect unchanged windows cheaply.
func render(w Window, uri *WindowURI) smcp.Desktop {
	var parts []string
	for _, c := range w.Contents {
		if c != "" {
			parts = append(parts, c)
		}
	}
	body := strings.TrimSpace(strings.Join(parts, "\n\n"))
	return smcp.Desktop{
		Server:        w.Server,
		WindowURI:     uri.String(),
		ContentDigest: fmt.Sprintf("%016x", xxhash.Sum64String(body)),
		Detail:        body,
	}
}
