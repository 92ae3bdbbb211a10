package server

import (
	"bytes"
	"debug/elf"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/outrun-sh/outrun/internal/logger"
	"github.com/outrun-sh/outrun/pkg/metrics"
	"github.com/outrun-sh/outrun/pkg/proto"
)

// The prefetch engine turns one bulk fetch into a bundle carrying the
// requested paths plus everything a program launch is about to ask for.
// Bandwidth is cheap and latency is expensive: it is much better to ship a
// little too much in one round-trip than to pull exactly the right data in
// many.
//
// All rules run on the local machine, next to the files, where walking an
// ELF dependency graph costs microseconds instead of round-trips.

// PrefetchPolicy bounds a single bundle.
type PrefetchPolicy struct {
	// MaxEntries caps items per bundle.
	MaxEntries int

	// MaxBytes caps total uncompressed payload bytes per bundle.
	MaxBytes uint64

	// Depth caps the transitive dependency walk over DT_NEEDED.
	Depth int

	// MinRatio is the compression threshold passed through to blob
	// encoding.
	MinRatio float64
}

// ldSearchDirs are the dynamic linker's baked-in search directories,
// consulted after DT_RUNPATH and before ld.so.conf additions.
var ldSearchDirs = []string{"/lib", "/lib64", "/usr/lib", "/usr/lib64"}

// suggestion is one speculative fetch produced by a rule.
type suggestion struct {
	path     string
	contents bool
	children bool

	// depth is the position in the DT_NEEDED walk; non-library
	// suggestions stay at zero.
	depth int
}

type prefetcher struct {
	svc    *Service
	policy PrefetchPolicy

	metrics *metrics.PrefetchMetrics

	// prefetchable is set per session at handshake; nil allows all.
	mu           sync.Mutex
	prefetchable []string

	confOnce sync.Once
	confDirs []string
}

func newPrefetcher(svc *Service, policy PrefetchPolicy) *prefetcher {
	if policy.MaxEntries == 0 {
		policy.MaxEntries = 256
	}
	if policy.MaxBytes == 0 {
		policy.MaxBytes = 128 * 1024 * 1024
	}
	if policy.Depth == 0 {
		policy.Depth = 3
	}
	return &prefetcher{svc: svc, policy: policy, metrics: metrics.NewPrefetchMetrics()}
}

// SetPrefetchable restricts speculation to the given prefixes.
func (p *prefetcher) SetPrefetchable(prefixes []string) {
	p.mu.Lock()
	p.prefetchable = append([]string(nil), prefixes...)
	p.mu.Unlock()
}

func (p *prefetcher) isPrefetchable(q string) bool {
	p.mu.Lock()
	prefixes := p.prefetchable
	p.mu.Unlock()

	if prefixes == nil {
		return true
	}
	for _, prefix := range prefixes {
		if q == prefix || strings.HasPrefix(q, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// ============================================================================
// Bundle Assembly
// ============================================================================

// bundleBuilder accumulates items under the entry and byte caps. Items are
// held by pointer until finish so merges cannot be invalidated by slice
// growth.
type bundleBuilder struct {
	resp    proto.BulkFetchResponse
	items   []*proto.BundleItem
	seen    map[string]*proto.BundleItem
	entries int
	bytes   uint64
	policy  PrefetchPolicy
}

func newBundleBuilder(policy PrefetchPolicy) *bundleBuilder {
	return &bundleBuilder{seen: make(map[string]*proto.BundleItem), policy: policy}
}

// roomFor reports whether another item of the given payload size fits.
func (b *bundleBuilder) roomFor(payload uint64) bool {
	return b.entries < b.policy.MaxEntries && b.bytes+payload <= b.policy.MaxBytes
}

// add appends an item, or merges payloads into an item already present
// under the same path.
func (b *bundleBuilder) add(item proto.BundleItem) {
	if existing, ok := b.seen[item.Path]; ok {
		if existing.Contents == nil && item.Contents != nil {
			existing.Contents = item.Contents
			b.bytes += item.Contents.Size
		}
		if existing.Children == nil && item.Children != nil {
			existing.Children = item.Children
		}
		return
	}

	stored := &item
	b.items = append(b.items, stored)
	b.seen[item.Path] = stored
	b.entries++
	if item.Contents != nil {
		b.bytes += item.Contents.Size
	}
}

func (b *bundleBuilder) has(path string, contents bool) bool {
	item, ok := b.seen[path]
	if !ok {
		return false
	}
	return !contents || item.Contents != nil
}

// finish materializes the response in insertion order.
func (b *bundleBuilder) finish() *proto.BulkFetchResponse {
	b.resp.Items = make([]proto.BundleItem, len(b.items))
	for i, item := range b.items {
		b.resp.Items[i] = *item
	}
	return &b.resp
}

// BulkFetch services one bulk fetch request end to end.
func (p *prefetcher) BulkFetch(req *proto.BulkFetchRequest) (*proto.BulkFetchResponse, *proto.Error) {
	for _, q := range req.Paths {
		if err := validatePath(q); err != nil {
			return nil, err
		}
	}

	b := newBundleBuilder(p.policy)
	var queue []suggestion

	// Revalidation first: it is cheap and its outcomes gate what the
	// remote cache keeps.
	p.revalidate(b, req.Revalidate)

	// Primary targets are never speculative: they are fetched even when
	// caps are exhausted, and their payloads truncate last.
	for _, q := range req.Paths {
		queue = append(queue, p.fetchPrimary(b, q, req)...)
	}

	// Speculative closure, breadth-first so truncation prefers near
	// dependencies over deep ones.
	if !req.NoPrefetch {
		p.drain(b, queue, req.Depth)
	}

	p.metrics.ObserveBundle(b.entries, b.bytes, b.resp.Truncated)
	return b.finish(), nil
}

// revalidate answers batched validator checks.
func (p *prefetcher) revalidate(b *bundleBuilder, checks []proto.PathValidator) {
	for _, check := range checks {
		meta := p.svc.statMeta(check.Path)

		if meta.Err == nil && meta.Attr != nil && meta.Attr.Validator() == check.Validator {
			b.resp.Unchanged = append(b.resp.Unchanged, check.Path)
			if check.Checksum != nil {
				p.svc.markContentsFetched(check.Path)
			}
			continue
		}

		// Changed or gone: the fresh metadata travels in the bundle so
		// the remote cache can replace its entry in the same round-trip.
		b.add(proto.BundleItem{Path: check.Path, Meta: meta})

		// A changed validator does not necessarily mean changed bytes;
		// package reinstalls touch mtimes on identical files.
		if check.Checksum != nil && meta.Err == nil && meta.Attr != nil && meta.Attr.IsRegular() {
			if sum, err := fileChecksum(check.Path); err == nil && sum == *check.Checksum {
				b.resp.ContentsUnchanged = append(b.resp.ContentsUnchanged, check.Path)
				p.svc.markContentsFetched(check.Path)
			}
		}
	}
}

// fetchPrimary fetches one requested path and returns the suggestions its
// access produced.
func (p *prefetcher) fetchPrimary(b *bundleBuilder, q string, req *proto.BulkFetchRequest) []suggestion {
	meta := p.svc.statMeta(q)
	item := proto.BundleItem{Path: q, Meta: meta}

	var sugg []suggestion

	if meta.Err == nil && meta.Attr != nil {
		attr := meta.Attr

		if req.Kinds&proto.FetchChildren != 0 && attr.IsDir() {
			if children, perr := p.svc.listDir(q); perr == nil {
				item.Children = children
			}
		}

		if req.Kinds&proto.FetchContents != 0 && attr.IsRegular() {
			if contents, perr := p.readContents(q); perr == nil {
				// Oversized primaries fall back to streaming reads on
				// the remote side rather than blowing the bundle cap.
				if b.roomFor(contents.Size) || b.entries == 0 {
					item.Contents = contents
					sugg = append(sugg, p.contentRules(q, contents)...)
				} else {
					b.resp.Truncated = true
				}
			}
		}

		if !req.NoPrefetch {
			sugg = append(sugg, p.accessRules(q, meta)...)
		}
	}

	b.add(item)
	return sugg
}

// drain walks the suggestion queue breadth-first under the caps.
func (p *prefetcher) drain(b *bundleBuilder, queue []suggestion, reqDepth int) {
	maxDepth := p.policy.Depth
	if reqDepth > 0 && reqDepth < maxDepth {
		maxDepth = reqDepth
	}

	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]

		if !p.isPrefetchable(s.path) || b.has(s.path, s.contents) {
			continue
		}
		if p.svc.alreadyFetched(s.path, s.contents) {
			continue
		}
		if b.entries >= p.policy.MaxEntries {
			b.resp.Truncated = true
			return
		}

		meta := p.svc.statMeta(s.path)
		item := proto.BundleItem{Path: s.path, Meta: meta}

		// Negative results are first-class: the remote caches the miss
		// so the next stat does not round-trip.
		if meta.Err == nil && meta.Attr != nil {
			attr := meta.Attr

			if s.children && attr.IsDir() {
				if children, perr := p.svc.listDir(s.path); perr == nil {
					item.Children = children
				}
			}

			if s.contents && attr.IsRegular() {
				if contents, perr := p.readContents(s.path); perr == nil {
					if !b.roomFor(contents.Size) {
						b.resp.Truncated = true
					} else {
						item.Contents = contents
						if s.depth < maxDepth {
							for _, next := range p.contentRules(s.path, contents) {
								next.depth = s.depth + 1
								queue = append(queue, next)
							}
						}
					}
				}
			}

			if meta.Link != "" {
				target := resolveLink(s.path, meta.Link)
				queue = append(queue, suggestion{path: target, contents: s.contents, depth: s.depth})
			}
		}

		b.add(item)
	}
}

// readContents loads and wraps a whole file, recording the fetch.
func (p *prefetcher) readContents(q string) (*proto.FileContents, *proto.Error) {
	data, err := os.ReadFile(q)
	if err != nil {
		return nil, proto.FromOSError(err, q)
	}
	p.svc.markContentsFetched(q)
	fc := proto.ContentsFromData(data, p.policy.MinRatio)
	return &fc, nil
}

// ============================================================================
// Access Rules
// ============================================================================

// accessRules speculates on a path's metadata being requested: symlink
// targets, Python bytecode companions, compiled Perl modules.
func (p *prefetcher) accessRules(q string, meta proto.Metadata) []suggestion {
	var sugg []suggestion

	if meta.Link != "" {
		sugg = append(sugg, suggestion{path: resolveLink(q, meta.Link)})
	}

	// CPython probes __pycache__ right after touching a source file.
	if strings.HasSuffix(q, ".py") && meta.Attr != nil && meta.Attr.IsRegular() {
		sugg = append(sugg, suggestion{path: q, contents: true})

		pycacheDir := path.Join(path.Dir(q), "__pycache__")
		sugg = append(sugg, suggestion{path: pycacheDir, children: true})

		base := strings.TrimSuffix(path.Base(q), ".py")
		if matches, err := filepath.Glob(path.Join(pycacheDir, base+".*.pyc")); err == nil {
			sort.Strings(matches)
			for _, m := range matches {
				sugg = append(sugg, suggestion{path: m, contents: true})
			}
		}
	}

	// Perl checks for a .pm when its compiled .pmc is accessed.
	if strings.HasSuffix(q, ".pmc") {
		sugg = append(sugg, suggestion{path: strings.TrimSuffix(q, ".pmc") + ".pm", contents: true})
	}

	return sugg
}

// contentRules speculates on a file's bytes being read: ELF dependency
// closures and script interpreters.
func (p *prefetcher) contentRules(q string, contents *proto.FileContents) []suggestion {
	data, err := contents.Bytes()
	if err != nil {
		return nil
	}

	if isELF(data) {
		return p.elfRules(q, data)
	}

	if len(data) >= 2 && data[0] == '#' && data[1] == '!' {
		if interp := shebangInterpreter(data); interp != "" {
			return []suggestion{{path: interp, contents: true}}
		}
	}

	return nil
}

func isELF(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], []byte{0x7f, 'E', 'L', 'F'})
}

// shebangInterpreter extracts the interpreter path from a script's first
// line.
func shebangInterpreter(data []byte) string {
	line := data[2:]
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	return fields[0]
}

// elfRules produces the dependency closure seeds for a dynamically linked
// ELF object: its interpreter, every DT_NEEDED library resolved against the
// link-time and system search paths, and the search directories' listings
// so the remote can answer the linker's own probing locally.
func (p *prefetcher) elfRules(q string, data []byte) []suggestion {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		logger.Debug("elf parse failed", logger.KeyPath, q, "error", err)
		return nil
	}
	defer f.Close()

	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil
	}

	var sugg []suggestion

	if interp := programInterpreter(f); interp != "" {
		sugg = append(sugg, suggestion{path: interp, contents: true})
	}

	needed, _ := f.DynString(elf.DT_NEEDED)
	if len(needed) == 0 {
		return sugg
	}

	searchDirs := p.searchDirs(q, f)

	for _, lib := range needed {
		if strings.Contains(lib, "/") {
			sugg = append(sugg, suggestion{path: path.Clean(lib), contents: true})
			continue
		}
		if resolved := resolveLibrary(lib, searchDirs); resolved != "" {
			sugg = append(sugg, suggestion{path: resolved, contents: true})
		}
	}

	// The dynamic linker lists these directories while resolving; a
	// cached snapshot turns that probing into local hits.
	for _, dir := range searchDirs {
		sugg = append(sugg, suggestion{path: dir, children: true})
	}

	return sugg
}

func programInterpreter(f *elf.File) string {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		buf := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(buf, 0); err != nil {
			return ""
		}
		return strings.TrimRight(string(buf), "\x00")
	}
	return ""
}

// searchDirs assembles the library search order for one object:
// DT_RUNPATH/DT_RPATH first, then the baked-in defaults, then ld.so.conf
// additions. $ORIGIN expands relative to the object's directory.
func (p *prefetcher) searchDirs(q string, f *elf.File) []string {
	var dirs []string

	runpath, err := f.DynString(elf.DT_RUNPATH)
	if err != nil || len(runpath) == 0 {
		runpath, _ = f.DynString(elf.DT_RPATH)
	}
	for _, rp := range runpath {
		for _, dir := range strings.Split(rp, ":") {
			if dir == "" {
				continue
			}
			dir = strings.ReplaceAll(dir, "$ORIGIN", path.Dir(q))
			dirs = append(dirs, path.Clean(dir))
		}
	}

	dirs = append(dirs, ldSearchDirs...)
	dirs = append(dirs, p.ldConfDirs()...)

	return dedupe(dirs)
}

// ldConfDirs parses /etc/ld.so.conf and its includes once per process.
func (p *prefetcher) ldConfDirs() []string {
	p.confOnce.Do(func() {
		p.confDirs = parseLdConf("/etc/ld.so.conf", 0)
	})
	return p.confDirs
}

func parseLdConf(conf string, depth int) []string {
	if depth > 4 {
		return nil
	}

	data, err := os.ReadFile(conf)
	if err != nil {
		return nil
	}

	var dirs []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "include "); ok {
			pattern := strings.TrimSpace(after)
			if !strings.HasPrefix(pattern, "/") {
				pattern = path.Join(path.Dir(conf), pattern)
			}
			matches, _ := filepath.Glob(pattern)
			sort.Strings(matches)
			for _, m := range matches {
				dirs = append(dirs, parseLdConf(m, depth+1)...)
			}
			continue
		}
		if strings.HasPrefix(line, "/") {
			dirs = append(dirs, path.Clean(line))
		}
	}
	return dirs
}

func resolveLibrary(name string, searchDirs []string) string {
	for _, dir := range searchDirs {
		candidate := path.Join(dir, name)
		if _, err := os.Lstat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// resolveLink resolves a symlink target relative to the link's directory.
func resolveLink(link, target string) string {
	if strings.HasPrefix(target, "/") {
		return path.Clean(target)
	}
	return path.Clean(path.Join(path.Dir(link), target))
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// fileChecksum digests a file's current contents.
func fileChecksum(q string) (proto.Checksum, error) {
	data, err := os.ReadFile(q)
	if err != nil {
		return proto.Checksum{}, err
	}
	return proto.ChecksumOf(data), nil
}
