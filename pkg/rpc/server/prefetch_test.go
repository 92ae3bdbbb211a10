package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outrun-sh/outrun/pkg/proto"
)

func findItem(resp *proto.BulkFetchResponse, path string) *proto.BundleItem {
	for i := range resp.Items {
		if resp.Items[i].Path == path {
			return &resp.Items[i]
		}
	}
	return nil
}

func TestBulkFetchPrimaries(t *testing.T) {
	svc := newTestService()
	dir := t.TempDir()

	t.Run("FetchesMetaAndContents", func(t *testing.T) {
		p := filepath.Join(dir, "tool.sh")
		writeFile(t, p, []byte("plain contents"))

		resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
			Paths: []string{p},
			Kinds: proto.FetchMeta | proto.FetchContents,
		})
		require.Nil(t, perr)

		item := findItem(resp, p)
		require.NotNil(t, item)
		require.NotNil(t, item.Meta.Attr)
		require.NotNil(t, item.Contents)

		data, err := item.Contents.Bytes()
		require.NoError(t, err)
		assert.Equal(t, []byte("plain contents"), data)
	})

	t.Run("FetchesDirectoryChildren", func(t *testing.T) {
		sub := filepath.Join(dir, "childdir")
		writeFile(t, filepath.Join(sub, "one"), []byte("1"))
		writeFile(t, filepath.Join(sub, "two"), []byte("2"))

		resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
			Paths: []string{sub},
			Kinds: proto.FetchMeta | proto.FetchChildren,
		})
		require.Nil(t, perr)

		item := findItem(resp, sub)
		require.NotNil(t, item)
		require.Len(t, item.Children, 2)
	})

	t.Run("AbsentPrimaryIsNegativeItem", func(t *testing.T) {
		missing := filepath.Join(dir, "nope")
		resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
			Paths: []string{missing},
			Kinds: proto.FetchMeta,
		})
		require.Nil(t, perr)

		item := findItem(resp, missing)
		require.NotNil(t, item)
		require.NotNil(t, item.Meta.Err)
		assert.Equal(t, proto.ErrnoNotFound, item.Meta.Err.Code)
	})
}

func TestShebangPrefetch(t *testing.T) {
	svc := newTestService()
	dir := t.TempDir()

	interp := filepath.Join(dir, "interp")
	writeFile(t, interp, []byte("fake interpreter binary"))

	script := filepath.Join(dir, "run.sh")
	writeFile(t, script, []byte("#!"+interp+" -e\necho hi\n"))

	resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
		Paths: []string{script},
		Kinds: proto.FetchMeta | proto.FetchContents,
	})
	require.Nil(t, perr)

	item := findItem(resp, interp)
	require.NotNil(t, item, "interpreter prefetched alongside script")
	assert.NotNil(t, item.Contents)
}

func TestPycachePrefetch(t *testing.T) {
	svc := newTestService()
	dir := t.TempDir()

	src := filepath.Join(dir, "module.py")
	writeFile(t, src, []byte("import os\n"))
	pycache := filepath.Join(dir, "__pycache__")
	pyc := filepath.Join(pycache, "module.cpython-311.pyc")
	writeFile(t, pyc, []byte("\x61\x0d\x0d\x0acompiled"))

	resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
		Paths: []string{src},
		Kinds: proto.FetchMeta,
	})
	require.Nil(t, perr)

	assert.NotNil(t, findItem(resp, pycache), "pycache directory prefetched")
	item := findItem(resp, pyc)
	require.NotNil(t, item, "compiled companion prefetched")
	assert.NotNil(t, item.Contents)
}

func TestPycacheAbsentIsNegative(t *testing.T) {
	svc := newTestService()
	dir := t.TempDir()

	src := filepath.Join(dir, "lonely.py")
	writeFile(t, src, []byte("x = 1\n"))

	resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
		Paths: []string{src},
		Kinds: proto.FetchMeta,
	})
	require.Nil(t, perr)

	item := findItem(resp, filepath.Join(dir, "__pycache__"))
	require.NotNil(t, item, "absent pycache still produces an item")
	require.NotNil(t, item.Meta.Err)
	assert.Equal(t, proto.ErrnoNotFound, item.Meta.Err.Code)
}

func TestSymlinkTargetPrefetch(t *testing.T) {
	svc := newTestService()
	dir := t.TempDir()

	target := filepath.Join(dir, "real")
	writeFile(t, target, []byte("real file"))
	link := filepath.Join(dir, "alias")
	require.NoError(t, os.Symlink("real", link))

	resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
		Paths: []string{link},
		Kinds: proto.FetchMeta,
	})
	require.Nil(t, perr)

	assert.NotNil(t, findItem(resp, target), "relative symlink target resolved and prefetched")
}

func TestPerlCompanionPrefetch(t *testing.T) {
	svc := newTestService()
	dir := t.TempDir()

	pm := filepath.Join(dir, "Mod.pm")
	writeFile(t, pm, []byte("package Mod;\n"))
	pmc := filepath.Join(dir, "Mod.pmc")
	writeFile(t, pmc, []byte("compiled"))

	resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
		Paths: []string{pmc},
		Kinds: proto.FetchMeta,
	})
	require.Nil(t, perr)

	item := findItem(resp, pm)
	require.NotNil(t, item, ".pm prefetched when .pmc accessed")
	assert.NotNil(t, item.Contents)
}

// TestPrefetchBounding covers the cap invariant: no bundle exceeds the
// entry or byte caps, and truncation is flagged.
func TestPrefetchBounding(t *testing.T) {
	t.Run("EntryCap", func(t *testing.T) {
		svc := NewService(PrefetchPolicy{MaxEntries: 4, MaxBytes: 1 << 20, Depth: 3})
		dir := t.TempDir()

		// One .py with many compiled companions wants to blow the cap.
		src := filepath.Join(dir, "big.py")
		writeFile(t, src, []byte("import sys\n"))
		for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
			writeFile(t, filepath.Join(dir, "__pycache__", "big."+name+".pyc"), []byte(name))
		}

		resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
			Paths: []string{src},
			Kinds: proto.FetchMeta,
		})
		require.Nil(t, perr)

		assert.LessOrEqual(t, len(resp.Items), 4)
		assert.True(t, resp.Truncated)
		// The primary target always survives truncation.
		assert.NotNil(t, findItem(resp, src))
	})

	t.Run("ByteCap", func(t *testing.T) {
		svc := NewService(PrefetchPolicy{MaxEntries: 64, MaxBytes: 1024, Depth: 3})
		dir := t.TempDir()

		interp := filepath.Join(dir, "huge-interp")
		writeFile(t, interp, make([]byte, 4096))
		script := filepath.Join(dir, "s.sh")
		writeFile(t, script, []byte("#!"+interp+"\n"))

		resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
			Paths: []string{script},
			Kinds: proto.FetchMeta | proto.FetchContents,
		})
		require.Nil(t, perr)
		assert.True(t, resp.Truncated)

		// The interpreter's metadata may land, but not its oversized
		// contents.
		if item := findItem(resp, interp); item != nil {
			assert.Nil(t, item.Contents)
		}
	})

	t.Run("SuppressesAlreadyFetched", func(t *testing.T) {
		svc := newTestService()
		dir := t.TempDir()

		interp := filepath.Join(dir, "interp")
		writeFile(t, interp, []byte("interpreter"))
		script := filepath.Join(dir, "s.sh")
		writeFile(t, script, []byte("#!"+interp+"\n"))

		_, perr := svc.MarkCached(&proto.MarkCachedRequest{Contents: []string{interp}})
		require.Nil(t, perr)

		resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
			Paths: []string{script},
			Kinds: proto.FetchMeta | proto.FetchContents,
		})
		require.Nil(t, perr)
		assert.Nil(t, findItem(resp, interp), "warm contents not resent")
	})
}

func TestRevalidation(t *testing.T) {
	svc := newTestService()
	dir := t.TempDir()

	p := filepath.Join(dir, "lib.so")
	writeFile(t, p, []byte("library bytes"))

	meta := svc.statMeta(p)
	require.NotNil(t, meta.Attr)

	t.Run("UnchangedValidatorConfirms", func(t *testing.T) {
		resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
			Revalidate: []proto.PathValidator{{Path: p, Validator: meta.Attr.Validator()}},
		})
		require.Nil(t, perr)
		assert.Contains(t, resp.Unchanged, p)
		assert.Nil(t, findItem(resp, p))
	})

	t.Run("ChangedValidatorShipsFreshMeta", func(t *testing.T) {
		stale := meta.Attr.Validator()
		stale.MtimeNs += 12345

		resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
			Revalidate: []proto.PathValidator{{Path: p, Validator: stale}},
		})
		require.Nil(t, perr)
		assert.NotContains(t, resp.Unchanged, p)
		require.NotNil(t, findItem(resp, p))
	})

	t.Run("UnchangedChecksumKeepsBlob", func(t *testing.T) {
		stale := meta.Attr.Validator()
		stale.MtimeNs += 12345
		sum := proto.ChecksumOf([]byte("library bytes"))

		resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
			Revalidate: []proto.PathValidator{{Path: p, Validator: stale, Checksum: &sum}},
		})
		require.Nil(t, perr)
		assert.Contains(t, resp.ContentsUnchanged, p)
	})
}

func TestShebangParsing(t *testing.T) {
	cases := []struct {
		name string
		data string
		want string
	}{
		{"PlainInterpreter", "#!/bin/sh\necho hi", "/bin/sh"},
		{"WithArgument", "#!/usr/bin/env python3\n", "/usr/bin/env"},
		{"NoNewline", "#!/bin/bash", "/bin/bash"},
		{"RelativeRejected", "#!bin/sh\n", ""},
		{"EmptyLine", "#!\n", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, shebangInterpreter([]byte(tc.data)))
		})
	}
}

func TestLdConfParsing(t *testing.T) {
	dir := t.TempDir()

	confD := filepath.Join(dir, "ld.so.conf.d")
	require.NoError(t, os.MkdirAll(confD, 0o755))
	writeFile(t, filepath.Join(confD, "x.conf"), []byte("/opt/libs\n# comment\n"))
	writeFile(t, filepath.Join(confD, "y.conf"), []byte("/usr/local/lib\n"))

	main := filepath.Join(dir, "ld.so.conf")
	writeFile(t, main, []byte("include ld.so.conf.d/*.conf\n/custom/lib\n"))

	dirs := parseLdConf(main, 0)
	assert.Contains(t, dirs, "/opt/libs")
	assert.Contains(t, dirs, "/usr/local/lib")
	assert.Contains(t, dirs, "/custom/lib")
}

func TestResolveLink(t *testing.T) {
	assert.Equal(t, "/usr/lib/libz.so.1.3", resolveLink("/usr/lib/libz.so", "libz.so.1.3"))
	assert.Equal(t, "/lib64/ld.so", resolveLink("/usr/bin/ld", "/lib64/ld.so"))
	assert.Equal(t, "/usr/libother", resolveLink("/usr/lib/x", "../libother"))
}

func TestPrefetchablePaths(t *testing.T) {
	svc := newTestService()
	dir := t.TempDir()

	interp := filepath.Join(dir, "interp")
	writeFile(t, interp, []byte("interpreter"))
	script := filepath.Join(dir, "s.sh")
	writeFile(t, script, []byte("#!"+interp+"\n"))

	// Restrict speculation to a prefix that excludes the interpreter.
	svc.prefetch.SetPrefetchable([]string{"/nonexistent-prefix"})

	resp, perr := svc.prefetch.BulkFetch(&proto.BulkFetchRequest{
		Paths: []string{script},
		Kinds: proto.FetchMeta | proto.FetchContents,
	})
	require.Nil(t, perr)

	assert.NotNil(t, findItem(resp, script), "primary is never suppressed")
	assert.Nil(t, findItem(resp, interp), "speculation outside prefetchable prefixes suppressed")
}
