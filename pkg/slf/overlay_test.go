package slf

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beam-cloud/ja2/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOverlay(t *testing.T) *BufferedArchive {
	t.Helper()
	return NewBufferedArchive(openTestArchive(t))
}

func TestOverlayReadsBase(t *testing.T) {
	b := newTestOverlay(t)

	assert.True(t, b.IsDir("/foo"))
	assert.True(t, b.IsFile("/foo/bar.baz"))

	data, err := b.ReadFile("/foo/bar.baz")
	require.NoError(t, err)
	assert.Equal(t, "First", string(data))
}

func TestOverlayWrite(t *testing.T) {
	b := newTestOverlay(t)

	w, err := b.Create("/test")
	require.NoError(t, err)
	_, err = w.Write([]byte("Test"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := b.ReadFile("/test")
	require.NoError(t, err)
	assert.Equal(t, "Test", string(data))

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, fs.ErrClosed)
}

func TestOverlayWriteShadowsBase(t *testing.T) {
	b := newTestOverlay(t)

	require.NoError(t, b.WriteFile("/carrot", []byte("Replaced")))

	data, err := b.ReadFile("/carrot")
	require.NoError(t, err)
	assert.Equal(t, "Replaced", string(data))

	names, err := b.ListDir("/")
	require.NoError(t, err)
	assert.Equal(t, []string{"carrot", "foo", "spam"}, names)

	require.NoError(t, b.Remove("/carrot"))
	assert.False(t, b.Exists("/carrot"))
}

func TestOverlayWriteCreatesParents(t *testing.T) {
	b := newTestOverlay(t)

	require.NoError(t, b.WriteFile("/spam/eggs/bacon.txt", []byte("Bacon")))

	assert.True(t, b.IsDir("/spam/eggs"))
	names, err := b.ListDir("/spam")
	require.NoError(t, err)
	assert.Equal(t, []string{"eggs", "ham", "parrot.txt"}, names)

	err = b.WriteFile("/carrot/inside", []byte("x"))
	assert.ErrorIs(t, err, common.ErrInvalidType)

	err = b.WriteFile("/spam", []byte("x"))
	assert.ErrorIs(t, err, common.ErrInvalidType)
}

func TestOverlayRemove(t *testing.T) {
	b := newTestOverlay(t)

	require.NoError(t, b.Remove("/foo/bar.baz"))
	assert.False(t, b.Exists("/foo/bar.baz"))
	assert.True(t, b.IsDir("/foo"))

	assert.ErrorIs(t, b.Remove("/foo/bar.baz"), common.ErrNotFound)
	assert.ErrorIs(t, b.Remove("/spam"), common.ErrInvalidType)

	require.NoError(t, b.WriteFile("/memory.txt", []byte("m")))
	require.NoError(t, b.Remove("/memory.txt"))
	assert.False(t, b.Exists("/memory.txt"))
}

func TestOverlayRemoveDir(t *testing.T) {
	b := newTestOverlay(t)

	err := b.RemoveDir("/spam", false)
	assert.ErrorIs(t, err, common.ErrDirectoryNotEmpty)
	assert.True(t, b.Exists("/spam"))

	require.NoError(t, b.RemoveDir("/spam", true))
	assert.False(t, b.Exists("/spam"))
	assert.False(t, b.Exists("/spam/ham/parrot.txt"))

	assert.ErrorIs(t, b.RemoveDir("/", true), common.ErrUnsupportedOperation)
	assert.ErrorIs(t, b.RemoveDir("/carrot", true), common.ErrInvalidType)
	assert.ErrorIs(t, b.RemoveDir("/spam", true), common.ErrNotFound)

	require.NoError(t, b.MakeDir("/empty"))
	require.NoError(t, b.RemoveDir("/empty", false))
	assert.False(t, b.Exists("/empty"))

	// A removed base directory can be recreated without its old content.
	require.NoError(t, b.MakeDir("/spam"))
	names, err := b.ListDir("/spam")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestOverlayMakeDir(t *testing.T) {
	b := newTestOverlay(t)

	require.NoError(t, b.MakeDir("/test"))
	assert.True(t, b.IsDir("/test"))

	assert.ErrorIs(t, b.MakeDir("/test"), fs.ErrExist)
	assert.ErrorIs(t, b.MakeDir("/foo"), fs.ErrExist)
	assert.ErrorIs(t, b.MakeDir("/a/b"), common.ErrNotFound)
	assert.ErrorIs(t, b.MakeDir("/carrot/sub"), common.ErrInvalidType)

	require.NoError(t, b.MakeDirAll("/a/b/c"))
	assert.True(t, b.IsDir("/a/b"))
	require.NoError(t, b.MakeDirAll("/foo"))
	assert.ErrorIs(t, b.MakeDirAll("/carrot/sub"), common.ErrInvalidType)
}

func TestOverlayRename(t *testing.T) {
	b := newTestOverlay(t)

	require.NoError(t, b.Rename("/carrot", "/veg/parsnip"))
	assert.False(t, b.Exists("/carrot"))

	data, err := b.ReadFile("/veg/parsnip")
	require.NoError(t, err)
	assert.Equal(t, "Fourth", string(data))

	info, err := b.Stat("/veg/parsnip")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(fixtureTime))

	assert.ErrorIs(t, b.Rename("/spam", "/eggs"), common.ErrUnsupportedOperation)
}

func TestOverlaySetModTimeOnBase(t *testing.T) {
	b := newTestOverlay(t)
	mod := time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)

	require.NoError(t, b.SetModTime("/spam/parrot.txt", mod))

	info, err := b.Stat("/spam/parrot.txt")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mod))

	data, err := b.ReadFile("/spam/parrot.txt")
	require.NoError(t, err)
	assert.Equal(t, "Third", string(data))

	assert.ErrorIs(t, b.SetModTime("/nope", mod), common.ErrNotFound)
}

func TestOverlaySave(t *testing.T) {
	b := newTestOverlay(t)

	require.NoError(t, b.Remove("/foo/bar.baz"))
	require.NoError(t, b.RemoveDir("/spam", true))
	require.NoError(t, b.MakeDir("/test"))

	w, err := b.Create("/test/a")
	require.NoError(t, err)
	_, err = io.WriteString(w, "WrittenInMemory")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, b.SetModTime("/test/a", time.Date(2016, 3, 25, 18, 31, 0, 0, time.UTC)))

	expected := concat(
		padded("SomeFile", 256),
		padded("SomePath", 256),
		[]byte{0x02, 0, 0, 0},
		[]byte{0x02, 0, 0, 0},
		[]byte{0x01, 0},
		[]byte{0x01, 0},
		[]byte{0x01, 0, 0, 0},
		[]byte{0, 0, 0, 0},
		[]byte("Fourth"),
		[]byte("WrittenInMemory"),
		padded("carrot", 256),
		[]byte{0x14, 0x02, 0, 0},
		[]byte{0x06, 0, 0, 0},
		[]byte{0x00, 0, 0, 0},
		[]byte{0x00, 0xa8, 0x9a, 0x7a, 0x32, 0x1e, 0xb4, 0x01},
		[]byte{0, 0, 0, 0},
		padded(`test\a`, 256),
		[]byte{0x1a, 0x02, 0, 0},
		[]byte{0x0f, 0, 0, 0},
		[]byte{0x00, 0, 0, 0},
		[]byte{0x00, 0x0a, 0xa8, 0x7a, 0xc4, 0x86, 0xd1, 0x01},
		[]byte{0, 0, 0, 0},
	)

	var out bytes.Buffer
	require.NoError(t, b.Save(&out))
	assert.Equal(t, expected, out.Bytes())
}

func TestOverlaySaveReopens(t *testing.T) {
	b := NewBufferedArchive(nil)
	assert.Equal(t, "Custom", b.Header().LibraryName)
	assert.Equal(t, "Custom.slf", b.Header().LibraryPath)

	require.NoError(t, b.WriteFile("/b.txt", []byte("bee")))
	require.NoError(t, b.WriteFile("/a.txt", []byte("ay")))
	require.NoError(t, b.WriteFile("/dir/c.txt", []byte("sea")))

	var out bytes.Buffer
	require.NoError(t, b.Save(&out))

	a, err := Open(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)

	h := a.Header()
	assert.Equal(t, int32(3), h.NumberOfEntries)
	assert.Equal(t, int32(3), h.Used)
	assert.Equal(t, uint16(1), h.Sort)
	assert.Equal(t, uint16(1), h.Version)
	assert.Equal(t, int32(1), h.ContainsSubdirectories)

	var names []string
	for _, e := range a.Entries() {
		names = append(names, e.Name)
		assert.Equal(t, uint8(0), e.State)
	}
	assert.Equal(t, []string{"/a.txt", "/b.txt", "/dir/c.txt"}, names)

	data, err := a.ReadFile("/dir/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "sea", string(data))
}

func TestOverlaySaveFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.slf")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0644))

	b := newTestOverlay(t)
	require.NoError(t, b.SaveFile(target))

	a, err := OpenFile(target)
	require.NoError(t, err)
	defer a.Close()
	assert.Len(t, a.Entries(), 4)

	leftovers, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, leftovers, 1)
	assert.Equal(t, "out.slf", leftovers[0].Name())
}

func TestOverlayAddDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "maps", "old"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "maps", "a9.dat"), []byte("sector"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("hi"), 0644))

	mod := time.Date(2010, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(root, "readme.txt"), mod, mod))

	b := NewBufferedArchive(nil)
	require.NoError(t, b.AddDirectory(root))

	assert.True(t, b.IsDir("/maps/old"))
	data, err := b.ReadFile("/maps/a9.dat")
	require.NoError(t, err)
	assert.Equal(t, "sector", string(data))

	info, err := b.Stat("/readme.txt")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mod))
}
