package cloakfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	gopath "path"
	"sync"
	"testing"
	"time"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/cloakfs/cloakfs/fsconfig"
	"github.com/cloakfs/cloakfs/integrity"
	"github.com/cloakfs/cloakfs/tree"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testOptions(t *testing.T) Options {
	t.Helper()
	base, err := memfs.NewFS()
	require.NoError(t, err)
	return Options{
		Base:          base,
		BaseDir:       "/vault",
		LocalStateDir: t.TempDir(),
		BlockSize:     512,
		Logger:        quietLogger(),
	}
}

// listBlockFiles walks the base directory and returns the paths of all
// block files (32-hex names inside shard directories).
func listBlockFiles(t *testing.T, fsys absfs.FileSystem, dir string) []string {
	t.Helper()
	var out []string
	var walk func(string)
	walk = func(d string) {
		f, err := fsys.Open(d)
		require.NoError(t, err)
		infos, err := f.Readdir(-1)
		f.Close()
		require.NoError(t, err)
		for _, info := range infos {
			if info.Name() == "." || info.Name() == ".." {
				continue
			}
			p := gopath.Join(d, info.Name())
			if info.IsDir() {
				walk(p)
				continue
			}
			if len(info.Name()) == 32 {
				out = append(out, p)
			}
		}
	}
	walk(dir)
	return out
}

func readFileBytes(t *testing.T, fsys absfs.FileSystem, path string) []byte {
	t.Helper()
	f, err := fsys.Open(path)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return data
}

func writeFileBytes(t *testing.T, fsys absfs.FileSystem, path string, data []byte) {
	t.Helper()
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestCreateMountWriteRemountRead(t *testing.T) {
	opts := testOptions(t)
	pass := []byte("passphrase P")
	content := []byte("content C, small but precious")

	require.NoError(t, Create(opts, pass))

	fs, err := Mount(opts, pass)
	require.NoError(t, err)
	require.Equal(t, StateMounted, fs.State())

	require.NoError(t, fs.MkdirAll("/a"))
	require.NoError(t, fs.WriteFile("/a/b.txt", content))
	got, err := fs.ReadFile("/a/b.txt")
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.NoError(t, fs.Unmount())
	require.Equal(t, StateUnmounted, fs.State())

	fs, err = Mount(opts, pass)
	require.NoError(t, err)
	got, err = fs.ReadFile("/a/b.txt")
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.NoError(t, fs.Unmount())
}

func TestMountWrongPassphrase(t *testing.T) {
	opts := testOptions(t)
	require.NoError(t, Create(opts, []byte("right")))

	_, err := Mount(opts, []byte("wrong"))
	require.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestCreateRefusesExistingConfig(t *testing.T) {
	opts := testOptions(t)
	pass := []byte("p")
	require.NoError(t, Create(opts, pass))
	require.ErrorIs(t, Create(opts, pass), ErrConfigExists)
}

func TestCorruptedBlockDetectedOnRead(t *testing.T) {
	opts := testOptions(t)
	pass := []byte("p")
	require.NoError(t, Create(opts, pass))

	fs, err := Mount(opts, pass)
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile("/f.txt", []byte("protected")))
	require.NoError(t, fs.Unmount())

	// Flip one ciphertext byte in every block file; whichever block the
	// read touches first must fail authentication.
	for _, p := range listBlockFiles(t, opts.Base, opts.BaseDir) {
		data := readFileBytes(t, opts.Base, p)
		data[len(data)-1] ^= 0x01
		writeFileBytes(t, opts.Base, p, data)
	}

	fs, err = Mount(opts, pass)
	require.NoError(t, err)
	defer fs.Unmount()

	_, err = fs.ReadFile("/f.txt")
	require.True(t, IsIntegrityViolation(err), "read of corrupted block = %v, want integrity violation", err)
	var v *IntegrityError
	require.ErrorAs(t, err, &v)
	require.Equal(t, integrity.ReasonTamper, v.Reason)
}

func TestRollbackDetectedAcrossRemount(t *testing.T) {
	opts := testOptions(t)
	pass := []byte("p")
	require.NoError(t, Create(opts, pass))

	fs, err := Mount(opts, pass)
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile("/f.txt", []byte("version one")))
	require.NoError(t, fs.Unmount())

	// Capture the base directory as an attacker (or a snapshot) would.
	snapshot := make(map[string][]byte)
	for _, p := range listBlockFiles(t, opts.Base, opts.BaseDir) {
		snapshot[p] = readFileBytes(t, opts.Base, p)
	}

	fs, err = Mount(opts, pass)
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile("/f.txt", []byte("version two")))
	require.NoError(t, fs.Unmount())

	// Replay the captured blocks over the newer state.
	for p, data := range snapshot {
		writeFileBytes(t, opts.Base, p, data)
	}

	fs, err = Mount(opts, pass)
	require.NoError(t, err)
	_, err = fs.ReadFile("/f.txt")
	var v *IntegrityError
	require.ErrorAs(t, err, &v)
	require.Equal(t, integrity.ReasonRollback, v.Reason)
	require.NoError(t, fs.Unmount())

	// With integrity checking disabled the replayed state is accepted and
	// readable, for recovering from an intentional snapshot restore.
	relaxed := opts
	relaxed.AllowIntegrityViolations = true
	fs, err = Mount(relaxed, pass)
	require.NoError(t, err)
	got, err := fs.ReadFile("/f.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("version one"), got)
	require.NoError(t, fs.Unmount())
}

func TestConcurrentWritersDistinctFiles(t *testing.T) {
	opts := testOptions(t)
	pass := []byte("p")
	require.NoError(t, Create(opts, pass))

	fs, err := Mount(opts, pass)
	require.NoError(t, err)
	defer fs.Unmount()

	const n = 8
	contents := make([][]byte, n)
	for i := range contents {
		contents[i] = bytes.Repeat([]byte{byte('A' + i)}, 3000) // spans several blocks
		require.NoError(t, fs.CreateFile(fmt.Sprintf("/f%d", i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := fs.WriteAt(fmt.Sprintf("/f%d", i), 0, contents[i]); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		got, err := fs.ReadFile(fmt.Sprintf("/f%d", i))
		require.NoError(t, err)
		require.Equal(t, contents[i], got, "file %d lost data under concurrency", i)
	}
}

func TestConcurrentWritersSameFile(t *testing.T) {
	opts := testOptions(t)
	pass := []byte("p")
	require.NoError(t, Create(opts, pass))

	fs, err := Mount(opts, pass)
	require.NoError(t, err)
	defer fs.Unmount()

	require.NoError(t, fs.CreateFile("/shared"))
	a := bytes.Repeat([]byte("a"), 200)
	b := bytes.Repeat([]byte("b"), 200)

	var wg sync.WaitGroup
	for _, p := range [][]byte{a, b} {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			if _, err := fs.WriteAt("/shared", 0, p); err != nil {
				t.Error(err)
			}
		}(p)
	}
	wg.Wait()

	// The writes serialize on the block: the result is one of them in
	// full, never an interleaving, and the filesystem stays readable.
	got, err := fs.ReadFile("/shared")
	require.NoError(t, err)
	if !bytes.Equal(got, a) && !bytes.Equal(got, b) {
		t.Errorf("content after racing writes is an interleaving: %q", got)
	}
}

func TestIdleUnmount(t *testing.T) {
	opts := testOptions(t)
	opts.IdleTimeout = 150 * time.Millisecond
	pass := []byte("p")
	require.NoError(t, Create(opts, pass))

	fs, err := Mount(opts, pass)
	require.NoError(t, err)

	select {
	case <-fs.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("idle unmount never happened")
	}
	require.Equal(t, StateUnmounted, fs.State())

	// Operations after unmount are rejected, not crashed.
	_, err = fs.ReadFile("/anything")
	require.ErrorIs(t, err, ErrNotMounted)
	require.NoError(t, fs.Unmount())
}

func TestUnmountIsIdempotent(t *testing.T) {
	opts := testOptions(t)
	pass := []byte("p")
	require.NoError(t, Create(opts, pass))

	fs, err := Mount(opts, pass)
	require.NoError(t, err)
	require.NoError(t, fs.Unmount())
	require.NoError(t, fs.Unmount())
}

func setFormatVersion(t *testing.T, opts Options, pass []byte, version uint32) {
	t.Helper()
	rec, err := fsconfig.LoadFile(opts.Base, gopath.Join(opts.BaseDir, fsconfig.DefaultConfigFilename), pass)
	require.NoError(t, err)
	rec.FormatVersion = version
	require.NoError(t, fsconfig.SaveFile(opts.Base, gopath.Join(opts.BaseDir, fsconfig.DefaultConfigFilename), rec, pass))
}

func TestVersionUpgrade(t *testing.T) {
	opts := testOptions(t)
	pass := []byte("p")
	require.NoError(t, Create(opts, pass))

	fs, err := Mount(opts, pass)
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile("/kept.txt", []byte("survives the upgrade")))
	require.NoError(t, fs.Unmount())

	setFormatVersion(t, opts, pass, 2)

	// Older on-disk version without the upgrade flag is fatal.
	_, err = Mount(opts, pass)
	require.ErrorIs(t, err, ErrVersionMismatch)

	upgrade := opts
	upgrade.AllowFilesystemUpgrade = true
	fs, err = Mount(upgrade, pass)
	require.NoError(t, err)
	require.Equal(t, fsconfig.CurrentFormatVersion, fs.Config().FormatVersion)
	got, err := fs.ReadFile("/kept.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("survives the upgrade"), got)
	require.NoError(t, fs.Unmount())

	// The new version is persisted: a plain mount now succeeds, and
	// running the upgrade path again is a no-op.
	fs, err = Mount(opts, pass)
	require.NoError(t, err)
	require.NoError(t, fs.Unmount())
	fs, err = Mount(upgrade, pass)
	require.NoError(t, err)
	require.Equal(t, fsconfig.CurrentFormatVersion, fs.Config().FormatVersion)
	require.NoError(t, fs.Unmount())
}

func TestVersionNewerThanSupported(t *testing.T) {
	opts := testOptions(t)
	pass := []byte("p")
	require.NoError(t, Create(opts, pass))

	setFormatVersion(t, opts, pass, fsconfig.CurrentFormatVersion+1)

	_, err := Mount(opts, pass)
	require.ErrorIs(t, err, ErrVersionMismatch)

	// The upgrade flag never permits a downgrade.
	opts.AllowFilesystemUpgrade = true
	_, err = Mount(opts, pass)
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestReplacedFilesystemDetected(t *testing.T) {
	stateDir := t.TempDir()
	pass := []byte("p")

	optsA := testOptions(t)
	optsA.LocalStateDir = stateDir
	require.NoError(t, Create(optsA, pass))

	// A different filesystem appears at the same base location.
	optsB := testOptions(t)
	optsB.LocalStateDir = stateDir
	require.NoError(t, Create(optsB, pass))

	_, err := Mount(optsA, pass)
	require.ErrorIs(t, err, ErrReplacedFilesystem)

	// The escape hatch accepts it and rebinds the location.
	optsA.AllowReplacedFilesystem = true
	fs, err := Mount(optsA, pass)
	require.NoError(t, err)
	require.NoError(t, fs.Unmount())

	// Which makes B the stranger now.
	_, err = Mount(optsB, pass)
	require.ErrorIs(t, err, ErrReplacedFilesystem)
}

// Creating over a base location the registry already binds to another
// instance is a deliberate replacement: Create succeeds and rebinds the
// location, so the new instance mounts cleanly afterwards.
func TestCreateRebindsKnownLocation(t *testing.T) {
	stateDir := t.TempDir()
	pass := []byte("p")

	optsA := testOptions(t)
	optsA.LocalStateDir = stateDir
	require.NoError(t, Create(optsA, pass))

	optsB := testOptions(t)
	optsB.LocalStateDir = stateDir
	require.NoError(t, Create(optsB, pass))

	fs, err := Mount(optsB, pass)
	require.NoError(t, err)
	require.NoError(t, fs.Unmount())
}

func TestFilesystemOperations(t *testing.T) {
	opts := testOptions(t)
	pass := []byte("p")
	require.NoError(t, Create(opts, pass))

	fs, err := Mount(opts, pass)
	require.NoError(t, err)
	defer fs.Unmount()

	require.NoError(t, fs.MkdirAll("/a/b/c"))
	require.NoError(t, fs.WriteFile("/a/b/c/f.txt", []byte("hello")))
	require.NoError(t, fs.Symlink("/a/b/c/f.txt", "/link"))

	target, err := fs.ReadSymlink("/link")
	require.NoError(t, err)
	require.Equal(t, "/a/b/c/f.txt", target)

	info, err := fs.Stat("/a/b/c/f.txt")
	require.NoError(t, err)
	require.Equal(t, tree.KindFile, info.Kind)
	require.Equal(t, uint64(5), info.Size)

	entries, err := fs.List("/a/b")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "c", entries[0].Name)
	require.True(t, entries[0].IsDir())

	require.NoError(t, fs.Rename("/a/b/c/f.txt", "/a/moved.txt"))
	_, err = fs.Stat("/a/b/c/f.txt")
	require.ErrorIs(t, err, ErrNotFound)
	got, err := fs.ReadFile("/a/moved.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	require.ErrorIs(t, fs.Rename("/a", "/a/b/into-self"), tree.ErrInvalidName)

	require.NoError(t, fs.Truncate("/a/moved.txt", 2))
	got, err = fs.ReadFile("/a/moved.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("he"), got)

	// Sparse grow then shrink through the exported surface.
	require.NoError(t, fs.Truncate("/a/moved.txt", 2048))
	require.NoError(t, fs.Truncate("/a/moved.txt", 1024))
	info, err = fs.Stat("/a/moved.txt")
	require.NoError(t, err)
	require.Equal(t, uint64(1024), info.Size)

	require.NoError(t, fs.Remove("/a"))
	_, err = fs.Stat("/a")
	require.ErrorIs(t, err, ErrNotFound)
}
