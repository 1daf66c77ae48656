// Package layer streams a local directory tree into a gzipped tar archive
// suitable for use as one OCI image layer, computing the layer's
// compressed and uncompressed digests as the bytes are produced so no
// complete layer is ever materialized in memory.
package layer

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"

	"github.com/max-te/kleinladungstraeger/pkg/errdefs"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec"
	"github.com/max-te/kleinladungstraeger/pkg/xio"
	"github.com/max-te/kleinladungstraeger/pkg/xlog"
)

const (
	streamChunkSize    = 64 * xio.KiB
	streamChunkBacklog = 16
)

// Options configures a Build.
type Options struct {
	// Multithread uses pgzip instead of gzip for the compression stage,
	// trading memory for throughput on large folders.
	Multithread bool
	// ModTime stamps every tar header's mtime, giving callers a
	// reproducible-build timestamp (e.g. a recipe's source_date_epoch).
	// The zero value tars everything at the Unix epoch.
	ModTime time.Time
}

// Result is reported once the stream returned by Build has been read to
// completion.
type Result struct {
	CompressedDigest   ocispec.Digest
	CompressedSize     int64
	UncompressedDigest ocispec.Digest
}

// Stream is a lazy, backpressured byte stream of the gzipped tar. Callers
// read it to completion (or Close it early to abort), then call Wait for
// the finished digests.
type Stream struct {
	reader *chunkReader
	cancel context.CancelFunc
	done   chan struct{}
	result Result
	err    error
}

// Build walks root and returns a Stream of a gzipped tar of its contents,
// with every entry's path rewritten to prefix+relative_path. Walking and
// hashing happen in a background goroutine; the returned Stream applies
// backpressure so root is never read faster than the caller drains bytes.
func Build(ctx context.Context, root, prefix string, opts Options) (*Stream, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errdefs.NewE(errdefs.ErrLayerBuild, err)
	}
	if !info.IsDir() {
		return nil, errdefs.Newf(errdefs.ErrLayerBuild, "layer source %s is not a directory", root)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cw := newChunkWriter(runCtx)
	s := &Stream{
		reader: &chunkReader{ch: cw.ch},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(runCtx, root, prefix, opts, cw)
	return s, nil
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

// Close aborts the background build if it is still running and waits for
// it to unwind. Safe to call after the stream has already reached EOF.
func (s *Stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Wait blocks until the build finishes and returns its digests. Callers
// must have read the Stream to EOF (or Closed it) first.
func (s *Stream) Wait() (Result, error) {
	<-s.done
	return s.result, s.err
}

func (s *Stream) run(ctx context.Context, root, prefix string, opts Options, cw *chunkWriter) {
	defer close(s.done)

	uncompressed := ocispec.NewDigester()
	compressed := ocispec.NewDigester()
	counter := &countingWriter{w: compressed.Hash()}

	gz, err := newGzipWriter(io.MultiWriter(counter, cw), opts.Multithread)
	if err != nil {
		s.err = errdefs.NewE(errdefs.ErrLayerBuild, err)
		cw.abort(s.err)
		return
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Unix(0, 0).UTC()
	}
	tw := tar.NewWriter(io.MultiWriter(uncompressed.Hash(), gz))
	walkErr := walkTree(ctx, root, prefix, modTime, tw)

	closeErr := tw.Close()
	if walkErr == nil {
		walkErr = closeErr
	}
	if gzErr := gz.Close(); walkErr == nil {
		walkErr = gzErr
	}

	if walkErr != nil {
		s.err = errdefs.NewE(errdefs.ErrLayerBuild, walkErr)
		cw.abort(s.err)
		return
	}

	if err := cw.Close(); err != nil {
		s.err = err
		return
	}

	s.result = Result{
		CompressedDigest:   compressed.Digest(),
		CompressedSize:     counter.n,
		UncompressedDigest: uncompressed.Digest(),
	}
}

func newGzipWriter(w io.Writer, multithread bool) (io.WriteCloser, error) {
	if multithread {
		return pgzip.NewWriterLevel(w, gzip.DefaultCompression)
	}
	return gzip.NewWriterLevel(w, gzip.DefaultCompression)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// walkTree visits root in lexicographic order, emitting one tar entry per
// file, directory and symlink. Hardlink detection by (dev, inode) emits a
// TypeLink entry for every occurrence after the first.
func walkTree(ctx context.Context, root, prefix string, modTime time.Time, tw *tar.Writer) error {
	entries, err := sortedWalk(root)
	if err != nil {
		return err
	}

	seen := make(map[inodeKey]string, len(entries))

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel := entry.relPath
		tarPath := path.Join(prefix, filepath.ToSlash(rel))
		if prefix == "" {
			tarPath = filepath.ToSlash(rel)
		}
		if err := validateTarPath(tarPath); err != nil {
			return err
		}

		info := entry.info
		mode := info.Mode()

		switch {
		case mode&os.ModeSymlink != 0:
			target, err := os.Readlink(entry.absPath)
			if err != nil {
				return err
			}
			hdr := &tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     tarPath,
				Linkname: target,
				ModTime:  modTime,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			continue
		case mode.IsDir():
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     tarPath + "/",
				Mode:     int64(dirMode(mode)),
				ModTime:  modTime,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			continue
		case mode.IsRegular():
			if key, ok := inodeKeyOf(info); ok {
				if linkname, dup := seen[key]; dup {
					hdr := &tar.Header{
						Typeflag: tar.TypeLink,
						Name:     tarPath,
						Linkname: linkname,
						ModTime:  modTime,
					}
					if err := tw.WriteHeader(hdr); err != nil {
						return err
					}
					continue
				}
				seen[key] = tarPath
			}

			hdr := &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     tarPath,
				Size:     info.Size(),
				Mode:     int64(fileMode(mode)),
				ModTime:  modTime,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if err := copyFile(tw, entry.absPath); err != nil {
				return err
			}
			continue
		default:
			xlog.FromContext(ctx).Warnf("layer build: skipping %s, not a regular file, directory or symlink", entry.absPath)
			continue
		}
	}
	return nil
}

func copyFile(w io.Writer, absPath string) error {
	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// dirMode and fileMode derive the stored tar mode from the source's
// read/execute bits only: 0755 for directories and executables, 0644
// otherwise. Other permission bits (setuid, group/other write, sticky)
// from the host filesystem are deliberately not carried into the layer.
func dirMode(mode os.FileMode) os.FileMode {
	return 0o755
}

func fileMode(mode os.FileMode) os.FileMode {
	if mode&0o111 != 0 {
		return 0o755
	}
	return 0o644
}

func validateTarPath(p string) error {
	if path.IsAbs(p) {
		return errdefs.Newf(errdefs.ErrLayerBuild, "tar entry %q is an absolute path", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errdefs.Newf(errdefs.ErrLayerBuild, "tar entry %q escapes its prefix", p)
	}
	return nil
}

type walkEntry struct {
	relPath string
	absPath string
	info    fs.FileInfo
}

// sortedWalk collects every entry under root and returns them sorted
// lexicographically by relative path, so the resulting tar is
// byte-reproducible across runs on the same input tree.
func sortedWalk(root string) ([]walkEntry, error) {
	var entries []walkEntry
	err := filepath.Walk(root, func(absPath string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if absPath == root {
			return nil
		}
		rel, err := filepath.Rel(root, absPath)
		if err != nil {
			return err
		}
		entries = append(entries, walkEntry{relPath: rel, absPath: absPath, info: info})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].relPath < entries[j].relPath
	})
	return entries, nil
}

type inodeKey struct {
	dev uint64
	ino uint64
}

// inodeKeyOf extracts the (dev, inode) pair identifying a regular file on
// disk. ok is false on platforms where the underlying Sys() value isn't a
// *syscall.Stat_t, in which case hardlink detection is simply skipped.
func inodeKeyOf(info fs.FileInfo) (inodeKey, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return inodeKey{}, false
	}
	if stat.Nlink < 2 {
		return inodeKey{}, false
	}
	return inodeKey{dev: uint64(stat.Dev), ino: stat.Ino}, true
}

// chunkWriter buffers writes into fixed-size chunks and hands them off
// over a bounded channel, giving the producer goroutine natural
// backpressure from whatever is draining the channel's reader side.
type chunkWriter struct {
	ctx context.Context
	ch  chan []byte
	buf []byte
}

func newChunkWriter(ctx context.Context) *chunkWriter {
	return &chunkWriter{
		ctx: ctx,
		ch:  make(chan []byte, streamChunkBacklog),
		buf: make([]byte, 0, streamChunkSize),
	}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.buf = append(w.buf, p...)
	for len(w.buf) >= streamChunkSize {
		chunk := make([]byte, streamChunkSize)
		copy(chunk, w.buf[:streamChunkSize])
		if err := w.send(chunk); err != nil {
			return 0, err
		}
		w.buf = append(w.buf[:0], w.buf[streamChunkSize:]...)
	}
	return total, nil
}

func (w *chunkWriter) send(chunk []byte) error {
	select {
	case w.ch <- chunk:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

// Close flushes any buffered remainder and closes the channel, signalling
// EOF to the reader side.
func (w *chunkWriter) Close() error {
	if len(w.buf) > 0 {
		chunk := make([]byte, len(w.buf))
		copy(chunk, w.buf)
		if err := w.send(chunk); err != nil {
			close(w.ch)
			return err
		}
	}
	close(w.ch)
	return nil
}

// abort closes the channel without sending a final chunk, used when the
// build failed partway through.
func (w *chunkWriter) abort(err error) {
	close(w.ch)
}

type chunkReader struct {
	ch  chan []byte
	cur []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		chunk, ok := <-r.ch
		if !ok {
			return 0, io.EOF
		}
		r.cur = chunk
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}
