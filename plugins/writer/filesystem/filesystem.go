package filesystem

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"artiflow/pkg/contract"
)

// diffLimit: 超过该大小的旧文件不做差异统计。
const diffLimit = 1 << 20

// Options: 最小必要选项。
type Options struct {
	// WorkDir: 工作根目录（必需），filePath 相对其解释。
	WorkDir string `json:"work_dir"`
	// Atomic: 是否使用原子替换（同目录临时文件 + rename）。
	// 默认值：true。未提供该字段时采用原子写；显式 false 可关闭。
	Atomic *bool `json:"atomic,omitempty"`
	// PermFile/PermDir: 可选权限；为 0 表示使用实现/平台默认。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用实现默认。
	BufSize int `json:"buf_size,omitempty"`
}

// Change: 一次写入的摘要（新建或覆盖）。
type Change struct {
	Path    string
	Created bool
	// Inserted/Deleted 为覆盖时按行统计的增删数。
	Inserted int
	Deleted  int
}

type FS struct {
	root     string
	atomic   bool
	permF    os.FileMode
	permD    os.FileMode
	bufSize  int
	observer func(Change)
}

// New 创建文件系统 Writer 实现。
func New(opts *Options) (*FS, error) {
	if opts == nil || strings.TrimSpace(opts.WorkDir) == "" {
		return nil, os.ErrInvalid
	}
	bsz := opts.BufSize
	if bsz <= 0 {
		bsz = 64 * 1024
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	atomic := true
	if opts.Atomic != nil {
		atomic = *opts.Atomic
	}
	return &FS{root: opts.WorkDir, atomic: atomic, permF: pf, permD: pd, bufSize: bsz}, nil
}

var _ contract.Writer = (*FS)(nil)

// Root 返回工作根目录。
func (w *FS) Root() string { return w.root }

// Observe 注册写入摘要回调（nil 清除）。
func (w *FS) Observe(fn func(Change)) { w.observer = fn }

// Exists 报告相对路径在工作根下是否已存在。
func (w *FS) Exists(rel string) bool {
	dest, err := w.mapPath(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(dest)
	return err == nil
}

// Write 将 r 的全部字节写入 rel 对应的目标路径，必要时创建父目录。
func (w *FS) Write(ctx context.Context, rel string, r io.Reader) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	dest, err := w.mapPath(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}

	if w.observer != nil {
		// 需要差异统计时先读入新内容
		data, err := io.ReadAll(readerWithCtx(ctx, r))
		if err != nil {
			return err
		}
		ch := w.summarize(rel, dest, data)
		if err := w.put(ctx, dest, bytes.NewReader(data)); err != nil {
			return err
		}
		w.observer(ch)
		return nil
	}
	return w.put(ctx, dest, r)
}

func (w *FS) put(ctx context.Context, dest string, r io.Reader) error {
	if w.atomic {
		return w.writeAtomic(ctx, dest, r)
	}
	return w.writeOverwrite(ctx, dest, r)
}

// mapPath: 规范化 + Join + 越界校验。
func (w *FS) mapPath(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" || !contract.IsLocalPath(rel) {
		return "", contract.ErrPathInvalid
	}
	if vol := filepath.VolumeName(rel); vol != "" {
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(w.root, filepath.FromSlash(contract.NormalizePath(rel))), nil
}

func (w *FS) summarize(rel, dest string, data []byte) Change {
	ch := Change{Path: contract.NormalizePath(rel)}
	fi, err := os.Stat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		ch.Created = true
		return ch
	}
	if err != nil || fi.IsDir() || fi.Size() > diffLimit {
		return ch
	}
	old, err := os.ReadFile(dest)
	if err != nil {
		return ch
	}
	ch.Inserted, ch.Deleted = lineDelta(string(old), string(data))
	return ch
}

// lineDelta 以行为单位统计增删。
func lineDelta(before, after string) (ins, del int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			ins += n
		case diffmatchpatch.DiffDelete:
			del += n
		}
	}
	return ins, del
}

func (w *FS) writeOverwrite(ctx context.Context, dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *FS) writeAtomic(ctx context.Context, dest string, r io.Reader) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, w.permF)

	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		_ = bw.Flush()
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := osReplace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// 最佳努力：同步父目录
	_ = syncDir(dir)
	return nil
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.r.Read(p)
}
