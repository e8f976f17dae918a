package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"artiflow/pkg/contract"
)

const tokenExt = ".token"

// Store 将续写令牌持久化到 <stateDir>/continuations/<session-id>.token。
// 写入为原子替换并 fsync 目录，跨进程恢复时不会读到半截文件。
type Store struct {
	dir string
}

// NewStore 创建（必要时建立目录）令牌存储。
func NewStore(stateDir string) (*Store, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("store: %w: empty state dir", contract.ErrInvalidInput)
	}
	dir := filepath.Join(stateDir, "continuations")
	if err := ensureDirDurable(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("store: %w: bad id %q", contract.ErrTokenInvalid, id)
	}
	return filepath.Join(s.dir, id+tokenExt), nil
}

// Save 写入令牌，返回文件路径。
func (s *Store) Save(tok *Token) (string, error) {
	p, err := s.path(tok.ID())
	if err != nil {
		return "", err
	}
	b, err := tok.MarshalText()
	if err != nil {
		return "", err
	}
	if err := writeFileAtomicDurable(p, append(b, '\n'), 0o600); err != nil {
		return "", err
	}
	return p, nil
}

// Load 读取令牌。
func (s *Store) Load(id string) (*Token, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return ParseToken(string(b))
}

// Delete 删除令牌；不存在不算错误。
func (s *Store) Delete(id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return fsyncDir(s.dir)
}

// List 返回已保存令牌的会话标识（字典序）。
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, tokenExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, tokenExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	if parent := filepath.Dir(dir); parent != dir {
		return fsyncDir(parent)
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
