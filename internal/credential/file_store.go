// Package credential は外部IdPの資格情報をローカルファイルに保存する。
// 次回起動時の再サインインに使い、サインアウト時に消去する。
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hitoshi/worknest/internal/gateway"
)

const fileVersion = 1

// Credential は保存された資格情報。
type Credential struct {
	Provider string `json:"provider"`
	Token    string `json:"token"`
	SavedAt  int64  `json:"savedAt"`
}

type credentialFile struct {
	Version    int        `json:"version"`
	Credential Credential `json:"credential"`
}

// FileStore はJSONファイルによるCredentialStore実装。
// ファイルは0600、ディレクトリは0700で作成し、一時ファイルからのリネームで置き換える。
type FileStore struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewFileStore はFileStoreを生成する。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Save は資格情報を保存する。
func (s *FileStore) Save(ctx context.Context, provider, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if provider == "" || token == "" {
		return errors.New("credential provider and token are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	data, err := json.MarshalIndent(credentialFile{
		Version: fileVersion,
		Credential: Credential{
			Provider: provider,
			Token:    token,
			SavedAt:  s.now().UnixMilli(),
		},
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to chmod temp credential file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp credential file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp credential file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

// Load は保存済みの資格情報を返す。保存されていない場合はnil。
func (s *FileStore) Load(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}
	if file.Version != fileVersion {
		return nil, errors.New("unsupported credential file version")
	}
	return &file.Credential, nil
}

// Clear は保存済みの資格情報を削除する。
func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}
	return nil
}

var _ gateway.CredentialStore = (*FileStore)(nil)
