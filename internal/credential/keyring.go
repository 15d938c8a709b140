// Package credential resolves mailbox secrets that are not written in config.
package credential

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
)

const serviceName = "newsdigest"

// Store 从系统 keyring 读取凭证
type Store struct {
	ring keyring.Keyring
}

// Open 打开 keyring。headless 服务器上没有 keychain 时使用文件后端，密码来自 DIGEST_KEYRING_PASSWORD。
func Open(fileDir string) (*Store, error) {
	if fileDir == "" {
		home, _ := os.UserHomeDir()
		fileDir = filepath.Join(home, ".config", serviceName, "credentials")
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(os.Getenv("DIGEST_KEYRING_PASSWORD")),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// Get 读取 key 对应的凭证
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Resolve 配置中已有明文时直接返回，否则按 key 查询 keyring
func Resolve(store *Store, plain, key string) (string, error) {
	if plain != "" {
		return plain, nil
	}
	if key == "" {
		return "", fmt.Errorf("no password configured and no keyring key given")
	}
	if store == nil {
		return "", fmt.Errorf("keyring unavailable for credential %q", key)
	}
	return store.Get(key)
}
