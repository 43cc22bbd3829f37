package statefile

// ============================================================================
// 職責說明：
// 1. 將訊息與產生的腳本以原子性方式寫入磁碟（temp file + rename）
// 2. 讀取 JSON 狀態檔（message.json、version.json）
// 3. 重建或清空工作目錄（/build/IN、/tmp/ssh ...）
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedState = errors.New("state file is corrupted")
	ErrStateNotFound  = errors.New("state file not found")
)

// WriteFile 原子性寫入檔案
//
// 流程：
// 1. 建立父目錄
// 2. 寫入臨時檔案（.tmp）
// 3. 使用 os.Rename 原子性替換目標檔案
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	// WriteFile 的 perm 受 umask 影響，腳本需要明確的 0755
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// WriteExecutable writes a script with mode 0755.
func WriteExecutable(path, content string) error {
	return WriteFile(path, []byte(content), 0755)
}

// WriteJSON 序列化並原子性寫入 JSON（帶縮排，方便除錯）
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return WriteFile(path, data, 0644)
}

// ReadJSON 讀取 JSON 狀態檔
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrStateNotFound, path)
		}
		return fmt.Errorf("failed to read state: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	return nil
}

// ResetDir removes dir and recreates it empty.
func ResetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

// EmptyDir removes the contents of dir, creating it if missing.
func EmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0755)
		}
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Exists 檢查檔案是否存在
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
