package acmetls

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
)

// FileSystemDataStore stores account data and certificate material as files
// under a single directory. Certificate files are addressed by a
// deterministic key derived from the directory name and the canonicalized
// domain set, so lookups are stable across process restarts.
type FileSystemDataStore struct {
	rootPath    string
	accountPath string
}

func NewFileSystemDataStore(rootPath string) (*FileSystemDataStore, error) {
	if err := os.MkdirAll(rootPath, 0700); err != nil {
		return nil, fmt.Errorf("cannot create directory %q: %w", rootPath, err)
	}

	s := FileSystemDataStore{
		rootPath:    rootPath,
		accountPath: path.Join(rootPath, "account.json"),
	}

	return &s, nil
}

func (s *FileSystemDataStore) LoadAccountData() (*AccountData, error) {
	jsonAccountData, err := s.loadFile(s.accountPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoAccount
		}

		return nil, err
	}

	var accountData AccountData
	if err := json.Unmarshal(jsonAccountData, &accountData); err != nil {
		return nil, fmt.Errorf("cannot decode %q: %w", s.accountPath, err)
	}

	return &accountData, nil
}

func (s *FileSystemDataStore) StoreAccountData(accountData *AccountData) error {
	jsonAccountData, err := json.Marshal(accountData)
	if err != nil {
		return fmt.Errorf("cannot encode account data: %w", err)
	}

	return s.storeFile(s.accountPath, jsonAccountData)
}

func (s *FileSystemDataStore) ReadPrivateKey(directoryName string, domains []string) ([]byte, error) {
	return s.readCertificateFile(directoryName, domains, "key")
}

func (s *FileSystemDataStore) ReadCertificate(directoryName string, domains []string) ([]byte, error) {
	return s.readCertificateFile(directoryName, domains, "crt")
}

func (s *FileSystemDataStore) StorePrivateKey(directoryName string, domains []string, data []byte) error {
	return s.storeFile(s.certificateFilePath(directoryName, domains, "key"),
		data)
}

func (s *FileSystemDataStore) StoreCertificate(directoryName string, domains []string, data []byte) error {
	return s.storeFile(s.certificateFilePath(directoryName, domains, "crt"),
		data)
}

func (s *FileSystemDataStore) readCertificateFile(directoryName string, domains []string, extension string) ([]byte, error) {
	data, err := s.loadFile(s.certificateFilePath(directoryName, domains,
		extension))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	return data, nil
}

func (s *FileSystemDataStore) certificateFilePath(directoryName string, domains []string, extension string) string {
	fileName := fmt.Sprintf("%s-%s.%s", sanitizeFileName(directoryName),
		certificateStorageKey(directoryName, domains), extension)

	return path.Join(s.rootPath, fileName)
}

func (s *FileSystemDataStore) loadFile(filePath string) ([]byte, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read %q: %w", filePath, err)
	}

	return data, nil
}

func (s *FileSystemDataStore) storeFile(filePath string, data []byte) error {
	tmpPath := filePath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("cannot write %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("cannot rename %q to %q: %w", tmpPath, filePath,
			err)
	}

	return nil
}

// certificateStorageKey derives a stable storage key for a directory name
// and domain set. Domains are canonicalized (lowercased, sorted,
// deduplicated) so that the same set always maps to the same key.
func certificateStorageKey(directoryName string, domains []string) string {
	canonical := make([]string, len(domains))
	for i, domain := range domains {
		canonical[i] = strings.ToLower(domain)
	}

	slices.Sort(canonical)
	canonical = slices.Compact(canonical)

	hash := sha256.New()
	hash.Write([]byte(directoryName))
	for _, domain := range canonical {
		hash.Write([]byte{0})
		hash.Write([]byte(domain))
	}

	return hex.EncodeToString(hash.Sum(nil)[:16])
}

func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
