// Package vault keeps passkey credentials encrypted at rest in the private
// data directory.
//
// Private keys are sealed with XChaCha20-Poly1305 under a 32-byte master key
// stored next to the credential file. The vault is not reachable from any
// tool call; it exists so a future signing path has somewhere to read from.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/zhubert/agent-browser/audit"
	"github.com/zhubert/agent-browser/logger"
)

const (
	// KeyFileName holds the raw master key.
	KeyFileName = "master.key"

	// DBFileName holds every credential as JSON.
	DBFileName = "credentials.json"

	// KeySize is the master key length in bytes.
	KeySize = chacha20poly1305.KeySize

	fileMode os.FileMode = 0600
)

// ErrNotFound is returned when no credential has the requested ID.
var ErrNotFound = errors.New("Credential not found")

// Credential is one stored passkey. EncryptedPrivateKey is sealed under the
// master key with Nonce and the credential ID as additional data.
type Credential struct {
	ID                  string `json:"id"`
	RPID                string `json:"rp_id"`
	UserHandle          []byte `json:"user_handle"`
	EncryptedPrivateKey []byte `json:"encrypted_private_key"`
	Nonce               []byte `json:"nonce"`
	PublicKey           []byte `json:"public_key"`
	Created             int64  `json:"created"`
}

// Metadata describes a credential without any key material.
type Metadata struct {
	ID            string `json:"id"`
	RPID          string `json:"rp_id"`
	UserHandleB64 string `json:"user_handle_b64"`
	Created       int64  `json:"created"`
	LastUsed      *int64 `json:"last_used"`
	UseCount      uint64 `json:"use_count"`
}

// Vault is the on-disk credential store. It is safe for concurrent use.
type Vault struct {
	keyPath string
	dbPath  string
	key     []byte

	mu    sync.RWMutex
	creds map[string]Credential

	audit audit.Recorder
	log   *slog.Logger
}

// Open loads or creates the vault in dir. A missing master key is generated;
// an existing one of the wrong length is an error. rec may be a nil
// interface; a typed nil pointer is not detected.
func Open(dir string, rec audit.Recorder) (*Vault, error) {
	v := &Vault{
		keyPath: filepath.Join(dir, KeyFileName),
		dbPath:  filepath.Join(dir, DBFileName),
		creds:   make(map[string]Credential),
		audit:   rec,
		log:     logger.WithComponent("vault"),
	}

	key, err := loadOrGenerateKey(v.keyPath)
	if err != nil {
		return nil, err
	}
	v.key = key

	if err := v.load(); err != nil {
		return nil, err
	}

	v.log.Info("credential store initialized", "path", v.dbPath, "credentials", len(v.creds))
	return v, nil
}

func loadOrGenerateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("master key %s has %d bytes, want %d", path, len(key), KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key = make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return nil, fmt.Errorf("write master key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return key, nil
}

func (v *Vault) load() error {
	data, err := os.ReadFile(v.dbPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}

	if err := json.Unmarshal(data, &v.creds); err != nil {
		return fmt.Errorf("parse credentials %s: %w", v.dbPath, err)
	}
	if v.creds == nil {
		v.creds = make(map[string]Credential)
	}

	if err := os.Chmod(v.dbPath, fileMode); err != nil {
		v.log.Warn("failed to restrict credential file", "path", v.dbPath, "error", err)
	}
	return nil
}

// save writes the credential map through a temp file and rename. Caller
// must hold mu.
func (v *Vault) save() error {
	data, err := json.MarshalIndent(v.creds, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(v.dbPath), DBFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("save credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	if err := os.Rename(tmpPath, v.dbPath); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// SealPrivateKey encrypts a private key for credential id and returns the
// ciphertext and the fresh random nonce used.
func (v *Vault) SealPrivateKey(id string, privateKey []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nil, nonce, privateKey, []byte(id)), nonce, nil
}

// OpenPrivateKey decrypts cred's private key. It fails if the ciphertext,
// nonce or ID were altered.
func (v *Vault) OpenPrivateKey(cred Credential) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if len(cred.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("credential %s: nonce has %d bytes, want %d", cred.ID, len(cred.Nonce), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, cred.Nonce, cred.EncryptedPrivateKey, []byte(cred.ID))
	if err != nil {
		return nil, fmt.Errorf("credential %s: decrypt private key: %w", cred.ID, err)
	}
	return plaintext, nil
}

// Store inserts or replaces cred and persists the vault.
func (v *Vault) Store(cred Credential) error {
	if cred.ID == "" {
		return errors.New("credential ID is empty")
	}

	v.mu.Lock()
	prev, existed := v.creds[cred.ID]
	v.creds[cred.ID] = cred
	if err := v.save(); err != nil {
		if existed {
			v.creds[cred.ID] = prev
		} else {
			delete(v.creds, cred.ID)
		}
		v.mu.Unlock()
		return err
	}
	v.mu.Unlock()

	v.record(fmt.Sprintf("Stored credential %s for rpId: %s", cred.ID, cred.RPID))
	return nil
}

// Get returns the full credential for id.
func (v *Vault) Get(id string) (Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cred, ok := v.creds[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

// Metadata describes the credential with the given id.
func (v *Vault) Metadata(id string) (Metadata, error) {
	cred, err := v.Get(id)
	if err != nil {
		return Metadata{}, err
	}
	return metadataOf(cred), nil
}

// List describes every credential, ordered by ID.
func (v *Vault) List() []Metadata {
	v.mu.RLock()
	out := make([]Metadata, 0, len(v.creds))
	for _, cred := range v.creds {
		out = append(out, metadataOf(cred))
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear removes every credential and persists the empty vault.
func (v *Vault) Clear() error {
	v.mu.Lock()
	count := len(v.creds)
	prev := v.creds
	v.creds = make(map[string]Credential)
	if err := v.save(); err != nil {
		v.creds = prev
		v.mu.Unlock()
		return err
	}
	v.mu.Unlock()

	v.record(fmt.Sprintf("Cleared %d credentials", count))
	return nil
}

// Len returns the number of stored credentials.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.creds)
}

func (v *Vault) record(msg string) {
	if v.audit != nil {
		v.audit.Record(msg)
	}
}

func metadataOf(cred Credential) Metadata {
	return Metadata{
		ID:            cred.ID,
		RPID:          cred.RPID,
		UserHandleB64: base64.StdEncoding.EncodeToString(cred.UserHandle),
		Created:       cred.Created,
	}
}
