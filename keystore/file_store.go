package keystore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"hybrid-chat/common"
	"hybrid-chat/configs"
)

const (
	// The current supported version of the encrypted blob format stored on disk.
	keystoreFormatVersion = 1
)

// blob is the on-disk JSON structure holding the ciphertext and KDF parameters.
type blob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// contents is the plaintext sealed inside the blob.
type contents struct {
	Identities map[common.IdentityID]IdentityRecord `json:"identities"`
	Sessions   map[string]SessionRecord             `json:"sessions"`
}

// FileStore keeps identities and session records in one passphrase-sealed
// file. The key is derived once per salt; every write uses a fresh nonce.
type FileStore struct {
	path string
	mu   sync.Mutex

	salt    []byte
	n, r, p int
	key     []byte
	data    contents
}

var (
	_ Store         = (*FileStore)(nil)
	_ IdentityStore = (*FileStore)(nil)
)

// OpenFileStore loads dir/keystore.enc, or prepares a new one if it does not
// exist yet. A wrong passphrase yields ErrWrongPassphrase.
func OpenFileStore(dir, passphrase string) (*FileStore, error) {
	if passphrase == "" {
		return nil, errors.New("keystore passphrase required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	s := &FileStore{
		path: filepath.Join(dir, configs.KeystoreFileName),
		data: contents{
			Identities: make(map[common.IdentityID]IdentityRecord),
			Sessions:   make(map[string]SessionRecord),
		},
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.n, s.r, s.p = scryptParamsDefault()
		s.salt = make([]byte, 16)
		if _, err := rand.Read(s.salt); err != nil {
			return nil, err
		}
		if s.key, err = scrypt.Key([]byte(passphrase), s.salt, s.n, s.r, s.p, chacha20poly1305.KeySize); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var bl blob
	if err := json.Unmarshal(raw, &bl); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	if bl.V > keystoreFormatVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", bl.V)
	}
	s.salt, s.n, s.r, s.p = bl.Salt, bl.N, bl.R, bl.P
	if s.key, err = scrypt.Key([]byte(passphrase), s.salt, s.n, s.r, s.p, chacha20poly1305.KeySize); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, bl.Nonce, bl.Cipher, bl.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	if err := json.Unmarshal(pt, &s.data); err != nil {
		return nil, fmt.Errorf("parse keystore contents: %w", err)
	}
	if s.data.Identities == nil {
		s.data.Identities = make(map[common.IdentityID]IdentityRecord)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]SessionRecord)
	}
	return s, nil
}

func (s *FileStore) Get(k PairKey) (SessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.Sessions[k.String()]
	return rec, ok, nil
}

func (s *FileStore) Put(k PairKey, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.data.Sessions[k.String()]
	s.data.Sessions[k.String()] = rec
	if err := s.flush(); err != nil {
		if had {
			s.data.Sessions[k.String()] = prev
		} else {
			delete(s.data.Sessions, k.String())
		}
		return err
	}
	return nil
}

func (s *FileStore) Peers(owner common.IdentityID) ([]common.IdentityID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var peers []common.IdentityID
	for k := range s.data.Sessions {
		o, p, ok := strings.Cut(k, ":")
		if !ok || o != owner.String() {
			continue
		}
		peer, err := common.ParseIdentityID(p)
		if err != nil {
			return nil, fmt.Errorf("corrupt session key %q: %w", k, err)
		}
		peers = append(peers, peer)
	}
	return sortPeers(peers), nil
}

func (s *FileStore) SaveIdentity(rec IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Identities[rec.UserID] = rec
	return s.flush()
}

func (s *FileStore) LoadIdentity(id common.IdentityID) (IdentityRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.Identities[id]
	return rec, ok, nil
}

// flush seals the current contents and atomically replaces the file.
func (s *FileStore) flush() error {
	pt, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	b, err := json.Marshal(blob{
		V:      keystoreFormatVersion,
		Salt:   s.salt,
		N:      s.n,
		R:      s.r,
		P:      s.p,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, pt, s.salt),
	})
	if err != nil {
		return err
	}
	return writeFile(s.path, b, 0o600)
}

// writeFile writes bytes via a temp file, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Tunables for scrypt key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }
