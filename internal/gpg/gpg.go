// Package gpg signs bundle checksum lists and verifies those signatures.
package gpg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
)

const (
	maxFileSize = 1024 * 1024 * 1024 // 1GB upper bound for anything read into memory here
	keyFileMode = 0600               // Required file permissions for private key files on Unix systems
)

// Sentinel errors
var (
	ErrNoKeys        = errors.New("no keys in keyring")
	ErrNotPrivateKey = errors.New("key is not a private key")
	ErrEmptyKey      = errors.New("armored data cannot be empty")
)

// KeyRing represents a collection of PGP keys for signature verification
type KeyRing interface {
	VerifyDetached(message []byte, signature []byte) error
	AddKey(key Key) error
}

// Key represents a PGP public key
type Key interface {
	IsRevoked() bool
	GetFingerprint() string
}

// RealKeyRing implements KeyRing interface using gopenpgp v2 for actual cryptographic verification
type RealKeyRing struct {
	keyRing *crypto.KeyRing
}

// RealKey implements Key interface with actual PGP key data
type RealKey struct {
	pgpKey      *crypto.Key
	fingerprint string
}

// NewRealKeyRing creates an empty RealKeyRing
func NewRealKeyRing() *RealKeyRing {
	return &RealKeyRing{}
}

// VerifyDetached checks a detached signature. Armored signatures are tried
// first, then binary.
func (rk *RealKeyRing) VerifyDetached(message []byte, signature []byte) error {
	if rk.keyRing == nil {
		return ErrNoKeys
	}

	plainMessage := crypto.NewPlainMessage(message)

	pgpSignature, err := crypto.NewPGPSignatureFromArmored(string(signature))
	if err != nil {
		pgpSignature = crypto.NewPGPSignature(signature)
	}

	if err := rk.keyRing.VerifyDetached(plainMessage, pgpSignature, crypto.GetUnixTime()); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// AddKey implements KeyRing interface
func (rk *RealKeyRing) AddKey(key Key) error {
	if key == nil {
		return fmt.Errorf("key cannot be nil")
	}

	realKey, ok := key.(*RealKey)
	if !ok {
		return fmt.Errorf("unsupported key type")
	}

	if rk.keyRing == nil {
		var err error
		rk.keyRing, err = crypto.NewKeyRing(realKey.pgpKey)
		if err != nil {
			return fmt.Errorf("failed to create keyring: %w", err)
		}
		return nil
	}

	if err := rk.keyRing.AddKey(realKey.pgpKey); err != nil {
		return fmt.Errorf("failed to add key to keyring: %w", err)
	}
	return nil
}

// CountKeys returns the number of keys in the ring.
func (rk *RealKeyRing) CountKeys() int {
	if rk.keyRing == nil {
		return 0
	}
	return rk.keyRing.CountEntities()
}

// NewRealKey parses an armored key. Private keys are reduced to their
// public half.
func NewRealKey(armoredData string) (*RealKey, error) {
	if armoredData == "" {
		return nil, ErrEmptyKey
	}

	pgpKey, err := crypto.NewKeyFromArmored(armoredData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PGP key: %w", err)
	}
	if pgpKey.IsPrivate() {
		if pgpKey, err = pgpKey.ToPublic(); err != nil {
			return nil, fmt.Errorf("failed to extract public key: %w", err)
		}
	}

	return &RealKey{pgpKey: pgpKey, fingerprint: pgpKey.GetFingerprint()}, nil
}

// IsRevoked implements Key interface
func (rk *RealKey) IsRevoked() bool {
	return rk.pgpKey.IsRevoked()
}

// GetFingerprint implements Key interface
func (rk *RealKey) GetFingerprint() string {
	return rk.fingerprint
}

// NewKeyRingFromArmored builds a keyring from one or more armored public keys.
func NewKeyRingFromArmored(armoredKeys ...string) (*RealKeyRing, error) {
	if len(armoredKeys) == 0 {
		return nil, fmt.Errorf("no armored keys provided")
	}

	keyRing := NewRealKeyRing()
	for i, armoredKey := range armoredKeys {
		key, err := NewRealKey(armoredKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse armored key at index %d: %w", i, err)
		}
		if err := validateKey(key); err != nil {
			return nil, fmt.Errorf("invalid key at index %d: %w", i, err)
		}
		if err := keyRing.AddKey(key); err != nil {
			return nil, err
		}
	}
	return keyRing, nil
}

// LoadKeyRingFromFile loads a keyring from one armored public key file.
func LoadKeyRingFromFile(path string) (*RealKeyRing, error) {
	data, err := readBounded(path, "key file")
	if err != nil {
		return nil, err
	}
	return NewKeyRingFromArmored(string(data))
}

// LoadKeyRingFromPath loads all ASCII-armored PGP public keys from the given directory path
func LoadKeyRingFromPath(keysPath string) (*RealKeyRing, error) {
	files, err := os.ReadDir(keysPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read keys directory: %w", err)
	}

	var armored []string
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".asc" {
			continue
		}
		data, err := readBounded(filepath.Join(keysPath, file.Name()), "key file")
		if err != nil {
			return nil, fmt.Errorf("invalid key file '%s': %w", file.Name(), err)
		}
		armored = append(armored, string(data))
	}

	if len(armored) == 0 {
		return nil, fmt.Errorf("no .asc keys found in directory")
	}
	return NewKeyRingFromArmored(armored...)
}

// VerifyFile verifies a detached signature file against a data file.
func VerifyFile(keyRing KeyRing, dataFilePath, sigFilePath string) error {
	if keyRing == nil {
		return fmt.Errorf("keyring cannot be nil")
	}

	data, err := readBounded(dataFilePath, "data file")
	if err != nil {
		return err
	}
	sig, err := readBounded(sigFilePath, "signature file")
	if err != nil {
		return err
	}

	return keyRing.VerifyDetached(data, sig)
}

// Signer produces armored detached signatures with an unlocked private key.
type Signer struct {
	keyRing     *crypto.KeyRing
	fingerprint string
	publicKey   string
}

// LoadSigner unlocks an armored private key. An empty passphrase is used
// for keys that are not encrypted.
func LoadSigner(armoredPrivateKey string, passphrase []byte) (*Signer, error) {
	if armoredPrivateKey == "" {
		return nil, ErrEmptyKey
	}

	key, err := crypto.NewKeyFromArmored(armoredPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PGP key: %w", err)
	}
	if !key.IsPrivate() {
		return nil, ErrNotPrivateKey
	}

	locked, err := key.IsLocked()
	if err != nil {
		return nil, fmt.Errorf("failed to inspect private key: %w", err)
	}
	if locked {
		if key, err = key.Unlock(passphrase); err != nil {
			return nil, fmt.Errorf("failed to unlock private key: %w", err)
		}
	}

	publicKey, err := key.GetArmoredPublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to export public key: %w", err)
	}

	keyRing, err := crypto.NewKeyRing(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyring: %w", err)
	}

	return &Signer{keyRing: keyRing, fingerprint: key.GetFingerprint(), publicKey: publicKey}, nil
}

// LoadSignerFromFile reads an armored private key file. The file must not
// be readable by group or others.
func LoadSignerFromFile(path string, passphrase []byte) (*Signer, error) {
	if err := validateKeyFile(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return LoadSigner(string(data), passphrase)
}

// Fingerprint returns the signing key fingerprint.
func (s *Signer) Fingerprint() string {
	return s.fingerprint
}

// PublicKey returns the armored public half of the signing key.
func (s *Signer) PublicKey() string {
	return s.publicKey
}

// SignDetached returns an armored detached signature over data.
func (s *Signer) SignDetached(data []byte) (string, error) {
	sig, err := s.keyRing.SignDetached(crypto.NewPlainMessage(data))
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	armored, err := sig.GetArmored()
	if err != nil {
		return "", fmt.Errorf("failed to armor signature: %w", err)
	}
	return armored, nil
}

// SignFile writes an armored detached signature of path to sigPath.
func (s *Signer) SignFile(path, sigPath string) error {
	data, err := readBounded(path, "data file")
	if err != nil {
		return err
	}
	armored, err := s.SignDetached(data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(sigPath, []byte(armored), 0644); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}
	return nil
}

func readBounded(path, what string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%s exceeds maximum allowed size of %d bytes", what, maxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}
	return data, nil
}

// validateKeyFile checks private key file permissions and size
func validateKeyFile(filePath string) error {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("failed to access key file: %w", err)
	}

	if fileInfo.Size() > maxFileSize {
		return fmt.Errorf("key file exceeds maximum allowed size of %d bytes", maxFileSize)
	}

	if perm := fileInfo.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("key file has incorrect permissions. Expected %o, got %o", keyFileMode, perm)
	}

	return nil
}

// validateKey performs basic validation of a PGP key
func validateKey(key Key) error {
	if key == nil {
		return fmt.Errorf("key is nil")
	}
	if key.IsRevoked() {
		return fmt.Errorf("key is revoked")
	}
	return nil
}
