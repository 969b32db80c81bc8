package efble

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"fmt"
)

// SessionKeys holds the symmetric material for one authenticated connection.
// The shared key encrypts only the key-exchange leg of the handshake; the
// session key encrypts everything after it. Both use the same IV, derived
// from the full ECDH shared secret. Keys never leave the session boundary;
// Destroy zeroes them at teardown.
type SessionKeys struct {
	sharedKey  [16]byte
	sessionKey [16]byte
	iv         [16]byte
	hasSession bool
}

// newSessionKeysFromSecret derives the pre-authentication material from an
// ECDH shared secret: IV = MD5(secret), shared key = secret[:16].
func newSessionKeysFromSecret(secret []byte) (*SessionKeys, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("shared secret too short: %d bytes", len(secret))
	}
	k := &SessionKeys{iv: md5.Sum(secret)}
	copy(k.sharedKey[:], secret[:16])
	return k, nil
}

// deriveSessionKey fixes the session key from the device-chosen seed and
// random bytes. The derivation is a pure function of its inputs:
//
//	pos = seed[0]*0x10 + ((seed[1]-1)&0xFF)*0x100
//	key = MD5(table[pos:pos+16] || srand[:16])
func (k *SessionKeys) deriveSessionKey(table KeyTable, seed [2]byte, srand []byte) error {
	if err := table.Validate(); err != nil {
		return err
	}
	if len(srand) < 16 {
		return fmt.Errorf("srand too short: %d bytes", len(srand))
	}

	pos := int(seed[0])*0x10 + int((seed[1]-1)&0xFF)*0x100

	material := make([]byte, 0, 32)
	material = append(material, table.slice16(pos)...)
	material = append(material, srand[:16]...)
	k.sessionKey = md5.Sum(material)
	k.hasSession = true
	zero(material)
	return nil
}

// EncryptSession encrypts a payload with the session key.
func (k *SessionKeys) EncryptSession(plaintext []byte) ([]byte, error) {
	if !k.hasSession {
		return nil, fmt.Errorf("%w: session key not derived", ErrNotAuthenticated)
	}
	return encryptCBC(k.sessionKey[:], k.iv[:], plaintext)
}

// DecryptSession decrypts a payload with the session key.
func (k *SessionKeys) DecryptSession(ciphertext []byte) ([]byte, error) {
	if !k.hasSession {
		return nil, fmt.Errorf("%w: session key not derived", ErrNotAuthenticated)
	}
	return decryptCBC(k.sessionKey[:], k.iv[:], ciphertext)
}

// DecryptShared decrypts a payload with the pre-authentication shared key.
func (k *SessionKeys) DecryptShared(ciphertext []byte) ([]byte, error) {
	return decryptCBC(k.sharedKey[:], k.iv[:], ciphertext)
}

// Destroy zeroes all key material. The keys are unusable afterwards.
func (k *SessionKeys) Destroy() {
	zero(k.sharedKey[:])
	zero(k.sessionKey[:])
	zero(k.iv[:])
	k.hasSession = false
}

// The device keeps no cipher state across payloads, so a fresh CBC cipher is
// built per operation.
func encryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func decryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrAuthFailure, len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("bad padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("bad padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// identityProof builds the account-identity payload the device verifies:
// uppercase-hex MD5 of accountID concatenated with the device serial number.
func identityProof(accountID, deviceSN string) []byte {
	sum := md5.Sum([]byte(accountID + deviceSN))
	return []byte(fmt.Sprintf("%X", sum))
}
