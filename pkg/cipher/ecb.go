package cipher

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/tuyago/localtuya/pkg/tuyaerr"
)

// AES-128-ECB is deliberately absent from crypto/cipher (the stdlib only
// exposes chained modes); every community Tuya-local client reaches for the
// same block-at-a-time loop over crypto/aes.NewCipher, which is what we do
// here. No package in the retrieved corpus offers a ready-made ECB mode, so
// this stays on the standard library per DESIGN.md.

func ecbEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.DecryptError, "aes key setup", err)
	}
	if len(plaintext)%block.BlockSize() != 0 {
		return nil, tuyaerr.New(tuyaerr.DecryptError, "ecb plaintext not block aligned")
	}
	out := make([]byte, len(plaintext))
	bs := block.BlockSize()
	for off := 0; off < len(plaintext); off += bs {
		block.Encrypt(out[off:off+bs], plaintext[off:off+bs])
	}
	return out, nil
}

func ecbDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.DecryptError, "aes key setup", err)
	}
	bs := block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, tuyaerr.New(tuyaerr.DecryptError, "ecb ciphertext not block aligned")
	}
	out := make([]byte, len(ciphertext))
	for off := 0; off < len(ciphertext); off += bs {
		block.Decrypt(out[off:off+bs], ciphertext[off:off+bs])
	}
	return out, nil
}

// PKCS7Pad is the exported form of pkcs7Pad, used by the frame codec to
// pre-pad v3.4 plaintext before calling Cipher.Encrypt (which runs with
// padding disabled).
func PKCS7Pad(data []byte, blockSize int) []byte { return pkcs7Pad(data, blockSize) }

// pkcs7Pad pads data to a multiple of blockSize, always appending at least
// one byte (a full block of padding when len(data) is already aligned), using
// the pad value itself as the fill byte.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad strips the trailing fill bytes written by pkcs7Pad.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, tuyaerr.New(tuyaerr.DecryptError, "empty padded buffer")
	}
	padLen := int(data[len(data)-1])
	if padLen <= 0 || padLen > len(data) {
		return nil, tuyaerr.New(tuyaerr.DecryptError, "invalid pkcs7 padding")
	}
	return data[:len(data)-padLen], nil
}

func gcmEncrypt(key, iv, plaintext, aad []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, tuyaerr.Wrap(tuyaerr.DecryptError, "aes key setup", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, nil, tuyaerr.Wrap(tuyaerr.DecryptError, "gcm setup", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	tagStart := len(sealed) - gcm.Overhead()
	return sealed[:tagStart], sealed[tagStart:], nil
}

func gcmDecrypt(key, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.DecryptError, "aes key setup", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.DecryptError, "gcm setup", err)
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.DecryptError, "gcm authentication failed", err)
	}
	return plaintext, nil
}
