package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	"github.com/zenazn/pkcs7pad"
)

var ErrShortPayload = errors.New("sealed payload is shorter than one block")

type AesCbc struct {
	cipher cipher.Block
}

// AesCbcConfig holds the shared key. Every sealed payload gets a fresh IV carried in
// front of the ciphertext.
type AesCbcConfig struct {
	Key []byte
}

func NewAesCbc(cfg AesCbcConfig) (*AesCbc, error) {
	cipher, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, err
	}

	return &AesCbc{
		cipher: cipher,
	}, nil
}

// Seal encrypts payload under a random IV and returns IV || ciphertext.
func (c *AesCbc) Seal(payload []byte) ([]byte, error) {
	iv := make([]byte, c.cipher.BlockSize())

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.Wrap(err, "iv")
	}

	return append(iv, c.encrypt(iv, payload)...), nil
}

// Open reverses Seal.
func (c *AesCbc) Open(sealed []byte) ([]byte, error) {
	size := c.cipher.BlockSize()

	if len(sealed) < 2*size || len(sealed)%size != 0 {
		return nil, ErrShortPayload
	}

	return c.decrypt(sealed[:size], sealed[size:])
}

func (c *AesCbc) encrypt(iv, payload []byte) []byte {
	payload = pkcs7pad.Pad(payload, c.cipher.BlockSize())

	encrypter := cipher.NewCBCEncrypter(c.cipher, iv)
	encrypted := make([]byte, len(payload))

	encrypter.CryptBlocks(encrypted, payload)

	return encrypted
}

func (c *AesCbc) decrypt(iv, payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload)%c.cipher.BlockSize() != 0 {
		return nil, ErrShortPayload
	}

	decrypter := cipher.NewCBCDecrypter(c.cipher, iv)
	decrypted := make([]byte, len(payload))

	decrypter.CryptBlocks(decrypted, payload)

	return pkcs7pad.Unpad(decrypted)
}
