package client

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/gcm"
	"github.com/companyzero/omemo/omemoid"
)

// cryptoEngine is the default CryptoEngine: AES-GCM via the gcm package,
// key material via omemoid, randomness from crypto/rand.
type cryptoEngine struct{}

var _ clientintf.CryptoEngine = cryptoEngine{}

func (cryptoEngine) Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (cryptoEngine) AEADEncrypt(key, iv, additionalData, plaintext []byte) ([]byte, error) {
	return gcm.Seal(key, iv, additionalData, plaintext)
}

func (cryptoEngine) AEADDecrypt(key, iv, additionalData, box []byte) ([]byte, error) {
	data, err := gcm.Open(key, iv, additionalData, box)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", clientintf.ErrAuthFailure, err)
	}
	return data, nil
}

func (cryptoEngine) GenerateIdentity() (*omemoid.FullIdentity, error) {
	return omemoid.New()
}

func (cryptoEngine) GeneratePreKey(id uint32) (*omemoid.PreKey, error) {
	return omemoid.NewPreKey(id)
}

func (cryptoEngine) GenerateSignedPreKey(id uint32, identity *omemoid.FullIdentity) (*omemoid.SignedPreKey, error) {
	return omemoid.NewSignedPreKey(id, identity)
}

func (cryptoEngine) Fingerprint(pub omemoid.FixedSizeX25519Public) string {
	return omemoid.Fingerprint(pub)
}
