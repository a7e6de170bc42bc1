package spice

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"

	"github.com/lanternops/spice-go/internal/spice/wire"
)

// DefaultPasswordEncryptor implements PasswordEncryptor using the scheme
// the SPICE wire protocol actually specifies: the server's public key
// arrives as a DER-encoded X.509 SubjectPublicKeyInfo (the 162-byte blob
// a 1024-bit RSA key marshals to), and the password is encrypted against
// it with RSA-OAEP/SHA-1 and no label, matching spice-common's
// openssl.c:spice_ciphertext_encrypt.
func DefaultPasswordEncryptor(pubKey [wire.PubKeySize]byte, password string) ([]byte, error) {
	pub, err := x509.ParsePKIXPublicKey(pubKey[:])
	if err != nil {
		return nil, protoErr("link", "parse server public key", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, protoErr("link", "server public key is not RSA", nil)
	}

	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, rsaPub, []byte(password), nil)
	if err != nil {
		return nil, protoErr("link", "encrypt password", err)
	}
	return ciphertext, nil
}
