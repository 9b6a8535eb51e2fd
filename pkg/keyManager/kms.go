package keyManager

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// decryptWithKMS reads a KMS ciphertext blob (raw or base64) from path and
// asks KMS to unwrap it into a raw 32 byte secp256k1 key
func decryptWithKMS(ctx context.Context, client KMSDecrypter, path string) (*ecdsa.PrivateKey, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read KMS ciphertext %s", path)
	}
	if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(blob))); err == nil {
		blob = decoded
	}

	out, err := client.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decrypt key material from %s", path)
	}
	defer clear(out.Plaintext)

	key, err := crypto.ToECDSA(out.Plaintext)
	if err != nil {
		return nil, errors.Wrap(err, "KMS plaintext is not a valid secp256k1 private key")
	}
	return key, nil
}
