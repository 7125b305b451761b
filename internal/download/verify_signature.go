package download

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/kolide/selfupdate/internal/engineerrors"
)

// KeyFormat names the encoding a public key is supplied in.
type KeyFormat string

// KeyType names the signature algorithm a public key is used with.
type KeyType string

const (
	// KeyFormatPEM is the only key format this engine supports.
	KeyFormatPEM KeyFormat = "PEM"
	// KeyTypeEd25519 is the only key type this engine supports.
	KeyTypeEd25519 KeyType = "ED25519"
)

// SignatureVerifier validates a detached signature over a message file
// against one or more trusted public keys. Verification succeeds if at
// least one key validates the signature; a malformed key is Misconfigured,
// not a
// verification failure.
type SignatureVerifier struct {
	KeyFormat KeyFormat
	KeyType   KeyType
	// Keys holds the encoded public keys, e.g. PEM blocks.
	Keys []string
	// MessageFilename is the auxiliary file the signature is computed
	// over (typically the checksum manifest).
	MessageFilename string
	// SignatureFilename is the auxiliary file holding the raw detached
	// signature bytes.
	SignatureFilename string
}

var _ Verifier = (*SignatureVerifier)(nil)

// RequiredFilenames implements Verifier.
func (s *SignatureVerifier) RequiredFilenames() []string {
	return []string{s.MessageFilename, s.SignatureFilename}
}

// Verify implements Verifier.
func (s *SignatureVerifier) Verify(_ string, files map[string]string) error {
	const op = "download.SignatureVerifier.Verify"

	if s.KeyFormat != KeyFormatPEM {
		return engineerrors.Newf(engineerrors.Misconfigured, op, "unsupported key format %q", s.KeyFormat)
	}
	if s.KeyType != KeyTypeEd25519 {
		return engineerrors.Newf(engineerrors.Misconfigured, op, "unsupported key type %q", s.KeyType)
	}
	if len(s.Keys) == 0 {
		return engineerrors.Newf(engineerrors.Misconfigured, op, "no public keys configured")
	}

	messagePath, ok := files[s.MessageFilename]
	if !ok {
		return engineerrors.Newf(engineerrors.Misconfigured, op, "message file %q was not fetched", s.MessageFilename)
	}
	sigPath, ok := files[s.SignatureFilename]
	if !ok {
		return engineerrors.Newf(engineerrors.Misconfigured, op, "signature file %q was not fetched", s.SignatureFilename)
	}

	message, err := os.ReadFile(messagePath)
	if err != nil {
		return engineerrors.New(engineerrors.VerificationFailed, op, fmt.Errorf("reading message file: %w", err))
	}
	signature, err := os.ReadFile(sigPath)
	if err != nil {
		return engineerrors.New(engineerrors.VerificationFailed, op, fmt.Errorf("reading signature file: %w", err))
	}

	keys := make([]ed25519.PublicKey, 0, len(s.Keys))
	for i, encoded := range s.Keys {
		key, err := parseEd25519PublicKeyPEM(encoded)
		if err != nil {
			return engineerrors.New(engineerrors.Misconfigured, op, fmt.Errorf("parsing key %d: %w", i, err))
		}
		keys = append(keys, key)
	}

	for _, key := range keys {
		if ed25519.Verify(key, message, signature) {
			return nil
		}
	}

	return engineerrors.Newf(engineerrors.VerificationFailed, op, "signature did not verify against any of %d configured keys", len(keys))
}

func parseEd25519PublicKeyPEM(encoded string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(encoded))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKIX public key: %w", err)
	}

	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not an Ed25519 public key")
	}
	return key, nil
}
