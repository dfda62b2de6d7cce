// Package signer provides the detached-signature producer and verifier used
// to make every envelope's sender identity verifiable by receivers. The
// backend is modeled as an opaque verifier that reports its findings as
// human-readable text (exactly the way a shelled-out `gpg --verify` would);
// Info is extracted from that text with the two regexes below, so the
// extraction logic is exercised the same way regardless of which concrete
// backend produced the report.
//
// Called by: envelope.New, envelope.Validate
// Calls: github.com/ProtonMail/go-crypto/openpgp
package signer

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/gan-ainm/toolbox/pkg/codec"
	"github.com/gan-ainm/toolbox/pkg/ipcerr"
)

// Info is the signer identity extracted from a verification report:
// {valid, key_fingerprint, email, name}. Fields that could not be captured
// from the report are "unknown", never the empty string, so callers can
// distinguish "no identity" from "field truly absent".
type Info struct {
	Valid          bool
	KeyFingerprint string
	Email          string
	Name           string
}

const unknown = "unknown"

// keyFingerprintPattern captures a hex run of at least 32 characters; a v4
// OpenPGP fingerprint (20 bytes) renders as 40.
var keyFingerprintPattern = regexp.MustCompile(`[0-9A-Fa-f]{32,}`)

// identityPattern captures "Name <email>" the way gpg's human-readable
// report quotes the signer's primary user id.
var identityPattern = regexp.MustCompile(`"([^"<]+)\s*<([^>]+)>"`)

// Signer produces detached signatures over arbitrary bytes using the
// caller's default identity, and verifies a detached signature against an
// identity keyring, surfacing the signer's reported name/email/fingerprint.
// Sign and Verify must be safe for concurrent use: implementations that
// hold exclusive resources must serialize calls internally, since a single
// Signer value is shared across endpoints.
type Signer interface {
	// Sign returns an encoded detached signature over data, produced
	// with the caller's default signing identity. Fails with
	// ipcerr.ErrSignerUnavailable if no identity is configured or the
	// backend errors.
	Sign(data []byte) (string, error)

	// Verify checks encodedSig against data and returns the signer
	// identity reported by the backend. A signature that fails to
	// verify against a known identity still returns Info{Valid: false}
	// with no error; only a structurally unparseable signature (bad
	// armor, truncated packet) returns ipcerr.ErrBadSignature.
	Verify(data []byte, encodedSig string) (Info, error)
}

// OpenPGPSigner is the default Signer backend: a real OpenPGP keyring
// loaded from an armored secret/public keyring file. Sign produces a real
// ASCII-armored detached signature; Verify checks it against the same
// keyring and renders a gpg-style report before parsing it back out, so the
// report-parsing path is exercised against real crypto output.
type OpenPGPSigner struct {
	keyring       openpgp.EntityList
	signingEntity *openpgp.Entity
}

// NewOpenPGPSigner loads an armored keyring from keyringPath and selects
// the first entity with a usable (decrypted) private key as the default
// signing identity. A keyring containing only public keys is still usable
// for Verify; Sign on such a signer fails with ipcerr.ErrSignerUnavailable.
func NewOpenPGPSigner(keyringPath string) (*OpenPGPSigner, error) {
	f, err := os.Open(keyringPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening keyring: %v", ipcerr.ErrSignerUnavailable, err)
	}
	defer f.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("%w: reading keyring: %v", ipcerr.ErrSignerUnavailable, err)
	}

	var signingEntity *openpgp.Entity
	for _, e := range keyring {
		if e.PrivateKey != nil && !e.PrivateKey.Encrypted {
			signingEntity = e
			break
		}
	}

	return &OpenPGPSigner{keyring: keyring, signingEntity: signingEntity}, nil
}

// Sign implements Signer.
func (s *OpenPGPSigner) Sign(data []byte) (string, error) {
	if s.signingEntity == nil {
		return "", fmt.Errorf("%w: no usable signing identity", ipcerr.ErrSignerUnavailable)
	}

	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, s.signingEntity, bytes.NewReader(data), nil); err != nil {
		return "", fmt.Errorf("%w: %v", ipcerr.ErrSignerUnavailable, err)
	}

	return codec.Encode(buf.Bytes()), nil
}

// Verify implements Signer.
func (s *OpenPGPSigner) Verify(data []byte, encodedSig string) (Info, error) {
	sigBytes, err := codec.Decode(encodedSig)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ipcerr.ErrBadSignature, err)
	}

	// A signature block that doesn't even armor-decode to a signature
	// packet is structurally unparseable, distinct from one that decodes
	// fine but fails to verify against the message or keyring.
	block, armorErr := armor.Decode(bytes.NewReader(sigBytes))
	if armorErr != nil || block.Type != openpgp.SignatureType {
		return Info{}, fmt.Errorf("%w: not a valid signature block", ipcerr.ErrBadSignature)
	}

	entity, verifyErr := openpgp.CheckArmoredDetachedSignature(s.keyring, bytes.NewReader(data), bytes.NewReader(sigBytes), nil)
	report := renderReport(entity, verifyErr)
	info := parseReport(report)
	info.Valid = verifyErr == nil
	return info, nil
}

// renderReport synthesizes the gpg-style human-readable verification report
// that Info is extracted from, mirroring what a real `gpg --verify` prints.
func renderReport(entity *openpgp.Entity, verifyErr error) string {
	if entity == nil {
		return "gpg: Can't check signature: No public key"
	}

	identity := primaryIdentityString(entity)
	fingerprint := hex.EncodeToString(entity.PrimaryKey.Fingerprint[:])

	status := "Good signature from"
	if verifyErr != nil {
		status = "BAD signature from"
	}

	return fmt.Sprintf("%s %q\nPrimary key fingerprint: %s", status, identity, fingerprint)
}

// primaryIdentityString returns "Name <email>" for entity's primary
// identity, or its bare user id string if name/email cannot be split out.
func primaryIdentityString(entity *openpgp.Entity) string {
	for _, id := range entity.Identities {
		if id.UserId != nil {
			return fmt.Sprintf("%s <%s>", id.UserId.Name, id.UserId.Email)
		}
		return id.Name
	}
	return ""
}

// parseReport extracts Info from report text using keyFingerprintPattern
// and identityPattern. A capture that fails to match leaves the
// corresponding field "unknown".
func parseReport(report string) Info {
	info := Info{KeyFingerprint: unknown, Email: unknown, Name: unknown}

	if m := keyFingerprintPattern.FindString(report); m != "" {
		info.KeyFingerprint = m
	}
	if m := identityPattern.FindStringSubmatch(report); len(m) == 3 {
		info.Name = m[1]
		info.Email = m[2]
	}

	return info
}
