package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ContentHash returns the lower-case hex SHA-256 of |data|. Every
// content-addressed identity in the system (bundle hashes, config hashes,
// snapshot integrity) is derived through it.
func ContentHash(data []byte) string {
	var sum = sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashJSON canonicalizes |v| through encoding/json (struct fields in
// declaration order, map keys sorted) and hashes the encoding. Two values
// with equal canonical encodings therefore share a hash.
func HashJSON(v interface{}) (string, error) {
	var b, err = json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalizing for hash: %w", err)
	}
	return ContentHash(b), nil
}

// SourceSignature derives a snapshot's source signature: the referenced
// bundle hashes are sorted, joined with "|", and content-hashed.
func SourceSignature(bundleHashes []string) string {
	var sorted = append([]string(nil), bundleHashes...)
	sort.Strings(sorted)
	return ContentHash([]byte(strings.Join(sorted, "|")))
}

// ComputeIntegrity hashes the snapshot document with its Integrity field
// blanked.
func (s *Snapshot) ComputeIntegrity() (string, error) {
	var clone = *s
	clone.Integrity = ""
	return HashJSON(&clone)
}

// SealIntegrity computes the integrity hash and stores it on the snapshot.
func (s *Snapshot) SealIntegrity() error {
	var hash, err = s.ComputeIntegrity()
	if err != nil {
		return err
	}
	s.Integrity = hash
	return nil
}

// VerifyIntegrity recomputes the integrity hash and compares it to the
// stored value.
func (s *Snapshot) VerifyIntegrity() error {
	var hash, err = s.ComputeIntegrity()
	if err != nil {
		return err
	} else if hash != s.Integrity {
		return fmt.Errorf("snapshot integrity mismatch: computed %s, stored %s", hash, s.Integrity)
	}
	return nil
}
